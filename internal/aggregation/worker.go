package aggregation

import (
	"context"
	"errors"
	"sync"
	"time"

	obsmetrics "github.com/smallbiznis/remittance/internal/observability/metrics"
	usagedomain "github.com/smallbiznis/remittance/internal/usage/domain"
	"go.uber.org/zap"
)

var ErrPoolStopped = errors.New("aggregation_pool_stopped")

// Emitter receives every closed window exactly once.
type Emitter interface {
	Emit(ctx context.Context, agg usagedomain.Aggregate) error
}

type task struct {
	ctx    context.Context
	record usagedomain.UsageRecord
	ts     time.Time
	flush  bool
}

// partitionWorker is the single writer for one partition's windows.
type partitionWorker struct {
	partition int32
	agg       *WindowedAggregator
	in        chan task
	emitter   Emitter
	log       *zap.Logger
}

func (w *partitionWorker) run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			w.drop()
			return
		case t, ok := <-w.in:
			if !ok {
				w.drop()
				return
			}
			w.handle(ctx, t)
		}
	}
}

// taskContext keeps a task's values under the worker's lifetime, so closed
// windows are still emitted after the consumer poll that queued them ends.
type taskContext struct {
	context.Context
	values context.Context
}

func (c taskContext) Value(key any) any {
	return c.values.Value(key)
}

func (w *partitionWorker) handle(ctx context.Context, t task) {
	tctx := ctx
	if t.ctx != nil {
		tctx = taskContext{Context: ctx, values: t.ctx}
	}

	var closed []usagedomain.Aggregate
	if t.flush {
		closed = w.agg.Flush(t.ts)
		w.log.Info("flush sentinel processed",
			zap.Int32("partition", w.partition),
			zap.Int("closed", len(closed)),
			zap.Time("stream_time", w.agg.StreamTime()),
		)
	} else {
		var accepted bool
		closed, accepted = w.agg.Process(tctx, t.record, t.ts)
		if !accepted {
			w.log.Debug("late usage dropped",
				zap.Int32("partition", w.partition),
				zap.String("org_id", t.record.OrgID),
				zap.Time("event_time", t.ts),
				zap.Time("stream_time", w.agg.StreamTime()),
			)
		}
	}

	for _, agg := range closed {
		if err := w.emitter.Emit(tctx, agg); err != nil {
			w.log.Error("aggregate emission failed",
				zap.Int32("partition", w.partition),
				zap.String("aggregate_id", agg.AggregateID.String()),
				zap.String("org_id", agg.Key.OrgID),
				zap.String("total_value", agg.TotalValue.String()),
				zap.Time("window_start", agg.WindowStart),
				zap.Error(err),
			)
		}
	}
}

func (w *partitionWorker) drop() {
	if n := w.agg.OpenWindows(); n > 0 {
		w.log.Warn("discarding open windows on shutdown",
			zap.Int32("partition", w.partition),
			zap.Int("open_windows", n),
		)
	}
}

// Pool runs one worker per partition. Tasks for a partition are handled in
// the order they were dispatched.
type Pool struct {
	workers []*partitionWorker
	log     *zap.Logger

	mu      sync.RWMutex
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type PoolConfig struct {
	Partitions  int
	WindowSize  time.Duration
	WindowGrace time.Duration
	QueueSize   int
}

func NewPool(cfg PoolConfig, emitter Emitter, metrics *obsmetrics.Metrics, log *zap.Logger) *Pool {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	log = log.Named("aggregation.pool")
	workers := make([]*partitionWorker, cfg.Partitions)
	for i := range workers {
		workers[i] = &partitionWorker{
			partition: int32(i),
			agg:       NewWindowedAggregator(cfg.WindowSize, cfg.WindowGrace, metrics),
			in:        make(chan task, cfg.QueueSize),
			emitter:   emitter,
			log:       log,
		}
	}
	return &Pool{workers: workers, log: log}
}

func (p *Pool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for _, w := range p.workers {
		p.wg.Add(1)
		go w.run(ctx, &p.wg)
	}
}

// Stop drains queued tasks and waits for every worker to exit. When ctx ends
// first, workers are cancelled and whatever is still queued is discarded.
func (p *Pool) Stop(ctx context.Context) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	for _, w := range p.workers {
		close(w.in)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.log.Warn("pool drain interrupted", zap.Error(ctx.Err()))
	}
	if p.cancel != nil {
		p.cancel()
	}
	<-done
}

func (p *Pool) Partitions() int {
	return len(p.workers)
}

// Dispatch queues a usage record for the worker owning partition.
func (p *Pool) Dispatch(ctx context.Context, partition int32, r usagedomain.UsageRecord, ts time.Time) error {
	return p.enqueue(ctx, partition, task{ctx: ctx, record: r, ts: ts})
}

// DispatchFlush queues a flush sentinel for the worker owning partition.
func (p *Pool) DispatchFlush(ctx context.Context, partition int32, ts time.Time) error {
	return p.enqueue(ctx, partition, task{ctx: ctx, ts: ts, flush: true})
}

func (p *Pool) enqueue(ctx context.Context, partition int32, t task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}

	w := p.worker(partition)
	select {
	case w.in <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) worker(partition int32) *partitionWorker {
	n := int32(len(p.workers))
	if partition >= 0 && partition < n {
		return p.workers[partition]
	}
	idx := partition % n
	if idx < 0 {
		idx += n
	}
	p.log.Warn("partition outside configured range",
		zap.Int32("partition", partition),
		zap.Int("configured", len(p.workers)),
	)
	return p.workers[idx]
}
