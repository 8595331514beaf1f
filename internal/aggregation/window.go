package aggregation

import (
	"context"
	"sort"
	"time"

	obsmetrics "github.com/smallbiznis/remittance/internal/observability/metrics"
	usagedomain "github.com/smallbiznis/remittance/internal/usage/domain"
)

type bufferKey struct {
	key         usagedomain.AggregateKey
	windowStart time.Time
}

// WindowedAggregator owns the open tumbling windows of a single partition.
// It is driven by stream time, the highest record timestamp seen on the
// partition, and is not safe for concurrent use.
type WindowedAggregator struct {
	size    time.Duration
	grace   time.Duration
	metrics *obsmetrics.Metrics

	open       map[bufferKey]*usagedomain.Aggregate
	streamTime time.Time
}

func NewWindowedAggregator(size, grace time.Duration, metrics *obsmetrics.Metrics) *WindowedAggregator {
	return &WindowedAggregator{
		size:    size,
		grace:   grace,
		metrics: metrics,
		open:    make(map[bufferKey]*usagedomain.Aggregate),
	}
}

func (a *WindowedAggregator) windowStart(ts time.Time) time.Time {
	return ts.UTC().Truncate(a.size)
}

func (a *WindowedAggregator) closesAt(windowStart time.Time) time.Time {
	return windowStart.Add(a.size + a.grace)
}

func (a *WindowedAggregator) advance(ts time.Time) {
	if ts.After(a.streamTime) {
		a.streamTime = ts.UTC()
	}
}

// Process folds r into its window at event time ts and returns every window
// that closed as a result. A record whose window already closed is dropped
// and reported as not accepted.
func (a *WindowedAggregator) Process(ctx context.Context, r usagedomain.UsageRecord, ts time.Time) ([]usagedomain.Aggregate, bool) {
	a.advance(ts)

	start := a.windowStart(ts)
	if !a.closesAt(start).After(a.streamTime) {
		a.metrics.RecordLateRecordDropped(ctx, r.ProductID)
		return a.expire(), false
	}

	bk := bufferKey{key: usagedomain.DeriveKey(r), windowStart: start}
	agg, ok := a.open[bk]
	if !ok {
		agg = usagedomain.NewAggregate(bk.key, start)
		a.open[bk] = agg
	}
	agg.Add(r)
	a.metrics.RecordUsageAggregated(ctx, r.ProductID, r.MetricID, r.BillingProvider)

	return a.expire(), true
}

// Advance moves stream time forward without contributing a record.
func (a *WindowedAggregator) Advance(ts time.Time) []usagedomain.Aggregate {
	a.advance(ts)
	return a.expire()
}

// Flush pushes stream time past the close deadline of every open window, so
// all of them are emitted and later records for them count as late.
func (a *WindowedAggregator) Flush(ts time.Time) []usagedomain.Aggregate {
	a.advance(ts)
	for bk := range a.open {
		a.advance(a.closesAt(bk.windowStart))
	}
	return a.expire()
}

func (a *WindowedAggregator) OpenWindows() int {
	return len(a.open)
}

func (a *WindowedAggregator) StreamTime() time.Time {
	return a.streamTime
}

func (a *WindowedAggregator) expire() []usagedomain.Aggregate {
	var closed []usagedomain.Aggregate
	for bk, agg := range a.open {
		if a.closesAt(bk.windowStart).After(a.streamTime) {
			continue
		}
		closed = append(closed, *agg)
		delete(a.open, bk)
	}
	sort.Slice(closed, func(i, j int) bool {
		if !closed[i].WindowStart.Equal(closed[j].WindowStart) {
			return closed[i].WindowStart.Before(closed[j].WindowStart)
		}
		return closed[i].Key.String() < closed[j].Key.String()
	})
	return closed
}
