package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/remittance/internal/aggregation"
	"github.com/smallbiznis/remittance/internal/clock"
	"github.com/smallbiznis/remittance/internal/config"
	obsmetrics "github.com/smallbiznis/remittance/internal/observability/metrics"
	"github.com/smallbiznis/remittance/internal/ratelimit"
	remittancedomain "github.com/smallbiznis/remittance/internal/remittance/domain"
	remittanceservice "github.com/smallbiznis/remittance/internal/remittance/service"
	"github.com/smallbiznis/remittance/internal/scheduler/guard"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobRetrySweep       = "retry_sweep"
	JobFlushWindows     = "flush_windows"
	JobPurgeRemittances = "purge_remittances"
	JobReconcileStuck   = "reconcile_stuck"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type retrySweeper interface {
	ProcessRetries(ctx context.Context, asOf time.Time) (int, error)
}

type flusher interface {
	Flush(ctx context.Context) (aggregation.FlushResult, error)
}

type leader interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

type Params struct {
	fx.In

	Log      *zap.Logger
	Ledger   remittancedomain.Service
	Sweeper  *remittanceservice.RetrySweeper
	Flusher  *aggregation.FlushCoordinator `optional:"true"`
	Leader   *ratelimit.LeaderLock         `optional:"true"`
	Pipeline *config.PipelineConfigHolder
	GenID    *snowflake.Node
	Clock    clock.Clock
	Config   Config `optional:"true"`
}

type Scheduler struct {
	log      *zap.Logger
	cfg      Config
	genID    *snowflake.Node
	clock    clock.Clock
	ledger   remittancedomain.Service
	sweeper  retrySweeper
	flusher  flusher
	leader   leader
	pipeline *config.PipelineConfigHolder

	mu        sync.Mutex
	lastFlush time.Time
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Ledger == nil || p.Sweeper == nil || p.Pipeline == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	s := &Scheduler{
		log:      p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:      p.Config.withDefaults(),
		genID:    p.GenID,
		clock:    p.Clock,
		ledger:   p.Ledger,
		sweeper:  p.Sweeper,
		leader:   p.Leader,
		pipeline: p.Pipeline,
	}
	if p.Flusher != nil {
		s.flusher = p.Flusher
	}
	return s, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(run.fields()...)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run.errors == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// deadline is a soft timeout; the next tick picks the work up again
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs every enabled job once if this replica holds leadership.
func (s *Scheduler) RunOnce(parent context.Context) error {
	isLeader, err := s.leader.Acquire(parent)
	if err != nil {
		s.log.Warn("leader election failed", zap.Error(err))
		obsmetrics.Scheduler().SetLeader(false)
		return nil
	}
	obsmetrics.Scheduler().SetLeader(isLeader)
	if !isLeader {
		for _, name := range []string{JobRetrySweep, JobFlushWindows, JobPurgeRemittances, JobReconcileStuck} {
			obsmetrics.Scheduler().IncBatchDeferred(name, obsmetrics.SchedulerBatchDeferredReasonNotLeader)
		}
		return nil
	}

	pipeline := s.pipeline.Get()
	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{JobReconcileStuck, s.isJobEnabled(JobReconcileStuck), func(ctx context.Context) error {
			return s.runJob(ctx, JobReconcileStuck, 0, s.cfg.JobTimeout, s.ReconcileStuckJob)
		}},
		{JobRetrySweep, s.isJobEnabled(JobRetrySweep), func(ctx context.Context) error {
			return s.runJob(ctx, JobRetrySweep, pipeline.Retry.BatchSize, s.cfg.JobTimeout, s.RetrySweepJob)
		}},
		{JobFlushWindows, s.isJobEnabled(JobFlushWindows) && s.flusher != nil, func(ctx context.Context) error {
			return s.runJob(ctx, JobFlushWindows, pipeline.Partitions, s.cfg.JobTimeout, s.FlushWindowsJob)
		}},
		{JobPurgeRemittances, s.isJobEnabled(JobPurgeRemittances), func(ctx context.Context) error {
			return s.runJob(ctx, JobPurgeRemittances, 0, s.cfg.JobTimeout, s.PurgeRemittancesJob)
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := time.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			if err := s.leader.Release(context.Background()); err != nil {
				s.log.Warn("leader release failed", zap.Error(err))
			}
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// RetrySweepJob drains every row due now, one batch at a time.
func (s *Scheduler) RetrySweepJob(ctx context.Context) error {
	batch := s.pipeline.Get().Retry.BatchSize
	ctx, run, owner := s.ensureJobRun(ctx, JobRetrySweep, batch)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	asOf := s.clock.Now()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		cleared, err := s.sweeper.ProcessRetries(ctx, asOf)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.retry.failed", err)
			return err
		}
		run.AddProcessed(cleared)
		// a batch with failures clears fewer rows than it claimed; stop
		// rather than spin on rows that keep failing
		if cleared == 0 || batch <= 0 || cleared < batch {
			if cleared == 0 {
				obsmetrics.Scheduler().IncBatchDeferred(JobRetrySweep, obsmetrics.SchedulerBatchDeferredReasonSkipLockedEmpty)
			}
			return nil
		}
	}
}

func (s *Scheduler) FlushWindowsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobFlushWindows, s.pipeline.Get().Partitions)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	now := s.clock.Now()

	s.mu.Lock()
	last := s.lastFlush
	s.mu.Unlock()
	if err := guard.EnsureFlushDue(last, now, s.pipeline.Get().FlushInterval); err != nil {
		return nil
	}

	result, err := s.flusher.Flush(ctx)
	run.AddProcessed(len(result.Succeeded))
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.flush.partial", err,
			zap.Int("failed_partitions", len(result.Failed)),
		)
		return err
	}

	s.mu.Lock()
	s.lastFlush = now
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) PurgeRemittancesJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobPurgeRemittances, 0)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	cutoff, err := guard.PurgeCutoff(s.clock.Now(), s.pipeline.Get().Retention)
	if err != nil {
		return nil
	}
	deleted, err := s.ledger.PurgeBefore(ctx, cutoff)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.purge.failed", err)
		return err
	}
	run.AddProcessed(int(deleted))
	obsmetrics.Scheduler().AddBatchProcessed(JobPurgeRemittances, "remittances", int(deleted))
	return nil
}

func (s *Scheduler) ReconcileStuckJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobReconcileStuck, 0)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	threshold := s.pipeline.Get().StuckAfter
	if err := guard.EnsureStuckThreshold(threshold); err != nil {
		return nil
	}
	lockStart := time.Now()
	moved, err := s.ledger.ReconcileStuck(ctx, threshold)
	obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceRemittancesStuck, time.Since(lockStart))
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.reconcile.failed", err)
		return err
	}
	run.AddProcessed(int(moved))
	obsmetrics.Scheduler().AddBatchProcessed(JobReconcileStuck, obsmetrics.LockResourceRemittancesStuck, int(moved))
	return nil
}
