package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	SchedulerErrorTypeDeadlineExceeded = "deadline_exceeded"
	SchedulerErrorTypeBusinessRule     = "business_rule"
	SchedulerErrorTypeDB               = "db"
	SchedulerErrorTypeUnknown          = "unknown"
)

const (
	SchedulerJobReasonDeadlineExceeded     = "deadline_exceeded"
	SchedulerJobReasonDBLockTimeout        = "db_lock_timeout"
	SchedulerJobReasonSerializationFailure = "serialization_failure"
	SchedulerJobReasonDeadlock             = "deadlock"
	SchedulerJobReasonUniqueViolation      = "unique_violation"
	SchedulerJobReasonUnknown              = "unknown"

	SchedulerBatchDeferredReasonSkipLockedEmpty = "skip_locked_empty"
	SchedulerBatchDeferredReasonNotLeader       = "not_leader"
)

const (
	LockResourceRemittancesForRetry = "remittances_for_retry"
	LockResourceRemittancesStuck    = "remittances_stuck"
)

// Resubmission outcomes.
const (
	ResubmitCleared = "cleared"
	ResubmitFailed  = "failed"
	ResubmitSkipped = "skipped"
)

var pgReasons = map[string]string{
	"55P03": SchedulerJobReasonDBLockTimeout,
	"40001": SchedulerJobReasonSerializationFailure,
	"40P01": SchedulerJobReasonDeadlock,
	"23505": SchedulerJobReasonUniqueViolation,
}

// SchedulerMetrics covers the periodic ledger jobs: retry sweeps, window
// flushes, purges and stuck-row reconciliation.
type SchedulerMetrics struct {
	jobRuns        *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobTimeouts    *prometheus.CounterVec
	jobErrors      *prometheus.CounterVec
	batchProcessed *prometheus.CounterVec
	batchDeferred  *prometheus.CounterVec
	resubmissions  *prometheus.CounterVec
	leader         prometheus.Gauge
	runLoopLag     prometheus.Observer
	dbLockWait     *prometheus.HistogramVec
	lockWait       map[string]prometheus.Observer
}

var (
	schedulerMetricsOnce sync.Once
	schedulerMetrics     *SchedulerMetrics
)

// Scheduler returns the process-wide scheduler metrics.
func Scheduler() *SchedulerMetrics {
	return SchedulerWithConfig(Config{})
}

// SchedulerWithConfig registers the scheduler metrics on first use. Later
// calls return the same instance whatever cfg they pass.
func SchedulerWithConfig(cfg Config) *SchedulerMetrics {
	schedulerMetricsOnce.Do(func() {
		schedulerMetrics = newSchedulerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return schedulerMetrics
}

func ResetSchedulerMetricsForTest() {
	schedulerMetricsOnce = sync.Once{}
	schedulerMetrics = nil
}

func newSchedulerMetrics(registerer prometheus.Registerer, cfg Config) *SchedulerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	labels := prometheus.Labels{
		"service": orDefault(cfg.ServiceName, "remittance"),
		"env":     orDefault(cfg.Environment, "unknown"),
	}
	counter := func(name, help string, dims ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "remittance",
			Subsystem:   "scheduler",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, dims)
	}
	histogram := func(name, help string, buckets []float64, dims ...string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "remittance",
			Subsystem:   "scheduler",
			Name:        name,
			Help:        help,
			Buckets:     buckets,
			ConstLabels: labels,
		}, dims)
	}

	m := &SchedulerMetrics{
		jobRuns:        counter("job_runs_total", "Scheduler job runs by name.", "job"),
		jobTimeouts:    counter("job_timeouts_total", "Scheduler jobs that hit their soft timeout.", "job"),
		jobErrors:      counter("job_errors_total", "Scheduler job errors by reason.", "job", "reason"),
		batchProcessed: counter("batch_processed_total", "Ledger rows processed by scheduler jobs.", "job", "resource"),
		batchDeferred:  counter("batch_deferred_total", "Scheduler batches deferred by reason.", "job", "reason"),
		resubmissions:  counter("resubmissions_total", "Remittances resubmitted by the retry sweeper.", "billing_provider", "outcome"),
		jobDuration: histogram("job_duration_seconds", "Scheduler job latency.",
			[]float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}, "job"),
		dbLockWait: histogram("db_lock_wait_seconds", "Time spent claiming ledger rows with SKIP LOCKED.",
			[]float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}, "resource"),
		leader: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "remittance",
			Subsystem:   "scheduler",
			Name:        "leader",
			Help:        "1 while this replica holds scheduler leadership.",
			ConstLabels: labels,
		}),
	}
	lag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   "remittance",
		Subsystem:   "scheduler",
		Name:        "runloop_lag_seconds",
		Help:        "Delay of a scheduler tick beyond its interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		ConstLabels: labels,
	})
	m.runLoopLag = lag
	m.lockWait = map[string]prometheus.Observer{
		LockResourceRemittancesForRetry: m.dbLockWait.WithLabelValues(LockResourceRemittancesForRetry),
		LockResourceRemittancesStuck:    m.dbLockWait.WithLabelValues(LockResourceRemittancesStuck),
	}

	registerer.MustRegister(
		m.jobRuns,
		m.jobDuration,
		m.jobTimeouts,
		m.jobErrors,
		m.batchProcessed,
		m.batchDeferred,
		m.resubmissions,
		m.leader,
		lag,
		m.dbLockWait,
	)
	return m
}

func orDefault(value, def string) string {
	if value = strings.TrimSpace(value); value != "" {
		return value
	}
	return def
}

func (m *SchedulerMetrics) IncJobRun(job string) {
	if m != nil {
		m.jobRuns.WithLabelValues(job).Inc()
	}
}

func (m *SchedulerMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m != nil {
		m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
	}
}

func (m *SchedulerMetrics) IncJobTimeout(job string) {
	if m != nil {
		m.jobTimeouts.WithLabelValues(job).Inc()
	}
}

// IncJobError counts err under its classified reason.
func (m *SchedulerMetrics) IncJobError(job string, err error) {
	if m != nil && err != nil {
		m.jobErrors.WithLabelValues(job, ClassifySchedulerJobReason(err)).Inc()
	}
}

func (m *SchedulerMetrics) AddBatchProcessed(job, resource string, count int) {
	if m != nil && count > 0 {
		m.batchProcessed.WithLabelValues(job, resource).Add(float64(count))
	}
}

func (m *SchedulerMetrics) IncBatchDeferred(job, reason string) {
	if m != nil {
		m.batchDeferred.WithLabelValues(job, reason).Inc()
	}
}

// ObserveResubmission records one retry sweeper attempt for a remittance.
func (m *SchedulerMetrics) ObserveResubmission(provider, outcome string) {
	if m != nil {
		m.resubmissions.WithLabelValues(orDefault(strings.ToLower(provider), "unknown"), outcome).Inc()
	}
}

// SetLeader reports whether this replica currently runs the jobs.
func (m *SchedulerMetrics) SetLeader(held bool) {
	if m == nil {
		return
	}
	if held {
		m.leader.Set(1)
		return
	}
	m.leader.Set(0)
}

func (m *SchedulerMetrics) ObserveRunLoopLag(duration time.Duration) {
	if m != nil {
		m.runLoopLag.Observe(max(duration, 0).Seconds())
	}
}

func (m *SchedulerMetrics) ObserveDBLockWait(resource string, duration time.Duration) {
	if m == nil {
		return
	}
	if observer, ok := m.lockWait[resource]; ok {
		observer.Observe(duration.Seconds())
		return
	}
	m.dbLockWait.WithLabelValues(resource).Observe(duration.Seconds())
}

func isContextErr(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// ClassifySchedulerErrorType returns a low-cardinality error type for logging.
func ClassifySchedulerErrorType(err error) string {
	switch {
	case err == nil:
		return SchedulerErrorTypeUnknown
	case isContextErr(err):
		return SchedulerErrorTypeDeadlineExceeded
	case isDBError(err):
		return SchedulerErrorTypeDB
	default:
		return SchedulerErrorTypeBusinessRule
	}
}

// IsSchedulerErrorRetryable reports whether the next tick may succeed
// where this one failed.
func IsSchedulerErrorRetryable(err error) bool {
	return err != nil && (isContextErr(err) || isDBError(err))
}

// ClassifySchedulerJobReason maps job errors to low-cardinality reasons.
func ClassifySchedulerJobReason(err error) string {
	switch {
	case err == nil:
		return SchedulerJobReasonUnknown
	case isContextErr(err):
		return SchedulerJobReasonDeadlineExceeded
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return SchedulerJobReasonUniqueViolation
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if reason, ok := pgReasons[pgErr.Code]; ok {
			return reason
		}
	}
	return SchedulerJobReasonUnknown
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrInvalidData) ||
		errors.Is(err, gorm.ErrMissingWhereClause) ||
		errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}
