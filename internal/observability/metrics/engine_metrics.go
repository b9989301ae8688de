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
	SchedulerJobReasonUniqueViolation      = "unique_violation"
	SchedulerJobReasonUnknown              = "unknown"
)

// Job outcomes recorded by the executor.
const (
	JobOutcomeCompleted = "completed"
	JobOutcomeRetried   = "retried"
	JobOutcomeFailed    = "failed"
	JobOutcomeSkipped   = "skipped"
	JobOutcomeCancelled = "cancelled"
)

// Trigger outcomes recorded per automation by the dispatcher.
const (
	TriggerOutcomeScheduled    = "scheduled"
	TriggerOutcomeDuplicate    = "duplicate"
	TriggerOutcomeNoAutomation = "no_automation"
)

const (
	RecoveryActionRequeued  = "requeued"
	RecoveryActionFailed    = "failed"
	RecoveryActionFinalized = "finalized"
	RecoveryActionCancelled = "cancelled"
)

const (
	LockResourceDueJobs     = "automation_jobs_due"
	LockResourceStaleJobs   = "automation_jobs_stale"
	LockResourceCreditAcct  = "credit_accounts"
	LockResourceOwnerLease  = "automation_owner_leases"
	LockResourceLeaderRedis = "scheduler_leader"
)

// SchedulerMetrics captures automation engine health signals.
type SchedulerMetrics struct {
	jobRuns        *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobTimeouts    *prometheus.CounterVec
	jobErrors      *prometheus.CounterVec
	batchProcessed *prometheus.CounterVec
	runLoopLag     prometheus.Observer
	dbLockWait     *prometheus.HistogramVec

	jobOutcomes    *prometheus.CounterVec
	triggers       *prometheus.CounterVec
	creditDebits   *prometheus.CounterVec
	recovered      *prometheus.CounterVec
	sendDuration   *prometheus.HistogramVec
	leaderSkipped  prometheus.Counter
	lockWaitByName map[string]prometheus.Observer
}

var (
	schedulerMetricsOnce sync.Once
	schedulerMetrics     *SchedulerMetrics
)

// Scheduler returns the singleton engine metrics registry.
func Scheduler() *SchedulerMetrics {
	return SchedulerWithConfig(Config{})
}

// SchedulerWithConfig returns the singleton engine metrics registry using config labels.
func SchedulerWithConfig(cfg Config) *SchedulerMetrics {
	schedulerMetricsOnce.Do(func() {
		schedulerMetrics = newSchedulerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return schedulerMetrics
}

// ResetSchedulerMetricsForTest resets the metrics singleton for tests.
func ResetSchedulerMetricsForTest() {
	schedulerMetricsOnce = sync.Once{}
	schedulerMetrics = nil
}

func newSchedulerMetrics(registerer prometheus.Registerer, cfg Config) *SchedulerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "affiliate-automation"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "automation_scheduler_job_runs_total",
		Help:        "Scheduler job runs by name.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "automation_scheduler_job_duration_seconds",
		Help:        "Scheduler job latency per poll.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		ConstLabels: constLabels,
	}, []string{"job"})
	jobTimeouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "automation_scheduler_job_timeouts_total",
		Help:        "Scheduler job timeouts.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "automation_scheduler_job_errors_total",
		Help:        "Scheduler job errors by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	batchProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "automation_scheduler_batch_processed_total",
		Help:        "Items processed per scheduler job.",
		ConstLabels: constLabels,
	}, []string{"job", "resource"})
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "automation_scheduler_runloop_lag_seconds",
		Help:        "Scheduler run loop lag beyond the configured interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		ConstLabels: constLabels,
	})
	dbLockWait := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "automation_db_lock_wait_seconds",
		Help:        "DB lock wait time for SELECT FOR UPDATE claims.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		ConstLabels: constLabels,
	}, []string{"resource"})
	jobOutcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "automation_jobs_total",
		Help:        "Executed automation jobs by outcome.",
		ConstLabels: constLabels,
	}, []string{"outcome"})
	triggers := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "automation_triggers_total",
		Help:        "Trigger dispatches by trigger type and outcome.",
		ConstLabels: constLabels,
	}, []string{"trigger_type", "outcome"})
	creditDebits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "automation_credit_debits_total",
		Help:        "Credit debit attempts by result.",
		ConstLabels: constLabels,
	}, []string{"result"})
	recovered := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "automation_jobs_recovered_total",
		Help:        "Expired processing leases handled by the recovery sweep.",
		ConstLabels: constLabels,
	}, []string{"action"})
	sendDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "automation_send_duration_seconds",
		Help:        "Outbound transport latency.",
		Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		ConstLabels: constLabels,
	}, []string{"provider", "result"})
	leaderSkipped := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "automation_scheduler_leader_skipped_total",
		Help:        "Poll ticks skipped because another instance held the leader lock.",
		ConstLabels: constLabels,
	})

	registerer.MustRegister(
		jobRuns,
		jobDuration,
		jobTimeouts,
		jobErrors,
		batchProcessed,
		runLoopLag,
		dbLockWait,
		jobOutcomes,
		triggers,
		creditDebits,
		recovered,
		sendDuration,
		leaderSkipped,
	)

	lockWaitByName := map[string]prometheus.Observer{
		LockResourceDueJobs:     dbLockWait.WithLabelValues(LockResourceDueJobs),
		LockResourceStaleJobs:   dbLockWait.WithLabelValues(LockResourceStaleJobs),
		LockResourceCreditAcct:  dbLockWait.WithLabelValues(LockResourceCreditAcct),
		LockResourceOwnerLease:  dbLockWait.WithLabelValues(LockResourceOwnerLease),
		LockResourceLeaderRedis: dbLockWait.WithLabelValues(LockResourceLeaderRedis),
	}

	return &SchedulerMetrics{
		jobRuns:        jobRuns,
		jobDuration:    jobDuration,
		jobTimeouts:    jobTimeouts,
		jobErrors:      jobErrors,
		batchProcessed: batchProcessed,
		runLoopLag:     runLoopLag,
		dbLockWait:     dbLockWait,
		jobOutcomes:    jobOutcomes,
		triggers:       triggers,
		creditDebits:   creditDebits,
		recovered:      recovered,
		sendDuration:   sendDuration,
		leaderSkipped:  leaderSkipped,
		lockWaitByName: lockWaitByName,
	}
}

// IncJobRun increments the run counter for a scheduler job.
func (m *SchedulerMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

// ObserveJobDuration records scheduler job latency in seconds.
func (m *SchedulerMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// IncJobTimeout increments the timeout counter for the scheduler job.
func (m *SchedulerMetrics) IncJobTimeout(job string) {
	if m == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

// IncJobError increments the scheduler job error counter with classification.
func (m *SchedulerMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifySchedulerJobReason(err)).Inc()
}

// AddBatchProcessed increments the batch processed counter for a resource by count.
func (m *SchedulerMetrics) AddBatchProcessed(job, resource string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.batchProcessed.WithLabelValues(job, resource).Add(float64(count))
}

// ObserveRunLoopLag records lag between the scheduled tick and actual run start.
func (m *SchedulerMetrics) ObserveRunLoopLag(duration time.Duration) {
	if m == nil {
		return
	}
	lag := duration
	if lag < 0 {
		lag = 0
	}
	m.runLoopLag.Observe(lag.Seconds())
}

// ObserveDBLockWait records lock wait time for SELECT FOR UPDATE work.
func (m *SchedulerMetrics) ObserveDBLockWait(resource string, duration time.Duration) {
	if m == nil {
		return
	}
	if observer, ok := m.lockWaitByName[resource]; ok {
		observer.Observe(duration.Seconds())
		return
	}
	m.dbLockWait.WithLabelValues(resource).Observe(duration.Seconds())
}

func (m *SchedulerMetrics) IncJobOutcome(outcome string) {
	if m == nil {
		return
	}
	m.jobOutcomes.WithLabelValues(outcome).Inc()
}

func (m *SchedulerMetrics) IncTrigger(triggerType, outcome string) {
	if m == nil {
		return
	}
	m.triggers.WithLabelValues(triggerType, outcome).Inc()
}

func (m *SchedulerMetrics) IncCreditDebit(result string) {
	if m == nil {
		return
	}
	m.creditDebits.WithLabelValues(result).Inc()
}

func (m *SchedulerMetrics) AddRecovered(action string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.recovered.WithLabelValues(action).Add(float64(count))
}

func (m *SchedulerMetrics) ObserveSend(provider string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.sendDuration.WithLabelValues(provider, result).Observe(duration.Seconds())
}

func (m *SchedulerMetrics) IncLeaderSkipped() {
	if m == nil {
		return
	}
	m.leaderSkipped.Inc()
}

// ClassifySchedulerErrorType returns a low-cardinality error type for logging.
func ClassifySchedulerErrorType(err error) string {
	if err == nil {
		return SchedulerErrorTypeUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return SchedulerErrorTypeDeadlineExceeded
	}
	if isDBError(err) {
		return SchedulerErrorTypeDB
	}
	return SchedulerErrorTypeBusinessRule
}

// IsSchedulerErrorRetryable reports whether the scheduler error should be retried.
func IsSchedulerErrorRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	return isDBError(err)
}

// ClassifySchedulerJobReason maps scheduler job errors to low-cardinality reasons.
func ClassifySchedulerJobReason(err error) string {
	if err == nil {
		return SchedulerJobReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return SchedulerJobReasonDeadlineExceeded
	}
	if hasPGCode(err, "55P03") {
		return SchedulerJobReasonDBLockTimeout
	}
	if hasPGCode(err, "40001") {
		return SchedulerJobReasonSerializationFailure
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || hasPGCode(err, "23505") {
		return SchedulerJobReasonUniqueViolation
	}
	return SchedulerJobReasonUnknown
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrInvalidField) ||
		errors.Is(err, gorm.ErrInvalidData) ||
		errors.Is(err, gorm.ErrMissingWhereClause) ||
		errors.Is(err, gorm.ErrUnsupportedDriver) ||
		errors.Is(err, gorm.ErrInvalidValue) ||
		errors.Is(err, gorm.ErrNotImplemented) ||
		errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}
