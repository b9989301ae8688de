package scheduler

import (
	"context"
	"time"

	"github.com/smallbiznis/affiliate-automation/internal/executor"
	obscontext "github.com/smallbiznis/affiliate-automation/internal/observability/context"
	obslogger "github.com/smallbiznis/affiliate-automation/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/affiliate-automation/internal/observability/metrics"
	"github.com/smallbiznis/affiliate-automation/pkg/telemetry/correlation"
	"go.uber.org/zap"
)

// jobRun accumulates what one scheduler job did so a single finish line
// carries the whole outcome.
type jobRun struct {
	job       string
	runID     string
	batchSize int
	startedAt time.Time

	processed int
	succeeded int
	failed    int
	retried   int
	deferred  int
	requeued  int
	finalized int
	cancelled int
	errors    int
}

type jobRunKey struct{}

func (r *jobRun) recordExecution(summary executor.Summary) {
	if r == nil {
		return
	}
	r.processed += summary.Processed
	r.succeeded += summary.Succeeded
	r.failed += summary.Failed
	r.retried += summary.Retried
	r.deferred += summary.Deferred
}

func (r *jobRun) recordRecovery(summary executor.RecoverySummary) {
	if r == nil {
		return
	}
	r.processed += summary.Total()
	r.requeued += summary.Requeued
	r.failed += summary.Failed
	r.finalized += summary.Finalized
	r.cancelled += summary.Cancelled
}

func (r *jobRun) IncError() {
	if r == nil {
		return
	}
	r.errors++
}

func (s *Scheduler) ensureJobRun(ctx context.Context, job string, batchSize int) (context.Context, *jobRun, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	if existing := jobRunFromContext(ctx); existing != nil {
		return ctx, existing, false
	}
	run := &jobRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		batchSize: batchSize,
		startedAt: s.clock.Now(),
	}
	ctx = context.WithValue(ctx, jobRunKey{}, run)
	ctx = obscontext.WithActor(ctx, "system", "scheduler")
	ctx, _ = correlation.EnsureCorrelationID(ctx)
	return ctx, run, true
}

func jobRunFromContext(ctx context.Context) *jobRun {
	if ctx == nil {
		return nil
	}
	run, _ := ctx.Value(jobRunKey{}).(*jobRun)
	return run
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) logJobStart(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	s.logger(ctx).Debug("scheduler.job.start",
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int("batch_size", run.batchSize),
	)
}

func (s *Scheduler) logJobFinish(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	fields := []zap.Field{
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int64("duration_ms", s.clock.Now().Sub(run.startedAt).Milliseconds()),
		zap.Int("processed", run.processed),
		zap.Int("error_count", run.errors),
	}
	switch run.job {
	case JobRunDueJobs:
		fields = append(fields,
			zap.Int("succeeded", run.succeeded),
			zap.Int("failed", run.failed),
			zap.Int("retried", run.retried),
			zap.Int("deferred", run.deferred),
		)
	case JobRecoverStaleJobs:
		fields = append(fields,
			zap.Int("requeued", run.requeued),
			zap.Int("failed", run.failed),
			zap.Int("finalized", run.finalized),
			zap.Int("cancelled", run.cancelled),
		)
	}

	log := s.logger(ctx)
	switch {
	case run.errors > 0:
		log.Warn("scheduler.job.finish", fields...)
	case run.processed > 0:
		log.Info("scheduler.job.finish", fields...)
	default:
		// idle polls every minute are noise at info
		log.Debug("scheduler.job.finish", fields...)
	}
}

func (s *Scheduler) logJobError(ctx context.Context, run *jobRun, err error) {
	if err == nil || run == nil {
		return
	}
	run.IncError()
	s.logger(ctx).Error("scheduler.job.failed",
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.String("error_type", obsmetrics.ClassifySchedulerErrorType(err)),
		zap.Bool("retryable", obsmetrics.IsSchedulerErrorRetryable(err)),
		zap.Error(err),
	)
}
