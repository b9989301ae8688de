package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smallbiznis/affiliate-automation/internal/automation/domain"
	obscontext "github.com/smallbiznis/affiliate-automation/internal/observability/context"
	obsmetrics "github.com/smallbiznis/affiliate-automation/internal/observability/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const leaseExpiredMessage = "lease expired"

// RecoverySummary counts what a sweep did with expired leases.
type RecoverySummary struct {
	Requeued  int `json:"requeued"`
	Failed    int `json:"failed"`
	Finalized int `json:"finalized"`
	Cancelled int `json:"cancelled"`
}

// Total counts the stale jobs the sweep acted on.
func (s RecoverySummary) Total() int {
	return s.Requeued + s.Failed + s.Finalized + s.Cancelled
}

// RecoverStaleJobs returns jobs whose processing lease expired to the queue.
// A job whose message already went out is finalized instead so it is never
// sent twice; any other job consumes one retry and is due again at now,
// unless its sequence was cancelled.
func (e *Executor) RecoverStaleJobs(ctx context.Context, limit int, now time.Time) (RecoverySummary, error) {
	engine := e.engine.Get()
	if limit <= 0 {
		limit = engine.BatchSize
	}
	now = now.UTC()
	cutoff := now.Add(-engine.LeaseTimeout)

	ctx = obscontext.WithActor(ctx, "system", "executor")
	ctx, span := e.tracer.Start(ctx, "executor.RecoverStaleJobs")
	defer span.End()

	var (
		summary RecoverySummary
		sent    []domain.Job
	)
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		summary = RecoverySummary{}
		sent = sent[:0]

		jobs, err := e.findStaleJobs(ctx, tx, cutoff, limit)
		if err != nil {
			return err
		}
		for _, job := range jobs {
			if job.MessageSent {
				sent = append(sent, job)
				continue
			}

			retryCount := job.RetryCount + 1
			if retryCount < e.maxRetries(job) {
				status, ok, err := retryJob(ctx, tx, job, retryCount, leaseExpiredMessage, now, now)
				if err != nil {
					return fmt.Errorf("requeue job %s: %w", job.ID, err)
				}
				if ok && status == domain.JobStatusCancelled {
					summary.Cancelled++
					continue
				}
				if ok {
					summary.Requeued++
					e.jobLogger(ctx, job).Debug("executor.recovery.requeued",
						zap.Int("retry_count", retryCount),
						zap.String("claimed_by", job.ClaimedBy),
					)
				}
				continue
			}

			ok, err := failJob(ctx, tx, job, retryCount, leaseExpiredMessage, now)
			if err != nil {
				return fmt.Errorf("fail job %s: %w", job.ID, err)
			}
			if !ok {
				continue
			}
			if err := recordLogFailed(ctx, tx, job, now); err != nil {
				return fmt.Errorf("update log: %w", err)
			}
			summary.Failed++
		}
		return nil
	})
	if err != nil {
		return RecoverySummary{}, fmt.Errorf("recover stale jobs: %w", err)
	}

	var finalizeErr error
	for _, job := range sent {
		result := e.finalize(ctx, job, job.MessageID, now)
		if result.Err != nil {
			if errors.Is(result.Err, errLeaseLost) {
				continue
			}
			finalizeErr = errors.Join(finalizeErr, fmt.Errorf("finalize job %s: %w", job.ID, result.Err))
			continue
		}
		summary.Finalized++
	}

	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.AddRecovered(obsmetrics.RecoveryActionRequeued, summary.Requeued)
	schedMetrics.AddRecovered(obsmetrics.RecoveryActionFailed, summary.Failed)
	schedMetrics.AddRecovered(obsmetrics.RecoveryActionFinalized, summary.Finalized)
	schedMetrics.AddRecovered(obsmetrics.RecoveryActionCancelled, summary.Cancelled)

	if summary.Total() > 0 {
		e.logger(ctx).Warn("executor.recovery.finish",
			zap.Int("requeued", summary.Requeued),
			zap.Int("failed", summary.Failed),
			zap.Int("finalized", summary.Finalized),
			zap.Int("cancelled", summary.Cancelled),
		)
	}
	return summary, finalizeErr
}
