package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smallbiznis/affiliate-automation/internal/automation/domain"
	creditdomain "github.com/smallbiznis/affiliate-automation/internal/credit/domain"
	obscontext "github.com/smallbiznis/affiliate-automation/internal/observability/context"
	obsmetrics "github.com/smallbiznis/affiliate-automation/internal/observability/metrics"
	"github.com/smallbiznis/affiliate-automation/internal/observability/tracing"
	"github.com/smallbiznis/affiliate-automation/internal/providers/email"
	"github.com/smallbiznis/affiliate-automation/internal/shortcode"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errStepNotFound    = errors.New("step not found")
	errSubjectNotFound = errors.New("subject not found")
	errLeaseLost       = errors.New("lease_lost")
)

const (
	releaseOwnerBusy     = "owner busy"
	releasePollCancelled = "poll cancelled"
)

// RunOne executes a job already claimed by this worker (status processing).
// Domain failures are recorded on the job row and reported in the result;
// only store errors surface through JobResult.Err.
func (e *Executor) RunOne(ctx context.Context, job domain.Job, now time.Time) JobResult {
	ctx = obscontext.WithOwnerID(ctx, job.OwnerID.String())
	ctx, span := e.tracer.Start(ctx, "executor.RunOne")
	defer span.End()
	span.SetAttributes(tracing.SafeAttributes(
		attribute.String("job_id", job.ID.String()),
		attribute.String("automation_id", job.AutomationID.String()),
		attribute.Int("retry_count", job.RetryCount),
	)...)

	result := e.runOne(ctx, job, e.stampFrom(now))
	switch {
	case result.Err != nil:
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, "store error")
	case result.Deferred:
		span.SetAttributes(attribute.String("deferred", result.Error))
	case !result.Success:
		span.SetStatus(codes.Error, tracing.SafeError(errors.New(result.Error)).Error())
	}
	return result
}

func (e *Executor) runOne(ctx context.Context, job domain.Job, at stamp) JobResult {
	log := e.jobLogger(ctx, job)

	// Sent before a crash; finish the bookkeeping without sending again.
	if job.MessageSent {
		return e.finalize(ctx, job, job.MessageID, at.Now())
	}

	// The owner lease spans the balance check through the debit, so no other
	// job of this owner can spend the checked credit.
	acquired, err := e.acquireOwnerLease(ctx, job, at.Now())
	if err != nil {
		return e.fatal(ctx, job, fmt.Errorf("acquire owner lease: %w", err))
	}
	if !acquired {
		return e.release(ctx, job, at.Now(), releaseOwnerBusy)
	}
	defer func() {
		if err := e.releaseOwnerLease(context.WithoutCancel(ctx), job); err != nil {
			log.Warn("executor.owner_lease.release_failed", zap.Error(err))
		}
	}()

	content, err := e.loadContent(ctx, job)
	switch {
	case errors.Is(err, errStepNotFound), errors.Is(err, errSubjectNotFound):
		return e.failure(ctx, job, err.Error(), at.Now())
	case err != nil:
		return e.fatal(ctx, job, fmt.Errorf("load job content: %w", err))
	}

	account, err := e.credit.Balance(ctx, job.OwnerID)
	switch {
	case errors.Is(err, creditdomain.ErrAccountNotFound):
		return e.failure(ctx, job, creditdomain.ErrInsufficientCredit.Error(), at.Now())
	case err != nil:
		return e.fatal(ctx, job, fmt.Errorf("read balance: %w", err))
	}
	if account.Balance < job.CreditAmount {
		log.Info("executor.job.insufficient_credit",
			zap.Int64("balance", account.Balance),
			zap.Int64("credit_amount", job.CreditAmount),
		)
		return e.failure(ctx, job, creditdomain.ErrInsufficientCredit.Error(), at.Now())
	}

	vars := shortcode.Variables(shortcode.Contact{
		Name:     content.Subject.Name,
		Email:    content.Subject.Email,
		Phone:    content.Subject.Phone,
		WhatsApp: content.Subject.WhatsApp,
	}, content.Owner.DisplayName)
	msg := email.Message{
		To:       content.Subject.Email,
		ToName:   content.Subject.Name,
		Subject:  shortcode.Render(content.Step.SubjectTemplate, vars),
		HTML:     shortcode.Render(content.Step.BodyTemplate, vars),
		FromName: content.Owner.DisplayName,
	}
	for _, tmpl := range []struct{ name, text string }{
		{"subject", content.Step.SubjectTemplate},
		{"body", content.Step.BodyTemplate},
	} {
		if unresolved := shortcode.Unresolved(tmpl.text, vars); len(unresolved) > 0 {
			log.Debug("executor.job.unresolved_placeholders",
				zap.String("template", tmpl.name),
				zap.Strings("keys", unresolved),
			)
		}
	}

	sendStart := time.Now()
	sent, err := e.provider.Send(ctx, msg)
	obsmetrics.Scheduler().ObserveSend(e.provider.Name(), time.Since(sendStart), err)
	if err != nil {
		e.obsMetrics.RecordMessageSent(ctx, e.provider.Name(), "error")
		return e.failure(ctx, job, "send failed: "+err.Error(), at.Now())
	}
	e.obsMetrics.RecordMessageSent(ctx, e.provider.Name(), "success")

	// The message is out; a poll deadline must not strand its bookkeeping.
	ctx = context.WithoutCancel(ctx)
	ok, err := e.markMessageSent(ctx, job, sent.MessageID, at.Now())
	if err != nil {
		return e.fatal(ctx, job, fmt.Errorf("mark message sent: %w", err))
	}
	if !ok {
		return e.fatal(ctx, job, errLeaseLost)
	}
	return e.finalizeWith(ctx, job, content, sent.MessageID, at.Now())
}

// release returns a claimed job that never started to the queue. It does
// not consume a retry.
func (e *Executor) release(ctx context.Context, job domain.Job, now time.Time, reason string) JobResult {
	ok, err := releaseJob(context.WithoutCancel(ctx), e.db, job, now)
	if err != nil {
		return e.fatal(ctx, job, fmt.Errorf("release job: %w", err))
	}
	if !ok {
		return e.fatal(ctx, job, errLeaseLost)
	}
	obsmetrics.Scheduler().IncJobOutcome(obsmetrics.JobOutcomeSkipped)
	e.jobLogger(ctx, job).Debug("executor.job.released", zap.String("reason", reason))
	return JobResult{JobID: job.ID, Deferred: true, Status: domain.JobStatusPending, Error: reason}
}

// finalize completes a job whose message is already out, loading the step
// and automation name it needs for the ledger entry.
func (e *Executor) finalize(ctx context.Context, job domain.Job, messageID string, now time.Time) JobResult {
	content, err := e.loadContent(ctx, job)
	switch {
	case errors.Is(err, errStepNotFound), errors.Is(err, errSubjectNotFound):
		content = &jobContent{Step: domain.Step{ID: job.StepID}}
	case err != nil:
		return e.fatal(ctx, job, fmt.Errorf("load job content: %w", err))
	}
	return e.finalizeWith(ctx, job, content, messageID, now)
}

// finalizeWith debits the owner and records the completion in one
// transaction. The message is already delivered at this point, so a debit
// that can no longer be covered completes the job uncharged; under the owner
// lease that only happens when a crash separated the send from the debit.
func (e *Executor) finalizeWith(ctx context.Context, job domain.Job, content *jobContent, messageID string, now time.Time) JobResult {
	log := e.jobLogger(ctx, job)
	creditDeducted := false

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		creditDeducted = false
		_, err := e.credit.DebitTx(ctx, tx, creditdomain.DebitRequest{
			OwnerID:     job.OwnerID,
			Amount:      job.CreditAmount,
			Description: debitDescription(content),
			Reference: creditdomain.Reference{
				Type: creditdomain.ReferenceTypeAutomationJob,
				ID:   job.ID.String(),
			},
		})
		switch {
		case err == nil, errors.Is(err, creditdomain.ErrDuplicateDebit):
			creditDeducted = true
		case errors.Is(err, creditdomain.ErrInsufficientCredit), errors.Is(err, creditdomain.ErrAccountNotFound):
			log.Warn("executor.job.debit_skipped",
				zap.String("owner_id", job.OwnerID.String()),
				zap.Int64("credit_amount", job.CreditAmount),
				zap.Error(err),
			)
		default:
			return fmt.Errorf("debit credit: %w", err)
		}

		ok, err := completeJob(ctx, tx, job, messageID, creditDeducted, now)
		if err != nil {
			return fmt.Errorf("complete job: %w", err)
		}
		if !ok {
			return errLeaseLost
		}
		if err := incrementStepSent(ctx, tx, job.StepID, now); err != nil {
			return fmt.Errorf("increment sent count: %w", err)
		}
		if err := recordLogCompleted(ctx, tx, job, content.Step.StepOrder, now); err != nil {
			return fmt.Errorf("update log: %w", err)
		}
		return nil
	})
	if err != nil {
		return e.fatal(ctx, job, err)
	}

	obsmetrics.Scheduler().IncJobOutcome(obsmetrics.JobOutcomeCompleted)
	log.Info("executor.job.completed",
		zap.String("message_id", messageID),
		zap.Bool("credit_deducted", creditDeducted),
	)
	return JobResult{JobID: job.ID, Success: true, Status: domain.JobStatusCompleted}
}

func debitDescription(content *jobContent) string {
	if content.AutomationName == "" {
		return fmt.Sprintf("Automation step %d", content.Step.StepOrder)
	}
	return fmt.Sprintf("Automation %q step %d", content.AutomationName, content.Step.StepOrder)
}

func (e *Executor) maxRetries(job domain.Job) int {
	if job.MaxRetries > 0 {
		return job.MaxRetries
	}
	return e.engine.Get().MaxRetries
}

// failure consumes one retry. The job goes back to pending after the fixed
// backoff, or to failed once retries are exhausted. A job whose sequence was
// cancelled meanwhile is cancelled rather than rescheduled.
func (e *Executor) failure(ctx context.Context, job domain.Job, message string, now time.Time) JobResult {
	log := e.jobLogger(ctx, job).With(zap.String("error", message))
	retryCount := job.RetryCount + 1

	if retryCount < e.maxRetries(job) {
		scheduledAt := now.Add(e.engine.Get().RetryBackoff)
		var (
			status domain.JobStatus
			ok     bool
		)
		err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			status, ok, err = retryJob(ctx, tx, job, retryCount, message, scheduledAt, now)
			return err
		})
		if err != nil {
			return e.fatal(ctx, job, fmt.Errorf("reschedule job: %w", err))
		}
		if !ok {
			return e.fatal(ctx, job, errLeaseLost)
		}
		if status == domain.JobStatusCancelled {
			obsmetrics.Scheduler().IncJobOutcome(obsmetrics.JobOutcomeCancelled)
			log.Info("executor.job.cancelled", zap.Int("retry_count", retryCount))
			return JobResult{JobID: job.ID, Status: domain.JobStatusCancelled, Error: message}
		}
		obsmetrics.Scheduler().IncJobOutcome(obsmetrics.JobOutcomeRetried)
		log.Warn("executor.job.retry",
			zap.Int("retry_count", retryCount),
			zap.Time("scheduled_at", scheduledAt),
		)
		return JobResult{JobID: job.ID, Retry: true, Status: domain.JobStatusPending, Error: message}
	}

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := failJob(ctx, tx, job, retryCount, message, now)
		if err != nil {
			return fmt.Errorf("fail job: %w", err)
		}
		if !ok {
			return errLeaseLost
		}
		if err := recordLogFailed(ctx, tx, job, now); err != nil {
			return fmt.Errorf("update log: %w", err)
		}
		return nil
	})
	if err != nil {
		return e.fatal(ctx, job, err)
	}
	obsmetrics.Scheduler().IncJobOutcome(obsmetrics.JobOutcomeFailed)
	log.Error("executor.job.failed", zap.Int("retry_count", retryCount))
	return JobResult{JobID: job.ID, Status: domain.JobStatusFailed, Error: message}
}

// fatal reports a store error. The job stays processing until the lease
// sweep picks it up.
func (e *Executor) fatal(ctx context.Context, job domain.Job, err error) JobResult {
	e.jobLogger(ctx, job).Error("executor.job.store_error",
		zap.String("error_type", obsmetrics.ClassifySchedulerErrorType(err)),
		zap.Error(err),
	)
	return JobResult{JobID: job.ID, Status: domain.JobStatusProcessing, Error: err.Error(), Err: err}
}
