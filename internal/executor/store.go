package executor

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/affiliate-automation/internal/automation/domain"
	obsmetrics "github.com/smallbiznis/affiliate-automation/internal/observability/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const jobColumns = `id, automation_id, step_id, subject_id, owner_id, source_kind, status, scheduled_at,
	credit_amount, retry_count, max_retries, error_message, claimed_by, claimed_at,
	credit_deducted, message_sent, message_id, executed_at, failed_at, created_at, updated_at`

// cancelledLogClause matches jobs whose sequence was cancelled.
const cancelledLogClause = `EXISTS (
	SELECT 1 FROM automation_logs l
	WHERE l.automation_id = automation_jobs.automation_id
	  AND l.subject_id = automation_jobs.subject_id
	  AND l.status = '` + string(domain.LogStatusCancelled) + `')`

// jobContent is everything a job needs to render and send its message.
type jobContent struct {
	AutomationName string
	Step           domain.Step
	Subject        domain.Subject
	Owner          domain.Owner
}

// claimDueJobs locks due pending rows, skipping rows another poller holds,
// and flips each one to processing under this worker's lease. Due jobs of a
// cancelled sequence are cancelled instead of claimed.
func (e *Executor) claimDueJobs(ctx context.Context, limit int, now time.Time) ([]domain.Job, error) {
	var claimed []domain.Job
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cancelled := tx.WithContext(ctx).Exec(
			`UPDATE automation_jobs
			 SET status = ?, updated_at = ?
			 WHERE status = ? AND scheduled_at <= ? AND `+cancelledLogClause,
			string(domain.JobStatusCancelled),
			now,
			string(domain.JobStatusPending),
			now,
		)
		if cancelled.Error != nil {
			return cancelled.Error
		}
		if cancelled.RowsAffected > 0 {
			e.logger(ctx).Info("executor.claim.cancelled_jobs", zap.Int64("count", cancelled.RowsAffected))
		}

		var ids []snowflake.ID
		lockStart := time.Now()
		err := tx.WithContext(ctx).Raw(
			`SELECT id
			 FROM automation_jobs
			 WHERE status = ? AND scheduled_at <= ?
			 ORDER BY scheduled_at ASC, id ASC
			 LIMIT ?
			 FOR UPDATE SKIP LOCKED`,
			string(domain.JobStatusPending),
			now,
			limit,
		).Scan(&ids).Error
		obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceDueJobs, time.Since(lockStart))
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		won := make([]snowflake.ID, 0, len(ids))
		for _, id := range ids {
			result := tx.WithContext(ctx).Exec(
				`UPDATE automation_jobs
				 SET status = ?, claimed_by = ?, claimed_at = ?, updated_at = ?
				 WHERE id = ? AND status = ? AND NOT `+cancelledLogClause,
				string(domain.JobStatusProcessing),
				e.workerID,
				now,
				now,
				id,
				string(domain.JobStatusPending),
			)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 1 {
				won = append(won, id)
			}
		}
		if len(won) == 0 {
			return nil
		}

		return tx.WithContext(ctx).Raw(
			`SELECT `+jobColumns+`
			 FROM automation_jobs
			 WHERE id IN ?
			 ORDER BY scheduled_at ASC, id ASC`,
			won,
		).Scan(&claimed).Error
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// loadContent fails with errStepNotFound or errSubjectNotFound when the
// referenced rows are gone.
func (e *Executor) loadContent(ctx context.Context, job domain.Job) (*jobContent, error) {
	var content jobContent
	conn := e.db.WithContext(ctx)

	if err := conn.Raw(
		`SELECT id, automation_id, step_order, delay_seconds, subject_template, body_template,
		        credit_amount, enabled, sent_count, opened_count, clicked_count, created_at, updated_at
		 FROM automation_steps
		 WHERE id = ?`,
		job.StepID,
	).Scan(&content.Step).Error; err != nil {
		return nil, err
	}
	if content.Step.ID == 0 {
		return nil, errStepNotFound
	}

	if err := conn.Raw(
		`SELECT name FROM automations WHERE id = ?`,
		job.AutomationID,
	).Scan(&content.AutomationName).Error; err != nil {
		return nil, err
	}

	if err := conn.Raw(
		`SELECT id, owner_id, name, email, phone, whatsapp, created_at
		 FROM automation_subjects
		 WHERE id = ?`,
		job.SubjectID,
	).Scan(&content.Subject).Error; err != nil {
		return nil, err
	}
	if content.Subject.ID == 0 {
		return nil, errSubjectNotFound
	}

	// A missing owner row only loses the display name.
	if err := conn.Raw(
		`SELECT id, display_name, email, created_at FROM affiliate_owners WHERE id = ?`,
		job.OwnerID,
	).Scan(&content.Owner).Error; err != nil {
		return nil, err
	}
	return &content, nil
}

// markMessageSent records the transport's acceptance before any money moves
// so a crash before finalization never leads to a second send.
func (e *Executor) markMessageSent(ctx context.Context, job domain.Job, messageID string, now time.Time) (bool, error) {
	result := e.db.WithContext(ctx).Exec(
		`UPDATE automation_jobs
		 SET message_sent = ?, message_id = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND claimed_by = ?`,
		true,
		messageID,
		now,
		job.ID,
		string(domain.JobStatusProcessing),
		job.ClaimedBy,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func completeJob(ctx context.Context, tx *gorm.DB, job domain.Job, messageID string, creditDeducted bool, now time.Time) (bool, error) {
	result := tx.WithContext(ctx).Exec(
		`UPDATE automation_jobs
		 SET status = ?, executed_at = ?, credit_deducted = ?, message_sent = ?, message_id = ?,
		     error_message = '', updated_at = ?
		 WHERE id = ? AND status = ? AND claimed_by = ?`,
		string(domain.JobStatusCompleted),
		now,
		creditDeducted,
		true,
		messageID,
		now,
		job.ID,
		string(domain.JobStatusProcessing),
		job.ClaimedBy,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// retryJob returns the job to the queue, or cancels it when its sequence
// was cancelled while it ran. It reports the status written.
func retryJob(ctx context.Context, tx *gorm.DB, job domain.Job, retryCount int, message string, scheduledAt, now time.Time) (domain.JobStatus, bool, error) {
	result := tx.WithContext(ctx).Exec(
		`UPDATE automation_jobs
		 SET status = CASE WHEN `+cancelledLogClause+` THEN ? ELSE ? END,
		     retry_count = ?, error_message = ?, scheduled_at = ?,
		     claimed_by = '', claimed_at = NULL, updated_at = ?
		 WHERE id = ? AND status = ? AND claimed_by = ?`,
		string(domain.JobStatusCancelled),
		string(domain.JobStatusPending),
		retryCount,
		message,
		scheduledAt,
		now,
		job.ID,
		string(domain.JobStatusProcessing),
		job.ClaimedBy,
	)
	if result.Error != nil {
		return "", false, result.Error
	}
	if result.RowsAffected != 1 {
		return "", false, nil
	}
	var status string
	if err := tx.WithContext(ctx).Raw(
		`SELECT status FROM automation_jobs WHERE id = ?`,
		job.ID,
	).Scan(&status).Error; err != nil {
		return "", false, err
	}
	return domain.JobStatus(status), true, nil
}

// releaseJob hands a claimed job that never ran back to the queue without
// consuming a retry.
func releaseJob(ctx context.Context, conn *gorm.DB, job domain.Job, now time.Time) (bool, error) {
	result := conn.WithContext(ctx).Exec(
		`UPDATE automation_jobs
		 SET status = ?, claimed_by = '', claimed_at = NULL, updated_at = ?
		 WHERE id = ? AND status = ? AND claimed_by = ? AND message_sent = ?`,
		string(domain.JobStatusPending),
		now,
		job.ID,
		string(domain.JobStatusProcessing),
		job.ClaimedBy,
		false,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func failJob(ctx context.Context, tx *gorm.DB, job domain.Job, retryCount int, message string, now time.Time) (bool, error) {
	result := tx.WithContext(ctx).Exec(
		`UPDATE automation_jobs
		 SET status = ?, retry_count = ?, error_message = ?, failed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND claimed_by = ?`,
		string(domain.JobStatusFailed),
		retryCount,
		message,
		now,
		now,
		job.ID,
		string(domain.JobStatusProcessing),
		job.ClaimedBy,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func incrementStepSent(ctx context.Context, tx *gorm.DB, stepID snowflake.ID, now time.Time) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE automation_steps SET sent_count = sent_count + 1, updated_at = ? WHERE id = ?`,
		now,
		stepID,
	).Error
}

func recordLogCompleted(ctx context.Context, tx *gorm.DB, job domain.Job, stepOrder int, now time.Time) error {
	next := stepOrder + 1
	if err := tx.WithContext(ctx).Exec(
		`UPDATE automation_logs
		 SET completed_steps = completed_steps + 1,
		     last_executed_at = ?,
		     current_step_order = CASE WHEN current_step_order < ? THEN ? ELSE current_step_order END
		 WHERE automation_id = ? AND subject_id = ?`,
		now,
		next,
		next,
		job.AutomationID,
		job.SubjectID,
	).Error; err != nil {
		return err
	}
	return closeLogIfDone(ctx, tx, job, now)
}

func recordLogFailed(ctx context.Context, tx *gorm.DB, job domain.Job, now time.Time) error {
	if err := tx.WithContext(ctx).Exec(
		`UPDATE automation_logs
		 SET failed_steps = failed_steps + 1, last_executed_at = ?
		 WHERE automation_id = ? AND subject_id = ?`,
		now,
		job.AutomationID,
		job.SubjectID,
	).Error; err != nil {
		return err
	}
	return closeLogIfDone(ctx, tx, job, now)
}

// closeLogIfDone completes an active log once every step is accounted for.
func closeLogIfDone(ctx context.Context, tx *gorm.DB, job domain.Job, now time.Time) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE automation_logs
		 SET status = ?, completed_at = ?
		 WHERE automation_id = ? AND subject_id = ? AND status = ?
		   AND completed_steps + failed_steps >= total_steps`,
		string(domain.LogStatusCompleted),
		now,
		job.AutomationID,
		job.SubjectID,
		string(domain.LogStatusActive),
	).Error
}

func (e *Executor) findStaleJobs(ctx context.Context, tx *gorm.DB, cutoff time.Time, limit int) ([]domain.Job, error) {
	var jobs []domain.Job
	lockStart := time.Now()
	err := tx.WithContext(ctx).Raw(
		`SELECT `+jobColumns+`
		 FROM automation_jobs
		 WHERE status = ? AND claimed_at < ?
		 ORDER BY claimed_at ASC, id ASC
		 LIMIT ?
		 FOR UPDATE SKIP LOCKED`,
		string(domain.JobStatusProcessing),
		cutoff,
		limit,
	).Scan(&jobs).Error
	obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceStaleJobs, time.Since(lockStart))
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func ownerLeaseHolder(workerID string, job domain.Job) string {
	return workerID + "/" + job.ID.String()
}

// acquireOwnerLease takes the owner's send lease for this job. Only one job
// per owner holds it at a time, across every worker; an expired lease is
// taken over.
func (e *Executor) acquireOwnerLease(ctx context.Context, job domain.Job, now time.Time) (bool, error) {
	lockStart := time.Now()
	result := e.db.WithContext(ctx).Exec(
		`INSERT INTO automation_owner_leases (owner_id, holder, acquired_at, expires_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (owner_id) DO UPDATE
		 SET holder = excluded.holder, acquired_at = excluded.acquired_at, expires_at = excluded.expires_at
		 WHERE automation_owner_leases.expires_at < ?`,
		job.OwnerID,
		ownerLeaseHolder(e.workerID, job),
		now,
		now.Add(e.engine.Get().LeaseTimeout),
		now,
	)
	obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceOwnerLease, time.Since(lockStart))
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (e *Executor) releaseOwnerLease(ctx context.Context, job domain.Job) error {
	return e.db.WithContext(ctx).Exec(
		`DELETE FROM automation_owner_leases WHERE owner_id = ? AND holder = ?`,
		job.OwnerID,
		ownerLeaseHolder(e.workerID, job),
	).Error
}
