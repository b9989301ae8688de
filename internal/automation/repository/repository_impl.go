package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/affiliate-automation/internal/automation/domain"
	"github.com/smallbiznis/affiliate-automation/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const automationColumns = `id, owner_id, name, trigger_type, enabled, created_at, updated_at`

const stepColumns = `id, automation_id, step_order, delay_seconds, subject_template, body_template,
	credit_amount, enabled, sent_count, opened_count, clicked_count, created_at, updated_at`

func (r *repo) FindEnabledByTrigger(ctx context.Context, conn *gorm.DB, ownerID snowflake.ID, triggerType domain.TriggerType) ([]domain.Automation, error) {
	var automations []domain.Automation
	if err := conn.WithContext(ctx).Raw(
		`SELECT `+automationColumns+`
		 FROM automations
		 WHERE owner_id = ? AND trigger_type = ? AND enabled = ?
		 ORDER BY created_at ASC, id ASC`,
		ownerID,
		string(triggerType),
		true,
	).Scan(&automations).Error; err != nil {
		return nil, err
	}
	if len(automations) == 0 {
		return nil, nil
	}

	ids := make([]snowflake.ID, 0, len(automations))
	for _, a := range automations {
		ids = append(ids, a.ID)
	}

	var steps []domain.Step
	if err := conn.WithContext(ctx).Raw(
		`SELECT `+stepColumns+`
		 FROM automation_steps
		 WHERE automation_id IN ? AND enabled = ?
		 ORDER BY automation_id ASC, step_order ASC`,
		ids,
		true,
	).Scan(&steps).Error; err != nil {
		return nil, err
	}

	byAutomation := make(map[snowflake.ID][]domain.Step, len(automations))
	for _, step := range steps {
		byAutomation[step.AutomationID] = append(byAutomation[step.AutomationID], step)
	}
	for i := range automations {
		automations[i].Steps = byAutomation[automations[i].ID]
	}
	return automations, nil
}

func (r *repo) FindAutomation(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*domain.Automation, error) {
	var automation domain.Automation
	if err := conn.WithContext(ctx).Raw(
		`SELECT `+automationColumns+` FROM automations WHERE id = ?`,
		id,
	).Scan(&automation).Error; err != nil {
		return nil, err
	}
	if automation.ID == 0 {
		return nil, nil
	}

	if err := conn.WithContext(ctx).Raw(
		`SELECT `+stepColumns+`
		 FROM automation_steps
		 WHERE automation_id = ?
		 ORDER BY step_order ASC`,
		id,
	).Scan(&automation.Steps).Error; err != nil {
		return nil, err
	}
	return &automation, nil
}

func (r *repo) InsertAutomation(ctx context.Context, conn *gorm.DB, automation *domain.Automation) error {
	return conn.WithContext(ctx).Exec(
		`INSERT INTO automations (id, owner_id, name, trigger_type, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		automation.ID,
		automation.OwnerID,
		automation.Name,
		string(automation.TriggerType),
		automation.Enabled,
		automation.CreatedAt,
		automation.UpdatedAt,
	).Error
}

func (r *repo) InsertStep(ctx context.Context, conn *gorm.DB, step *domain.Step) error {
	return conn.WithContext(ctx).Exec(
		`INSERT INTO automation_steps (
			id, automation_id, step_order, delay_seconds, subject_template, body_template,
			credit_amount, enabled, sent_count, opened_count, clicked_count, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 0, ?, ?)`,
		step.ID,
		step.AutomationID,
		step.StepOrder,
		step.DelaySeconds,
		step.SubjectTemplate,
		step.BodyTemplate,
		step.CreditAmount,
		step.Enabled,
		step.CreatedAt,
		step.UpdatedAt,
	).Error
}

func (r *repo) UpdateEnabled(ctx context.Context, conn *gorm.DB, id snowflake.ID, enabled bool, now time.Time) (bool, error) {
	result := conn.WithContext(ctx).Exec(
		`UPDATE automations SET enabled = ?, updated_at = ? WHERE id = ?`,
		enabled,
		now,
		id,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) InsertLog(ctx context.Context, conn *gorm.DB, log *domain.Log) (bool, error) {
	result := conn.WithContext(ctx).Exec(
		`INSERT INTO automation_logs (
			id, automation_id, subject_id, owner_id, trigger_type, trigger_payload, status,
			total_steps, current_step_order, completed_steps, failed_steps, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?)
		ON CONFLICT (automation_id, subject_id) DO NOTHING`,
		log.ID,
		log.AutomationID,
		log.SubjectID,
		log.OwnerID,
		string(log.TriggerType),
		log.TriggerPayload,
		string(log.Status),
		log.TotalSteps,
		log.CurrentStepOrder,
		log.StartedAt,
		log.CompletedAt,
	)
	if result.Error != nil {
		if db.IsDuplicateKeyErr(result.Error) {
			return false, nil
		}
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) FindActiveJob(ctx context.Context, conn *gorm.DB, automationID, stepID, subjectID snowflake.ID) (*domain.Job, error) {
	var job domain.Job
	if err := conn.WithContext(ctx).Raw(
		`SELECT id, automation_id, step_id, subject_id, owner_id, status, scheduled_at
		 FROM automation_jobs
		 WHERE automation_id = ? AND step_id = ? AND subject_id = ? AND status IN ?
		 ORDER BY id ASC
		 LIMIT 1`,
		automationID,
		stepID,
		subjectID,
		[]string{string(domain.JobStatusPending), string(domain.JobStatusProcessing)},
	).Scan(&job).Error; err != nil {
		return nil, err
	}
	if job.ID == 0 {
		return nil, nil
	}
	return &job, nil
}

func (r *repo) InsertJob(ctx context.Context, conn *gorm.DB, job *domain.Job) error {
	return conn.WithContext(ctx).Exec(
		`INSERT INTO automation_jobs (
			id, automation_id, step_id, subject_id, owner_id, source_kind, status, scheduled_at,
			credit_amount, retry_count, max_retries, error_message, claimed_by,
			credit_deducted, message_sent, message_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, '', '', ?, ?, '', ?, ?)`,
		job.ID,
		job.AutomationID,
		job.StepID,
		job.SubjectID,
		job.OwnerID,
		string(job.SourceKind),
		string(job.Status),
		job.ScheduledAt,
		job.CreditAmount,
		job.MaxRetries,
		false,
		false,
		job.CreatedAt,
		job.UpdatedAt,
	).Error
}

func (r *repo) CancelPendingJobs(ctx context.Context, conn *gorm.DB, automationID, subjectID snowflake.ID, now time.Time) (int64, error) {
	result := conn.WithContext(ctx).Exec(
		`UPDATE automation_jobs
		 SET status = ?, updated_at = ?
		 WHERE automation_id = ? AND subject_id = ? AND status = ?`,
		string(domain.JobStatusCancelled),
		now,
		automationID,
		subjectID,
		string(domain.JobStatusPending),
	)
	return result.RowsAffected, result.Error
}

func (r *repo) CancelActiveLog(ctx context.Context, conn *gorm.DB, automationID, subjectID snowflake.ID, now time.Time) (bool, error) {
	result := conn.WithContext(ctx).Exec(
		`UPDATE automation_logs
		 SET status = ?, paused_at = ?
		 WHERE automation_id = ? AND subject_id = ? AND status = ?`,
		string(domain.LogStatusCancelled),
		now,
		automationID,
		subjectID,
		string(domain.LogStatusActive),
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) CountAutomations(ctx context.Context, conn *gorm.DB, ownerID snowflake.ID) (int64, int64, error) {
	var row struct {
		Total   int64
		Enabled int64
	}
	err := conn.WithContext(ctx).Raw(
		`SELECT COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN enabled = ? THEN 1 ELSE 0 END), 0) AS enabled
		 FROM automations WHERE owner_id = ?`,
		true,
		ownerID,
	).Scan(&row).Error
	if err != nil {
		return 0, 0, err
	}
	return row.Total, row.Enabled, nil
}

func (r *repo) CountJobsByStatus(ctx context.Context, conn *gorm.DB, ownerID snowflake.ID) (map[domain.JobStatus]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	if err := conn.WithContext(ctx).Raw(
		`SELECT status, COUNT(*) AS count
		 FROM automation_jobs
		 WHERE owner_id = ?
		 GROUP BY status`,
		ownerID,
	).Scan(&rows).Error; err != nil {
		return nil, err
	}

	counts := make(map[domain.JobStatus]int64, len(rows))
	for _, row := range rows {
		counts[domain.JobStatus(row.Status)] = row.Count
	}
	return counts, nil
}
