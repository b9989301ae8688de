package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	FindEnabledByTrigger(ctx context.Context, db *gorm.DB, ownerID snowflake.ID, triggerType TriggerType) ([]Automation, error)
	FindAutomation(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Automation, error)
	InsertAutomation(ctx context.Context, db *gorm.DB, automation *Automation) error
	InsertStep(ctx context.Context, db *gorm.DB, step *Step) error
	UpdateEnabled(ctx context.Context, db *gorm.DB, id snowflake.ID, enabled bool, now time.Time) (bool, error)

	// InsertLog reports false when a log for (automation, subject) already exists.
	InsertLog(ctx context.Context, db *gorm.DB, log *Log) (bool, error)
	FindActiveJob(ctx context.Context, db *gorm.DB, automationID, stepID, subjectID snowflake.ID) (*Job, error)
	InsertJob(ctx context.Context, db *gorm.DB, job *Job) error

	CancelPendingJobs(ctx context.Context, db *gorm.DB, automationID, subjectID snowflake.ID, now time.Time) (int64, error)
	CancelActiveLog(ctx context.Context, db *gorm.DB, automationID, subjectID snowflake.ID, now time.Time) (bool, error)

	CountAutomations(ctx context.Context, db *gorm.DB, ownerID snowflake.ID) (total int64, enabled int64, err error)
	CountJobsByStatus(ctx context.Context, db *gorm.DB, ownerID snowflake.ID) (map[JobStatus]int64, error)
}
