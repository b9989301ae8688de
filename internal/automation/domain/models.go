package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type TriggerType string

const (
	TriggerAfterSignup    TriggerType = "AFTER_SIGNUP_EVENT"
	TriggerAfterMeeting   TriggerType = "AFTER_MEETING_EVENT"
	TriggerPendingPayment TriggerType = "PENDING_PAYMENT_EVENT"
	TriggerWelcome        TriggerType = "WELCOME_EVENT"
)

var knownTriggers = map[TriggerType]struct{}{
	TriggerAfterSignup:    {},
	TriggerAfterMeeting:   {},
	TriggerPendingPayment: {},
	TriggerWelcome:        {},
}

// Valid reports whether t is a registered trigger type.
func (t TriggerType) Valid() bool {
	_, ok := knownTriggers[t]
	return ok
}

// TriggerTypes lists the registered trigger types.
func TriggerTypes() []TriggerType {
	return []TriggerType{TriggerAfterSignup, TriggerAfterMeeting, TriggerPendingPayment, TriggerWelcome}
}

type LogStatus string

const (
	LogStatusActive    LogStatus = "active"
	LogStatusCompleted LogStatus = "completed"
	LogStatusCancelled LogStatus = "cancelled"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the job will never be picked up again.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// SourceKind tells the executor which table owns the job's content.
type SourceKind string

const SourceKindAutomationStep SourceKind = "automation_step"

const (
	DefaultMaxRetries   = 3
	DefaultCreditAmount = 1
)

// Owner is the affiliate on whose behalf messages are sent.
type Owner struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id"`
	DisplayName string       `gorm:"type:text;not null" json:"display_name"`
	Email       string       `gorm:"type:text;not null;default:''" json:"email"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (Owner) TableName() string { return "affiliate_owners" }

// Subject is the lead receiving the sequence.
type Subject struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	OwnerID   snowflake.ID `gorm:"not null;index" json:"owner_id"`
	Name      string       `gorm:"type:text;not null;default:''" json:"name"`
	Email     string       `gorm:"type:text;not null;default:''" json:"email"`
	Phone     string       `gorm:"type:text;not null;default:''" json:"phone"`
	WhatsApp  string       `gorm:"column:whatsapp;type:text;not null;default:''" json:"whatsapp"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (Subject) TableName() string { return "automation_subjects" }

type Automation struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id"`
	OwnerID     snowflake.ID `gorm:"not null;index:ix_automations_owner_trigger,priority:1" json:"owner_id"`
	Name        string       `gorm:"type:text;not null" json:"name"`
	TriggerType TriggerType  `gorm:"type:text;not null;index:ix_automations_owner_trigger,priority:2" json:"trigger_type"`
	Enabled     bool         `gorm:"not null" json:"enabled"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`

	Steps []Step `gorm:"foreignKey:AutomationID" json:"steps,omitempty"`
}

// TableName sets the database table name.
func (Automation) TableName() string { return "automations" }

type Step struct {
	ID              snowflake.ID `gorm:"primaryKey" json:"id"`
	AutomationID    snowflake.ID `gorm:"not null;uniqueIndex:ux_automation_steps_order,priority:1" json:"automation_id"`
	StepOrder       int          `gorm:"not null;uniqueIndex:ux_automation_steps_order,priority:2" json:"step_order"`
	DelaySeconds    int64        `gorm:"not null;default:0" json:"delay_seconds"`
	SubjectTemplate string       `gorm:"type:text;not null;default:''" json:"subject_template"`
	BodyTemplate    string       `gorm:"type:text;not null;default:''" json:"body_template"`
	CreditAmount    int64        `gorm:"not null;default:1" json:"credit_amount"`
	Enabled         bool         `gorm:"not null" json:"enabled"`
	SentCount       int64        `gorm:"not null;default:0" json:"sent_count"`
	OpenedCount     int64        `gorm:"not null;default:0" json:"opened_count"`
	ClickedCount    int64        `gorm:"not null;default:0" json:"clicked_count"`
	CreatedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Step) TableName() string { return "automation_steps" }

func (s Step) Delay() time.Duration {
	return time.Duration(s.DelaySeconds) * time.Second
}

// Credits returns the amount one send of this step costs.
func (s Step) Credits() int64 {
	if s.CreditAmount <= 0 {
		return DefaultCreditAmount
	}
	return s.CreditAmount
}

// Log tracks one subject's progress through one automation. The
// (automation_id, subject_id) pair is unique: a sequence starts at most once.
type Log struct {
	ID               snowflake.ID      `gorm:"primaryKey" json:"id"`
	AutomationID     snowflake.ID      `gorm:"not null;uniqueIndex:ux_automation_logs_automation_subject,priority:1" json:"automation_id"`
	SubjectID        snowflake.ID      `gorm:"not null;uniqueIndex:ux_automation_logs_automation_subject,priority:2" json:"subject_id"`
	OwnerID          snowflake.ID      `gorm:"not null;index" json:"owner_id"`
	TriggerType      TriggerType       `gorm:"type:text;not null" json:"trigger_type"`
	TriggerPayload   datatypes.JSONMap `gorm:"type:jsonb" json:"trigger_payload,omitempty"`
	Status           LogStatus         `gorm:"type:text;not null" json:"status"`
	TotalSteps       int               `gorm:"not null;default:0" json:"total_steps"`
	CurrentStepOrder int               `gorm:"not null;default:1" json:"current_step_order"`
	CompletedSteps   int               `gorm:"not null;default:0" json:"completed_steps"`
	FailedSteps      int               `gorm:"not null;default:0" json:"failed_steps"`
	StartedAt        time.Time         `gorm:"not null" json:"started_at"`
	LastExecutedAt   *time.Time        `json:"last_executed_at,omitempty"`
	PausedAt         *time.Time        `json:"paused_at,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
}

// TableName sets the database table name.
func (Log) TableName() string { return "automation_logs" }

// Job is one scheduled send of one step to one subject.
type Job struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id"`
	AutomationID   snowflake.ID `gorm:"not null;index:ix_automation_jobs_identity,priority:1" json:"automation_id"`
	StepID         snowflake.ID `gorm:"not null;index:ix_automation_jobs_identity,priority:2" json:"step_id"`
	SubjectID      snowflake.ID `gorm:"not null;index:ix_automation_jobs_identity,priority:3" json:"subject_id"`
	OwnerID        snowflake.ID `gorm:"not null;index" json:"owner_id"`
	SourceKind     SourceKind   `gorm:"type:text;not null" json:"source_kind"`
	Status         JobStatus    `gorm:"type:text;not null;index:ix_automation_jobs_due,priority:1" json:"status"`
	ScheduledAt    time.Time    `gorm:"not null;index:ix_automation_jobs_due,priority:2" json:"scheduled_at"`
	CreditAmount   int64        `gorm:"not null;default:1" json:"credit_amount"`
	RetryCount     int          `gorm:"not null;default:0" json:"retry_count"`
	MaxRetries     int          `gorm:"not null;default:3" json:"max_retries"`
	ErrorMessage   string       `gorm:"type:text;not null;default:''" json:"error_message,omitempty"`
	ClaimedBy      string       `gorm:"type:text;not null;default:''" json:"claimed_by,omitempty"`
	ClaimedAt      *time.Time   `json:"claimed_at,omitempty"`
	CreditDeducted bool         `gorm:"not null;default:false" json:"credit_deducted"`
	MessageSent    bool         `gorm:"not null;default:false" json:"message_sent"`
	MessageID      string       `gorm:"type:text;not null;default:''" json:"message_id,omitempty"`
	ExecutedAt     *time.Time   `json:"executed_at,omitempty"`
	FailedAt       *time.Time   `json:"failed_at,omitempty"`
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Job) TableName() string { return "automation_jobs" }

// OwnerLease serializes sends for one owner so a job's credit check and its
// debit see the same balance.
type OwnerLease struct {
	OwnerID    snowflake.ID `gorm:"primaryKey;autoIncrement:false" json:"owner_id"`
	Holder     string       `gorm:"type:text;not null" json:"holder"`
	AcquiredAt time.Time    `gorm:"not null" json:"acquired_at"`
	ExpiresAt  time.Time    `gorm:"not null" json:"expires_at"`
}

// TableName sets the database table name.
func (OwnerLease) TableName() string { return "automation_owner_leases" }

// Models lists every table owned by the automation engine.
func Models() []any {
	return []any{
		&Owner{},
		&Subject{},
		&Automation{},
		&Step{},
		&Log{},
		&Job{},
		&OwnerLease{},
	}
}
