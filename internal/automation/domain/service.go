package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type TriggerRequest struct {
	SubjectID   snowflake.ID
	OwnerID     snowflake.ID
	TriggerType TriggerType
	Payload     map[string]any
}

type TriggerResult struct {
	Success              bool `json:"success"`
	AutomationsTriggered int  `json:"automations_triggered"`
	JobsScheduled        int  `json:"jobs_scheduled"`
	SkippedDuplicates    int  `json:"skipped_duplicates"`
}

type CancelRequest struct {
	AutomationID snowflake.ID
	SubjectID    snowflake.ID
}

type CancelResult struct {
	Success       bool  `json:"success"`
	CancelledJobs int64 `json:"cancelled_jobs"`
}

type Stats struct {
	TotalAutomations  int64   `json:"total_automations"`
	ActiveAutomations int64   `json:"active_automations"`
	TotalJobs         int64   `json:"total_jobs"`
	CompletedJobs     int64   `json:"completed_jobs"`
	FailedJobs        int64   `json:"failed_jobs"`
	PendingJobs       int64   `json:"pending_jobs"`
	SuccessRate       float64 `json:"success_rate"`
}

type CreateStepRequest struct {
	StepOrder       int    `json:"step_order"`
	DelaySeconds    int64  `json:"delay_seconds"`
	SubjectTemplate string `json:"subject_template"`
	BodyTemplate    string `json:"body_template"`
	CreditAmount    int64  `json:"credit_amount"`
	Disabled        bool   `json:"disabled"`
}

type CreateAutomationRequest struct {
	OwnerID     snowflake.ID
	Name        string
	TriggerType TriggerType
	Disabled    bool
	Steps       []CreateStepRequest
}

type Service interface {
	Trigger(ctx context.Context, req TriggerRequest) (TriggerResult, error)
	CancelAutomation(ctx context.Context, req CancelRequest) (CancelResult, error)
	GetStats(ctx context.Context, ownerID snowflake.ID) (Stats, error)

	CreateAutomation(ctx context.Context, req CreateAutomationRequest) (Automation, error)
	GetAutomation(ctx context.Context, id snowflake.ID) (Automation, error)
	SetEnabled(ctx context.Context, id snowflake.ID, enabled bool) (Automation, error)
}

var (
	ErrInvalidTriggerType = errors.New("invalid_trigger_type")
	ErrInvalidOwner       = errors.New("invalid_owner")
	ErrInvalidSubject     = errors.New("invalid_subject")
	ErrInvalidAutomation  = errors.New("invalid_automation")
	ErrInvalidName        = errors.New("invalid_name")
	ErrInvalidStepOrder   = errors.New("invalid_step_order")
	ErrDuplicateStepOrder = errors.New("duplicate_step_order")
	ErrInvalidDelay       = errors.New("invalid_delay")
	ErrInvalidCredit      = errors.New("invalid_credit_amount")
	ErrNotFound           = errors.New("not_found")
)
