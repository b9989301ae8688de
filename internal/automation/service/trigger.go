package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/affiliate-automation/internal/automation/domain"
	obsmetrics "github.com/smallbiznis/affiliate-automation/internal/observability/metrics"
	"github.com/smallbiznis/affiliate-automation/internal/observability/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type dispatchOutcome struct {
	duplicate bool
	scheduled int
	reused    int
}

// Trigger starts every enabled automation of the owner bound to the trigger
// for the subject. Each automation is dispatched in its own transaction; a
// subject already enrolled in an automation is skipped.
func (s *Service) Trigger(ctx context.Context, req domain.TriggerRequest) (domain.TriggerResult, error) {
	req.TriggerType = domain.TriggerType(strings.TrimSpace(string(req.TriggerType)))
	if !req.TriggerType.Valid() {
		return domain.TriggerResult{}, domain.ErrInvalidTriggerType
	}
	if req.OwnerID == 0 {
		return domain.TriggerResult{}, domain.ErrInvalidOwner
	}
	if req.SubjectID == 0 {
		return domain.TriggerResult{}, domain.ErrInvalidSubject
	}

	ctx, span := s.tracer.Start(ctx, "automation.Trigger")
	defer span.End()
	span.SetAttributes(tracing.SafeAttributes(
		attribute.String("trigger_type", string(req.TriggerType)),
		attribute.String("owner_id", req.OwnerID.String()),
	)...)

	log := s.logger(ctx).With(
		zap.String("trigger_type", string(req.TriggerType)),
		zap.String("owner_id", req.OwnerID.String()),
		zap.String("subject_id", req.SubjectID.String()),
	)

	automations, err := s.repo.FindEnabledByTrigger(ctx, s.db, req.OwnerID, req.TriggerType)
	if err != nil {
		span.SetStatus(codes.Error, "lookup failed")
		return domain.TriggerResult{}, fmt.Errorf("find automations: %w", err)
	}

	result := domain.TriggerResult{Success: true}
	if len(automations) == 0 {
		obsmetrics.Scheduler().IncTrigger(string(req.TriggerType), obsmetrics.TriggerOutcomeNoAutomation)
		s.obsMetrics.RecordTrigger(ctx, string(req.TriggerType), obsmetrics.TriggerOutcomeNoAutomation)
		log.Debug("automation.trigger.none")
		return result, nil
	}

	now := s.clock.Now()
	for i := range automations {
		automation := automations[i]
		outcome, err := s.dispatch(ctx, automation, req, now)
		if err != nil {
			span.SetStatus(codes.Error, "dispatch failed")
			log.Error("automation.trigger.failed",
				zap.String("automation_id", automation.ID.String()),
				zap.Error(err),
			)
			result.Success = false
			return result, fmt.Errorf("dispatch automation %s: %w", automation.ID, err)
		}

		if outcome.duplicate {
			result.SkippedDuplicates++
			obsmetrics.Scheduler().IncTrigger(string(req.TriggerType), obsmetrics.TriggerOutcomeDuplicate)
			s.obsMetrics.RecordTrigger(ctx, string(req.TriggerType), obsmetrics.TriggerOutcomeDuplicate)
			log.Info("automation.trigger.duplicate", zap.String("automation_id", automation.ID.String()))
			continue
		}

		result.AutomationsTriggered++
		result.JobsScheduled += outcome.scheduled
		obsmetrics.Scheduler().IncTrigger(string(req.TriggerType), obsmetrics.TriggerOutcomeScheduled)
		s.obsMetrics.RecordTrigger(ctx, string(req.TriggerType), obsmetrics.TriggerOutcomeScheduled)
		log.Info("automation.trigger.scheduled",
			zap.String("automation_id", automation.ID.String()),
			zap.Int("jobs_scheduled", outcome.scheduled),
			zap.Int("jobs_reused", outcome.reused),
		)
	}

	span.SetAttributes(
		attribute.Int("automations_triggered", result.AutomationsTriggered),
		attribute.Int("jobs_scheduled", result.JobsScheduled),
	)
	return result, nil
}

func (s *Service) dispatch(ctx context.Context, automation domain.Automation, req domain.TriggerRequest, now time.Time) (dispatchOutcome, error) {
	var outcome dispatchOutcome
	maxRetries := s.engine.Get().MaxRetries

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry := domain.Log{
			ID:               s.genID.Generate(),
			AutomationID:     automation.ID,
			SubjectID:        req.SubjectID,
			OwnerID:          req.OwnerID,
			TriggerType:      req.TriggerType,
			Status:           domain.LogStatusActive,
			TotalSteps:       len(automation.Steps),
			CurrentStepOrder: 1,
			StartedAt:        now,
		}
		if req.Payload != nil {
			entry.TriggerPayload = datatypes.JSONMap(req.Payload)
		}
		if len(automation.Steps) == 0 {
			completedAt := now
			entry.Status = domain.LogStatusCompleted
			entry.CompletedAt = &completedAt
		}

		inserted, err := s.repo.InsertLog(ctx, tx, &entry)
		if err != nil {
			return fmt.Errorf("insert log: %w", err)
		}
		if !inserted {
			outcome.duplicate = true
			return nil
		}

		for _, step := range automation.Steps {
			existing, err := s.repo.FindActiveJob(ctx, tx, automation.ID, step.ID, req.SubjectID)
			if err != nil {
				return fmt.Errorf("find active job: %w", err)
			}
			if existing != nil {
				outcome.reused++
				continue
			}

			job := domain.Job{
				ID:           s.genID.Generate(),
				AutomationID: automation.ID,
				StepID:       step.ID,
				SubjectID:    req.SubjectID,
				OwnerID:      req.OwnerID,
				SourceKind:   domain.SourceKindAutomationStep,
				Status:       domain.JobStatusPending,
				ScheduledAt:  now.Add(step.Delay()),
				CreditAmount: step.Credits(),
				MaxRetries:   maxRetries,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			if err := s.repo.InsertJob(ctx, tx, &job); err != nil {
				return fmt.Errorf("insert job: %w", err)
			}
			outcome.scheduled++
		}
		return nil
	})
	if err != nil {
		return dispatchOutcome{}, err
	}
	return outcome, nil
}
