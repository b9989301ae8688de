package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/affiliate-automation/internal/automation/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func (s *Service) CreateAutomation(ctx context.Context, req domain.CreateAutomationRequest) (domain.Automation, error) {
	if req.OwnerID == 0 {
		return domain.Automation{}, domain.ErrInvalidOwner
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Automation{}, domain.ErrInvalidName
	}
	triggerType := domain.TriggerType(strings.TrimSpace(string(req.TriggerType)))
	if !triggerType.Valid() {
		return domain.Automation{}, domain.ErrInvalidTriggerType
	}

	now := s.clock.Now()
	automation := domain.Automation{
		ID:          s.genID.Generate(),
		OwnerID:     req.OwnerID,
		Name:        name,
		TriggerType: triggerType,
		Enabled:     !req.Disabled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	steps, err := s.buildSteps(automation.ID, req.Steps)
	if err != nil {
		return domain.Automation{}, err
	}
	for i := range steps {
		steps[i].CreatedAt = now
		steps[i].UpdatedAt = now
	}
	automation.Steps = steps

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.InsertAutomation(ctx, tx, &automation); err != nil {
			return err
		}
		for i := range automation.Steps {
			if err := s.repo.InsertStep(ctx, tx, &automation.Steps[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.Automation{}, err
	}

	s.logger(ctx).Info("automation.created",
		zap.String("automation_id", automation.ID.String()),
		zap.String("owner_id", automation.OwnerID.String()),
		zap.String("trigger_type", string(automation.TriggerType)),
		zap.Int("steps", len(automation.Steps)),
	)
	return automation, nil
}

// buildSteps numbers steps by position when no order is given.
func (s *Service) buildSteps(automationID snowflake.ID, reqs []domain.CreateStepRequest) ([]domain.Step, error) {
	steps := make([]domain.Step, 0, len(reqs))
	seen := make(map[int]struct{}, len(reqs))
	for i, req := range reqs {
		order := req.StepOrder
		if order == 0 {
			order = i + 1
		}
		if order < 0 {
			return nil, domain.ErrInvalidStepOrder
		}
		if _, dup := seen[order]; dup {
			return nil, domain.ErrDuplicateStepOrder
		}
		seen[order] = struct{}{}

		if req.DelaySeconds < 0 {
			return nil, domain.ErrInvalidDelay
		}
		credit := req.CreditAmount
		if credit < 0 {
			return nil, domain.ErrInvalidCredit
		}
		if credit == 0 {
			credit = s.engine.Get().DefaultCreditAmount
		}

		steps = append(steps, domain.Step{
			ID:              s.genID.Generate(),
			AutomationID:    automationID,
			StepOrder:       order,
			DelaySeconds:    req.DelaySeconds,
			SubjectTemplate: req.SubjectTemplate,
			BodyTemplate:    req.BodyTemplate,
			CreditAmount:    credit,
			Enabled:         !req.Disabled,
		})
	}
	return steps, nil
}

func (s *Service) GetAutomation(ctx context.Context, id snowflake.ID) (domain.Automation, error) {
	if id == 0 {
		return domain.Automation{}, domain.ErrInvalidAutomation
	}
	automation, err := s.repo.FindAutomation(ctx, s.db, id)
	if err != nil {
		return domain.Automation{}, err
	}
	if automation == nil {
		return domain.Automation{}, domain.ErrNotFound
	}
	return *automation, nil
}

func (s *Service) SetEnabled(ctx context.Context, id snowflake.ID, enabled bool) (domain.Automation, error) {
	if id == 0 {
		return domain.Automation{}, domain.ErrInvalidAutomation
	}
	updated, err := s.repo.UpdateEnabled(ctx, s.db, id, enabled, s.clock.Now())
	if err != nil {
		return domain.Automation{}, err
	}
	if !updated {
		return domain.Automation{}, domain.ErrNotFound
	}
	return s.GetAutomation(ctx, id)
}
