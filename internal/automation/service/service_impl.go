package service

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/affiliate-automation/internal/automation/domain"
	"github.com/smallbiznis/affiliate-automation/internal/clock"
	"github.com/smallbiznis/affiliate-automation/internal/config"
	"github.com/smallbiznis/affiliate-automation/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/affiliate-automation/internal/observability/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       domain.Repository
	Clock      clock.Clock                `optional:"true"`
	Engine     *config.EngineConfigHolder `optional:"true"`
	ObsMetrics *obsmetrics.Metrics        `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       domain.Repository
	clock      clock.Clock
	engine     *config.EngineConfigHolder
	obsMetrics *obsmetrics.Metrics
	tracer     trace.Tracer
}

func New(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("automation.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		clock:      clk,
		engine:     p.Engine,
		obsMetrics: p.ObsMetrics,
		tracer:     otel.Tracer("affiliate-automation/automation"),
	}
}

func (s *Service) logger(ctx context.Context) *zap.Logger {
	return logger.WithContext(ctx, s.log)
}

func (s *Service) CancelAutomation(ctx context.Context, req domain.CancelRequest) (domain.CancelResult, error) {
	if req.AutomationID == 0 {
		return domain.CancelResult{}, domain.ErrInvalidAutomation
	}
	if req.SubjectID == 0 {
		return domain.CancelResult{}, domain.ErrInvalidSubject
	}

	now := s.clock.Now()
	var (
		cancelledJobs int64
		logCancelled  bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		cancelledJobs, err = s.repo.CancelPendingJobs(ctx, tx, req.AutomationID, req.SubjectID, now)
		if err != nil {
			return err
		}
		logCancelled, err = s.repo.CancelActiveLog(ctx, tx, req.AutomationID, req.SubjectID, now)
		return err
	})
	if err != nil {
		return domain.CancelResult{}, fmt.Errorf("cancel automation: %w", err)
	}

	obsmetrics.Scheduler().IncJobOutcome(obsmetrics.JobOutcomeCancelled)
	s.logger(ctx).Info("automation.cancelled",
		zap.String("automation_id", req.AutomationID.String()),
		zap.String("subject_id", req.SubjectID.String()),
		zap.Int64("cancelled_jobs", cancelledJobs),
		zap.Bool("log_cancelled", logCancelled),
	)
	return domain.CancelResult{Success: true, CancelledJobs: cancelledJobs}, nil
}
