package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/smallbiznis/affiliate-automation/internal/automation/domain"
	"github.com/smallbiznis/affiliate-automation/internal/clock"
	"github.com/smallbiznis/affiliate-automation/internal/config"
	creditdomain "github.com/smallbiznis/affiliate-automation/internal/credit/domain"
	obscontext "github.com/smallbiznis/affiliate-automation/internal/observability/context"
	"github.com/smallbiznis/affiliate-automation/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/affiliate-automation/internal/observability/metrics"
	"github.com/smallbiznis/affiliate-automation/internal/providers/email"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("invalid_executor_config")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Credit     creditdomain.Service
	Provider   email.Provider
	Config     config.Config              `optional:"true"`
	Engine     *config.EngineConfigHolder `optional:"true"`
	Clock      clock.Clock                `optional:"true"`
	ObsMetrics *obsmetrics.Metrics        `optional:"true"`
}

// Executor claims due automation jobs and drives each one through
// send, debit and bookkeeping.
type Executor struct {
	db         *gorm.DB
	log        *zap.Logger
	credit     creditdomain.Service
	provider   email.Provider
	engine     *config.EngineConfigHolder
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
	tracer     trace.Tracer
	workerID   string
}

// JobResult is the outcome of one RunOne call. Err is set only for store
// errors that left the job's state unrecorded; those do not consume a retry.
// Deferred jobs went back to the queue untried.
type JobResult struct {
	JobID    snowflake.ID     `json:"job_id"`
	Success  bool             `json:"success"`
	Retry    bool             `json:"retry"`
	Deferred bool             `json:"deferred,omitempty"`
	Status   domain.JobStatus `json:"status"`
	Error    string           `json:"error,omitempty"`
	Err      error            `json:"-"`
}

// Summary aggregates a RunDueJobs batch. Failed counts every job that did
// not succeed; Retried and Deferred break part of it down.
type Summary struct {
	Processed int         `json:"processed"`
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
	Retried   int         `json:"retried"`
	Deferred  int         `json:"deferred"`
	Results   []JobResult `json:"results"`
}

// stamp advances the caller's now by the time spent since origin, so a
// write made after a slow send carries its own time.
type stamp struct {
	base   time.Time
	origin time.Time
	clock  clock.Clock
}

func (s stamp) Now() time.Time {
	return s.base.Add(s.clock.Now().Sub(s.origin)).UTC()
}

func (e *Executor) stampFrom(now time.Time) stamp {
	return stamp{base: now, origin: e.clock.Now(), clock: e.clock}
}

func New(p Params) (*Executor, error) {
	if p.DB == nil || p.Log == nil || p.Credit == nil || p.Provider == nil {
		return nil, ErrInvalidConfig
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Executor{
		db:         p.DB,
		log:        p.Log.Named("executor").With(zap.String("component", "executor")),
		credit:     p.Credit,
		provider:   p.Provider,
		engine:     p.Engine,
		clock:      clk,
		obsMetrics: p.ObsMetrics,
		tracer:     otel.Tracer("affiliate-automation/executor"),
		workerID:   workerID(p.Config),
	}, nil
}

func workerID(cfg config.Config) string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", host, cfg.NodeID, uuid.NewString()[:8])
}

// WorkerID identifies this executor in the claimed_by lease column.
func (e *Executor) WorkerID() string { return e.workerID }

func (e *Executor) logger(ctx context.Context) *zap.Logger {
	return logger.WithContext(ctx, e.log)
}

func (e *Executor) jobLogger(ctx context.Context, job domain.Job) *zap.Logger {
	return logger.WithJob(e.logger(ctx), logger.JobFields{
		JobID:        job.ID.String(),
		AutomationID: job.AutomationID.String(),
		StepID:       job.StepID.String(),
		SubjectID:    job.SubjectID.String(),
	})
}

// RunDueJobs claims up to batchSize pending jobs whose scheduled_at is not
// after now, oldest first, and runs them on a bounded worker pool with one
// owner's jobs in sequence. A job's failure never aborts the batch; the
// returned error joins the store errors that prevented outcomes from being
// recorded. Once ctx is done, claimed jobs not yet started are released.
func (e *Executor) RunDueJobs(ctx context.Context, batchSize int, now time.Time) (Summary, error) {
	engine := e.engine.Get()
	if batchSize <= 0 {
		batchSize = engine.BatchSize
	}
	now = now.UTC()

	ctx = obscontext.WithActor(ctx, "system", "executor")
	ctx, span := e.tracer.Start(ctx, "executor.RunDueJobs")
	defer span.End()
	span.SetAttributes(attribute.Int("batch_size", batchSize))

	jobs, err := e.claimDueJobs(ctx, batchSize, now)
	if err != nil {
		span.SetStatus(codes.Error, "claim failed")
		return Summary{}, fmt.Errorf("claim due jobs: %w", err)
	}
	summary := Summary{Results: []JobResult{}}
	if len(jobs) == 0 {
		return summary, nil
	}

	at := e.stampFrom(now)
	results := make([]JobResult, len(jobs))
	var g errgroup.Group
	g.SetLimit(engine.Workers)
	for _, group := range groupByOwner(jobs) {
		group := group
		g.Go(func() error {
			for _, i := range group {
				// Claims the poll can no longer run go back untouched.
				if ctx.Err() != nil {
					results[i] = e.release(ctx, jobs[i], at.Now(), releasePollCancelled)
					continue
				}
				results[i] = e.RunOne(ctx, jobs[i], at.Now())
			}
			return nil
		})
	}
	_ = g.Wait()

	var fatal error
	for _, result := range results {
		summary.Processed++
		if result.Err != nil {
			fatal = errors.Join(fatal, fmt.Errorf("job %s: %w", result.JobID, result.Err))
		}
		if result.Success {
			summary.Succeeded++
			continue
		}
		summary.Failed++
		switch {
		case result.Retry:
			summary.Retried++
		case result.Deferred:
			summary.Deferred++
		}
	}
	summary.Results = results

	span.SetAttributes(
		attribute.Int("processed", summary.Processed),
		attribute.Int("succeeded", summary.Succeeded),
		attribute.Int("failed", summary.Failed),
		attribute.Int("retried", summary.Retried),
		attribute.Int("deferred", summary.Deferred),
	)
	if fatal != nil {
		span.SetStatus(codes.Error, "store errors")
	}
	e.logger(ctx).Info("executor.batch.finish",
		zap.Int("processed", summary.Processed),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("retried", summary.Retried),
		zap.Int("deferred", summary.Deferred),
	)
	return summary, fatal
}

// groupByOwner splits a claimed batch into per-owner index lists, keeping
// claim order. Each list runs in sequence on one worker.
func groupByOwner(jobs []domain.Job) [][]int {
	position := make(map[snowflake.ID]int)
	var groups [][]int
	for i, job := range jobs {
		g, ok := position[job.OwnerID]
		if !ok {
			g = len(groups)
			position[job.OwnerID] = g
			groups = append(groups, nil)
		}
		groups[g] = append(groups[g], i)
	}
	return groups
}
