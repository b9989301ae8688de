package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/affiliate-automation/internal/clock"
	"github.com/smallbiznis/affiliate-automation/internal/config"
	"github.com/smallbiznis/affiliate-automation/internal/executor"
	obsmetrics "github.com/smallbiznis/affiliate-automation/internal/observability/metrics"
	"github.com/smallbiznis/affiliate-automation/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

// JobRunner is the engine surface the scheduler drives.
type JobRunner interface {
	RunDueJobs(ctx context.Context, batchSize int, now time.Time) (executor.Summary, error)
	RecoverStaleJobs(ctx context.Context, limit int, now time.Time) (executor.RecoverySummary, error)
}

// LeaderLock keeps concurrent schedulers from polling at the same moment.
// Claims are atomic in the database, so losing the lock only saves work.
type LeaderLock interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

type Params struct {
	fx.In

	Log      *zap.Logger
	Executor *executor.Executor
	GenID    *snowflake.Node
	Clock    clock.Clock
	Config   Config                     `optional:"true"`
	Engine   *config.EngineConfigHolder `optional:"true"`
	Locker   *ratelimit.Locker          `optional:"true"`
}

type Scheduler struct {
	log    *zap.Logger
	cfg    Config
	genID  *snowflake.Node
	clock  clock.Clock
	runner JobRunner
	engine *config.EngineConfigHolder
	leader LeaderLock
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Executor == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	s := &Scheduler{
		log:    p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:    p.Config.withDefaults(),
		genID:  p.GenID,
		clock:  p.Clock,
		runner: p.Executor,
		engine: p.Engine,
	}
	if p.Locker != nil {
		s.leader = p.Locker
	}
	return s, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run != nil && run.errors == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// deadline is a soft timeout; the next tick picks up the rest
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce performs one poll: expired leases are recovered first so their
// jobs are eligible for the same pass, then due jobs are executed.
func (s *Scheduler) RunOnce(parent context.Context) error {
	release, ok := s.acquireLeader(parent)
	if !ok {
		return nil
	}
	defer release()

	var err error
	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{JobRecoverStaleJobs, s.isJobEnabled(JobRecoverStaleJobs), func(ctx context.Context) error {
			return s.runJob(ctx, JobRecoverStaleJobs, s.cfg.RecoveryBatchSize, s.cfg.JobTimeout, s.RecoverStaleJobsJob)
		}},
		{JobRunDueJobs, s.isJobEnabled(JobRunDueJobs), func(ctx context.Context) error {
			return s.runJob(ctx, JobRunDueJobs, s.batchSize(), s.cfg.JobTimeout, s.RunDueJobsJob)
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := s.clock.Now().Sub(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// empty means every job runs (monolith mode)
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

func (s *Scheduler) batchSize() int {
	if s.cfg.BatchSize > 0 {
		return s.cfg.BatchSize
	}
	return s.engine.Get().BatchSize
}

func (s *Scheduler) RunDueJobsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobRunDueJobs, s.batchSize())
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	summary, err := s.runner.RunDueJobs(ctx, run.batchSize, s.clock.Now())
	run.recordExecution(summary)
	obsmetrics.Scheduler().AddBatchProcessed(JobRunDueJobs, "automation_jobs", summary.Processed)
	if err != nil {
		s.logJobError(ctx, run, err)
		return err
	}
	return nil
}

func (s *Scheduler) RecoverStaleJobsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobRecoverStaleJobs, s.cfg.RecoveryBatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	summary, err := s.runner.RecoverStaleJobs(ctx, run.batchSize, s.clock.Now())
	run.recordRecovery(summary)
	obsmetrics.Scheduler().AddBatchProcessed(JobRecoverStaleJobs, "automation_jobs", summary.Total())
	if err != nil {
		s.logJobError(ctx, run, err)
		return err
	}
	return nil
}

func (s *Scheduler) acquireLeader(ctx context.Context) (func(), bool) {
	noop := func() {}
	if s.leader == nil {
		return noop, true
	}

	lockStart := time.Now()
	token, ok, err := s.leader.TryLock(ctx, s.cfg.LockKey, s.cfg.RunInterval)
	obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceLeaderRedis, time.Since(lockStart))
	if err != nil {
		// the lock is an optimization; poll anyway
		s.log.Warn("scheduler.leader.unavailable", zap.Error(err))
		return noop, true
	}
	if !ok {
		obsmetrics.Scheduler().IncLeaderSkipped()
		s.log.Debug("scheduler.leader.skipped", zap.String("key", s.cfg.LockKey))
		return nil, false
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		switch err := s.leader.Release(releaseCtx, s.cfg.LockKey, token); {
		case errors.Is(err, ratelimit.ErrLockNotHeld):
			s.log.Warn("scheduler.leader.expired_during_poll", zap.Duration("ttl", s.cfg.RunInterval))
		case err != nil:
			s.log.Warn("scheduler.leader.release_failed", zap.Error(err))
		}
	}, true
}
