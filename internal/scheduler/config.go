package scheduler

import (
	"time"

	"github.com/smallbiznis/affiliate-automation/internal/config"
)

const (
	JobRunDueJobs       = "run_due_jobs"
	JobRecoverStaleJobs = "recover_stale_jobs"
)

// Config controls scheduler intervals and batch sizes. A zero BatchSize
// defers to the hot-reloadable engine config.
type Config struct {
	RunInterval       time.Duration
	JobTimeout        time.Duration
	BatchSize         int
	RecoveryBatchSize int
	EnabledJobs       []string
	LockKey           string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:       time.Minute,
		JobTimeout:        5 * time.Minute,
		RecoveryBatchSize: 100,
		LockKey:           "automation:scheduler:lock",
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.RecoveryBatchSize <= 0 {
		c.RecoveryBatchSize = defaults.RecoveryBatchSize
	}
	if c.LockKey == "" {
		c.LockKey = defaults.LockKey
	}
	return c
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval: cfg.Scheduler.RunInterval,
		JobTimeout:  cfg.Scheduler.JobTimeout,
		EnabledJobs: cfg.Scheduler.EnabledJobs,
	}.withDefaults()
}
