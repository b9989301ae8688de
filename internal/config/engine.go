package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EngineConfig tunes the job executor. Values are hot-reloadable.
type EngineConfig struct {
	BatchSize           int           `mapstructure:"batchSize"`
	Workers             int           `mapstructure:"workers"`
	MaxRetries          int           `mapstructure:"maxRetries"`
	RetryBackoff        time.Duration `mapstructure:"retryBackoff"`
	LeaseTimeout        time.Duration `mapstructure:"leaseTimeout"`
	DefaultCreditAmount int64         `mapstructure:"defaultCreditAmount"`
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		BatchSize:           50,
		Workers:             4,
		MaxRetries:          3,
		RetryBackoff:        30 * time.Minute,
		LeaseTimeout:        15 * time.Minute,
		DefaultCreditAmount: 1,
	}
}

// WithDefaults fills zero values from DefaultEngineConfig.
func (c EngineConfig) WithDefaults() EngineConfig {
	defaults := DefaultEngineConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.Workers <= 0 {
		c.Workers = defaults.Workers
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaults.RetryBackoff
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = defaults.LeaseTimeout
	}
	if c.DefaultCreditAmount <= 0 {
		c.DefaultCreditAmount = defaults.DefaultCreditAmount
	}
	return c
}

type EngineConfigHolder struct {
	current atomic.Value // holds EngineConfig
}

// NewEngineConfigHolder reads automation.yml from the usual config paths.
// A missing file is not an error; defaults and env overrides apply.
func NewEngineConfigHolder(log *zap.Logger) (*EngineConfigHolder, error) {
	v := viper.New()
	v.SetConfigName("automation")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/automation/config")
	v.AddConfigPath("/etc/automation")
	v.AddConfigPath(".")
	return loadEngineConfig(v, log)
}

// NewEngineConfigHolderFromFile reads engine settings from an explicit path.
func NewEngineConfigHolderFromFile(path string, log *zap.Logger) (*EngineConfigHolder, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return loadEngineConfig(v, log)
}

// StaticEngineConfig returns a holder that never reloads.
func StaticEngineConfig(cfg EngineConfig) *EngineConfigHolder {
	holder := &EngineConfigHolder{}
	holder.current.Store(cfg.WithDefaults())
	return holder
}

func loadEngineConfig(v *viper.Viper, log *zap.Logger) (*EngineConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.engine")

	v.SetEnvPrefix("AUTOMATION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultEngineConfig()
	v.SetDefault("engine.batchSize", defaults.BatchSize)
	v.SetDefault("engine.workers", defaults.Workers)
	v.SetDefault("engine.maxRetries", defaults.MaxRetries)
	v.SetDefault("engine.retryBackoff", defaults.RetryBackoff)
	v.SetDefault("engine.leaseTimeout", defaults.LeaseTimeout)
	v.SetDefault("engine.defaultCreditAmount", defaults.DefaultCreditAmount)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileLoaded = false
	}

	var cfg EngineConfig
	if err := v.UnmarshalKey("engine", &cfg); err != nil {
		return nil, err
	}
	if err := validateEngineConfig(cfg); err != nil {
		return nil, err
	}

	holder := &EngineConfigHolder{}
	holder.current.Store(cfg.WithDefaults())

	if !fileLoaded {
		return holder, nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		var updated EngineConfig
		if err := v.UnmarshalKey("engine", &updated); err != nil {
			log.Warn("engine config reload failed", zap.Error(err))
			return
		}
		if err := validateEngineConfig(updated); err != nil {
			log.Warn("engine config invalid, ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated.WithDefaults())
		log.Info("engine config reloaded", zap.String("file", e.Name))
	})
	v.WatchConfig()

	return holder, nil
}

// Get returns the active engine configuration.
func (h *EngineConfigHolder) Get() EngineConfig {
	if h == nil {
		return DefaultEngineConfig()
	}
	cfg, ok := h.current.Load().(EngineConfig)
	if !ok {
		return DefaultEngineConfig()
	}
	return cfg
}

func validateEngineConfig(cfg EngineConfig) error {
	if cfg.BatchSize < 0 {
		return errors.New("engine.batchSize cannot be negative")
	}
	if cfg.BatchSize > 1000 {
		return errors.New("engine.batchSize cannot exceed 1000")
	}
	if cfg.Workers < 0 {
		return errors.New("engine.workers cannot be negative")
	}
	if cfg.MaxRetries < 0 {
		return errors.New("engine.maxRetries cannot be negative")
	}
	if cfg.RetryBackoff < 0 || cfg.LeaseTimeout < 0 {
		return errors.New("engine durations cannot be negative")
	}
	if cfg.DefaultCreditAmount < 0 {
		return errors.New("engine.defaultCreditAmount cannot be negative")
	}
	return nil
}
