package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Mode        string
	Environment string
	HTTPAddr    string
	NodeID      int64

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBMetricsEnabled  bool

	Scheduler SchedulerConfig
	Email     EmailConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	RateLimit RateLimitConfig
}

type SchedulerConfig struct {
	RunInterval time.Duration
	JobTimeout  time.Duration
	EnabledJobs []string
}

type EmailConfig struct {
	Provider    string
	FromEmail   string
	FromName    string
	SendTimeout time.Duration

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPSSL      bool

	MailketingAPIKey  string
	MailketingBaseURL string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

type KafkaConfig struct {
	Brokers []string
	GroupID string
	Topics  []string
}

func (c KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0
}

type RateLimitConfig struct {
	Enabled      bool
	TriggerRate  float64
	TriggerBurst int
}

const (
	EmailProviderSMTP       = "smtp"
	EmailProviderMailketing = "mailketing"
	EmailProviderNoop       = "noop"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "affiliate-automation"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Mode:         normalizeMode(getenv("APP_MODE", ModeMonolith)),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		NodeID:       getenvInt64("SNOWFLAKE_NODE_ID", 1),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "automation"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     int(getenvInt64("DATABASE_MAX_IDLE_CONN", 10)),
		DBMaxOpenConn:     int(getenvInt64("DATABASE_MAX_OPEN_CONN", 50)),
		DBConnMaxLifetime: int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 300)),
		DBConnMaxIdleTime: int(getenvInt64("DATABASE_CONN_MAX_IDLE_TIME", 60)),
		DBMetricsEnabled:  getenvBool("DATABASE_METRICS_ENABLED", true),

		Scheduler: SchedulerConfig{
			RunInterval: time.Duration(getenvInt64("SCHEDULER_RUN_INTERVAL_SECONDS", 60)) * time.Second,
			JobTimeout:  time.Duration(getenvInt64("SCHEDULER_JOB_TIMEOUT_SECONDS", 300)) * time.Second,
			EnabledJobs: parseList(getenv("SCHEDULER_ENABLED_JOBS", "")),
		},
		Email: EmailConfig{
			Provider:          strings.ToLower(strings.TrimSpace(getenv("EMAIL_PROVIDER", ""))),
			FromEmail:         getenv("EMAIL_FROM", "noreply@eksporyuk.com"),
			FromName:          getenv("EMAIL_FROM_NAME", "EksporYuk"),
			SendTimeout:       time.Duration(getenvInt64("EMAIL_SEND_TIMEOUT_SECONDS", 30)) * time.Second,
			SMTPHost:          strings.TrimSpace(getenv("SMTP_HOST", "")),
			SMTPPort:          int(getenvInt64("SMTP_PORT", 587)),
			SMTPUsername:      strings.TrimSpace(getenv("SMTP_USERNAME", "")),
			SMTPPassword:      getenv("SMTP_PASSWORD", ""),
			SMTPSSL:           getenvBool("SMTP_SSL", false),
			MailketingAPIKey:  strings.TrimSpace(getenv("MAILKETING_API_KEY", "")),
			MailketingBaseURL: strings.TrimSpace(getenv("MAILKETING_API_URL", "https://api.mailketing.co.id/api/v1")),
		},
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       int(getenvInt64("REDIS_DB", 0)),
		},
		Kafka: KafkaConfig{
			Brokers: parseList(getenv("KAFKA_BROKERS", "")),
			GroupID: getenv("KAFKA_GROUP_ID", "affiliate-automation"),
			Topics:  parseList(getenv("KAFKA_TOPICS", "user_signup,meeting_attended,payment_pending,membership_welcome")),
		},
		RateLimit: RateLimitConfig{
			Enabled:      getenvBool("RATE_LIMIT_ENABLED", false),
			TriggerRate:  getenvFloat("RATE_LIMIT_TRIGGER_RATE", 20),
			TriggerBurst: int(getenvInt64("RATE_LIMIT_TRIGGER_BURST", 40)),
		},
	}

	cfg.Email.Provider = resolveEmailProvider(cfg.Email)
	return cfg
}

const (
	ModeMonolith  = "monolith"
	ModeScheduler = "scheduler"
	ModeAPI       = "api"
)

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

// RunsScheduler reports whether the poll loop should start in this process.
func (c Config) RunsScheduler() bool {
	return c.Mode == ModeMonolith || c.Mode == ModeScheduler
}

func normalizeMode(raw string) string {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case ModeScheduler, ModeAPI:
		return value
	default:
		return ModeMonolith
	}
}

// resolveEmailProvider falls back to noop when the selected transport has no
// credentials, so local environments log instead of sending.
func resolveEmailProvider(cfg EmailConfig) string {
	switch cfg.Provider {
	case EmailProviderSMTP:
		if cfg.SMTPHost == "" {
			return EmailProviderNoop
		}
		return EmailProviderSMTP
	case EmailProviderMailketing:
		if cfg.MailketingAPIKey == "" {
			return EmailProviderNoop
		}
		return EmailProviderMailketing
	case EmailProviderNoop:
		return EmailProviderNoop
	default:
		if cfg.MailketingAPIKey != "" {
			return EmailProviderMailketing
		}
		if cfg.SMTPHost != "" {
			return EmailProviderSMTP
		}
		return EmailProviderNoop
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
