package db

import (
	"context"
	"fmt"
	"time"

	"github.com/smallbiznis/affiliate-automation/internal/config"
	"github.com/smallbiznis/affiliate-automation/internal/observability/logger"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormprometheus "gorm.io/plugin/prometheus"
)

const (
	openAttempts   = 5
	openRetryDelay = 3 * time.Second
)

var Module = fx.Module("db",
	fx.Provide(Dialect),
	fx.Provide(New),
)

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Dialector gorm.Dialector
	Log       *zap.Logger
}

// New opens the database with retries, applies pool settings and registers
// the tracing and metrics plugins.
func New(p Params) (*gorm.DB, error) {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("db")

	gormLogger := logger.NewGormLogger(logger.DefaultGormLoggerConfig(log, !p.Config.IsProduction()))

	var (
		conn *gorm.DB
		err  error
	)
	for attempt := 1; attempt <= openAttempts; attempt++ {
		conn, err = gorm.Open(p.Dialector, &gorm.Config{
			Logger:         gormLogger,
			TranslateError: true,
			NowFunc: func() time.Time {
				return time.Now().UTC()
			},
		})
		if err == nil {
			break
		}
		log.Warn("database not ready, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", openRetryDelay),
			zap.Error(err),
		)
		if attempt < openAttempts {
			time.Sleep(openRetryDelay)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	pool := poolConfigFrom(p.Config)
	if _, ok := p.Dialector.(*sqlite.Dialector); ok {
		if err := UseSQLiteLocking(conn); err != nil {
			return nil, fmt.Errorf("register sqlite locking: %w", err)
		}
		// one writer at a time
		pool.MaxOpenConn = 1
		pool.MaxIdleConn = 1
	}
	sqlDB.SetMaxIdleConns(pool.MaxIdleConn)
	sqlDB.SetMaxOpenConns(pool.MaxOpenConn)
	sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(pool.ConnMaxIdleTime)

	if err := conn.Use(otelgorm.NewPlugin()); err != nil {
		return nil, fmt.Errorf("register db tracing: %w", err)
	}
	if p.Config.DBMetricsEnabled {
		if err := conn.Use(gormprometheus.New(gormprometheus.Config{
			DBName:          DatabaseName(p.Dialector),
			RefreshInterval: 15,
		})); err != nil {
			return nil, fmt.Errorf("register db metrics: %w", err)
		}
	}

	log.Info("database connection configured",
		zap.String("type", p.Config.DBType),
		zap.Int("max_open_conn", pool.MaxOpenConn),
		zap.Int("max_idle_conn", pool.MaxIdleConn),
	)

	if p.Lifecycle != nil {
		p.Lifecycle.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				log.Info("closing connection pool")
				return sqlDB.Close()
			},
		})
	}

	return conn, nil
}
