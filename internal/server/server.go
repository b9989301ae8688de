package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	automationdomain "github.com/smallbiznis/affiliate-automation/internal/automation/domain"
	"github.com/smallbiznis/affiliate-automation/internal/config"
	creditdomain "github.com/smallbiznis/affiliate-automation/internal/credit/domain"
	"github.com/smallbiznis/affiliate-automation/internal/executor"
	"github.com/smallbiznis/affiliate-automation/internal/observability"
	obslogger "github.com/smallbiznis/affiliate-automation/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/affiliate-automation/internal/observability/metrics"
	obstracing "github.com/smallbiznis/affiliate-automation/internal/observability/tracing"
	"github.com/smallbiznis/affiliate-automation/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

// DueJobRunner executes due jobs on demand for external cron invokers.
type DueJobRunner interface {
	RunDueJobs(ctx context.Context, batchSize int, now time.Time) (executor.Summary, error)
}

func NewEngine(obsCfg observability.Config, log *zap.Logger, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Base:            log,
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	if httpMetrics != nil {
		r.Use(httpMetrics.GinMiddleware())
	}
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, log *zap.Logger, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, log, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, r *gin.Engine) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine         *gin.Engine
	cfg            config.Config
	automationSvc  automationdomain.Service
	creditSvc      creditdomain.Service
	runner         DueJobRunner
	engineCfg      *config.EngineConfigHolder
	triggerLimiter *ratelimit.TriggerLimiter
	obsMetrics     *obsmetrics.Metrics
	now            func() time.Time
}

type ServerParams struct {
	fx.In

	Gin            *gin.Engine
	Cfg            config.Config
	AutomationSvc  automationdomain.Service
	CreditSvc      creditdomain.Service
	Executor       *executor.Executor         `optional:"true"`
	EngineCfg      *config.EngineConfigHolder `optional:"true"`
	TriggerLimiter *ratelimit.TriggerLimiter  `optional:"true"`
	ObsMetrics     *obsmetrics.Metrics        `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:         p.Gin,
		cfg:            p.Cfg,
		automationSvc:  p.AutomationSvc,
		creditSvc:      p.CreditSvc,
		engineCfg:      p.EngineCfg,
		triggerLimiter: p.TriggerLimiter,
		obsMetrics:     p.ObsMetrics,
		now:            time.Now,
	}
	if p.Executor != nil {
		svc.runner = p.Executor
	}

	svc.registerAPIRoutes()
	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	// -------- Automations --------
	api.POST("/automations", s.CreateAutomation)
	api.GET("/automations/:id", s.GetAutomation)
	api.PATCH("/automations/:id", s.UpdateAutomation)
	api.POST("/automations/trigger", s.TriggerRateLimit(), s.TriggerAutomation)
	api.POST("/automations/run", s.RunDueJobs)
	api.POST("/automations/:id/subjects/:subject_id/cancel", s.CancelAutomation)

	// -------- Owners --------
	api.GET("/owners/:owner_id/automation-stats", s.GetStats)
	api.GET("/owners/:owner_id/credits", s.GetCredits)
	api.POST("/owners/:owner_id/credits/grant", s.GrantCredits)
}
