package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/affiliate-automation/internal/automation"
	"github.com/smallbiznis/affiliate-automation/internal/clock"
	"github.com/smallbiznis/affiliate-automation/internal/config"
	"github.com/smallbiznis/affiliate-automation/internal/credit"
	"github.com/smallbiznis/affiliate-automation/internal/executor"
	"github.com/smallbiznis/affiliate-automation/internal/observability"
	"github.com/smallbiznis/affiliate-automation/internal/providers"
	"github.com/smallbiznis/affiliate-automation/internal/ratelimit"
	"github.com/smallbiznis/affiliate-automation/internal/server"
	"github.com/smallbiznis/affiliate-automation/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		ratelimit.Module,
		providers.Module,

		credit.Module,
		automation.Module,
		// backs POST /api/automations/run for external cron
		executor.Module,

		// No poll loop, no consumer
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
