package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/affiliate-automation/internal/automation"
	"github.com/smallbiznis/affiliate-automation/internal/clock"
	"github.com/smallbiznis/affiliate-automation/internal/config"
	"github.com/smallbiznis/affiliate-automation/internal/credit"
	"github.com/smallbiznis/affiliate-automation/internal/events"
	"github.com/smallbiznis/affiliate-automation/internal/executor"
	"github.com/smallbiznis/affiliate-automation/internal/migration"
	"github.com/smallbiznis/affiliate-automation/internal/observability"
	"github.com/smallbiznis/affiliate-automation/internal/providers"
	"github.com/smallbiznis/affiliate-automation/internal/ratelimit"
	"github.com/smallbiznis/affiliate-automation/internal/scheduler"
	"github.com/smallbiznis/affiliate-automation/internal/server"
	"github.com/smallbiznis/affiliate-automation/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		ratelimit.Module,
		providers.Module,

		// Functional Domains
		credit.Module,
		automation.Module,
		executor.Module,
		scheduler.Module,
		events.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
