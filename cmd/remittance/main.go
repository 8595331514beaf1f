package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/remittance/internal/aggregation"
	"github.com/smallbiznis/remittance/internal/billing"
	"github.com/smallbiznis/remittance/internal/clock"
	"github.com/smallbiznis/remittance/internal/config"
	"github.com/smallbiznis/remittance/internal/eventlog"
	"github.com/smallbiznis/remittance/internal/migration"
	"github.com/smallbiznis/remittance/internal/observability"
	"github.com/smallbiznis/remittance/internal/ratelimit"
	"github.com/smallbiznis/remittance/internal/remittance"
	"github.com/smallbiznis/remittance/internal/scheduler"
	"github.com/smallbiznis/remittance/pkg/db"
	"go.uber.org/fx"
)

// APP_MODE selects which workers run: all, aggregator or scheduler.
func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.WithLogger(observability.FxLogger),
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		eventlog.Module,
		ratelimit.Module,

		// Pipeline
		remittance.Module,
		billing.Module,
		aggregation.Module,
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
