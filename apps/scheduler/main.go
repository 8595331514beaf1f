package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/remittance/internal/aggregation"
	"github.com/smallbiznis/remittance/internal/billing"
	"github.com/smallbiznis/remittance/internal/clock"
	"github.com/smallbiznis/remittance/internal/config"
	"github.com/smallbiznis/remittance/internal/eventlog"
	"github.com/smallbiznis/remittance/internal/observability"
	"github.com/smallbiznis/remittance/internal/ratelimit"
	"github.com/smallbiznis/remittance/internal/remittance"
	"github.com/smallbiznis/remittance/internal/scheduler"
	"github.com/smallbiznis/remittance/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.WithLogger(observability.FxLogger),
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		eventlog.Module,
		ratelimit.Module,

		// Domain services required by scheduler. The aggregation module
		// contributes the flush coordinator; its consumers stay off in
		// scheduler mode.
		remittance.Module,
		billing.Module,
		aggregation.Module,
		scheduler.Module,

		fx.Decorate(SchedulerOnly),
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

func SchedulerOnly(cfg config.Config) config.Config {
	cfg.Mode = config.ModeScheduler
	return cfg
}
