package scheduler

import (
	"context"

	"github.com/smallbiznis/remittance/internal/config"
	"github.com/smallbiznis/remittance/internal/ratelimit"
	"go.uber.org/fx"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(provideLeader),
	fx.Provide(New),
	fx.Invoke(NewScheduler),
)

func provideLeader(locker *ratelimit.Locker, cfg Config) *ratelimit.LeaderLock {
	return ratelimit.NewLeaderLock(locker, cfg.LeaderKey, cfg.LeaderTTL)
}

func NewScheduler(lc fx.Lifecycle, cfg config.Config, sched *Scheduler) {
	if !cfg.RunsScheduler() {
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go sched.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
