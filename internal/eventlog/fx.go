package eventlog

import "go.uber.org/fx"

var Module = fx.Module("eventlog",
	fx.Provide(provideProducer),
)
