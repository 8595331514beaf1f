package ratelimit

import (
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

var Module = fx.Module("rate.limit",
	fx.Provide(
		NewRedisClient,
		provideLocker,
		provideTokenBucket,
		NewSubmissionLimiter,
	),
)

func provideLocker(client redis.UniversalClient) *Locker {
	return NewLocker(client)
}

func provideTokenBucket(client redis.UniversalClient) *TokenBucket {
	return NewTokenBucket(client)
}
