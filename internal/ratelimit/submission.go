package ratelimit

import (
	"context"
	"fmt"
	"strings"

	"github.com/smallbiznis/remittance/internal/config"
)

const keySubmissionProvider = "remittance:submit:provider:%s"

// SubmissionLimiter caps how fast remittances are sent to each billing
// provider across all replicas.
type SubmissionLimiter struct {
	bucket   *TokenBucket
	pipeline *config.PipelineConfigHolder
}

func NewSubmissionLimiter(bucket *TokenBucket, pipeline *config.PipelineConfigHolder) *SubmissionLimiter {
	return &SubmissionLimiter{bucket: bucket, pipeline: pipeline}
}

func (l *SubmissionLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

// Allow takes one token for provider. Without redis every call is allowed.
func (l *SubmissionLimiter) Allow(ctx context.Context, provider string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	cfg := l.pipeline.Get().Producer
	key := fmt.Sprintf(keySubmissionProvider, strings.ToLower(strings.TrimSpace(provider)))
	return l.bucket.Take(ctx, key, Limit{Rate: cfg.RatePerSecond, Burst: cfg.Burst}, 1)
}
