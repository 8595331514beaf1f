package scheduler

import (
	"time"

	"github.com/smallbiznis/remittance/internal/config"
)

// Config controls scheduler cadence and leadership.
type Config struct {
	RunInterval time.Duration
	JobTimeout  time.Duration
	LeaderKey   string
	LeaderTTL   time.Duration
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval: time.Minute,
		JobTimeout:  2 * time.Minute,
		LeaderKey:   "remittance:scheduler:leader",
		LeaderTTL:   3 * time.Minute,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval: cfg.Scheduler.RunInterval,
		JobTimeout:  cfg.Scheduler.JobTimeout,
		LeaderTTL:   cfg.Scheduler.LeaderTTL,
		EnabledJobs: cfg.Scheduler.EnabledJobs,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.LeaderKey == "" {
		c.LeaderKey = defaults.LeaderKey
	}
	// the lease must outlive one run loop iteration or leadership flaps
	if c.LeaderTTL <= c.RunInterval {
		c.LeaderTTL = 3 * c.RunInterval
	}
	return c
}
