package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// PipelineConfig is the hot-reloadable part of the configuration. Window
// geometry and partition count are read once when workers start; the rest is
// re-read on every use.
type PipelineConfig struct {
	Window          WindowConfig   `mapstructure:"window"`
	Partitions      int            `mapstructure:"partitions"`
	Topics          TopicConfig    `mapstructure:"topics"`
	Producer        ProducerConfig `mapstructure:"producer"`
	Retry           RetryConfig    `mapstructure:"retry"`
	Retention       time.Duration  `mapstructure:"retention"`
	StuckAfter      time.Duration  `mapstructure:"stuckAfter"`
	FlushInterval   time.Duration  `mapstructure:"flushInterval"`
	MeteredProducts []string       `mapstructure:"meteredProducts"`
}

type WindowConfig struct {
	Size  time.Duration `mapstructure:"size"`
	Grace time.Duration `mapstructure:"grace"`
}

type TopicConfig struct {
	Usage       string `mapstructure:"usage"`
	Aggregate   string `mapstructure:"aggregate"`
	Submissions string `mapstructure:"submissions"`
	Status      string `mapstructure:"status"`
	DLQ         string `mapstructure:"dlq"`
}

type ProducerConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	RatePerSecond  float64       `mapstructure:"ratePerSecond"`
	Burst          int           `mapstructure:"burst"`
	BreakerDelay   time.Duration `mapstructure:"breakerDelay"`
	BreakerFailure float64       `mapstructure:"breakerFailure"`
}

type RetryConfig struct {
	InitialInterval     time.Duration `mapstructure:"initialInterval"`
	Multiplier          float64       `mapstructure:"multiplier"`
	MaxInterval         time.Duration `mapstructure:"maxInterval"`
	RandomizationFactor float64       `mapstructure:"randomizationFactor"`
	BatchSize           int           `mapstructure:"batchSize"`
}

func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Window: WindowConfig{
			Size:  time.Hour,
			Grace: 0,
		},
		Partitions: 4,
		Topics: TopicConfig{
			Usage:       "billable-usage",
			Aggregate:   "billable-usage-hourly-aggregate",
			Submissions: "billable-usage-submissions",
			Status:      "billable-usage-status",
			DLQ:         "billable-usage-dlq",
		},
		Producer: ProducerConfig{
			Timeout:        10 * time.Second,
			RatePerSecond:  50,
			Burst:          100,
			BreakerDelay:   30 * time.Second,
			BreakerFailure: 0.5,
		},
		Retry: RetryConfig{
			InitialInterval:     time.Minute,
			Multiplier:          2,
			MaxInterval:         time.Hour,
			RandomizationFactor: 0.1,
			BatchSize:           100,
		},
		Retention:     90 * 24 * time.Hour,
		StuckAfter:    6 * time.Hour,
		FlushInterval: 0,
	}
}

type PipelineConfigHolder struct {
	current atomic.Value // holds PipelineConfig
}

// NewStaticPipelineConfig returns a holder that never reloads.
func NewStaticPipelineConfig(cfg PipelineConfig) *PipelineConfigHolder {
	holder := &PipelineConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewPipelineConfigHolder() (*PipelineConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("pipeline")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/remittance/config")
	v.AddConfigPath("/etc/remittance")
	v.AddConfigPath(".")

	v.SetEnvPrefix("REMITTANCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setPipelineDefaults(v, DefaultPipelineConfig())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg PipelineConfig
	if err := v.UnmarshalKey("pipeline", &cfg); err != nil {
		return nil, err
	}
	if err := ValidatePipelineConfig(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticPipelineConfig(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated PipelineConfig
		if err := v.UnmarshalKey("pipeline", &updated); err != nil {
			log.Printf("[pipeline-config] reload failed: %v", err)
			return
		}
		if err := ValidatePipelineConfig(updated); err != nil {
			log.Printf("[pipeline-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[pipeline-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *PipelineConfigHolder) Get() PipelineConfig {
	return h.current.Load().(PipelineConfig)
}

// IsMetered reads the current metered product list.
func (h *PipelineConfigHolder) IsMetered(productID string) bool {
	return h.Get().IsMetered(productID)
}

// IsMetered reports whether usage of productID is billed by measurement and
// therefore requires a billing account.
func (c PipelineConfig) IsMetered(productID string) bool {
	for _, p := range c.MeteredProducts {
		if strings.EqualFold(strings.TrimSpace(p), productID) {
			return true
		}
	}
	return false
}

func setPipelineDefaults(v *viper.Viper, d PipelineConfig) {
	v.SetDefault("pipeline.window.size", d.Window.Size)
	v.SetDefault("pipeline.window.grace", d.Window.Grace)
	v.SetDefault("pipeline.partitions", d.Partitions)
	v.SetDefault("pipeline.topics.usage", d.Topics.Usage)
	v.SetDefault("pipeline.topics.aggregate", d.Topics.Aggregate)
	v.SetDefault("pipeline.topics.submissions", d.Topics.Submissions)
	v.SetDefault("pipeline.topics.status", d.Topics.Status)
	v.SetDefault("pipeline.topics.dlq", d.Topics.DLQ)
	v.SetDefault("pipeline.producer.timeout", d.Producer.Timeout)
	v.SetDefault("pipeline.producer.ratePerSecond", d.Producer.RatePerSecond)
	v.SetDefault("pipeline.producer.burst", d.Producer.Burst)
	v.SetDefault("pipeline.producer.breakerDelay", d.Producer.BreakerDelay)
	v.SetDefault("pipeline.producer.breakerFailure", d.Producer.BreakerFailure)
	v.SetDefault("pipeline.retry.initialInterval", d.Retry.InitialInterval)
	v.SetDefault("pipeline.retry.multiplier", d.Retry.Multiplier)
	v.SetDefault("pipeline.retry.maxInterval", d.Retry.MaxInterval)
	v.SetDefault("pipeline.retry.randomizationFactor", d.Retry.RandomizationFactor)
	v.SetDefault("pipeline.retry.batchSize", d.Retry.BatchSize)
	v.SetDefault("pipeline.retention", d.Retention)
	v.SetDefault("pipeline.stuckAfter", d.StuckAfter)
	v.SetDefault("pipeline.flushInterval", d.FlushInterval)
	v.SetDefault("pipeline.meteredProducts", d.MeteredProducts)
}

func ValidatePipelineConfig(cfg PipelineConfig) error {
	if cfg.Window.Size <= 0 {
		return errors.New("pipeline.window.size must be positive")
	}
	if cfg.Window.Grace < 0 {
		return errors.New("pipeline.window.grace cannot be negative")
	}
	if cfg.Partitions <= 0 {
		return fmt.Errorf("pipeline.partitions must be positive, got %d", cfg.Partitions)
	}
	if cfg.Topics.Usage == "" || cfg.Topics.Aggregate == "" || cfg.Topics.Submissions == "" {
		return errors.New("pipeline.topics usage, aggregate and submissions are required")
	}
	if cfg.Producer.Timeout <= 0 {
		return errors.New("pipeline.producer.timeout must be positive")
	}
	if cfg.Producer.RatePerSecond <= 0 || cfg.Producer.Burst <= 0 {
		return errors.New("pipeline.producer rate and burst must be positive")
	}
	if cfg.Producer.BreakerFailure <= 0 || cfg.Producer.BreakerFailure > 1 {
		return errors.New("pipeline.producer.breakerFailure must be in (0,1]")
	}
	if cfg.Retry.InitialInterval <= 0 || cfg.Retry.MaxInterval < cfg.Retry.InitialInterval {
		return errors.New("pipeline.retry intervals are invalid")
	}
	if cfg.Retry.Multiplier < 1 {
		return errors.New("pipeline.retry.multiplier must be at least 1")
	}
	if cfg.Retry.RandomizationFactor < 0 || cfg.Retry.RandomizationFactor >= 1 {
		return errors.New("pipeline.retry.randomizationFactor must be in [0,1)")
	}
	return nil
}
