package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidatePipelineConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*PipelineConfig)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*PipelineConfig) {}},
		{name: "zero window", mutate: func(c *PipelineConfig) { c.Window.Size = 0 }, wantErr: true},
		{name: "negative grace", mutate: func(c *PipelineConfig) { c.Window.Grace = -time.Second }, wantErr: true},
		{name: "no partitions", mutate: func(c *PipelineConfig) { c.Partitions = 0 }, wantErr: true},
		{name: "missing usage topic", mutate: func(c *PipelineConfig) { c.Topics.Usage = "" }, wantErr: true},
		{name: "max below initial", mutate: func(c *PipelineConfig) { c.Retry.MaxInterval = time.Second }, wantErr: true},
		{name: "shrinking multiplier", mutate: func(c *PipelineConfig) { c.Retry.Multiplier = 0.5 }, wantErr: true},
		{name: "jitter out of range", mutate: func(c *PipelineConfig) { c.Retry.RandomizationFactor = 1 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultPipelineConfig()
			tt.mutate(&cfg)
			err := ValidatePipelineConfig(cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestPipelineConfigIsMetered(t *testing.T) {
	cfg := DefaultPipelineConfig()
	cfg.MeteredProducts = []string{"rosa", " OpenShift-Dedicated-metrics "}

	assert.True(t, cfg.IsMetered("rosa"))
	assert.True(t, cfg.IsMetered("openshift-dedicated-metrics"))
	assert.False(t, cfg.IsMetered("RHEL"))
}

func TestStaticPipelineConfigHolder(t *testing.T) {
	cfg := DefaultPipelineConfig()
	cfg.Partitions = 12
	holder := NewStaticPipelineConfig(cfg)
	assert.Equal(t, 12, holder.Get().Partitions)
}
