package eventlog

import (
	"fmt"

	"github.com/smallbiznis/remittance/internal/config"
	"github.com/twmb/franz-go/pkg/kgo"
)

// NewClient builds a franz-go client with the shared broker settings and the
// key partitioner. Callers append consumer or producer options.
func NewClient(cfg config.KafkaConfig, opts ...kgo.Opt) (*kgo.Client, error) {
	base := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.RecordPartitioner(Partitioner()),
	}
	if cfg.DialTimeout > 0 {
		base = append(base, kgo.DialTimeout(cfg.DialTimeout))
	}

	client, err := kgo.NewClient(append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return client, nil
}
