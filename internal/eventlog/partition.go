package eventlog

import (
	"context"

	"github.com/cespare/xxhash/v2"
	"github.com/twmb/franz-go/pkg/kgo"
)

type pinnedKey struct{}

// PartitionFor maps a record key onto one of n partitions. The same key
// always lands on the same partition for a fixed n.
func PartitionFor(key []byte, n int) int32 {
	if n <= 1 {
		return 0
	}
	return int32(xxhash.Sum64(key) % uint64(n))
}

// Pin forces r onto partition regardless of its key.
func Pin(ctx context.Context, r *kgo.Record, partition int32) {
	if ctx == nil {
		ctx = context.Background()
	}
	r.Partition = partition
	r.Context = context.WithValue(ctx, pinnedKey{}, struct{}{})
}

func isPinned(r *kgo.Record) bool {
	return r.Context != nil && r.Context.Value(pinnedKey{}) != nil
}

// Partitioner keys every record with PartitionFor unless it was pinned.
func Partitioner() kgo.Partitioner {
	return kgo.BasicConsistentPartitioner(func(string) func(*kgo.Record, int) int {
		return func(r *kgo.Record, n int) int {
			if isPinned(r) {
				return int(r.Partition)
			}
			return int(PartitionFor(r.Key, n))
		}
	})
}
