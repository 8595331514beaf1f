package aggregation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/remittance/internal/clock"
	usagedomain "github.com/smallbiznis/remittance/internal/usage/domain"
	"go.uber.org/zap"
)

var ErrPartialFlush = errors.New("partial_flush")

// FlushResult reports which partitions accepted the sentinel.
type FlushResult struct {
	Succeeded []int32
	Failed    map[int32]error
}

func (r FlushResult) Complete() bool {
	return len(r.Failed) == 0
}

// FlushCoordinator forces every partition to close its open windows by
// writing a sentinel usage record to each of them.
type FlushCoordinator struct {
	pub        partitionPublisher
	topic      string
	partitions int
	clock      clock.Clock
	log        *zap.Logger
}

func NewFlushCoordinator(pub partitionPublisher, topic string, partitions int, clk clock.Clock, log *zap.Logger) *FlushCoordinator {
	return &FlushCoordinator{
		pub:        pub,
		topic:      topic,
		partitions: partitions,
		clock:      clk,
		log:        log.Named("aggregation.flush"),
	}
}

// FlushRecord is the sentinel written to each partition.
func FlushRecord(now time.Time) usagedomain.UsageRecord {
	return usagedomain.UsageRecord{
		OrgID:        usagedomain.FlushOrgID,
		SnapshotDate: now.UTC(),
		Value:        decimal.Zero,
	}
}

// Flush writes the sentinel to partitions 0..N-1 concurrently. Each write
// is independent; when some fail the result lists both sides and the error
// wraps ErrPartialFlush.
func (c *FlushCoordinator) Flush(ctx context.Context) (FlushResult, error) {
	value, err := usagedomain.EncodeUsage(FlushRecord(c.clock.Now()))
	if err != nil {
		return FlushResult{}, fmt.Errorf("encode flush record: %w", err)
	}
	key := []byte(usagedomain.FlushKey().String())
	headers := map[string]string{"flush": "true"}

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		result = FlushResult{Failed: map[int32]error{}}
	)
	for i := 0; i < c.partitions; i++ {
		partition := int32(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.pub.ProduceTo(ctx, c.topic, partition, key, value, headers)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed[partition] = err
				return
			}
			result.Succeeded = append(result.Succeeded, partition)
		}()
	}
	wg.Wait()

	sort.Slice(result.Succeeded, func(i, j int) bool { return result.Succeeded[i] < result.Succeeded[j] })

	if len(result.Failed) == 0 {
		c.log.Info("flush sentinel written", zap.Int("partitions", c.partitions))
		return result, nil
	}

	errs := []error{ErrPartialFlush}
	for partition, ferr := range result.Failed {
		c.log.Error("flush sentinel failed",
			zap.Int32("partition", partition),
			zap.Error(ferr),
		)
		errs = append(errs, fmt.Errorf("partition %d: %w", partition, ferr))
	}
	return result, errors.Join(errs...)
}
