package guard

import (
	"errors"
	"time"
)

var (
	ErrRetentionDisabled = errors.New("retention_disabled")
	ErrStuckDisabled     = errors.New("stuck_threshold_disabled")
	ErrFlushDisabled     = errors.New("flush_disabled")
	ErrFlushNotDue       = errors.New("flush_not_due")
)

// PurgeCutoff returns the pending date before which rows may be deleted.
func PurgeCutoff(now time.Time, retention time.Duration) (time.Time, error) {
	if retention <= 0 {
		return time.Time{}, ErrRetentionDisabled
	}
	return now.Add(-retention), nil
}

func EnsureStuckThreshold(threshold time.Duration) error {
	if threshold <= 0 {
		return ErrStuckDisabled
	}
	return nil
}

// EnsureFlushDue allows a flush once per interval. A zero last flush is
// always due.
func EnsureFlushDue(last, now time.Time, interval time.Duration) error {
	if interval <= 0 {
		return ErrFlushDisabled
	}
	if !last.IsZero() && now.Sub(last) < interval {
		return ErrFlushNotDue
	}
	return nil
}
