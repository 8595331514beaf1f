package domain

import (
	"encoding/json"
	"fmt"
)

func EncodeUsage(r UsageRecord) ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal usage record: %w", err)
	}
	return b, nil
}

func DecodeUsage(b []byte) (UsageRecord, error) {
	var r UsageRecord
	if err := json.Unmarshal(b, &r); err != nil {
		return UsageRecord{}, fmt.Errorf("unmarshal usage record: %w", err)
	}
	return r, nil
}

func EncodeAggregate(a Aggregate) ([]byte, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal aggregate: %w", err)
	}
	return b, nil
}

func DecodeAggregate(b []byte) (Aggregate, error) {
	var a Aggregate
	if err := json.Unmarshal(b, &a); err != nil {
		return Aggregate{}, fmt.Errorf("unmarshal aggregate: %w", err)
	}
	return a, nil
}
