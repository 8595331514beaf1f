package pagination

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 250
)

// Cursor is the keyset position of the last row on a page.
type Cursor struct {
	ID string    `json:"id,omitempty"`
	At time.Time `json:"at,omitempty"`
}

func EncodeCursor(data Cursor) (string, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal cursor: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(b), nil
}

func DecodeCursor(data string) (*Cursor, error) {
	b, err := base64.RawURLEncoding.DecodeString(data)
	if err != nil {
		return nil, err
	}

	var cursor Cursor
	if err := json.Unmarshal(b, &cursor); err != nil {
		return nil, err
	}

	return &cursor, nil
}

// PageSize clamps a requested size into [1, MaxPageSize].
func PageSize(requested int) int {
	switch {
	case requested <= 0:
		return DefaultPageSize
	case requested > MaxPageSize:
		return MaxPageSize
	default:
		return requested
	}
}

// Trim drops the lookahead row fetched past limit and returns the token of
// the next page, or "" on the last page.
func Trim[T any](data []T, limit int, extractCursor func(T) Cursor) ([]T, string, error) {
	if len(data) <= limit {
		return data, "", nil
	}

	data = data[:limit]
	token, err := EncodeCursor(extractCursor(data[len(data)-1]))
	if err != nil {
		return nil, "", err
	}
	return data, token, nil
}
