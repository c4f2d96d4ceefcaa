package store

import (
	"context"
	"fmt"
	"time"
)

// Item is one durable chat-log entry. The log is append-only and ordered:
// partition key is the thread identifier, sort key is the per-thread
// sequence number.
type Item struct {
	ThreadID  string            `json:"thread_id"`
	Seq       int64             `json:"seq"`
	Role      string            `json:"role"` // user, assistant
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"ts"`
	SessionID string            `json:"session_id"`
	Turn      int64             `json:"turn"`
	Meta      map[string]string `json:"meta,omitempty"`
	ExpiresAt int64             `json:"expires_at,omitempty"` // unix seconds, 0 = never
}

// Store defines the interface for durable chat-history backends.
// Entries are never mutated once written, only optionally expired.
type Store interface {
	// AppendMessage writes a single message to the log.
	AppendMessage(ctx context.Context, item Item) error

	// QueryRecent returns the most recent messages for the thread in
	// ascending sequence order, enough to cover the newest `turns` turns.
	QueryRecent(ctx context.Context, threadID string, turns int) ([]Item, error)

	// BatchWrite writes items as a confirming multi-item put and returns
	// the subset that could not be processed.
	BatchWrite(ctx context.Context, items []Item) ([]Item, error)

	// NextSeq atomically increments and returns the thread's sequence counter.
	NextSeq(ctx context.Context, threadID string) (int64, error)

	// MaxTurn returns the highest turn index recorded for the thread, or 0.
	MaxTurn(ctx context.Context, threadID string) (int64, error)

	Close() error
}

// New creates a store for the configured driver.
func New(driver, path, url string) (Store, error) {
	switch driver {
	case "memory", "":
		return NewMemoryStore(), nil
	case "sqlite":
		s, err := NewSQLiteStore(path)
		if err != nil {
			return nil, fmt.Errorf("failed to create sqlite store: %w", err)
		}
		return s, nil
	case "postgres":
		s, err := NewPostgresStore(url)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", driver)
	}
}

// recentFetchSlack is extra headroom when fetching recent messages so that
// incomplete or abandoned turns still leave enough complete pairs.
const recentFetchSlack = 10
