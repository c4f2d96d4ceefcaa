package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-process store used for development runs and tests.
// The failure knobs simulate a flaky backend: batch partial failures,
// append failures, and counter outages.
type MemoryStore struct {
	mu       sync.Mutex
	messages map[string][]Item // threadID -> items ordered by insertion
	counters map[string]int64

	// FailAppendTimes makes the next n AppendMessage calls fail.
	FailAppendTimes int
	// FailNextSeqTimes makes the next n NextSeq calls fail.
	FailNextSeqTimes int
	// RejectBatchTimes makes the next n BatchWrite calls return every item
	// as unprocessed.
	RejectBatchTimes int
	// BatchCalls counts BatchWrite invocations.
	BatchCalls int
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string][]Item),
		counters: make(map[string]int64),
	}
}

// AppendMessage writes a single message to the log.
func (s *MemoryStore) AppendMessage(ctx context.Context, item Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailAppendTimes > 0 {
		s.FailAppendTimes--
		return fmt.Errorf("append unavailable")
	}
	s.put(item)
	return nil
}

// QueryRecent returns recent messages in ascending sequence order.
func (s *MemoryStore) QueryRecent(ctx context.Context, threadID string, turns int) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := append([]Item(nil), s.messages[threadID]...)
	sort.Slice(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })

	limit := turns*2 + recentFetchSlack
	if len(items) > limit {
		items = items[len(items)-limit:]
	}
	return items, nil
}

// BatchWrite writes items and returns the unprocessed subset.
func (s *MemoryStore) BatchWrite(ctx context.Context, items []Item) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.BatchCalls++
	if s.RejectBatchTimes > 0 {
		s.RejectBatchTimes--
		return append([]Item(nil), items...), nil
	}
	for _, item := range items {
		s.put(item)
	}
	return nil, nil
}

// NextSeq atomically increments and returns the thread's sequence counter.
func (s *MemoryStore) NextSeq(ctx context.Context, threadID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailNextSeqTimes > 0 {
		s.FailNextSeqTimes--
		return 0, fmt.Errorf("counter unavailable")
	}
	s.counters[threadID]++
	return s.counters[threadID], nil
}

// MaxTurn returns the highest turn index recorded for the thread.
func (s *MemoryStore) MaxTurn(ctx context.Context, threadID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var max int64
	for _, item := range s.messages[threadID] {
		if item.Turn > max {
			max = item.Turn
		}
	}
	return max, nil
}

// Len returns the number of stored messages for the thread.
func (s *MemoryStore) Len(threadID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages[threadID])
}

// Items returns a copy of the stored messages for the thread in sequence order.
func (s *MemoryStore) Items(threadID string) []Item {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := append([]Item(nil), s.messages[threadID]...)
	sort.Slice(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })
	return items
}

// Close releases nothing; it exists to satisfy Store.
func (s *MemoryStore) Close() error {
	return nil
}

// put upserts by (thread, seq). Caller holds s.mu.
func (s *MemoryStore) put(item Item) {
	list := s.messages[item.ThreadID]
	for i := range list {
		if list[i].Seq == item.Seq {
			list[i] = item
			return
		}
	}
	s.messages[item.ThreadID] = append(list, item)
}
