package memory

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	ticketErrors "github.com/HummdG/tazaticket/internal/errors"
	"github.com/HummdG/tazaticket/internal/store"
	"github.com/HummdG/tazaticket/internal/telemetry"
)

// Config controls windowing, batching and flush behavior.
type Config struct {
	// SessionIdle is the inactivity gap after which a thread's session is
	// flushed and restarted. Evaluated lazily at session start.
	SessionIdle time.Duration
	// ContextPairs is the maximum number of closed pairs kept in the
	// context window.
	ContextPairs int
	// BatchPairs is the buffer length that triggers a batch flush.
	BatchPairs int
	// MaxRAMPairs caps window+buffer pairs held in RAM; exceeding it
	// forces a flush regardless of BatchPairs.
	MaxRAMPairs int

	// FlushMaxRetries bounds batch-write retry attempts.
	FlushMaxRetries int
	// FlushInitialBackoff is the first retry delay; doubled per attempt.
	FlushInitialBackoff time.Duration
	// FlushMaxBackoff caps the retry delay.
	FlushMaxBackoff time.Duration
	// FlushJitterFraction adds up to this fraction of random jitter.
	FlushJitterFraction float64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SessionIdle:         6 * time.Hour,
		ContextPairs:        15,
		BatchPairs:          10,
		MaxRAMPairs:         50,
		FlushMaxRetries:     3,
		FlushInitialBackoff: 500 * time.Millisecond,
		FlushMaxBackoff:     8 * time.Second,
		FlushJitterFraction: 0.2,
	}
}

// Manager is the conversation memory manager. It keeps a bounded in-RAM
// window of recent pairs per thread, persists every message to the durable
// store, and recovers state across restarts and idle gaps.
//
// Operations for different threads may run concurrently; operations for
// the same thread are serialized through the thread mutex.
type Manager struct {
	cfg    Config
	store  store.Store
	logger *telemetry.Logger

	mu      sync.Mutex
	threads map[string]*ThreadState

	// test hooks
	now   func() time.Time
	sleep func(time.Duration)
}

// NewManager creates a memory manager backed by the given store.
func NewManager(cfg Config, st store.Store, logger *telemetry.Logger) *Manager {
	if cfg.FlushInitialBackoff <= 0 {
		cfg.FlushInitialBackoff = 500 * time.Millisecond
	}
	if cfg.FlushMaxBackoff <= 0 {
		cfg.FlushMaxBackoff = 8 * time.Second
	}
	return &Manager{
		cfg:     cfg,
		store:   st,
		logger:  logger,
		threads: make(map[string]*ThreadState),
		now:     time.Now,
		sleep:   time.Sleep,
	}
}

// StartSession resolves or creates the thread's session. If the thread has
// been idle past the configured threshold, in-RAM pairs are flushed, the
// state is reset and a fresh session begins. The context window is then
// repopulated from the durable store so the caller always sees the most
// recent closed pairs.
func (m *Manager) StartSession(ctx context.Context, threadID string) error {
	_, err := m.ensure(ctx, threadID)
	return err
}

// ensure returns the thread state, creating or resetting it as needed.
func (m *Manager) ensure(ctx context.Context, threadID string) (*ThreadState, error) {
	m.mu.Lock()
	ts, ok := m.threads[threadID]
	if !ok {
		ts = &ThreadState{ThreadID: threadID}
		m.threads[threadID] = ts
	}
	m.mu.Unlock()

	ts.mu.Lock()
	defer ts.mu.Unlock()

	now := m.now()
	if ts.SessionID != "" && now.Sub(ts.LastActivity) > m.cfg.SessionIdle {
		m.logger.Info("session idle timeout, flushing and restarting",
			"thread", threadID, "idle", now.Sub(ts.LastActivity).String())
		if err := m.flushLocked(ctx, ts, ts.allPairs()); err != nil {
			// A pair whose write-through also failed exists only in RAM,
			// so the unconfirmed pairs must survive the session reset.
			ts.buffer = ts.allPairs()
			m.logger.Warn("idle flush failed, retaining unflushed pairs",
				"thread", threadID, "pairs", len(ts.buffer), "error", err)
		} else {
			ts.buffer = nil
		}
		ts.SessionID = ""
	}

	if ts.SessionID == "" {
		ts.SessionID = uuid.New().String()
		ts.open = nil
		ts.window = nil
		// ts.buffer carries over; it may hold pairs no flush has confirmed.

		maxTurn, err := m.store.MaxTurn(ctx, threadID)
		if err != nil {
			ts.SessionID = ""
			return nil, ticketErrors.Wrap(ticketErrors.CodeStoreUnavailable,
				"failed to read turn cursor", err).WithThread(threadID)
		}
		ts.turnCursor = maxTurn

		window, err := m.loadWindow(ctx, threadID)
		if err != nil {
			ts.SessionID = ""
			return nil, ticketErrors.Wrap(ticketErrors.CodeStoreUnavailable,
				"failed to load recent history", err).WithThread(threadID)
		}
		ts.window = window

		m.logger.Debug("session started", "thread", threadID,
			"session", ts.SessionID, "window_pairs", len(ts.window), "turn_cursor", ts.turnCursor)
	}

	ts.LastActivity = now
	return ts, nil
}

// AddUserMessage opens a new pair with the user's message and writes the
// message through to the durable store. If a pair is already open its
// reply never arrived; it is marked abandoned and a new pair is opened.
func (m *Manager) AddUserMessage(ctx context.Context, threadID, text string) error {
	ts, err := m.ensure(ctx, threadID)
	if err != nil {
		return err
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.open != nil {
		m.abandonLocked(ctx, ts)
	}

	seq, err := m.store.NextSeq(ctx, threadID)
	if err != nil {
		return ticketErrors.Wrap(ticketErrors.CodeAllocatorUnavailable,
			"failed to allocate sequence number", err).WithThread(threadID)
	}

	ts.turnCursor++
	msg := Message{
		Seq:       seq,
		Role:      RoleUser,
		Content:   text,
		Timestamp: m.now().UTC(),
		SessionID: ts.SessionID,
		Turn:      ts.turnCursor,
	}
	ts.open = &Pair{Turn: msg.Turn, User: msg, State: PairOpen}

	if err := m.store.AppendMessage(ctx, msg.item(threadID)); err != nil {
		// The message stays in RAM and reaches the store with the next
		// batch flush.
		m.logger.Warn("write-through failed for user message",
			"thread", threadID, "seq", seq, "error", err)
	}

	ts.LastActivity = m.now()
	return nil
}

// abandonLocked marks the open pair abandoned and records the marker on
// its durable entry. Caller holds ts.mu.
func (m *Manager) abandonLocked(ctx context.Context, ts *ThreadState) {
	pair := ts.open
	pair.State = PairAbandoned
	ts.open = nil

	m.logger.Warn("abandoning open pair without reply",
		"thread", ts.ThreadID, "turn", pair.Turn, "seq", pair.User.Seq)

	marked := pair.User
	if marked.Meta == nil {
		marked.Meta = map[string]string{}
	}
	marked.Meta["abandoned"] = "true"
	if err := m.store.AppendMessage(ctx, marked.item(ts.ThreadID)); err != nil {
		m.logger.Warn("failed to mark pair abandoned",
			"thread", ts.ThreadID, "turn", pair.Turn, "error", err)
	}
}

// AddAssistantMessage closes the open pair with the assistant's reply,
// appends the pair to the context window and runs eviction and flush
// bookkeeping. Fails with NO_OPEN_PAIR if no pair is open.
func (m *Manager) AddAssistantMessage(ctx context.Context, threadID, text string) error {
	ts := m.lookup(threadID)
	if ts == nil {
		return ticketErrors.New(ticketErrors.CodeNoOpenPair,
			"no open pair to close").WithThread(threadID).
			WithSuggestion("Call StartSession and AddUserMessage before AddAssistantMessage")
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.open == nil {
		return ticketErrors.New(ticketErrors.CodeNoOpenPair,
			"no open pair to close").WithThread(threadID).
			WithSuggestion("Call AddUserMessage before AddAssistantMessage")
	}

	seq, err := m.store.NextSeq(ctx, threadID)
	if err != nil {
		return ticketErrors.Wrap(ticketErrors.CodeAllocatorUnavailable,
			"failed to allocate sequence number", err).WithThread(threadID)
	}

	pair := ts.open
	pair.Assistant = Message{
		Seq:       seq,
		Role:      RoleAssistant,
		Content:   text,
		Timestamp: m.now().UTC(),
		SessionID: ts.SessionID,
		Turn:      pair.Turn,
	}
	pair.State = PairClosed
	ts.open = nil
	ts.window = append(ts.window, pair)

	if err := m.store.AppendMessage(ctx, pair.Assistant.item(threadID)); err != nil {
		m.logger.Warn("write-through failed for assistant message",
			"thread", threadID, "seq", seq, "error", err)
	}

	flushErr := m.rebalanceLocked(ctx, ts)

	ts.LastActivity = m.now()
	return flushErr
}

// rebalanceLocked runs the windowing algorithm after a pair closes:
// FIFO-evict past the window bound, flush when the buffer fills, and
// force a flush when RAM holds too many pairs. Caller holds ts.mu.
func (m *Manager) rebalanceLocked(ctx context.Context, ts *ThreadState) error {
	for len(ts.window) > m.cfg.ContextPairs {
		ts.buffer = append(ts.buffer, ts.window[0])
		ts.window = ts.window[1:]
	}

	var flushErr error
	if len(ts.buffer) >= m.cfg.BatchPairs {
		flushErr = m.flushBufferLocked(ctx, ts)
	}
	if len(ts.window)+len(ts.buffer) > m.cfg.MaxRAMPairs {
		if err := m.flushBufferLocked(ctx, ts); err != nil && flushErr == nil {
			flushErr = err
		}
	}
	return flushErr
}

// ContextForLLM returns the context window flattened into (role, content)
// entries, oldest first, with the open pair's user message last. It is a
// read-only projection and never mutates state.
func (m *Manager) ContextForLLM(threadID string) []ContextEntry {
	ts := m.lookup(threadID)
	if ts == nil {
		return nil
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	entries := make([]ContextEntry, 0, len(ts.window)*2+1)
	for _, p := range ts.window {
		entries = append(entries, ContextEntry{Role: RoleUser, Content: p.User.Content})
		entries = append(entries, ContextEntry{Role: RoleAssistant, Content: p.Assistant.Content})
	}
	if ts.open != nil {
		entries = append(entries, ContextEntry{Role: RoleUser, Content: ts.open.User.Content})
	}
	return entries
}

// FlushBatch flushes the thread's batch buffer now, regardless of the
// BatchPairs threshold.
func (m *Manager) FlushBatch(ctx context.Context, threadID string) error {
	ts := m.lookup(threadID)
	if ts == nil {
		return nil
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return m.flushBufferLocked(ctx, ts)
}

// FlushAll flushes every in-RAM pair (window and buffer) for the thread.
func (m *Manager) FlushAll(ctx context.Context, threadID string) error {
	ts := m.lookup(threadID)
	if ts == nil {
		return nil
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if err := m.flushLocked(ctx, ts, ts.allPairs()); err != nil {
		return err
	}
	ts.buffer = nil
	return nil
}

// EndSession flushes all in-RAM pairs and discards the thread's state.
// On flush failure the state is kept so nothing is dropped from RAM.
func (m *Manager) EndSession(ctx context.Context, threadID string) error {
	ts := m.lookup(threadID)
	if ts == nil {
		return nil
	}

	ts.mu.Lock()
	err := m.flushLocked(ctx, ts, ts.allPairs())
	ts.mu.Unlock()
	if err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.threads, threadID)
	m.mu.Unlock()
	return nil
}

// Shutdown flushes every live thread. Used on process exit.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.threads))
	for id := range m.threads {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := m.EndSession(ctx, id); err != nil {
			m.logger.Warn("shutdown flush failed", "thread", id, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// flushBufferLocked performs the confirming batch write for the buffer and
// clears it on success. Caller holds ts.mu.
func (m *Manager) flushBufferLocked(ctx context.Context, ts *ThreadState) error {
	if len(ts.buffer) == 0 {
		return nil
	}
	if err := m.flushLocked(ctx, ts, ts.buffer); err != nil {
		return err
	}
	ts.buffer = nil
	return nil
}

// flushLocked writes the given pairs as a confirming batch, retrying only
// the unprocessed subset with bounded jittered exponential backoff. On
// exhausted retries the pairs are left in place and the failure surfaces
// to the caller. Caller holds ts.mu.
func (m *Manager) flushLocked(ctx context.Context, ts *ThreadState, pairs []*Pair) error {
	if len(pairs) == 0 {
		return nil
	}

	pending := make([]store.Item, 0, len(pairs)*2)
	for _, p := range pairs {
		if !p.Closed() {
			continue
		}
		pending = append(pending, p.User.item(ts.ThreadID), p.Assistant.item(ts.ThreadID))
	}
	if len(pending) == 0 {
		return nil
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= m.cfg.FlushMaxRetries; attempt++ {
		if attempt > 0 {
			m.sleep(m.backoff(attempt))
		}
		attempts++

		unprocessed, err := m.store.BatchWrite(ctx, pending)
		if err != nil {
			lastErr = err
			m.logger.Warn("batch write failed", "thread", ts.ThreadID,
				"attempt", attempts, "items", len(pending), "error", err)
			continue
		}
		if len(unprocessed) == 0 {
			m.logger.Debug("batch flushed", "thread", ts.ThreadID,
				"items", len(pending), "attempts", attempts)
			return nil
		}
		pending = unprocessed
		m.logger.Warn("batch write left unprocessed items", "thread", ts.ThreadID,
			"attempt", attempts, "unprocessed", len(unprocessed))
	}

	return ticketErrors.Wrap(ticketErrors.CodeBatchWriteFailed,
		"batch flush exhausted retries", lastErr).
		WithThread(ts.ThreadID).WithAttempts(attempts).
		WithSuggestion("Check durable store availability; buffered pairs are retained")
}

// backoff returns the delay before the given retry attempt (1-based).
func (m *Manager) backoff(attempt int) time.Duration {
	d := m.cfg.FlushInitialBackoff << (attempt - 1)
	if d > m.cfg.FlushMaxBackoff {
		d = m.cfg.FlushMaxBackoff
	}
	if m.cfg.FlushJitterFraction > 0 {
		d += time.Duration(rand.Float64() * m.cfg.FlushJitterFraction * float64(d))
	}
	return d
}

// loadWindow reconstructs the newest closed pairs from the durable log.
// Abandoned and unpaired rows dilute a fixed-size fetch, so the fetch
// widens until enough pairs are found or the log is exhausted.
func (m *Manager) loadWindow(ctx context.Context, threadID string) ([]*Pair, error) {
	fetch := m.cfg.ContextPairs
	prev := -1
	for {
		items, err := m.store.QueryRecent(ctx, threadID, fetch)
		if err != nil {
			return nil, err
		}
		pairs := pairsFromItems(items, m.cfg.ContextPairs)
		if len(pairs) >= m.cfg.ContextPairs || len(items) == prev {
			return pairs, nil
		}
		prev = len(items)
		fetch *= 2
	}
}

// lookup returns the thread state if one exists in RAM.
func (m *Manager) lookup(threadID string) *ThreadState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.threads[threadID]
}

// allPairs returns window and buffer pairs in chronological order. Caller
// holds ts.mu.
func (ts *ThreadState) allPairs() []*Pair {
	pairs := make([]*Pair, 0, len(ts.buffer)+len(ts.window))
	pairs = append(pairs, ts.buffer...)
	pairs = append(pairs, ts.window...)
	return pairs
}
