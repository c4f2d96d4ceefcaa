package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	ticketErrors "github.com/HummdG/tazaticket/internal/errors"
	"github.com/HummdG/tazaticket/internal/store"
	"github.com/HummdG/tazaticket/internal/telemetry"
)

func newTestManager(t *testing.T, cfg Config) (*Manager, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	m := NewManager(cfg, st, telemetry.NewLogger("error", "text"))
	m.sleep = func(time.Duration) {}
	return m, st
}

func smallConfig() Config {
	cfg := DefaultConfig()
	cfg.ContextPairs = 2
	cfg.BatchPairs = 2
	cfg.MaxRAMPairs = 3
	cfg.FlushMaxRetries = 3
	return cfg
}

func addPair(t *testing.T, m *Manager, thread string, n int) {
	t.Helper()
	ctx := context.Background()
	if err := m.AddUserMessage(ctx, thread, fmt.Sprintf("question %d", n)); err != nil {
		t.Fatalf("AddUserMessage(%d) error = %v", n, err)
	}
	if err := m.AddAssistantMessage(ctx, thread, fmt.Sprintf("answer %d", n)); err != nil {
		t.Fatalf("AddAssistantMessage(%d) error = %v", n, err)
	}
}

func TestSequenceAndTurnNumbering(t *testing.T) {
	m, st := newTestManager(t, smallConfig())
	ctx := context.Background()

	if err := m.StartSession(ctx, "t1"); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	for n := 1; n <= 5; n++ {
		addPair(t, m, "t1", n)
	}

	items := st.Items("t1")
	if len(items) != 10 {
		t.Fatalf("stored %d messages, want 10", len(items))
	}
	for i := 1; i < len(items); i++ {
		if items[i].Seq != items[i-1].Seq+1 {
			t.Errorf("seq not strictly increasing: %d after %d", items[i].Seq, items[i-1].Seq)
		}
	}
	for i, it := range items {
		wantTurn := int64(i/2 + 1)
		if it.Turn != wantTurn {
			t.Errorf("item %d turn = %d, want %d", i, it.Turn, wantTurn)
		}
	}
}

func TestWindowEvictionScenario(t *testing.T) {
	m, st := newTestManager(t, smallConfig())
	ctx := context.Background()

	if err := m.StartSession(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	for n := 1; n <= 3; n++ {
		addPair(t, m, "t1", n)
	}

	ts := m.lookup("t1")
	if got := windowContents(ts); got != "question 2,question 3" {
		t.Errorf("window after pair 3 = %q, want pairs 2,3", got)
	}
	if len(ts.buffer) != 1 || ts.buffer[0].User.Content != "question 1" {
		t.Errorf("buffer after pair 3 = %d pairs, want [pair 1]", len(ts.buffer))
	}
	if st.BatchCalls != 0 {
		t.Errorf("flush triggered early: BatchCalls = %d", st.BatchCalls)
	}

	addPair(t, m, "t1", 4)

	if got := windowContents(ts); got != "question 3,question 4" {
		t.Errorf("window after pair 4 = %q, want pairs 3,4", got)
	}
	if len(ts.buffer) != 0 {
		t.Errorf("buffer not cleared after flush: %d pairs", len(ts.buffer))
	}
	if st.BatchCalls != 1 {
		t.Errorf("BatchCalls = %d, want 1", st.BatchCalls)
	}
}

func windowContents(ts *ThreadState) string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := ""
	for i, p := range ts.window {
		if i > 0 {
			out += ","
		}
		out += p.User.Content
	}
	return out
}

func TestMaxRAMPairsForcesFlush(t *testing.T) {
	cfg := smallConfig()
	cfg.ContextPairs = 3
	cfg.BatchPairs = 10
	cfg.MaxRAMPairs = 3
	m, st := newTestManager(t, cfg)
	ctx := context.Background()

	if err := m.StartSession(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	for n := 1; n <= 4; n++ {
		addPair(t, m, "t1", n)
	}

	ts := m.lookup("t1")
	if len(ts.buffer) != 0 {
		t.Errorf("buffer = %d pairs after forced flush, want 0", len(ts.buffer))
	}
	if st.BatchCalls != 1 {
		t.Errorf("BatchCalls = %d, want 1 (back-pressure flush)", st.BatchCalls)
	}
	if len(ts.window)+len(ts.buffer) > cfg.MaxRAMPairs {
		t.Errorf("RAM pairs = %d, exceeds cap %d", len(ts.window)+len(ts.buffer), cfg.MaxRAMPairs)
	}
}

func TestContextForLLMIdempotent(t *testing.T) {
	m, _ := newTestManager(t, smallConfig())
	ctx := context.Background()

	if err := m.StartSession(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	addPair(t, m, "t1", 1)
	if err := m.AddUserMessage(ctx, "t1", "open question"); err != nil {
		t.Fatal(err)
	}

	first := m.ContextForLLM("t1")
	second := m.ContextForLLM("t1")

	if len(first) != 3 {
		t.Fatalf("context has %d entries, want 3", len(first))
	}
	if first[0].Role != RoleUser || first[1].Role != RoleAssistant {
		t.Errorf("closed pair roles = %s,%s", first[0].Role, first[1].Role)
	}
	if last := first[len(first)-1]; last.Role != RoleUser || last.Content != "open question" {
		t.Errorf("open pair entry = %+v, want trailing user message", last)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("entry %d differs between calls: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestIdleTimeout(t *testing.T) {
	cfg := smallConfig()
	cfg.SessionIdle = 10 * time.Second
	m, st := newTestManager(t, cfg)
	ctx := context.Background()

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	if err := m.StartSession(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	addPair(t, m, "t1", 1)
	firstSession := m.lookup("t1").SessionID

	// One second inside the idle threshold: same session resumes.
	now = now.Add(cfg.SessionIdle - time.Second)
	if err := m.StartSession(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if got := m.lookup("t1").SessionID; got != firstSession {
		t.Errorf("session restarted before idle threshold")
	}

	// One second past the threshold: flush and fresh session.
	now = now.Add(cfg.SessionIdle + time.Second)
	if err := m.StartSession(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if got := m.lookup("t1").SessionID; got == firstSession {
		t.Errorf("session not restarted after idle threshold")
	}
	if st.BatchCalls == 0 {
		t.Errorf("idle restart did not flush in-RAM pairs")
	}

	// Window is repopulated from the store.
	entries := m.ContextForLLM("t1")
	if len(entries) != 2 {
		t.Fatalf("recovered context has %d entries, want 2", len(entries))
	}
	if entries[0].Content != "question 1" || entries[1].Content != "answer 1" {
		t.Errorf("recovered context = %+v", entries)
	}
}

func TestIdleFlushFailureRetainsBuffer(t *testing.T) {
	cfg := smallConfig()
	cfg.ContextPairs = 1
	cfg.SessionIdle = 10 * time.Second
	cfg.FlushMaxRetries = 1
	m, st := newTestManager(t, cfg)
	ctx := context.Background()

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	if err := m.StartSession(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	// Pair 1's write-throughs fail, so once evicted into the buffer it
	// exists only in RAM.
	st.FailAppendTimes = 2
	addPair(t, m, "t1", 1)
	addPair(t, m, "t1", 2)

	ts := m.lookup("t1")
	if len(ts.buffer) != 1 {
		t.Fatalf("buffer = %d pairs, want 1", len(ts.buffer))
	}

	st.RejectBatchTimes = 100
	now = now.Add(cfg.SessionIdle + time.Second)
	if err := m.StartSession(ctx, "t1"); err != nil {
		t.Fatal(err)
	}

	// The failed idle flush must not drop pair 1 from RAM.
	ts = m.lookup("t1")
	retained := false
	for _, p := range ts.buffer {
		if p.User.Content == "question 1" {
			retained = true
		}
	}
	if !retained {
		t.Fatal("pair 1 dropped from the buffer by a failed idle flush")
	}

	// Once the store recovers, the retained pairs reach it.
	st.RejectBatchTimes = 0
	if err := m.FlushBatch(ctx, "t1"); err != nil {
		t.Fatalf("FlushBatch() after recovery error = %v", err)
	}
	stored := false
	for _, it := range st.Items("t1") {
		if it.Content == "question 1" {
			stored = true
		}
	}
	if !stored {
		t.Error("pair 1 never reached the durable store")
	}
}

func TestRestartRecovery(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	for turn := int64(1); turn <= 20; turn++ {
		items := []store.Item{
			{ThreadID: "t1", Seq: turn*2 - 1, Role: RoleUser, Content: fmt.Sprintf("question %d", turn),
				Timestamp: time.Now(), SessionID: "old", Turn: turn},
			{ThreadID: "t1", Seq: turn * 2, Role: RoleAssistant, Content: fmt.Sprintf("answer %d", turn),
				Timestamp: time.Now(), SessionID: "old", Turn: turn},
		}
		for _, it := range items {
			if err := st.AppendMessage(ctx, it); err != nil {
				t.Fatal(err)
			}
		}
	}
	for i := 0; i < 40; i++ {
		if _, err := st.NextSeq(ctx, "t1"); err != nil {
			t.Fatal(err)
		}
	}

	cfg := smallConfig()
	cfg.ContextPairs = 5
	m := NewManager(cfg, st, telemetry.NewLogger("error", "text"))
	m.sleep = func(time.Duration) {}

	if err := m.StartSession(ctx, "t1"); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}

	entries := m.ContextForLLM("t1")
	if len(entries) != cfg.ContextPairs*2 {
		t.Fatalf("recovered context has %d entries, want %d", len(entries), cfg.ContextPairs*2)
	}
	if entries[0].Content != "question 16" {
		t.Errorf("oldest recovered entry = %q, want question 16", entries[0].Content)
	}
	if entries[len(entries)-1].Content != "answer 20" {
		t.Errorf("newest recovered entry = %q, want answer 20", entries[len(entries)-1].Content)
	}

	// Turn cursor resumes past the stored history.
	if err := m.AddUserMessage(ctx, "t1", "new question"); err != nil {
		t.Fatal(err)
	}
	items := st.Items("t1")
	newest := items[len(items)-1]
	if newest.Turn != 21 {
		t.Errorf("resumed turn = %d, want 21", newest.Turn)
	}
	if newest.Seq != 41 {
		t.Errorf("resumed seq = %d, want 41", newest.Seq)
	}
}

func TestRecoveryWidensPastAbandonedRows(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	seq := int64(0)
	for turn := int64(1); turn <= 3; turn++ {
		for _, it := range []store.Item{
			{ThreadID: "t1", Seq: seq + 1, Role: RoleUser, Content: fmt.Sprintf("question %d", turn),
				Timestamp: time.Now(), SessionID: "old", Turn: turn},
			{ThreadID: "t1", Seq: seq + 2, Role: RoleAssistant, Content: fmt.Sprintf("answer %d", turn),
				Timestamp: time.Now(), SessionID: "old", Turn: turn},
		} {
			if err := st.AppendMessage(ctx, it); err != nil {
				t.Fatal(err)
			}
		}
		seq += 2
	}
	// A long run of questions that never got replies follows the closed
	// pairs in the log.
	for turn := int64(4); turn <= 15; turn++ {
		seq++
		it := store.Item{ThreadID: "t1", Seq: seq, Role: RoleUser,
			Content: fmt.Sprintf("dropped %d", turn), Timestamp: time.Now(), SessionID: "old",
			Turn: turn, Meta: map[string]string{"abandoned": "true"}}
		if err := st.AppendMessage(ctx, it); err != nil {
			t.Fatal(err)
		}
	}

	cfg := smallConfig()
	cfg.ContextPairs = 3
	m := NewManager(cfg, st, telemetry.NewLogger("error", "text"))
	m.sleep = func(time.Duration) {}

	if err := m.StartSession(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	entries := m.ContextForLLM("t1")
	if len(entries) != cfg.ContextPairs*2 {
		t.Fatalf("recovered %d entries, want %d", len(entries), cfg.ContextPairs*2)
	}
	if entries[0].Content != "question 1" {
		t.Errorf("oldest recovered entry = %q, want question 1", entries[0].Content)
	}
	if entries[len(entries)-1].Content != "answer 3" {
		t.Errorf("newest recovered entry = %q, want answer 3", entries[len(entries)-1].Content)
	}
}

func TestAssistantMessageWithoutOpenPair(t *testing.T) {
	m, st := newTestManager(t, smallConfig())
	ctx := context.Background()

	if err := m.StartSession(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	err := m.AddAssistantMessage(ctx, "t1", "orphan reply")
	if err == nil {
		t.Fatal("AddAssistantMessage with no open pair: expected error")
	}
	if ticketErrors.AsCode(err) != ticketErrors.CodeNoOpenPair {
		t.Errorf("error code = %q, want %q", ticketErrors.AsCode(err), ticketErrors.CodeNoOpenPair)
	}
	if st.Len("t1") != 0 {
		t.Errorf("failed close wrote %d messages, want 0", st.Len("t1"))
	}
	ts := m.lookup("t1")
	if ts.open != nil || len(ts.window) != 0 || len(ts.buffer) != 0 {
		t.Errorf("state mutated by failed close")
	}
}

func TestAssistantMessageOnUnknownThread(t *testing.T) {
	m, _ := newTestManager(t, smallConfig())
	err := m.AddAssistantMessage(context.Background(), "ghost", "reply")
	if ticketErrors.AsCode(err) != ticketErrors.CodeNoOpenPair {
		t.Errorf("error code = %q, want %q", ticketErrors.AsCode(err), ticketErrors.CodeNoOpenPair)
	}
}

func TestAbandonedOpenPair(t *testing.T) {
	m, st := newTestManager(t, smallConfig())
	ctx := context.Background()

	if err := m.StartSession(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if err := m.AddUserMessage(ctx, "t1", "first question"); err != nil {
		t.Fatal(err)
	}
	if err := m.AddUserMessage(ctx, "t1", "second question"); err != nil {
		t.Fatal(err)
	}

	ts := m.lookup("t1")
	if ts.open == nil || ts.open.User.Content != "second question" {
		t.Fatalf("open pair = %+v, want second question", ts.open)
	}

	// The abandoned user message keeps its durable entry, marked.
	items := st.Items("t1")
	if len(items) != 2 {
		t.Fatalf("stored %d messages, want 2", len(items))
	}
	if items[0].Meta["abandoned"] != "true" {
		t.Errorf("first message not marked abandoned: meta = %v", items[0].Meta)
	}
	if items[1].Turn != items[0].Turn+1 {
		t.Errorf("new pair turn = %d, want %d", items[1].Turn, items[0].Turn+1)
	}

	// Abandoned pairs never enter the context window.
	entries := m.ContextForLLM("t1")
	if len(entries) != 1 || entries[0].Content != "second question" {
		t.Errorf("context = %+v, want only the open second question", entries)
	}
}

func TestFlushRetriesUnprocessedSubset(t *testing.T) {
	m, st := newTestManager(t, smallConfig())
	ctx := context.Background()

	var delays []time.Duration
	m.sleep = func(d time.Duration) { delays = append(delays, d) }

	if err := m.StartSession(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	st.RejectBatchTimes = 1

	// Fourth pair closing fills the buffer and triggers the flush.
	for n := 1; n <= 4; n++ {
		addPair(t, m, "t1", n)
	}

	if st.BatchCalls != 2 {
		t.Errorf("BatchCalls = %d, want 2 (initial + one retry)", st.BatchCalls)
	}
	if len(delays) != 1 {
		t.Errorf("slept %d times, want 1", len(delays))
	}
	ts := m.lookup("t1")
	if len(ts.buffer) != 0 {
		t.Errorf("buffer = %d pairs after successful retry, want 0", len(ts.buffer))
	}
}

func TestFlushExhaustedRetriesKeepsBuffer(t *testing.T) {
	cfg := smallConfig()
	cfg.FlushMaxRetries = 2
	m, st := newTestManager(t, cfg)
	ctx := context.Background()

	if err := m.StartSession(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	st.RejectBatchTimes = 100

	for n := 1; n <= 3; n++ {
		addPair(t, m, "t1", n)
	}
	err := addPairErr(ctx, m, "t1", 4)
	if err == nil {
		t.Fatal("expected batch flush failure to surface")
	}
	if ticketErrors.AsCode(err) != ticketErrors.CodeBatchWriteFailed {
		t.Errorf("error code = %q, want %q", ticketErrors.AsCode(err), ticketErrors.CodeBatchWriteFailed)
	}
	var te *ticketErrors.TicketError
	if errors.As(err, &te) && te.Attempts != cfg.FlushMaxRetries+1 {
		t.Errorf("attempts = %d, want %d", te.Attempts, cfg.FlushMaxRetries+1)
	}

	// Buffer untouched on failure; once the store recovers, the same
	// pairs flush through.
	ts := m.lookup("t1")
	if len(ts.buffer) != 2 {
		t.Fatalf("buffer = %d pairs after failed flush, want 2", len(ts.buffer))
	}
	st.RejectBatchTimes = 0
	if err := m.FlushBatch(ctx, "t1"); err != nil {
		t.Fatalf("FlushBatch() after recovery error = %v", err)
	}
	if len(ts.buffer) != 0 {
		t.Errorf("buffer not cleared after recovered flush")
	}
}

// addPairErr adds pair n and returns the close error instead of failing.
func addPairErr(ctx context.Context, m *Manager, thread string, n int) error {
	if err := m.AddUserMessage(ctx, thread, fmt.Sprintf("question %d", n)); err != nil {
		return err
	}
	return m.AddAssistantMessage(ctx, thread, fmt.Sprintf("answer %d", n))
}

func TestEndSessionFlushesAndDiscards(t *testing.T) {
	m, st := newTestManager(t, smallConfig())
	ctx := context.Background()

	if err := m.StartSession(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	addPair(t, m, "t1", 1)

	if err := m.EndSession(ctx, "t1"); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	if m.lookup("t1") != nil {
		t.Errorf("thread state kept after EndSession")
	}
	if st.Len("t1") != 2 {
		t.Errorf("stored %d messages, want 2", st.Len("t1"))
	}
}

func TestEndSessionKeepsStateOnFlushFailure(t *testing.T) {
	cfg := smallConfig()
	cfg.FlushMaxRetries = 1
	m, st := newTestManager(t, cfg)
	ctx := context.Background()

	if err := m.StartSession(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	addPair(t, m, "t1", 1)

	st.RejectBatchTimes = 100
	if err := m.EndSession(ctx, "t1"); err == nil {
		t.Fatal("expected EndSession flush failure")
	}
	if m.lookup("t1") == nil {
		t.Errorf("thread state discarded despite flush failure")
	}
}

func TestShutdownFlushesAllThreads(t *testing.T) {
	m, st := newTestManager(t, smallConfig())
	ctx := context.Background()

	for _, thread := range []string{"t1", "t2", "t3"} {
		if err := m.StartSession(ctx, thread); err != nil {
			t.Fatal(err)
		}
		addPair(t, m, thread, 1)
	}

	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	for _, thread := range []string{"t1", "t2", "t3"} {
		if m.lookup(thread) != nil {
			t.Errorf("thread %s kept after Shutdown", thread)
		}
		if st.Len(thread) != 2 {
			t.Errorf("thread %s stored %d messages, want 2", thread, st.Len(thread))
		}
	}
}

func TestBackoffBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FlushInitialBackoff = 100 * time.Millisecond
	cfg.FlushMaxBackoff = 400 * time.Millisecond
	cfg.FlushJitterFraction = 0.5
	m, _ := newTestManager(t, cfg)

	for attempt := 1; attempt <= 6; attempt++ {
		d := m.backoff(attempt)
		if d < cfg.FlushInitialBackoff {
			t.Errorf("backoff(%d) = %v, below initial", attempt, d)
		}
		max := cfg.FlushMaxBackoff + time.Duration(cfg.FlushJitterFraction*float64(cfg.FlushMaxBackoff))
		if d > max {
			t.Errorf("backoff(%d) = %v, above cap %v", attempt, d, max)
		}
	}
}
