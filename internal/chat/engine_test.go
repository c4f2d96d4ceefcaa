package chat

import (
	"context"
	"strings"
	"testing"

	"github.com/HummdG/tazaticket/internal/flight"
	"github.com/HummdG/tazaticket/internal/memory"
	"github.com/HummdG/tazaticket/internal/provider"
	"github.com/HummdG/tazaticket/internal/store"
	"github.com/HummdG/tazaticket/internal/telemetry"
	"github.com/HummdG/tazaticket/internal/testutil"
)

type fakeSearcher struct {
	calls    int
	carriers []string
	summary  *flight.Summary
}

func (f *fakeSearcher) Search(ctx context.Context, q *flight.Search, carriers []string) (*flight.Summary, error) {
	f.calls++
	f.carriers = carriers
	return f.summary, nil
}

func newTestEngine(t *testing.T, p provider.Provider) (*Engine, *store.MemoryStore, *fakeSearcher) {
	t.Helper()
	st := store.NewMemoryStore()
	logger := telemetry.NewLogger("error", "text")
	mem := memory.NewManager(memory.DefaultConfig(), st, logger)
	searcher := &fakeSearcher{summary: &flight.Summary{Outbound: &flight.Option{
		Price:           flight.Price{Currency: "GBP", Total: 199.99},
		DurationMinutes: 255,
		Stops:           1,
	}}}
	return NewEngine(mem, p, searcher, "test-model", logger), st, searcher
}

func TestHandleMessagePlainReply(t *testing.T) {
	mock := &testutil.MockProvider{
		Responses: []*provider.Response{
			{Content: "Hello! Where would you like to fly?", StopReason: "stop"},
		},
	}
	e, st, _ := newTestEngine(t, mock)

	reply, err := e.HandleMessage(context.Background(), "wa-1", "hi")
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if reply != "Hello! Where would you like to fly?" {
		t.Errorf("reply = %q", reply)
	}

	// Both sides of the pair are durable.
	items := st.Items("wa-1")
	if len(items) != 2 {
		t.Fatalf("stored %d messages, want 2", len(items))
	}
	if items[0].Role != "user" || items[1].Role != "assistant" {
		t.Errorf("stored roles = %s,%s", items[0].Role, items[1].Role)
	}
}

func TestHandleMessageToolLoop(t *testing.T) {
	mock := &testutil.MockProvider{
		Responses: []*provider.Response{
			{
				ToolCalls: []provider.ToolCall{{
					ID:   "call-1",
					Name: "flight_search",
					Arguments: `{"origin":"LHR","destination":"IST","departure_date":"2099-11-06",
						"number_of_passengers":1,"type_of_trip":"one-way"}`,
				}},
				StopReason: "tool_calls",
			},
			{Content: "Found it: 199.99 GBP, 4h 15m, 1 stop.", StopReason: "stop"},
		},
	}
	e, _, searcher := newTestEngine(t, mock)

	reply, err := e.HandleMessage(context.Background(), "wa-1", "LHR to IST on Nov 6, one way, emirates")
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if !strings.Contains(reply, "199.99") {
		t.Errorf("reply = %q, want price mention", reply)
	}
	if searcher.calls != 1 {
		t.Errorf("searcher called %d times, want 1", searcher.calls)
	}
	if len(searcher.carriers) != 1 || searcher.carriers[0] != "EK" {
		t.Errorf("carriers = %v, want [EK] from user text", searcher.carriers)
	}
	if mock.CallCount() != 2 {
		t.Errorf("provider called %d times, want 2", mock.CallCount())
	}

	// The second completion saw the tool result.
	second := mock.Calls[1]
	last := second.Messages[len(second.Messages)-1]
	if last.Role != "tool" || last.ToolCallID != "call-1" {
		t.Errorf("last message = %+v, want tool result for call-1", last)
	}
}

func TestHandleMessageIncompleteSearch(t *testing.T) {
	mock := &testutil.MockProvider{
		Responses: []*provider.Response{
			{
				ToolCalls: []provider.ToolCall{{
					ID:        "call-1",
					Name:      "flight_search",
					Arguments: `{"origin":"LHR"}`,
				}},
				StopReason: "tool_calls",
			},
			{Content: "Where to, and when?", StopReason: "stop"},
		},
	}
	e, _, searcher := newTestEngine(t, mock)

	reply, err := e.HandleMessage(context.Background(), "wa-1", "I want to fly from London")
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if searcher.calls != 0 {
		t.Errorf("search ran with incomplete slots")
	}
	if reply != "Where to, and when?" {
		t.Errorf("reply = %q", reply)
	}

	// Tool result reported the missing fields back to the model.
	second := mock.Calls[1]
	last := second.Messages[len(second.Messages)-1]
	if !strings.Contains(last.Content, "destination") {
		t.Errorf("tool result = %q, want missing-field list", last.Content)
	}
}

func TestSlotsAccumulateAcrossMessages(t *testing.T) {
	mock := &testutil.MockProvider{
		Responses: []*provider.Response{
			{
				ToolCalls: []provider.ToolCall{{
					ID: "c1", Name: "flight_search",
					Arguments: `{"origin":"LHR","destination":"IST"}`,
				}},
			},
			{Content: "When are you flying?", StopReason: "stop"},
			{
				ToolCalls: []provider.ToolCall{{
					ID: "c2", Name: "flight_search",
					Arguments: `{"departure_date":"2099-11-06","type_of_trip":"one-way","number_of_passengers":1}`,
				}},
			},
			{Content: "Found a flight.", StopReason: "stop"},
		},
	}
	e, _, searcher := newTestEngine(t, mock)
	ctx := context.Background()

	if _, err := e.HandleMessage(ctx, "wa-1", "LHR to IST"); err != nil {
		t.Fatal(err)
	}
	if searcher.calls != 0 {
		t.Fatal("search ran before slots were complete")
	}
	if _, err := e.HandleMessage(ctx, "wa-1", "november 6th, one way, just me"); err != nil {
		t.Fatal(err)
	}
	if searcher.calls != 1 {
		t.Errorf("searcher called %d times, want 1 after slots completed", searcher.calls)
	}
}

func TestHandleMessageProviderFailure(t *testing.T) {
	mock := &testutil.MockProvider{ShouldFail: true}
	e, st, _ := newTestEngine(t, mock)

	_, err := e.HandleMessage(context.Background(), "wa-1", "hi")
	if err == nil {
		t.Fatal("expected provider failure to surface")
	}
	// The user message is already durable even though the turn failed.
	if st.Len("wa-1") != 1 {
		t.Errorf("stored %d messages, want 1 (user write-through)", st.Len("wa-1"))
	}
}
