package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	ticketErrors "github.com/HummdG/tazaticket/internal/errors"
	"github.com/HummdG/tazaticket/internal/flight"
	"github.com/HummdG/tazaticket/internal/memory"
	"github.com/HummdG/tazaticket/internal/provider"
	"github.com/HummdG/tazaticket/internal/telemetry"
)

const (
	// maxToolIterations bounds the tool-call loop per inbound message.
	maxToolIterations = 5

	systemPrompt = `You are TazaTicket, a helpful flight-search assistant on WhatsApp.
Help the user find the cheapest flight for their trip. When the user mentions
travel plans, call the flight_search tool with whatever details they gave;
the tool tracks missing fields across messages. Dates use YYYY-MM-DD and must
be in the future. Keep replies short and friendly.`
)

// Searcher runs a completed flight query.
type Searcher interface {
	Search(ctx context.Context, q *flight.Search, carriers []string) (*flight.Summary, error)
}

// Engine drives one inbound message through memory, the model and the
// flight-search tool, producing the reply text.
type Engine struct {
	memory   *memory.Manager
	provider provider.Provider
	searcher Searcher
	logger   *telemetry.Logger
	model    string

	mu       sync.Mutex
	searches map[string]*flight.Search // per-thread slot state
}

// NewEngine creates a chat engine.
func NewEngine(mem *memory.Manager, p provider.Provider, searcher Searcher, model string, logger *telemetry.Logger) *Engine {
	return &Engine{
		memory:   mem,
		provider: p,
		searcher: searcher,
		logger:   logger,
		model:    model,
		searches: make(map[string]*flight.Search),
	}
}

// HandleMessage processes one user message for a thread and returns the
// assistant reply.
func (e *Engine) HandleMessage(ctx context.Context, threadID, text string) (string, error) {
	if err := e.memory.StartSession(ctx, threadID); err != nil {
		return "", err
	}
	if err := e.memory.AddUserMessage(ctx, threadID, text); err != nil {
		return "", err
	}

	messages := e.contextMessages(threadID)
	reply, err := e.converse(ctx, threadID, text, messages)
	if err != nil {
		return "", err
	}

	if err := e.memory.AddAssistantMessage(ctx, threadID, reply); err != nil {
		// A failed batch flush keeps the buffer; the reply itself is safe.
		if ticketErrors.AsCode(err) == ticketErrors.CodeBatchWriteFailed {
			e.logger.Warn("batch flush degraded", "thread", threadID, "error", err)
		} else {
			return "", err
		}
	}
	return reply, nil
}

// contextMessages projects the memory context window into provider messages.
func (e *Engine) contextMessages(threadID string) []provider.Message {
	entries := e.memory.ContextForLLM(threadID)
	messages := make([]provider.Message, 0, len(entries))
	for _, entry := range entries {
		messages = append(messages, provider.Message{Role: entry.Role, Content: entry.Content})
	}
	return messages
}

// converse runs the bounded tool loop until the model produces text.
func (e *Engine) converse(ctx context.Context, threadID, userText string, messages []provider.Message) (string, error) {
	for i := 0; i < maxToolIterations; i++ {
		resp, err := e.provider.Complete(ctx, &provider.CompletionRequest{
			Model:    e.model,
			System:   systemPrompt,
			Messages: messages,
			Tools:    []provider.Tool{flightSearchTool()},
		})
		if err != nil {
			return "", ticketErrors.Wrap(ticketErrors.CodeProviderError,
				"completion failed", err).WithThread(threadID)
		}

		if len(resp.ToolCalls) == 0 {
			if resp.Content == "" {
				return "Sorry, I could not come up with a reply. Please try again.", nil
			}
			return resp.Content, nil
		}

		messages = append(messages, provider.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			result := e.executeTool(ctx, threadID, userText, call)
			messages = append(messages, provider.ToolResultMessage(result))
		}
	}

	return "", ticketErrors.New(ticketErrors.CodeProviderError,
		fmt.Sprintf("tool loop exceeded %d iterations", maxToolIterations)).
		WithThread(threadID)
}

// flightSearchArgs mirrors the tool's input schema.
type flightSearchArgs struct {
	Origin             string `json:"origin"`
	Destination        string `json:"destination"`
	DepartureDate      string `json:"departure_date"`
	ReturnDate         string `json:"return_date"`
	NumberOfPassengers int    `json:"number_of_passengers"`
	TypeOfTrip         string `json:"type_of_trip"`
}

func flightSearchTool() provider.Tool {
	return provider.Tool{
		Name:        "flight_search",
		Description: "Update the flight search with any details the user gave and run the search once all required fields are known. Returns either the missing fields or the cheapest flight summary.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"origin":               map[string]interface{}{"type": "string", "description": "IATA airport or city code, e.g. LHR"},
				"destination":          map[string]interface{}{"type": "string", "description": "IATA airport or city code"},
				"departure_date":       map[string]interface{}{"type": "string", "description": "YYYY-MM-DD"},
				"return_date":          map[string]interface{}{"type": "string", "description": "YYYY-MM-DD, round trips only"},
				"number_of_passengers": map[string]interface{}{"type": "integer"},
				"type_of_trip":         map[string]interface{}{"type": "string", "description": "one-way or round-trip"},
			},
		},
	}
}

// executeTool runs one tool call and formats its result for the model.
func (e *Engine) executeTool(ctx context.Context, threadID, userText string, call provider.ToolCall) provider.ToolResult {
	if call.Name != "flight_search" {
		return provider.ToolResult{ID: call.ID, Error: "unknown tool: " + call.Name}
	}

	var args flightSearchArgs
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		return provider.ToolResult{ID: call.ID, Error: "invalid arguments: " + err.Error()}
	}

	search := e.searchFor(threadID)
	search.Apply(flight.Search{
		Origin:        args.Origin,
		Destination:   args.Destination,
		DepartureDate: args.DepartureDate,
		ReturnDate:    args.ReturnDate,
		Passengers:    args.NumberOfPassengers,
		TripType:      args.TypeOfTrip,
	}, time.Now())

	if err := search.Validate(); err != nil {
		var te *ticketErrors.TicketError
		if errors.As(err, &te) {
			return provider.ToolResult{ID: call.ID, Result: te.Message}
		}
		return provider.ToolResult{ID: call.ID, Result: err.Error()}
	}

	carriers := flight.ParseCarrierPreference(userText)
	summary, err := e.searcher.Search(ctx, search, carriers)
	if err != nil {
		e.logger.Warn("flight search failed", "thread", threadID, "error", err)
		return provider.ToolResult{ID: call.ID, Error: "flight search failed: " + err.Error()}
	}
	return provider.ToolResult{ID: call.ID, Result: flight.FormatSummary(search, summary)}
}

// searchFor returns the thread's slot state, creating it on first use.
func (e *Engine) searchFor(threadID string) *flight.Search {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.searches[threadID]
	if !ok {
		s = flight.NewSearch()
		e.searches[threadID] = s
	}
	return s
}
