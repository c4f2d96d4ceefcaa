package provider

import (
	"context"
)

// Message represents a conversation message
type Message struct {
	Role       string     `json:"role"` // user, assistant, tool
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // role="tool"
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // role="assistant"
}

// ToolCall represents a tool invocation request
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON string
}

// ToolResult represents the result of a tool execution
type ToolResult struct {
	ID     string `json:"tool_call_id"`
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

// ToolResultMessage converts a tool result into the message that feeds it
// back to the model.
func ToolResultMessage(tr ToolResult) Message {
	content := tr.Result
	if tr.Error != "" {
		content = "error: " + tr.Error
	}
	return Message{Role: "tool", ToolCallID: tr.ID, Content: content}
}

// Response represents a provider response
type Response struct {
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	StopReason string     `json:"stop_reason"`
	Usage      Usage      `json:"usage"`
}

// Usage tracks token usage
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Tool represents a tool definition for the provider
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// Provider defines the interface for LLM providers
type Provider interface {
	// Name returns the provider name
	Name() string

	// Complete sends a completion request
	Complete(ctx context.Context, req *CompletionRequest) (*Response, error)
}

// CompletionRequest represents a completion request
type CompletionRequest struct {
	Model       string    `json:"model"`
	System      string    `json:"system"`
	Messages    []Message `json:"messages"`
	Tools       []Tool    `json:"tools,omitempty"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
}
