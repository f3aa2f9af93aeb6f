package model

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Role identifies the author of a conversational turn.
type Role string

const (
	// RoleSystem marks instruction turns injected by the caller.
	RoleSystem Role = "system"
	// RoleUser marks turns authored by the end user (or the task statement).
	RoleUser Role = "user"
	// RoleAssistant marks turns produced by the reasoning model.
	RoleAssistant Role = "assistant"
	// RoleTool marks observation turns carrying tool or delegation results.
	RoleTool Role = "tool"
)

// Message is a single role-tagged conversational turn. Messages are supplied
// by the caller-owned memory in chronological order and treated as read-only
// input for the duration of a step.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// NewMessage constructs a Message; minor convenience for callers and tests.
func NewMessage(role Role, content string) Message {
	return Message{Role: role, Content: content}
}

// ToolCall represents a function call request surfaced by a model provider.
// Unified across vendors so downstream dispatch does not need per-provider
// branching.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"` // "function"
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction describes the concrete function target of a tool call.
type ToolCallFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"` // JSON object of arguments
}

// ToolDefinition declaratively exposes a callable action to the model.
type ToolDefinition struct {
	Type     string             `json:"type"` // "function"
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition describes an individual action (tool or delegate)
// exposed to the model. Parameters is a JSON Schema object (draft agnostic,
// minimal subset expected).
type FunctionDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON Schema
}

// GenerationParams carries generation constraints for a model invocation.
// Stop is always populated by the step executor so the model does not run
// past an observation marker.
type GenerationParams struct {
	Stop        []string `json:"stop,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int64    `json:"max_tokens,omitempty"`
}

// Request captures the normalized model input produced by the step executor.
type Request struct {
	Messages []Message        `json:"messages"`          // Conversation memory snapshot
	History  []Message        `json:"history,omitempty"` // Auxiliary history preceding the memory
	Tools    []ToolDefinition `json:"tools,omitempty"`   // Action catalog for this step
	Params   GenerationParams `json:"params"`
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the normalized result of one model turn: optional free text
// plus zero or more structured tool call requests.
type Response struct {
	ID           string      `json:"id,omitempty"`
	Content      string      `json:"content"` // Free text output, may be empty
	ToolCalls    []ToolCall  `json:"tool_calls,omitempty"`
	FinishReason string      `json:"finish_reason,omitempty"` // "stop", "length", "tool_calls", etc.
	Usage        *TokenUsage `json:"usage,omitempty"`
}

// HasToolCalls reports whether the provider returned structured calls.
func (r *Response) HasToolCalls() bool { return len(r.ToolCalls) > 0 }

// HasContent reports whether the free text output is non-empty after trimming.
func (r *Response) HasContent() bool { return strings.TrimSpace(r.Content) != "" }

// Info contains metadata about a model implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"` // "openai", "anthropic", "mock", etc.
	SupportsTools bool   `json:"supports_tools"`
}

// Model is the minimal interface the step executor requires to drive
// generation. Generate is the step's single blocking dependency on an
// external service; transport or provider failures abort the step, so
// implementations should not retry internally unless they own that policy.
type Model interface {
	Generate(ctx context.Context, req Request) (*Response, error)

	// Info returns information about the model implementation.
	Info() Info
}

// MockModel is a lightweight in-memory Model useful for tests & examples.
// Responses are keyed by the content of the last request message.
type MockModel struct {
	info      Info
	responses map[string]Response
	err       error
}

// NewMockModel constructs a MockModel with basic tool support enabled.
func NewMockModel(name, provider string) *MockModel {
	return &MockModel{
		info: Info{
			Name:          name,
			Provider:      provider,
			SupportsTools: true,
		},
		responses: make(map[string]Response),
	}
}

// AddResponse registers a deterministic canned response for an input prompt.
func (m *MockModel) AddResponse(prompt string, resp Response) { m.responses[prompt] = resp }

// AddTextResponse registers a free-text-only response for an input prompt.
func (m *MockModel) AddTextResponse(prompt, text string) {
	m.responses[prompt] = Response{Content: text, FinishReason: "stop"}
}

// FailWith makes every Generate call return err, simulating a provider outage.
func (m *MockModel) FailWith(err error) { m.err = err }

// Generate implements Model; returns the canned response for the last
// message content or a generic echo when none is registered.
func (m *MockModel) Generate(_ context.Context, req Request) (*Response, error) {
	if m.err != nil {
		return nil, m.err
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("no messages provided")
	}
	last := req.Messages[len(req.Messages)-1]
	if resp, ok := m.responses[last.Content]; ok {
		return &resp, nil
	}
	return &Response{
		Content:      fmt.Sprintf("Mock response to: %s", last.Content),
		FinishReason: "stop",
	}, nil
}

// Info implements Model interface.
func (m *MockModel) Info() Info { return m.info }
