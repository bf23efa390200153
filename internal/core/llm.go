package core

import (
	"context"
	"time"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one role-tagged entry of a conversation. Messages are never
// modified after they are appended to a transcript.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Timestamp  time.Time  `json:"timestamp,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ChunkType is the normalized stream vocabulary shared by all providers.
type ChunkType string

const (
	ChunkContent  ChunkType = "content"
	ChunkToolCall ChunkType = "tool_call"
	ChunkError    ChunkType = "error"
	ChunkDone     ChunkType = "done"
)

// Usage reports token consumption for a completion.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// ChunkMetadata accompanies every StreamChunk.
type ChunkMetadata struct {
	Provider     string `json:"provider"`
	Model        string `json:"model,omitempty"`
	FinishReason string `json:"finishReason,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
}

// StreamChunk is the unified, provider-independent stream event. It only
// lives for the duration of one streaming session.
type StreamChunk struct {
	Type     ChunkType     `json:"type"`
	Content  string        `json:"content,omitempty"`
	ToolCall *ToolCall     `json:"toolCall,omitempty"`
	Error    string        `json:"error,omitempty"`
	Metadata ChunkMetadata `json:"metadata"`
}

// ChatResponse is a complete model response, either parsed directly or
// reconstructed from a chunk stream.
type ChatResponse struct {
	Text         string     `json:"text"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	Usage        *Usage     `json:"usage,omitempty"`
	Provider     string     `json:"provider"`
	Model        string     `json:"model"`
	FinishReason string     `json:"finishReason,omitempty"`
}

// HasToolCalls reports whether the model asked for tool execution.
func (r *ChatResponse) HasToolCalls() bool {
	return r != nil && len(r.ToolCalls) > 0
}

// Complexity is the coarse query classification attached by model selection.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// StreamCallback receives unified chunks while a provider streams.
type StreamCallback func(chunk StreamChunk)

// ChatCompletionOptions is built once per request by model selection and is
// read-only for everything downstream.
type ChatCompletionOptions struct {
	Model            string            `json:"model,omitempty"`
	Provider         string            `json:"provider,omitempty"`
	Stream           bool              `json:"stream"`
	EnableTools      *bool             `json:"enableTools,omitempty"`
	Tools            []Tool            `json:"tools,omitempty"`
	ProviderMetadata map[string]string `json:"providerMetadata,omitempty"`
	Temperature      float64           `json:"temperature,omitempty"`
	MaxTokens        int               `json:"maxTokens,omitempty"`
	SystemPrompt     string            `json:"systemPrompt,omitempty"`
	Complexity       Complexity        `json:"complexity,omitempty"`
	StreamCallback   StreamCallback    `json:"-"`
}

// ToolsEnabled reports whether tools should be offered. Tools are on unless
// the caller explicitly disabled them.
func (o ChatCompletionOptions) ToolsEnabled() bool {
	return o.EnableTools == nil || *o.EnableTools
}

// Bool returns a pointer to v; handy for optional flags.
func Bool(v bool) *bool {
	return &v
}

// Provider is one vendor chat backend behind the unified abstraction.
type Provider interface {
	// Name returns the provider type ("openai", "anthropic", "ollama").
	Name() string

	// IsAvailable reports whether the provider is configured well enough to try.
	IsAvailable() bool

	// GenerateChatCompletion sends the conversation and returns the complete
	// response. When opts.Stream is set, unified chunks are also delivered to
	// opts.StreamCallback in arrival order.
	GenerateChatCompletion(ctx context.Context, messages []Message, opts ChatCompletionOptions) (*ChatResponse, error)

	// ListModels queries the provider's model-list endpoint.
	ListModels(ctx context.Context) ([]string, error)

	// Ping issues a lightweight health probe.
	Ping(ctx context.Context) error
}
