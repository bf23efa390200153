package providers

import (
	"context"
	"fmt"
	"sort"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/yukin371/quill/internal/core"
	"github.com/yukin371/quill/pkg/logger"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAI 实现 OpenAI 兼容的 Provider，也可用于 DeepSeek、智谱等兼容端点
type OpenAI struct {
	httpBase
	sdk openai.Client
}

// NewOpenAI creates an OpenAI-compatible provider.
func NewOpenAI(cfg Config, log *logger.Logger) *OpenAI {
	cfg = cfg.withDefaults(defaultOpenAIBaseURL)
	opts := []option.RequestOption{option.WithBaseURL(cfg.BaseURL + "/")}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	return &OpenAI{
		httpBase: newHTTPBase(TypeOpenAI, cfg, log),
		sdk:      openai.NewClient(opts...),
	}
}

// IsAvailable reports whether an API key or a custom endpoint is set.
func (p *OpenAI) IsAvailable() bool {
	return p.cfg.APIKey != "" || p.cfg.BaseURL != defaultOpenAIBaseURL
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // 智谱 API 需要 type 字段
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Name       string           `json:"name,omitempty"`
}

type openAIRequest struct {
	Model         string          `json:"model"`
	Messages      []openAIMessage `json:"messages"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Temperature   float64         `json:"temperature,omitempty"`
	Stream        bool            `json:"stream"`
	StreamOptions map[string]any  `json:"stream_options,omitempty"`
	Tools         []core.Tool     `json:"tools,omitempty"`
}

// buildRequest converts the conversation into a chat/completions body.
func (p *OpenAI) buildRequest(messages []core.Message, opts core.ChatCompletionOptions) openAIRequest {
	messages = withSystemPrompt(messages, opts.SystemPrompt)
	out := make([]openAIMessage, len(messages))
	for i, msg := range messages {
		out[i] = openAIMessage{Role: msg.Role, Content: msg.Content, ToolCallID: msg.ToolCallID, Name: msg.Name}
		for _, tc := range msg.ToolCalls {
			call := openAIToolCall{ID: tc.ID, Type: core.ToolTypeFunction}
			call.Function.Name = tc.Function.Name
			call.Function.Arguments = tc.ArgumentsString()
			out[i].ToolCalls = append(out[i].ToolCalls, call)
		}
	}
	return openAIRequest{
		Model:         p.model(opts),
		Messages:      out,
		MaxTokens:     opts.MaxTokens,
		Temperature:   opts.Temperature,
		Stream:        true,
		StreamOptions: map[string]any{"include_usage": true},
		Tools:         toolsFor(opts),
	}
}

// GenerateChatCompletion streams a chat completion.
func (p *OpenAI) GenerateChatCompletion(ctx context.Context, messages []core.Message, opts core.ChatCompletionOptions) (*core.ChatResponse, error) {
	if !p.IsAvailable() {
		return nil, fmt.Errorf("%s: %w: missing API key", p.name, ErrNotConfigured)
	}
	body := p.buildRequest(messages, opts)
	req, err := p.newJSONRequest(ctx, p.cfg.BaseURL+"/chat/completions", body)
	if err != nil {
		return nil, err
	}
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	return p.streamChat(ctx, req, body.Model, opts)
}

// ListModels returns the model ids served by the endpoint, sorted.
func (p *OpenAI) ListModels(ctx context.Context) ([]string, error) {
	page, err := p.sdk.Models.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: list models: %w", p.name, err)
	}
	var ids []string
	for _, m := range page.Data {
		ids = append(ids, m.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

// Ping lists models, the cheapest authenticated call.
func (p *OpenAI) Ping(ctx context.Context) error {
	_, err := p.ListModels(ctx)
	return err
}
