package providers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/yukin371/quill/internal/core"
	"github.com/yukin371/quill/pkg/logger"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
)

// Anthropic 实现 Anthropic Messages API 的 Provider
type Anthropic struct {
	httpBase
	sdk anthropic.Client
}

// NewAnthropic creates an Anthropic provider.
func NewAnthropic(cfg Config, log *logger.Logger) *Anthropic {
	cfg = cfg.withDefaults(defaultAnthropicBaseURL)
	return &Anthropic{
		httpBase: newHTTPBase(TypeAnthropic, cfg, log),
		sdk: anthropic.NewClient(
			option.WithAPIKey(cfg.APIKey),
			option.WithBaseURL(cfg.BaseURL+"/"),
		),
	}
}

// IsAvailable reports whether an API key is configured.
func (p *Anthropic) IsAvailable() bool { return p.cfg.APIKey != "" }

type anthropicBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicTool struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	InputSchema *core.JSONSchema `json:"input_schema"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

// buildRequest converts the conversation into a Messages API body. System
// messages move to the top-level system field; consecutive tool results are
// grouped into one user message of tool_result blocks.
func (p *Anthropic) buildRequest(messages []core.Message, opts core.ChatCompletionOptions) anthropicRequest {
	req := anthropicRequest{
		Model:       p.model(opts),
		System:      opts.SystemPrompt,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		Stream:      true,
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = DefaultMaxTokens
	}

	for i := 0; i < len(messages); i++ {
		msg := messages[i]
		switch msg.Role {
		case core.RoleSystem:
			if req.System != "" {
				req.System += "\n\n"
			}
			req.System += msg.Content
		case core.RoleAssistant:
			var blocks []anthropicBlock
			if msg.Content != "" {
				blocks = append(blocks, anthropicBlock{Type: "text", Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropicBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Input: json.RawMessage(tc.ArgumentsString()),
				})
			}
			req.Messages = append(req.Messages, anthropicMessage{Role: core.RoleAssistant, Content: blocks})
		case core.RoleTool:
			var blocks []anthropicBlock
			for ; i < len(messages) && messages[i].Role == core.RoleTool; i++ {
				blocks = append(blocks, anthropicBlock{Type: "tool_result", ToolUseID: messages[i].ToolCallID, Content: messages[i].Content})
			}
			i--
			req.Messages = append(req.Messages, anthropicMessage{Role: core.RoleUser, Content: blocks})
		default:
			req.Messages = append(req.Messages, anthropicMessage{
				Role:    core.RoleUser,
				Content: []anthropicBlock{{Type: "text", Text: msg.Content}},
			})
		}
	}

	for _, t := range toolsFor(opts) {
		req.Tools = append(req.Tools, anthropicTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	return req
}

// GenerateChatCompletion streams a Messages API completion.
func (p *Anthropic) GenerateChatCompletion(ctx context.Context, messages []core.Message, opts core.ChatCompletionOptions) (*core.ChatResponse, error) {
	if !p.IsAvailable() {
		return nil, fmt.Errorf("%s: %w: missing API key", p.name, ErrNotConfigured)
	}
	body := p.buildRequest(messages, opts)
	req, err := p.newJSONRequest(ctx, p.cfg.BaseURL+"/v1/messages", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-api-key", p.cfg.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	return p.streamChat(ctx, req, body.Model, opts)
}

// ListModels returns the model ids of the first page, newest first as the
// API orders them.
func (p *Anthropic) ListModels(ctx context.Context) ([]string, error) {
	page, err := p.sdk.Models.List(ctx, anthropic.ModelListParams{})
	if err != nil {
		return nil, fmt.Errorf("%s: list models: %w", p.name, err)
	}
	ids := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// Ping lists models.
func (p *Anthropic) Ping(ctx context.Context) error {
	if !p.IsAvailable() {
		return fmt.Errorf("%s: %w", p.name, ErrNotConfigured)
	}
	_, err := p.ListModels(ctx)
	return err
}
