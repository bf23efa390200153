package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/yukin371/quill/internal/core"
	"github.com/yukin371/quill/pkg/logger"
)

const defaultOllamaBaseURL = "http://localhost:11434"

// 支持原生工具调用的 Ollama 模型列表
var toolCapableModels = []string{
	"llama3.1",
	"llama3.2",
	"llama3.3",
	"llama4",
	"qwen2.5",
	"qwen3",
	"mistral-nemo",
	"mistral-small",
	"command-r",
	"firefunction",
}

// Ollama 实现本地 Ollama 服务的 Provider
type Ollama struct {
	httpBase
}

// NewOllama creates an Ollama provider.
func NewOllama(cfg Config, log *logger.Logger) *Ollama {
	return &Ollama{httpBase: newHTTPBase(TypeOllama, cfg.withDefaults(defaultOllamaBaseURL), log)}
}

// IsAvailable is always true; reachability is the health monitor's job.
func (p *Ollama) IsAvailable() bool { return p.cfg.BaseURL != "" }

// SupportsTools 检查模型是否支持原生工具调用
func SupportsTools(model string) bool {
	model = strings.ToLower(model)
	for _, capable := range toolCapableModels {
		if strings.Contains(model, capable) {
			return true
		}
	}
	return false
}

type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Tools    []core.Tool     `json:"tools,omitempty"`
	Options  map[string]any  `json:"options,omitempty"`
}

// buildRequest converts the conversation into an /api/chat body. Models
// without native tool support get the catalog described in the system
// prompt instead.
func (p *Ollama) buildRequest(messages []core.Message, opts core.ChatCompletionOptions) ollamaRequest {
	model := p.model(opts)
	tools := toolsFor(opts)
	prompt := opts.SystemPrompt
	if len(tools) > 0 && !SupportsTools(model) {
		prompt = strings.TrimSpace(prompt + "\n\n" + describeTools(tools))
		tools = nil
	}
	messages = withSystemPrompt(messages, prompt)

	req := ollamaRequest{Model: model, Stream: true, Tools: tools}
	for _, msg := range messages {
		m := ollamaMessage{Role: msg.Role, Content: msg.Content}
		for _, tc := range msg.ToolCalls {
			var call ollamaToolCall
			call.Function.Name = tc.Function.Name
			call.Function.Arguments, _ = tc.ParsedArguments()
			m.ToolCalls = append(m.ToolCalls, call)
		}
		req.Messages = append(req.Messages, m)
	}

	options := map[string]any{}
	if opts.Temperature != 0 {
		options["temperature"] = opts.Temperature
	}
	if opts.MaxTokens > 0 {
		options["num_predict"] = opts.MaxTokens
	}
	if len(options) > 0 {
		req.Options = options
	}
	return req
}

// describeTools 为不支持原生工具的模型生成工具说明
func describeTools(tools []core.Tool) string {
	var sb strings.Builder
	sb.WriteString("Available tools (describe the call you need in your answer):\n")
	for _, t := range tools {
		fmt.Fprintf(&sb, "- %s: %s\n", t.Function.Name, t.Function.Description)
	}
	return sb.String()
}

// GenerateChatCompletion streams an /api/chat completion.
func (p *Ollama) GenerateChatCompletion(ctx context.Context, messages []core.Message, opts core.ChatCompletionOptions) (*core.ChatResponse, error) {
	body := p.buildRequest(messages, opts)
	if body.Model == "" {
		return nil, fmt.Errorf("%s: %w: no model selected", p.name, ErrNotConfigured)
	}
	req, err := p.newJSONRequest(ctx, p.cfg.BaseURL+"/api/chat", body)
	if err != nil {
		return nil, err
	}
	return p.streamChat(ctx, req, body.Model, opts)
}

// ListModels returns the locally pulled models from /api/tags.
func (p *Ollama) ListModels(ctx context.Context) ([]string, error) {
	data, err := p.get(ctx, p.cfg.BaseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("%s: list models: %w", p.name, err)
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%s: list models: malformed response", p.name)
	}
	var names []string
	for _, n := range gjson.GetBytes(data, "models.#.name").Array() {
		names = append(names, n.String())
	}
	return names, nil
}

// Ping queries the server version.
func (p *Ollama) Ping(ctx context.Context) error {
	data, err := p.get(ctx, p.cfg.BaseURL+"/api/version", nil)
	if err != nil {
		return err
	}
	if !gjson.GetBytes(data, "version").Exists() {
		return fmt.Errorf("%s: unexpected version response", p.name)
	}
	return nil
}
