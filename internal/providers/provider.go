// Package providers 提供 OpenAI、Anthropic 与 Ollama 的统一 Provider 实现，
// 以及 Provider 工厂和健康监控
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/yukin371/quill/internal/core"
	"github.com/yukin371/quill/internal/stream"
	"github.com/yukin371/quill/pkg/logger"
)

// Provider types.
const (
	TypeOpenAI    = "openai"
	TypeAnthropic = "anthropic"
	TypeOllama    = "ollama"
)

const (
	DefaultRequestTimeout = 120 * time.Second
	DefaultIdleTimeout    = 30 * time.Second
	DefaultMaxTokens      = 4096
)

var (
	// ErrNotConfigured is returned when a provider lacks the settings it
	// needs, such as an API key.
	ErrNotConfigured = errors.New("provider not configured")
	// ErrUnsupportedProvider is returned for unknown provider types.
	ErrUnsupportedProvider = errors.New("unsupported provider")
	// ErrEmptyResponse is returned when a stream ended with an error before
	// producing any content or tool call.
	ErrEmptyResponse = errors.New("provider returned no content")
)

// Config 单个 Provider 的配置
type Config struct {
	Type         string
	APIKey       string
	BaseURL      string
	DefaultModel string
	// Timeout bounds a whole request; IdleTimeout bounds the gap between
	// stream chunks.
	Timeout     time.Duration
	IdleTimeout time.Duration
	// ContextWindow is the model context size in tokens, used by the tool
	// filter. Zero means unknown.
	ContextWindow int
}

func (c Config) withDefaults(baseURL string) Config {
	if c.BaseURL == "" {
		c.BaseURL = baseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Timeout <= 0 {
		c.Timeout = DefaultRequestTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	return c
}

// New builds a provider for cfg.Type.
func New(cfg Config, log *logger.Logger) (core.Provider, error) {
	switch strings.ToLower(cfg.Type) {
	case TypeOpenAI:
		return NewOpenAI(cfg, log), nil
	case TypeAnthropic:
		return NewAnthropic(cfg, log), nil
	case TypeOllama:
		return NewOllama(cfg, log), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, cfg.Type)
}

// httpBase holds what every adapter shares: config, client and logger.
type httpBase struct {
	name   string
	cfg    Config
	client *http.Client
	log    *logger.Logger
}

func newHTTPBase(name string, cfg Config, log *logger.Logger) httpBase {
	return httpBase{
		name: name,
		cfg:  cfg,
		// request lifetime is bounded by ctx; streams may legitimately run long
		client: &http.Client{},
		log:    log.Named(name),
	}
}

// Name returns the provider type.
func (b *httpBase) Name() string { return b.name }

// Config returns the provider configuration.
func (b *httpBase) Config() Config { return b.cfg }

func (b *httpBase) model(opts core.ChatCompletionOptions) string {
	if opts.Model != "" {
		return opts.Model
	}
	return b.cfg.DefaultModel
}

// newJSONRequest 构建 JSON POST 请求
func (b *httpBase) newJSONRequest(ctx context.Context, url string, body any) (*http.Request, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("构建请求失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("创建 HTTP 请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// streamChat sends req and normalizes the streamed reply through the
// provider's stream handler. Chunks reach opts.StreamCallback when
// opts.Stream is set.
func (b *httpBase) streamChat(ctx context.Context, req *http.Request, model string, opts core.ChatCompletionOptions) (*core.ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()
	req = req.WithContext(ctx)

	start := time.Now()
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: 发送请求失败: %w", b.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(b.name, resp)
	}

	// no chunks are emitted for a request that never started streaming
	var callback core.StreamCallback
	if opts.Stream {
		callback = opts.StreamCallback
	}
	h, err := stream.New(b.name, stream.Options{
		Model:         model,
		Callback:      callback,
		IdleTimeout:   b.cfg.IdleTimeout,
		OnIdleTimeout: cancel,
		Logger:        b.log,
	})
	if err != nil {
		return nil, err
	}

	out := stream.Pump(ctx, resp.Body, h)
	b.log.Debug("%s stream finished in %s (%d chars, %d tool calls)", model, time.Since(start), len(out.Text), len(out.ToolCalls))
	if err := h.Err(); err != nil {
		if out.Text == "" && len(out.ToolCalls) == 0 {
			return nil, fmt.Errorf("%s: %w: %v", b.name, ErrEmptyResponse, err)
		}
		b.log.Warn("%s stream ended with error after partial output: %v", b.name, err)
	}
	if out.Provider == "" {
		out.Provider = b.name
	}
	if out.Model == "" {
		out.Model = model
	}
	return out, nil
}

// get performs a GET and returns the body of a 200 response.
func (b *httpBase) get(ctx context.Context, url string, header http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(b.name, resp)
	}
	return io.ReadAll(resp.Body)
}

// StatusError is a non-200 reply from a provider.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: API 返回错误 %d: %s", e.Provider, e.StatusCode, e.Body)
}

func statusError(provider string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{Provider: provider, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

// withSystemPrompt prepends opts.SystemPrompt unless the conversation
// already starts with a system message.
func withSystemPrompt(messages []core.Message, prompt string) []core.Message {
	if prompt == "" || (len(messages) > 0 && messages[0].Role == core.RoleSystem) {
		return messages
	}
	out := make([]core.Message, 0, len(messages)+1)
	out = append(out, core.Message{Role: core.RoleSystem, Content: prompt})
	return append(out, messages...)
}

func toolsFor(opts core.ChatCompletionOptions) []core.Tool {
	if !opts.ToolsEnabled() {
		return nil
	}
	return opts.Tools
}
