package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yukin371/quill/internal/core"
	"github.com/yukin371/quill/internal/pipeline"
	"github.com/yukin371/quill/internal/providers"
	"github.com/yukin371/quill/internal/validator"
	"github.com/yukin371/quill/pkg/logger"
)

type scripted struct {
	name      string
	available bool
	err       error

	mu    sync.Mutex
	calls []core.ChatCompletionOptions
}

func (p *scripted) Name() string { return p.name }
func (p *scripted) IsAvailable() bool { return p.available }
func (p *scripted) Ping(context.Context) error { return p.err }
func (p *scripted) ListModels(context.Context) ([]string, error) { return []string{p.name + "-default"}, nil }
func (p *scripted) GenerateChatCompletion(_ context.Context, _ []core.Message, opts core.ChatCompletionOptions) (*core.ChatResponse, error) {
	p.mu.Lock()
	p.calls = append(p.calls, opts)
	p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	return &core.ChatResponse{Text: "from " + p.name, Model: opts.Model}, nil
}

func (p *scripted) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type fixture struct {
	manager *Manager
	health  *providers.HealthMonitor
	impls   map[string]*scripted
}

func newFixture(t *testing.T, impls ...*scripted) fixture {
	t.Helper()
	byName := map[string]*scripted{}
	configs := map[string]providers.Config{}
	for _, p := range impls {
		byName[p.name] = p
		configs[p.name] = providers.Config{}
	}
	factory := providers.NewFactory(configs, func(cfg providers.Config, _ *logger.Logger) (core.Provider, error) {
		return byName[cfg.Type], nil
	}, nil)
	names, err := validator.New(nil)
	require.NoError(t, err)
	catalog := staticCatalog{core.NewTool("smart_search", "Search notes", &core.JSONSchema{
		Type:       core.SchemaObject,
		Properties: map[string]*core.JSONSchema{"query": {Type: core.SchemaString}},
	})}
	selection := pipeline.NewModelSelection(factory, catalog, nil, nil, pipeline.Options{}, nil)
	health := providers.NewHealthMonitor(factory, providers.HealthOptions{FailureThreshold: 2}, nil, nil)
	m := NewManager(factory, selection, names, health, Options{Precedence: []string{"OpenAI", "anthropic", "ollama", "openai"}}, nil)
	return fixture{manager: m, health: health, impls: byName}
}

type staticCatalog []core.Tool

func (c staticCatalog) Definitions() []core.Tool { return append([]core.Tool(nil), c...) }

func hello() []core.Message {
	return []core.Message{{Role: core.RoleUser, Content: "search my notes"}}
}

func TestPrecedenceNormalized(t *testing.T) {
	f := newFixture(t, &scripted{name: "openai", available: true})
	assert.Equal(t, []string{"openai", "anthropic", "ollama"}, f.manager.Precedence())
	assert.Equal(t, []string{"openai"}, f.manager.AvailableProviders())

	m := NewManager(nil, nil, nil, nil, Options{}, nil)
	assert.Equal(t, DefaultPrecedence, m.Precedence())
}

func TestFirstProviderAnswers(t *testing.T) {
	f := newFixture(t,
		&scripted{name: "openai", available: true},
		&scripted{name: "anthropic", available: true},
	)
	resp, err := f.manager.GenerateChatCompletion(context.Background(), hello(), core.ChatCompletionOptions{})
	require.NoError(t, err)
	assert.Equal(t, "from openai", resp.Text)
	assert.Equal(t, "openai", resp.Provider)
	assert.Equal(t, "openai-default", resp.Model)
	assert.Zero(t, f.impls["anthropic"].callCount())

	sent := f.impls["openai"].calls[0]
	require.Len(t, sent.Tools, 1)
	assert.Equal(t, "smart_search", sent.Tools[0].Name())
}

func TestFallbackOnFailure(t *testing.T) {
	f := newFixture(t,
		&scripted{name: "openai", available: true, err: errors.New("429 rate limited")},
		&scripted{name: "anthropic", available: false},
		&scripted{name: "ollama", available: true},
	)
	ctx := context.Background()

	resp, err := f.manager.GenerateChatCompletion(ctx, hello(), core.ChatCompletionOptions{Model: "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, "from ollama", resp.Text)
	assert.Equal(t, "gpt-4o", f.impls["openai"].calls[0].Model)
	assert.Equal(t, "ollama-default", f.impls["ollama"].calls[0].Model, "fallback uses its own default model")
	assert.Zero(t, f.impls["anthropic"].callCount(), "unavailable providers are skipped")

	st, ok := f.health.Status("openai")
	require.True(t, ok)
	assert.Equal(t, 1, st.ConsecutiveFailures)

	// a second failure crosses the threshold and openai drops out of routing
	_, err = f.manager.GenerateChatCompletion(ctx, hello(), core.ChatCompletionOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"ollama"}, f.manager.AvailableProviders())
}

func TestAllProvidersFailed(t *testing.T) {
	f := newFixture(t,
		&scripted{name: "openai", available: true, err: errors.New("boom")},
		&scripted{name: "ollama", available: true, err: errors.New("connection refused")},
	)
	_, err := f.manager.GenerateChatCompletion(context.Background(), hello(), core.ChatCompletionOptions{})
	require.ErrorIs(t, err, ErrAllProvidersFailed)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Contains(t, err.Error(), "ollama")
}

func TestPinnedProviderSkipsPrecedence(t *testing.T) {
	f := newFixture(t,
		&scripted{name: "openai", available: true},
		&scripted{name: "ollama", available: true, err: errors.New("down")},
	)
	_, err := f.manager.GenerateChatCompletion(context.Background(), hello(), core.ChatCompletionOptions{Model: "ollama:llama3.1:8b"})
	require.ErrorIs(t, err, ErrAllProvidersFailed)
	assert.Zero(t, f.impls["openai"].callCount())
	assert.Equal(t, "llama3.1:8b", f.impls["ollama"].calls[0].Model)
}

func TestPreferredProviderGoesFirst(t *testing.T) {
	f := newFixture(t,
		&scripted{name: "openai", available: true},
		&scripted{name: "anthropic", available: true},
	)
	resp, err := f.manager.GenerateChatCompletion(context.Background(), hello(), core.ChatCompletionOptions{Provider: "anthropic"})
	require.NoError(t, err)
	assert.Equal(t, "from anthropic", resp.Text)
}

func TestNoMessagesAndNoProviders(t *testing.T) {
	f := newFixture(t, &scripted{name: "openai", available: false})
	_, err := f.manager.GenerateChatCompletion(context.Background(), nil, core.ChatCompletionOptions{})
	assert.ErrorIs(t, err, ErrNoMessages)

	_, err = f.manager.GenerateChatCompletion(context.Background(), hello(), core.ChatCompletionOptions{})
	assert.ErrorIs(t, err, ErrNoProviderAvailable)
	assert.False(t, f.manager.IsAnyProviderAvailable())
}

func TestCancelledContextStopsFallback(t *testing.T) {
	f := newFixture(t,
		&scripted{name: "openai", available: true, err: context.Canceled},
		&scripted{name: "ollama", available: true},
	)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.manager.GenerateChatCompletion(ctx, hello(), core.ChatCompletionOptions{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.impls["ollama"].callCount())
	st, _ := f.health.Status("openai")
	assert.Zero(t, st.ConsecutiveFailures)
}
