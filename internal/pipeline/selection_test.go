package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yukin371/quill/internal/core"
	"github.com/yukin371/quill/internal/providers"
)

type stubProvider struct {
	name   string
	models []string
	err    error
	lists  atomic.Int32
}

func (p *stubProvider) Name() string { return p.name }
func (p *stubProvider) IsAvailable() bool { return true }
func (p *stubProvider) Ping(context.Context) error {
	return nil
}
func (p *stubProvider) ListModels(context.Context) ([]string, error) {
	p.lists.Add(1)
	return p.models, p.err
}
func (p *stubProvider) GenerateChatCompletion(context.Context, []core.Message, core.ChatCompletionOptions) (*core.ChatResponse, error) {
	return nil, errors.New("not used")
}

type stubSource struct {
	configs map[string]providers.Config
	impls   map[string]*stubProvider
}

func (s stubSource) Get(name string) (core.Provider, error) {
	if p, ok := s.impls[name]; ok {
		return p, nil
	}
	return nil, providers.ErrUnsupportedProvider
}

func (s stubSource) Config(name string) (providers.Config, bool) {
	cfg, ok := s.configs[name]
	return cfg, ok
}

func (s stubSource) Names() []string { return []string{"anthropic", "ollama", "openai"} }

type staticCatalog []core.Tool

func (c staticCatalog) Definitions() []core.Tool { return append([]core.Tool(nil), c...) }

type disabledSet map[string][]string

func (d disabledSet) DisabledTools(provider string) []string { return d[provider] }

func catalog() staticCatalog {
	names := []string{"smart_search", "manage_note", "calendar_integration", "navigate_hierarchy", "clone_note", "attribute_manager"}
	out := make(staticCatalog, len(names))
	for i, n := range names {
		out[i] = core.NewTool(n, n, &core.JSONSchema{Type: core.SchemaObject})
	}
	return out
}

func toolNames(tools []core.Tool) []string {
	out := make([]string, len(tools))
	for i, t := range tools {
		out[i] = t.Name()
	}
	return out
}

func newStage(t *testing.T, disabled DisabledTools) (*ModelSelection, stubSource) {
	t.Helper()
	src := stubSource{
		configs: map[string]providers.Config{
			"openai":    {Type: "openai", DefaultModel: "gpt-4o-mini"},
			"anthropic": {Type: "anthropic"},
			"ollama":    {Type: "ollama", ContextWindow: 8192},
		},
		impls: map[string]*stubProvider{
			"anthropic": {name: "anthropic", models: []string{"claude-sonnet-4-5", "claude-haiku-4-5"}},
			"ollama":    {name: "ollama", models: []string{"llama3.1:8b"}},
		},
	}
	return NewModelSelection(src, catalog(), nil, disabled, Options{
		Precedence:      []string{"openai", "anthropic", "ollama"},
		PreferredModels: map[string][]string{"anthropic": {"claude-haiku-4-5"}},
		Temperature:     0.3,
	}, nil), src
}

func user(text string) []core.Message {
	return []core.Message{{Role: core.RoleUser, Content: text}}
}

func TestSplitModel(t *testing.T) {
	tests := []struct {
		in, provider, model string
	}{
		{"anthropic:claude-haiku-4-5", "anthropic", "claude-haiku-4-5"},
		{"OpenAI:gpt-4o", "openai", "gpt-4o"},
		{"llama3.1:8b", "", "llama3.1:8b"},
		{"ollama:llama3.1:8b", "ollama", "llama3.1:8b"},
		{"gpt-4o", "", "gpt-4o"},
		{"openai:", "", "openai:"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			p, m := SplitModel(tt.in, nil)
			assert.Equal(t, tt.provider, p)
			assert.Equal(t, tt.model, m)
		})
	}
}

func TestSelectExplicitModelWins(t *testing.T) {
	s, src := newStage(t, nil)
	in := core.ChatCompletionOptions{Model: "anthropic:claude-sonnet-4-5"}
	out, err := s.Select(context.Background(), user("hello"), in)
	require.NoError(t, err)

	assert.Equal(t, "anthropic", out.Provider)
	assert.Equal(t, "claude-sonnet-4-5", out.Model)
	assert.Zero(t, src.impls["anthropic"].lists.Load(), "explicit model must not trigger a lookup")
	assert.Equal(t, "anthropic:claude-sonnet-4-5", in.Model, "input untouched")
	assert.Equal(t, 0.3, out.Temperature)
}

func TestSelectDefaultModel(t *testing.T) {
	s, src := newStage(t, nil)
	ctx := context.Background()

	out, err := s.Select(ctx, user("hello"), core.ChatCompletionOptions{})
	require.NoError(t, err)
	assert.Equal(t, "openai", out.Provider)
	assert.Equal(t, "gpt-4o-mini", out.Model)

	for range 2 {
		out, err = s.Select(ctx, user("hello"), core.ChatCompletionOptions{Provider: "anthropic"})
		require.NoError(t, err)
		assert.Equal(t, "claude-haiku-4-5", out.Model, "preferred model beats list order")
	}
	assert.EqualValues(t, 1, src.impls["anthropic"].lists.Load(), "lookup is cached")

	src.impls["ollama"].models = nil
	_, err = s.Select(ctx, user("hello"), core.ChatCompletionOptions{Provider: "ollama"})
	assert.ErrorIs(t, err, ErrNoModel)
}

func TestSelectTools(t *testing.T) {
	s, _ := newStage(t, disabledSet{"openai": {"clone_note"}})
	ctx := context.Background()

	out, err := s.Select(ctx, user("find my project notes and summarize them"), core.ChatCompletionOptions{})
	require.NoError(t, err)
	names := toolNames(out.Tools)
	assert.Contains(t, names, "smart_search")
	assert.NotContains(t, names, "clone_note")
	assert.Len(t, names, 5)

	out, err = s.Select(ctx, user("what is on my calendar today"), core.ChatCompletionOptions{Provider: "ollama"})
	require.NoError(t, err)
	assert.Equal(t, []string{"calendar_integration", "smart_search", "manage_note"}, toolNames(out.Tools))

	out, err = s.Select(ctx, user("hello"), core.ChatCompletionOptions{EnableTools: core.Bool(false), Tools: catalog()})
	require.NoError(t, err)
	assert.Empty(t, out.Tools)
}

func TestSelectComplexityMetadata(t *testing.T) {
	s, _ := newStage(t, nil)
	out, err := s.Select(context.Background(), user("compare these two plans and explain why? which is better?"),
		core.ChatCompletionOptions{ProviderMetadata: map[string]string{"trace": "1"}})
	require.NoError(t, err)
	assert.Equal(t, core.ComplexityHigh, out.Complexity)
	assert.Equal(t, "high", out.ProviderMetadata["complexity"])
	assert.Equal(t, "1", out.ProviderMetadata["trace"])
}

func TestClassifyComplexity(t *testing.T) {
	assert.Equal(t, core.ComplexityLow, ClassifyComplexity("list my notes", 20))
	assert.Equal(t, core.ComplexityMedium, ClassifyComplexity("summarize my week", 20))
	assert.Equal(t, core.ComplexityMedium, ClassifyComplexity("list my notes", 5000))
	assert.Equal(t, core.ComplexityHigh, ClassifyComplexity("分析一下这些笔记", 5000))
	assert.Equal(t, core.ComplexityMedium, ClassifyComplexity("where? when?", 10))
}
