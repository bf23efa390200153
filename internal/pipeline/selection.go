// Package pipeline 实现请求进入 Provider 之前的模型选择阶段
//
// The stage turns caller options into the ChatCompletionOptions that every
// provider consumes: provider and model, the filtered tool catalog and a
// coarse complexity hint.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/yukin371/quill/internal/core"
	"github.com/yukin371/quill/internal/providers"
	"github.com/yukin371/quill/internal/toolfilter"
	"github.com/yukin371/quill/pkg/logger"
)

// ErrNoModel is returned when neither config nor the provider's model list
// yields a model.
var ErrNoModel = errors.New("no model available")

// ProviderSource resolves configured providers. *providers.Factory satisfies it.
type ProviderSource interface {
	Get(name string) (core.Provider, error)
	Config(name string) (providers.Config, bool)
	Names() []string
}

// ToolCatalog supplies tool definitions. *tools.ToolBox satisfies it.
type ToolCatalog interface {
	Definitions() []core.Tool
}

// DisabledTools reports tools switched off for a provider. *execution.Monitor
// satisfies it.
type DisabledTools interface {
	DisabledTools(provider string) []string
}

// Options configure the stage.
type Options struct {
	// DefaultProvider is used when the caller names none. Empty falls back
	// to the first entry of Precedence.
	DefaultProvider string
	Precedence      []string
	// PreferredModels ranks listed models per provider when no default
	// model is configured.
	PreferredModels map[string][]string
	Temperature     float64
	MaxTokens       int
	SystemPrompt    string
}

// ModelSelection 负责模型与工具的选择
type ModelSelection struct {
	source   ProviderSource
	catalog  ToolCatalog
	filter   *toolfilter.Service
	disabled DisabledTools
	opts     Options
	log      *logger.Logger

	mu       sync.Mutex
	defaults map[string]string
}

// NewModelSelection creates the stage. disabled may be nil.
func NewModelSelection(source ProviderSource, catalog ToolCatalog, filter *toolfilter.Service, disabled DisabledTools, opts Options, log *logger.Logger) *ModelSelection {
	if filter == nil {
		filter = toolfilter.NewService(toolfilter.DefaultOptions(), log)
	}
	return &ModelSelection{
		source:   source,
		catalog:  catalog,
		filter:   filter,
		disabled: disabled,
		opts:     opts,
		log:      log.Named("selection"),
		defaults: make(map[string]string),
	}
}

// SplitModel separates a "provider:model" reference. The prefix only counts
// when it names a known provider, so Ollama tags such as "llama3.1:8b" stay
// intact.
func SplitModel(model string, known []string) (provider, name string) {
	prefix, rest, ok := strings.Cut(model, ":")
	if !ok || rest == "" {
		return "", model
	}
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	if slices.Contains(known, prefix) || isBuiltinProvider(prefix) {
		return prefix, rest
	}
	return "", model
}

func isBuiltinProvider(name string) bool {
	switch name {
	case providers.TypeOpenAI, providers.TypeAnthropic, providers.TypeOllama:
		return true
	}
	return false
}

// Select builds the completion options for messages. The input options are
// not modified.
func (s *ModelSelection) Select(ctx context.Context, messages []core.Message, in core.ChatCompletionOptions) (core.ChatCompletionOptions, error) {
	opts := in
	opts.ProviderMetadata = make(map[string]string, len(in.ProviderMetadata)+2)
	for k, v := range in.ProviderMetadata {
		opts.ProviderMetadata[k] = v
	}

	if opts.Model != "" {
		if provider, model := SplitModel(opts.Model, s.source.Names()); provider != "" {
			opts.Provider = provider
			opts.Model = model
		}
	}
	if opts.Provider == "" {
		opts.Provider = s.defaultProvider()
	}
	opts.Provider = strings.ToLower(opts.Provider)

	if opts.Model == "" {
		model, err := s.DefaultModel(ctx, opts.Provider)
		if err != nil {
			return opts, err
		}
		opts.Model = model
	}

	if opts.Temperature == 0 {
		opts.Temperature = s.opts.Temperature
	}
	if opts.MaxTokens == 0 {
		opts.MaxTokens = s.opts.MaxTokens
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = s.opts.SystemPrompt
	}

	query := lastUserMessage(messages)
	if !opts.ToolsEnabled() {
		opts.Tools = nil
	} else if len(opts.Tools) == 0 {
		opts.Tools = s.toolsFor(opts.Provider, query)
	}

	opts.Complexity = ClassifyComplexity(query, contentLength(messages))
	opts.ProviderMetadata["provider"] = opts.Provider
	opts.ProviderMetadata["complexity"] = string(opts.Complexity)

	s.log.Debug("selected %s/%s with %d tools (complexity %s)", opts.Provider, opts.Model, len(opts.Tools), opts.Complexity)
	return opts, nil
}

func (s *ModelSelection) defaultProvider() string {
	if s.opts.DefaultProvider != "" {
		return s.opts.DefaultProvider
	}
	if len(s.opts.Precedence) > 0 {
		return s.opts.Precedence[0]
	}
	if names := s.source.Names(); len(names) > 0 {
		return names[0]
	}
	return providers.TypeOpenAI
}

// DefaultModel returns the configured default model of provider, or picks
// one from its model list. Looked-up models are cached per provider.
func (s *ModelSelection) DefaultModel(ctx context.Context, provider string) (string, error) {
	if cfg, ok := s.source.Config(provider); ok && cfg.DefaultModel != "" {
		return cfg.DefaultModel, nil
	}

	s.mu.Lock()
	cached, ok := s.defaults[provider]
	s.mu.Unlock()
	if ok {
		return cached, nil
	}

	p, err := s.source.Get(provider)
	if err != nil {
		return "", err
	}
	models, err := p.ListModels(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve default model for %s: %w", provider, err)
	}
	model := pickModel(models, s.opts.PreferredModels[provider])
	if model == "" {
		return "", fmt.Errorf("%s: %w", provider, ErrNoModel)
	}

	s.mu.Lock()
	s.defaults[provider] = model
	s.mu.Unlock()
	s.log.Info("default model for %s resolved to %s", provider, model)
	return model, nil
}

// ForgetDefaultModel drops a cached lookup, e.g. after a config change.
func (s *ModelSelection) ForgetDefaultModel(provider string) {
	s.mu.Lock()
	delete(s.defaults, provider)
	s.mu.Unlock()
}

func pickModel(models, preferred []string) string {
	for _, want := range preferred {
		if slices.Contains(models, want) {
			return want
		}
	}
	if len(models) > 0 {
		return models[0]
	}
	return ""
}

// toolsFor filters the catalog for provider, leaving out tools the execution
// monitor has switched off.
func (s *ModelSelection) toolsFor(provider, query string) []core.Tool {
	if s.catalog == nil {
		return nil
	}
	all := s.catalog.Definitions()
	if s.disabled != nil {
		if off := s.disabled.DisabledTools(provider); len(off) > 0 {
			all = slices.DeleteFunc(all, func(t core.Tool) bool { return slices.Contains(off, t.Name()) })
		}
	}

	cfg := toolfilter.Config{Provider: provider, Query: query}
	if pc, ok := s.source.Config(provider); ok {
		cfg.ContextWindow = pc.ContextWindow
	}
	return s.filter.FilterToolsForProvider(cfg, all)
}

func lastUserMessage(messages []core.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == core.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

func contentLength(messages []core.Message) int {
	n := 0
	for _, m := range messages {
		n += len(m.Content)
	}
	return n
}
