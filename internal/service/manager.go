// Package service is the entry point for chat completions: it orders the
// configured providers, selects a model per provider and falls back to the
// next provider when one fails.
package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/yukin371/quill/internal/core"
	"github.com/yukin371/quill/internal/pipeline"
	"github.com/yukin371/quill/internal/providers"
	"github.com/yukin371/quill/internal/validator"
	"github.com/yukin371/quill/pkg/logger"
)

var (
	ErrNoMessages          = errors.New("no messages to send")
	ErrNoProviderAvailable = errors.New("no provider available")
	ErrAllProvidersFailed  = errors.New("all providers failed")
)

// DefaultPrecedence is the provider order when config names none.
var DefaultPrecedence = []string{providers.TypeOpenAI, providers.TypeAnthropic, providers.TypeOllama}

// Options configure the manager.
type Options struct {
	Precedence []string
}

// Manager AI 服务管理器：按优先级调度 Provider 并在失败时回退
type Manager struct {
	source    pipeline.ProviderSource
	selection *pipeline.ModelSelection
	names     *validator.Validator
	health    *providers.HealthMonitor
	log       *logger.Logger

	precedence []string
}

// NewManager wires the manager. health may be nil, in which case every
// configured provider is considered usable.
func NewManager(source pipeline.ProviderSource, selection *pipeline.ModelSelection, names *validator.Validator, health *providers.HealthMonitor, opts Options, log *logger.Logger) *Manager {
	precedence := opts.Precedence
	if len(precedence) == 0 {
		precedence = DefaultPrecedence
	}
	normalized := make([]string, 0, len(precedence))
	for _, p := range precedence {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" && !slices.Contains(normalized, p) {
			normalized = append(normalized, p)
		}
	}
	return &Manager{
		source:     source,
		selection:  selection,
		names:      names,
		health:     health,
		log:        log.Named("ai"),
		precedence: normalized,
	}
}

// Precedence returns the provider order.
func (m *Manager) Precedence() []string {
	return slices.Clone(m.precedence)
}

// Health returns the health monitor, possibly nil.
func (m *Manager) Health() *providers.HealthMonitor { return m.health }

// Selection returns the model selection stage.
func (m *Manager) Selection() *pipeline.ModelSelection { return m.selection }

// AvailableProviders lists the providers a request could use right now, in
// precedence order.
func (m *Manager) AvailableProviders() []string {
	var out []string
	for _, name := range m.precedence {
		if m.usable(name) {
			out = append(out, name)
		}
	}
	return out
}

// IsAnyProviderAvailable reports whether at least one provider is usable.
func (m *Manager) IsAnyProviderAvailable() bool {
	return len(m.AvailableProviders()) > 0
}

func (m *Manager) usable(name string) bool {
	if _, ok := m.source.Config(name); !ok {
		return false
	}
	if m.health != nil && !m.health.IsUsable(name) {
		return false
	}
	p, err := m.source.Get(name)
	return err == nil && p.IsAvailable()
}

// candidates returns the providers to try for opts. A "provider:" prefix on
// the model pins the call to that provider alone.
func (m *Manager) candidates(opts core.ChatCompletionOptions) (pinned bool, names []string) {
	if provider, _ := pipeline.SplitModel(opts.Model, m.source.Names()); provider != "" {
		return true, []string{provider}
	}
	order := m.precedence
	if opts.Provider != "" {
		first := strings.ToLower(opts.Provider)
		order = append([]string{first}, slices.DeleteFunc(slices.Clone(order), func(s string) bool { return s == first })...)
	}
	for _, name := range order {
		if m.usable(name) {
			names = append(names, name)
		}
	}
	return false, names
}

// GenerateChatCompletion sends messages to the first provider that answers.
// Providers are tried in precedence order; the call fails only when every
// candidate failed, and the error then carries the last provider's error.
func (m *Manager) GenerateChatCompletion(ctx context.Context, messages []core.Message, opts core.ChatCompletionOptions) (*core.ChatResponse, error) {
	if len(messages) == 0 {
		return nil, ErrNoMessages
	}

	pinned, names := m.candidates(opts)
	if len(names) == 0 {
		return nil, ErrNoProviderAvailable
	}

	var (
		lastErr      error
		lastProvider string
	)
	for i, name := range names {
		attempt := opts
		if !pinned {
			attempt.Provider = name
			// an unprefixed model only makes sense for the first choice
			if i > 0 {
				attempt.Model = ""
			}
		}

		resp, err := m.tryProvider(ctx, name, messages, attempt)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr, lastProvider = err, name
		if i < len(names)-1 {
			m.log.Warn("provider %s failed, falling back to %s: %v", name, names[i+1], err)
		}
	}
	return nil, fmt.Errorf("%w (%d tried; last error from %s: %w)", ErrAllProvidersFailed, len(names), lastProvider, lastErr)
}

func (m *Manager) tryProvider(ctx context.Context, name string, messages []core.Message, opts core.ChatCompletionOptions) (*core.ChatResponse, error) {
	p, err := m.source.Get(name)
	if err != nil {
		return nil, err
	}
	selected, err := m.selection.Select(ctx, messages, opts)
	if err != nil {
		return nil, err
	}
	if m.names != nil && len(selected.Tools) > 0 {
		fixed, changes := m.names.FixToolsForProvider(selected.Tools, name)
		if len(changes) > 0 {
			m.log.Debug("adjusted tools for %s: %s", name, strings.Join(changes, "; "))
		}
		selected.Tools = fixed
	}

	start := time.Now()
	resp, err := p.GenerateChatCompletion(ctx, messages, selected)
	elapsed := time.Since(start)
	if err != nil {
		m.log.Error("provider %s model %s failed after %s: %v", name, selected.Model, elapsed, err)
		if m.health != nil && ctx.Err() == nil {
			m.health.RecordFailure(ctx, name, err)
		}
		return nil, err
	}
	if m.health != nil {
		m.health.RecordSuccess(ctx, name)
	}
	if resp.Provider == "" {
		resp.Provider = name
	}
	m.log.Debug("provider %s answered in %s (%d tool calls)", name, elapsed, len(resp.ToolCalls))
	return resp, nil
}
