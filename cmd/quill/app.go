package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/yukin371/quill/internal/chat"
	"github.com/yukin371/quill/internal/coercion"
	"github.com/yukin371/quill/internal/config"
	"github.com/yukin371/quill/internal/core"
	"github.com/yukin371/quill/internal/eventbus"
	"github.com/yukin371/quill/internal/execution"
	"github.com/yukin371/quill/internal/feedback"
	"github.com/yukin371/quill/internal/pipeline"
	"github.com/yukin371/quill/internal/preview"
	"github.com/yukin371/quill/internal/providers"
	"github.com/yukin371/quill/internal/push"
	"github.com/yukin371/quill/internal/service"
	"github.com/yukin371/quill/internal/storage"
	"github.com/yukin371/quill/internal/toolfilter"
	"github.com/yukin371/quill/internal/tools"
	"github.com/yukin371/quill/internal/validator"
	"github.com/yukin371/quill/pkg/logger"
)

// app holds every long-lived component of one process.
type app struct {
	cfg *config.Config
	log *logger.Logger

	store    *storage.SQLiteStore
	bus      *eventbus.Bus
	factory  *providers.Factory
	health   *providers.HealthMonitor
	names    *validator.Validator
	toolbox  *tools.ToolBox
	filter   *toolfilter.Service
	monitor  *execution.Monitor
	feedback *feedback.Manager
	executor *execution.Executor
	gate     *preview.Gate
	hub      *push.Hub
	llm      *service.Manager
	chat     *chat.Service
}

// newApp builds the component graph from cfg. Close releases it.
func newApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a.store = store

	a.bus = eventbus.New(log)
	if log.Level() == logger.DEBUG {
		a.bus.Use(eventbus.LoggingMiddleware(log.Named("events")))
	}
	a.factory = providers.NewFactory(providerConfigs(cfg, log), nil, log)
	a.health = providers.NewHealthMonitor(a.factory, providers.HealthOptions{
		FailureThreshold: cfg.Health.FailureThreshold,
		ProbeTimeout:     cfg.Health.ProbeTimeout,
		Schedule:         cfg.Health.Schedule,
	}, a.bus, log)

	if a.names, err = validator.New(log); err != nil {
		store.Close()
		return nil, fmt.Errorf("load provider rules: %w", err)
	}
	a.toolbox = tools.NewDefaultToolBox(store, tools.Options{})
	a.filter = toolfilter.NewService(filterOptions(cfg), log)

	a.monitor = execution.NewMonitor(cfg.Tools.DisableAfter, a.bus, log)
	a.feedback = feedback.NewManager(feedback.Options{
		HistoryCapacity: cfg.Tools.HistoryCapacity,
		DefaultTimeout:  cfg.Tools.Timeout,
	}, a.bus, log)

	coerce := coercion.DefaultOptions()
	coerce.FuzzyThreshold = cfg.Tools.FuzzyThreshold
	a.executor = execution.NewExecutor(a.toolbox, a.names, a.monitor, a.feedback, execution.ExecutorOptions{
		Timeout:     cfg.Tools.Timeout,
		CacheTTL:    cfg.Tools.CacheTTL,
		CacheSize:   cfg.Tools.CacheSize,
		Parallelism: cfg.Tools.Parallelism,
		Coercion:    coerce,
	}, log)

	builder, err := preview.NewBuilder(nil, noteContent(store))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("load risk table: %w", err)
	}
	builder.WithNormalizer(func(call core.ToolCall) (map[string]any, bool) {
		return a.executor.NormalizeArguments(call, "")
	})
	a.gate = preview.NewGate(builder, preview.Policy{
		Mode:                 preview.ConfirmMode(cfg.Approval.Mode),
		ApprovalTimeout:      cfg.Approval.Timeout,
		AutoApproveOnTimeout: cfg.Approval.AutoApproveOnTimeout,
	}, a.bus, log)

	selection := pipeline.NewModelSelection(a.factory, a.toolbox, a.filter, a.monitor, pipeline.Options{
		DefaultProvider: cfg.LLM.DefaultProvider,
		Precedence:      cfg.LLM.Precedence,
		PreferredModels: preferredModels(cfg),
		Temperature:     cfg.LLM.Temperature,
		MaxTokens:       cfg.LLM.MaxTokens,
		SystemPrompt:    cfg.LLM.SystemPrompt,
	}, log)
	a.llm = service.NewManager(a.factory, selection, a.names, a.health, service.Options{Precedence: cfg.LLM.Precedence}, log)

	a.hub = push.NewHub(log)
	a.chat = chat.NewService(chat.Deps{
		LLM:        a.llm,
		Tools:      a.executor,
		Transcript: store,
		Notes:      store,
		Gate:       a.gate,
		Hub:        a.hub,
	}, chat.Options{
		MaxIterations: cfg.Tools.MaxIterations,
		Parallel:      cfg.Tools.Parallel,
	}, log)
	return a, nil
}

// Close stops background work and closes the store.
func (a *app) Close() error {
	a.chat.Close()
	a.health.Stop()
	a.hub.Close()
	return a.store.Close()
}

func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (*storage.SQLiteStore, error) {
	path, err := cfg.StoragePath()
	if err != nil {
		return nil, err
	}
	var opts []storage.Option
	if cfg.Storage.Passphrase != "" {
		enc, err := storage.NewPassphraseEncryptor(cfg.Storage.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("init encryption: %w", err)
		}
		opts = append(opts, storage.WithEncryptor(enc))
	}
	store, err := storage.Open(path, opts...)
	if err != nil {
		return nil, err
	}
	log.Debug("note store at %s", path)

	if cfg.Storage.Seed {
		children, err := store.GetChildren(ctx, core.RootNoteID)
		if err != nil {
			store.Close()
			return nil, err
		}
		if len(children) == 0 {
			if _, err := storage.Seed(ctx, store, timeNow()); err != nil {
				store.Close()
				return nil, err
			}
			log.Info("seeded demo notes into %s", path)
		}
	}
	return store, nil
}

// providerConfigs keeps the providers that can be reached: hosted APIs need
// a key, ollama only a base URL.
func providerConfigs(cfg *config.Config, log *logger.Logger) map[string]providers.Config {
	out := make(map[string]providers.Config, len(cfg.Providers))
	for name, p := range cfg.Providers {
		if name != providers.TypeOllama && p.APIKey == "" {
			log.Debug("provider %s skipped: no api key", name)
			continue
		}
		out[name] = providers.Config{
			Type:          name,
			APIKey:        p.APIKey,
			BaseURL:       p.BaseURL,
			DefaultModel:  p.DefaultModel,
			Timeout:       p.Timeout,
			IdleTimeout:   p.IdleTimeout,
			ContextWindow: p.ContextWindow,
		}
	}
	return out
}

func filterOptions(cfg *config.Config) toolfilter.Options {
	opts := toolfilter.DefaultOptions()
	opts.SmallContextWindow = cfg.Tools.SmallContextWindow
	opts.SmallProviderCap = cfg.Tools.SmallProviderCap
	opts.ProviderCaps[providers.TypeOllama] = cfg.Tools.SmallProviderCap
	for name, p := range cfg.Providers {
		if p.MaxTools > 0 {
			opts.ProviderCaps[name] = p.MaxTools
		}
	}
	return opts
}

func preferredModels(cfg *config.Config) map[string][]string {
	out := make(map[string][]string)
	for name, p := range cfg.Providers {
		if len(p.PreferredModels) > 0 {
			out[name] = p.PreferredModels
		}
	}
	return out
}

// noteContent feeds update previews with the stored note body.
func noteContent(store *storage.SQLiteStore) preview.ContentLookup {
	return func(noteID string) (string, bool) {
		note, err := store.GetNote(context.Background(), noteID)
		if err != nil {
			if !errors.Is(err, core.ErrNoteNotFound) {
				logger.Warn("preview lookup %s: %v", noteID, err)
			}
			return "", false
		}
		return note.Content, true
	}
}
