package providers

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/yukin371/quill/internal/core"
	"github.com/yukin371/quill/pkg/logger"
)

// Builder constructs a provider from its config.
type Builder func(cfg Config, log *logger.Logger) (core.Provider, error)

// Factory 按类型创建并缓存 Provider 实例
type Factory struct {
	build Builder
	log   *logger.Logger

	mu        sync.Mutex
	configs   map[string]Config
	instances map[string]core.Provider
}

// NewFactory creates a factory over configs keyed by provider type. build
// may be nil to use New.
func NewFactory(configs map[string]Config, build Builder, log *logger.Logger) *Factory {
	if build == nil {
		build = New
	}
	f := &Factory{
		build:     build,
		log:       log.Named("factory"),
		configs:   make(map[string]Config, len(configs)),
		instances: make(map[string]core.Provider),
	}
	for name, cfg := range configs {
		name = strings.ToLower(name)
		if cfg.Type == "" {
			cfg.Type = name
		}
		f.configs[name] = cfg
	}
	return f
}

// Get returns the cached instance for name, building it on first use.
func (f *Factory) Get(name string) (core.Provider, error) {
	name = strings.ToLower(name)
	f.mu.Lock()
	defer f.mu.Unlock()

	if p, ok := f.instances[name]; ok {
		return p, nil
	}
	cfg, ok := f.configs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q is not configured", ErrUnsupportedProvider, name)
	}
	p, err := f.build(cfg, f.log)
	if err != nil {
		return nil, err
	}
	f.instances[name] = p
	f.log.Debug("created provider %s", name)
	return p, nil
}

// Config returns the config of name.
func (f *Factory) Config(name string) (Config, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.configs[strings.ToLower(name)]
	return cfg, ok
}

// SetConfig replaces the config of name and drops its cached instance.
func (f *Factory) SetConfig(name string, cfg Config) {
	name = strings.ToLower(name)
	if cfg.Type == "" {
		cfg.Type = name
	}
	f.mu.Lock()
	f.configs[name] = cfg
	delete(f.instances, name)
	f.mu.Unlock()
}

// Invalidate drops the cached instance of name.
func (f *Factory) Invalidate(name string) {
	f.mu.Lock()
	delete(f.instances, strings.ToLower(name))
	f.mu.Unlock()
}

// Names lists the configured provider names, sorted.
func (f *Factory) Names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.configs))
	for n := range f.configs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
