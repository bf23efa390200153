package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"
	"go.yaml.in/yaml/v3"

	"github.com/yukin371/quill/pkg/utils"
)

const (
	// AppName names the config directory and the env prefix.
	AppName  = "quill"
	envVar   = "QUILL_CONFIG"
	fileName = "config.yaml"
)

// Loader handles loading configuration from file, environment and defaults
type Loader struct {
	mu            sync.RWMutex
	explicitPath  string
	searchPaths   []string
	schemaLoader  *SchemaLoader
	loadedSources []string
}

// NewLoader creates a loader. explicitPath, when set, must exist.
func NewLoader(explicitPath string) *Loader {
	return &Loader{
		explicitPath: explicitPath,
		schemaLoader: NewSchemaLoader(),
		searchPaths:  getConfigPaths(),
	}
}

// getConfigPaths returns candidate files in priority order
func getConfigPaths() []string {
	var paths []string
	if envPath := os.Getenv(envVar); envPath != "" {
		paths = append(paths, envPath)
	}
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, "quill.yaml"))
	}
	if dir, err := utils.GetConfigDir(AppName); err == nil {
		paths = append(paths, filepath.Join(dir, fileName))
	}
	return paths
}

// DefaultPath is where Save writes when no path is given.
func DefaultPath() (string, error) {
	dir, err := utils.GetConfigDir(AppName)
	if err != nil {
		return "", fmt.Errorf("failed to get config dir: %w", err)
	}
	return filepath.Join(dir, fileName), nil
}

// Load reads the first config file found, applies QUILL_* environment
// overrides (QUILL_LLM_DEFAULT_PROVIDER, QUILL_TOOLS_TIMEOUT, ...) on top of
// defaults, and validates the result.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	v.SetEnvPrefix(strings.ToUpper(AppName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var sources []string
	path, err := l.resolve()
	if err != nil {
		return nil, err
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		sources = append(sources, path)
	}
	sources = append(sources, "environment variables")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	normalize(&cfg)

	if err := l.Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	l.loadedSources = sources
	return &cfg, nil
}

func (l *Loader) resolve() (string, error) {
	if l.explicitPath != "" {
		if !utils.FileExists(l.explicitPath) {
			return "", fmt.Errorf("config file not found: %s", l.explicitPath)
		}
		return l.explicitPath, nil
	}
	for _, p := range l.searchPaths {
		if utils.FileExists(p) {
			return p, nil
		}
	}
	return "", nil
}

// setDefaults registers every key so env overrides work without a file.
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("log.level", d.Log.Level)

	v.SetDefault("llm.default_provider", d.LLM.DefaultProvider)
	v.SetDefault("llm.precedence", d.LLM.Precedence)
	v.SetDefault("llm.temperature", d.LLM.Temperature)
	v.SetDefault("llm.max_tokens", d.LLM.MaxTokens)
	v.SetDefault("llm.system_prompt", "")

	for name, p := range d.Providers {
		prefix := "providers." + name + "."
		v.SetDefault(prefix+"api_key", p.APIKey)
		v.SetDefault(prefix+"base_url", p.BaseURL)
		v.SetDefault(prefix+"default_model", "")
		v.SetDefault(prefix+"context_window", 0)
	}

	v.SetDefault("tools.max_iterations", d.Tools.MaxIterations)
	v.SetDefault("tools.parallel", d.Tools.Parallel)
	v.SetDefault("tools.parallelism", d.Tools.Parallelism)
	v.SetDefault("tools.timeout", d.Tools.Timeout)
	v.SetDefault("tools.cache_ttl", d.Tools.CacheTTL)
	v.SetDefault("tools.cache_size", d.Tools.CacheSize)
	v.SetDefault("tools.disable_after", d.Tools.DisableAfter)
	v.SetDefault("tools.fuzzy_threshold", d.Tools.FuzzyThreshold)
	v.SetDefault("tools.small_provider_cap", d.Tools.SmallProviderCap)
	v.SetDefault("tools.small_context_window", d.Tools.SmallContextWindow)
	v.SetDefault("tools.history_capacity", d.Tools.HistoryCapacity)

	v.SetDefault("approval.mode", d.Approval.Mode)
	v.SetDefault("approval.timeout", d.Approval.Timeout)
	v.SetDefault("approval.auto_approve_on_timeout", d.Approval.AutoApproveOnTimeout)

	v.SetDefault("health.failure_threshold", d.Health.FailureThreshold)
	v.SetDefault("health.probe_timeout", d.Health.ProbeTimeout)
	v.SetDefault("health.schedule", d.Health.Schedule)

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.grpc_addr", d.Server.GRPCAddr)

	v.SetDefault("storage.path", "")
	v.SetDefault("storage.passphrase", "")
	v.SetDefault("storage.seed", false)
}

func normalize(cfg *Config) {
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.LLM.DefaultProvider = strings.ToLower(cfg.LLM.DefaultProvider)
	for i, p := range cfg.LLM.Precedence {
		cfg.LLM.Precedence[i] = strings.ToLower(strings.TrimSpace(p))
	}
	if cfg.Providers == nil {
		cfg.Providers = map[string]ProviderConfig{}
	}
}

// Validate validates the configuration against the JSON schema
func (l *Loader) Validate(cfg *Config) error {
	return l.schemaLoader.Validate(cfg)
}

// Save validates cfg and writes it as YAML. An empty path writes to
// DefaultPath.
func (l *Loader) Save(cfg *Config, path string) error {
	if err := l.Validate(cfg); err != nil {
		return fmt.Errorf("cannot save invalid configuration: %w", err)
	}
	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return err
		}
	}
	if err := utils.EnsureDir(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GetLoadedSources returns the sources the last Load used
func (l *Loader) GetLoadedSources() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]string(nil), l.loadedSources...)
}

// StoragePath resolves the database file.
func (c *Config) StoragePath() (string, error) {
	if c.Storage.Path != "" {
		return c.Storage.Path, nil
	}
	dir, err := utils.GetConfigDir(AppName)
	if err != nil {
		return "", errors.Join(errors.New("no storage path configured"), err)
	}
	if err := utils.EnsureDir(dir); err != nil {
		return "", err
	}
	return filepath.Join(dir, "quill.db"), nil
}

// LoadConfig is a convenience function that loads configuration with default settings
func LoadConfig(path string) (*Config, error) {
	return NewLoader(path).Load()
}
