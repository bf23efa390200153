package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config holds all configuration for quill
type Config struct {
	Log       LogConfig                 `mapstructure:"log" json:"log" yaml:"log"`
	LLM       LLMConfig                 `mapstructure:"llm" json:"llm" yaml:"llm"`
	Providers map[string]ProviderConfig `mapstructure:"providers" json:"providers" yaml:"providers"`
	Tools     ToolsConfig               `mapstructure:"tools" json:"tools" yaml:"tools"`
	Approval  ApprovalConfig            `mapstructure:"approval" json:"approval" yaml:"approval"`
	Health    HealthConfig              `mapstructure:"health" json:"health" yaml:"health"`
	Server    ServerConfig              `mapstructure:"server" json:"server" yaml:"server"`
	Storage   StorageConfig             `mapstructure:"storage" json:"storage" yaml:"storage"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level string `mapstructure:"level" json:"level" yaml:"level"` // debug, info, warn, error
}

// LLMConfig holds model-routing settings shared by every provider.
type LLMConfig struct {
	DefaultProvider string   `mapstructure:"default_provider" json:"default_provider" yaml:"default_provider"`
	Precedence      []string `mapstructure:"precedence" json:"precedence" yaml:"precedence"`
	Temperature     float64  `mapstructure:"temperature" json:"temperature" yaml:"temperature"`
	MaxTokens       int      `mapstructure:"max_tokens" json:"max_tokens" yaml:"max_tokens"`
	SystemPrompt    string   `mapstructure:"system_prompt" json:"system_prompt" yaml:"system_prompt"`
}

// ProviderConfig configures one provider, keyed by its type in Config.Providers.
type ProviderConfig struct {
	APIKey          string        `mapstructure:"api_key" json:"api_key" yaml:"api_key"`
	BaseURL         string        `mapstructure:"base_url" json:"base_url" yaml:"base_url"`
	DefaultModel    string        `mapstructure:"default_model" json:"default_model" yaml:"default_model"`
	PreferredModels []string      `mapstructure:"preferred_models" json:"preferred_models" yaml:"preferred_models"`
	ContextWindow   int           `mapstructure:"context_window" json:"context_window" yaml:"context_window"`
	Timeout         time.Duration `mapstructure:"timeout" json:"timeout" yaml:"timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" json:"idle_timeout" yaml:"idle_timeout"`
	// MaxTools caps the tools offered to this provider; 0 keeps the default.
	MaxTools int `mapstructure:"max_tools" json:"max_tools" yaml:"max_tools"`
}

// ToolsConfig 工具执行配置
type ToolsConfig struct {
	MaxIterations      int           `mapstructure:"max_iterations" json:"max_iterations" yaml:"max_iterations"`
	Parallel           bool          `mapstructure:"parallel" json:"parallel" yaml:"parallel"`
	Parallelism        int           `mapstructure:"parallelism" json:"parallelism" yaml:"parallelism"`
	Timeout            time.Duration `mapstructure:"timeout" json:"timeout" yaml:"timeout"`
	CacheTTL           time.Duration `mapstructure:"cache_ttl" json:"cache_ttl" yaml:"cache_ttl"`
	CacheSize          int           `mapstructure:"cache_size" json:"cache_size" yaml:"cache_size"`
	DisableAfter       int           `mapstructure:"disable_after" json:"disable_after" yaml:"disable_after"`
	FuzzyThreshold     float64       `mapstructure:"fuzzy_threshold" json:"fuzzy_threshold" yaml:"fuzzy_threshold"`
	SmallProviderCap   int           `mapstructure:"small_provider_cap" json:"small_provider_cap" yaml:"small_provider_cap"`
	SmallContextWindow int           `mapstructure:"small_context_window" json:"small_context_window" yaml:"small_context_window"`
	HistoryCapacity    int           `mapstructure:"history_capacity" json:"history_capacity" yaml:"history_capacity"`
}

// ApprovalConfig 审批策略
type ApprovalConfig struct {
	Mode                 string        `mapstructure:"mode" json:"mode" yaml:"mode"` // "", always, never
	Timeout              time.Duration `mapstructure:"timeout" json:"timeout" yaml:"timeout"`
	AutoApproveOnTimeout bool          `mapstructure:"auto_approve_on_timeout" json:"auto_approve_on_timeout" yaml:"auto_approve_on_timeout"`
}

// HealthConfig 健康检查配置
type HealthConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold" json:"failure_threshold" yaml:"failure_threshold"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout" json:"probe_timeout" yaml:"probe_timeout"`
	Schedule         string        `mapstructure:"schedule" json:"schedule" yaml:"schedule"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Addr     string `mapstructure:"addr" json:"addr" yaml:"addr"`
	GRPCAddr string `mapstructure:"grpc_addr" json:"grpc_addr" yaml:"grpc_addr"`
}

// StorageConfig 存储配置
type StorageConfig struct {
	// Path is the SQLite file; empty means <config dir>/quill.db.
	Path string `mapstructure:"path" json:"path" yaml:"path"`
	// Passphrase enables encryption of protected notes.
	Passphrase string `mapstructure:"passphrase" json:"passphrase" yaml:"passphrase"`
	Seed       bool   `mapstructure:"seed" json:"seed" yaml:"seed"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		LLM: LLMConfig{
			DefaultProvider: "openai",
			Precedence:      []string{"openai", "anthropic", "ollama"},
			Temperature:     0.7,
			MaxTokens:       4096,
		},
		Providers: map[string]ProviderConfig{
			"openai":    {},
			"anthropic": {},
			"ollama":    {BaseURL: "http://localhost:11434"},
		},
		Tools: ToolsConfig{
			MaxIterations:      5,
			Parallel:           true,
			Parallelism:        4,
			Timeout:            30 * time.Second,
			CacheTTL:           5 * time.Minute,
			CacheSize:          1000,
			DisableAfter:       6,
			FuzzyThreshold:     0.7,
			SmallProviderCap:   3,
			SmallContextWindow: 16384,
			HistoryCapacity:    100,
		},
		Approval: ApprovalConfig{
			Timeout:              30 * time.Second,
			AutoApproveOnTimeout: true,
		},
		Health: HealthConfig{
			FailureThreshold: 3,
			ProbeTimeout:     5 * time.Second,
			Schedule:         "@every 1m",
		},
		Server: ServerConfig{Addr: "127.0.0.1:8787"},
	}
}

// String returns a JSON representation with API keys masked.
func (c *Config) String() string {
	masked := *c
	masked.Providers = make(map[string]ProviderConfig, len(c.Providers))
	for name, p := range c.Providers {
		if p.APIKey != "" {
			p.APIKey = "***"
		}
		masked.Providers[name] = p
	}
	if masked.Storage.Passphrase != "" {
		masked.Storage.Passphrase = "***"
	}
	data, err := json.MarshalIndent(masked, "", "  ")
	if err != nil {
		return fmt.Sprintf("error marshaling config: %v", err)
	}
	return string(data)
}
