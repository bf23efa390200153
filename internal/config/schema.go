package config

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var providerNames = []string{"openai", "anthropic", "ollama"}

// SchemaLoader validates decoded configuration against a JSON schema
// compiled once on first use.
type SchemaLoader struct {
	once   sync.Once
	schema *jsonschema.Schema
	err    error
}

// NewSchemaLoader creates a new schema loader
func NewSchemaLoader() *SchemaLoader {
	return &SchemaLoader{}
}

func (sl *SchemaLoader) compiled() (*jsonschema.Schema, error) {
	sl.once.Do(func() {
		sl.schema, sl.err = jsonschema.CompileString("config.schema.json", GenerateSchema())
	})
	return sl.schema, sl.err
}

// Validate validates a configuration against the JSON schema. Durations
// are checked as nanosecond integers.
func (sl *SchemaLoader) Validate(cfg *Config) error {
	schema, err := sl.compiled()
	if err != nil {
		return fmt.Errorf("failed to load schema: %w", err)
	}

	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config for validation: %w", err)
	}
	var cfgData any
	if err := json.Unmarshal(cfgJSON, &cfgData); err != nil {
		return fmt.Errorf("failed to unmarshal config for validation: %w", err)
	}

	if err := schema.Validate(cfgData); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

type obj = map[string]any

func intMin(min int) obj { return obj{"type": "integer", "minimum": min} }

func duration(desc string) obj {
	return obj{"type": "integer", "minimum": 0, "description": desc + " (nanoseconds once decoded)"}
}

// GenerateSchema returns the configuration schema as JSON.
func GenerateSchema() string {
	provider := obj{
		"type": "object",
		"properties": obj{
			"api_key":          obj{"type": "string"},
			"base_url":         obj{"type": "string"},
			"default_model":    obj{"type": "string"},
			"preferred_models": obj{"type": []string{"array", "null"}, "items": obj{"type": "string"}},
			"context_window":   intMin(0),
			"timeout":          duration("whole request timeout"),
			"idle_timeout":     duration("gap allowed between stream chunks"),
			"max_tools":        intMin(0),
		},
	}

	schema := obj{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"title":   "quill configuration",
		"type":    "object",
		"properties": obj{
			"log": obj{
				"type": "object",
				"properties": obj{
					"level": obj{"type": "string", "enum": []string{"debug", "info", "warn", "warning", "error"}},
				},
			},
			"llm": obj{
				"type": "object",
				"properties": obj{
					"default_provider": obj{"type": "string", "enum": providerNames},
					"precedence": obj{
						"type":     "array",
						"minItems": 1,
						"items":    obj{"type": "string", "enum": providerNames},
					},
					"temperature":   obj{"type": "number", "minimum": 0, "maximum": 2},
					"max_tokens":    intMin(1),
					"system_prompt": obj{"type": "string"},
				},
				"required": []string{"default_provider", "precedence"},
			},
			"providers": obj{
				"type":                 "object",
				"propertyNames":        obj{"enum": providerNames},
				"additionalProperties": provider,
			},
			"tools": obj{
				"type": "object",
				"properties": obj{
					"max_iterations":       obj{"type": "integer", "minimum": 1, "maximum": 50},
					"parallel":             obj{"type": "boolean"},
					"parallelism":          intMin(1),
					"timeout":              duration("per tool call timeout"),
					"cache_ttl":            duration("response cache entry lifetime"),
					"cache_size":           intMin(1),
					"disable_after":        intMin(1),
					"fuzzy_threshold":      obj{"type": "number", "minimum": 0, "maximum": 1},
					"small_provider_cap":   intMin(1),
					"small_context_window": intMin(0),
					"history_capacity":     intMin(1),
				},
			},
			"approval": obj{
				"type": "object",
				"properties": obj{
					"mode":                    obj{"type": "string", "enum": []string{"", "always", "never"}},
					"timeout":                 duration("how long a plan waits for the user"),
					"auto_approve_on_timeout": obj{"type": "boolean"},
				},
			},
			"health": obj{
				"type": "object",
				"properties": obj{
					"failure_threshold": intMin(1),
					"probe_timeout":     duration("health probe timeout"),
					"schedule":          obj{"type": "string", "minLength": 1},
				},
			},
			"server": obj{
				"type": "object",
				"properties": obj{
					"addr":      obj{"type": "string", "minLength": 1},
					"grpc_addr": obj{"type": "string"},
				},
			},
			"storage": obj{
				"type": "object",
				"properties": obj{
					"path":       obj{"type": "string"},
					"passphrase": obj{"type": "string"},
					"seed":       obj{"type": "boolean"},
				},
			},
		},
		"required": []string{"llm", "tools"},
	}

	schemaJSON, _ := json.MarshalIndent(schema, "", "  ")
	return string(schemaJSON)
}
