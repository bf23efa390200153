package coercion

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/yukin371/quill/internal/core"
)

// SchemaValidator checks coerced arguments against the tool's JSON Schema.
// Compiled schemas are cached by tool name and schema content, so a tool
// rewritten for one provider does not evict the canonical entry.
type SchemaValidator struct {
	mu       sync.RWMutex
	compiled map[string]*jsonschema.Schema
}

// NewSchemaValidator creates a validator with an empty compile cache
func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{compiled: make(map[string]*jsonschema.Schema)}
}

// ValidateArguments validates args against tool.Function.Parameters.
func (v *SchemaValidator) ValidateArguments(tool core.Tool, args map[string]any) error {
	if tool.Function.Parameters == nil {
		return nil
	}
	schema, err := v.schemaFor(tool)
	if err != nil {
		return err
	}

	// Round-trip so numeric types match what the validator expects.
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("failed to marshal arguments for validation: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to unmarshal arguments for validation: %w", err)
	}

	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("arguments for %s failed schema validation: %w", tool.Name(), err)
	}
	return nil
}

func (v *SchemaValidator) schemaFor(tool core.Tool) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(tool.Function.Parameters)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema for %s: %w", tool.Name(), err)
	}
	sum := sha256.Sum256(raw)
	key := tool.Name() + ":" + hex.EncodeToString(sum[:8])

	v.mu.RLock()
	schema, ok := v.compiled[key]
	v.mu.RUnlock()
	if ok {
		return schema, nil
	}

	schema, err = jsonschema.CompileString(tool.Name()+".schema.json", string(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema for %s: %w", tool.Name(), err)
	}

	v.mu.Lock()
	v.compiled[key] = schema
	v.mu.Unlock()
	return schema, nil
}
