package core

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ToolTypeFunction is the only tool type providers currently accept.
const ToolTypeFunction = "function"

// JSON Schema primitive type names used in tool parameter definitions.
const (
	SchemaString  = "string"
	SchemaNumber  = "number"
	SchemaInteger = "integer"
	SchemaBoolean = "boolean"
	SchemaArray   = "array"
	SchemaObject  = "object"
)

// JSONSchema is the subset of JSON Schema used to describe tool parameters.
// It serialises to standard JSON Schema so it stays portable across providers.
type JSONSchema struct {
	Type        string                 `json:"type,omitempty"`
	Description string                 `json:"description,omitempty"`
	Properties  map[string]*JSONSchema `json:"properties,omitempty"`
	Required    []string               `json:"required,omitempty"`
	Items       *JSONSchema            `json:"items,omitempty"`
	Enum        []string               `json:"enum,omitempty"`
	Default     any                    `json:"default,omitempty"`
	Minimum     *float64               `json:"minimum,omitempty"`
	Maximum     *float64               `json:"maximum,omitempty"`
}

// Clone returns a deep copy of the schema.
func (s *JSONSchema) Clone() *JSONSchema {
	if s == nil {
		return nil
	}
	out := *s
	if s.Properties != nil {
		out.Properties = make(map[string]*JSONSchema, len(s.Properties))
		for name, prop := range s.Properties {
			out.Properties[name] = prop.Clone()
		}
	}
	if s.Required != nil {
		out.Required = append([]string(nil), s.Required...)
	}
	if s.Enum != nil {
		out.Enum = append([]string(nil), s.Enum...)
	}
	out.Items = s.Items.Clone()
	if s.Minimum != nil {
		v := *s.Minimum
		out.Minimum = &v
	}
	if s.Maximum != nil {
		v := *s.Maximum
		out.Maximum = &v
	}
	return &out
}

// PropertyNames returns the property names in a stable order: required
// properties first (in declaration order), then the rest alphabetically.
func (s *JSONSchema) PropertyNames() []string {
	if s == nil || len(s.Properties) == 0 {
		return nil
	}
	names := make([]string, 0, len(s.Properties))
	seen := make(map[string]bool, len(s.Properties))
	for _, name := range s.Required {
		if _, ok := s.Properties[name]; ok && !seen[name] {
			names = append(names, name)
			seen[name] = true
		}
	}
	rest := make([]string, 0, len(s.Properties))
	for name := range s.Properties {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(names, rest...)
}

// IsRequired reports whether name is listed in the required array.
func (s *JSONSchema) IsRequired(name string) bool {
	if s == nil {
		return false
	}
	for _, r := range s.Required {
		if r == name {
			return true
		}
	}
	return false
}

// Depth returns the nesting depth of object properties (a flat object is 1).
func (s *JSONSchema) Depth() int {
	if s == nil {
		return 0
	}
	deepest := 0
	for _, prop := range s.Properties {
		if d := prop.Depth(); d > deepest {
			deepest = d
		}
	}
	if s.Items != nil {
		if d := s.Items.Depth(); d > deepest {
			deepest = d
		}
	}
	if s.Type == SchemaObject {
		return deepest + 1
	}
	return deepest
}

// ToolFunction describes the callable part of a Tool.
type ToolFunction struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  *JSONSchema `json:"parameters"`
}

// Tool is an immutable catalog entry offered to a language model.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// Name returns the function name of the tool.
func (t Tool) Name() string {
	return t.Function.Name
}

// Clone returns a deep copy so callers can rewrite it without touching the
// canonical catalog entry.
func (t Tool) Clone() Tool {
	return Tool{
		Type: t.Type,
		Function: ToolFunction{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters.Clone(),
		},
	}
}

// NewTool builds a function tool.
func NewTool(name, description string, params *JSONSchema) Tool {
	if params == nil {
		params = &JSONSchema{Type: SchemaObject, Properties: map[string]*JSONSchema{}}
	}
	return Tool{
		Type: ToolTypeFunction,
		Function: ToolFunction{
			Name:        name,
			Description: description,
			Parameters:  params,
		},
	}
}

// FunctionCall is the function part of a ToolCall. Arguments are untrusted:
// a JSON string, a JSON object, or occasionally a doubly-encoded string.
type FunctionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolCall is a structured invocation request emitted by a model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type,omitempty"`
	Function FunctionCall `json:"function"`
}

// NewToolCall builds a ToolCall whose arguments are the given JSON text.
func NewToolCall(id, name, arguments string) ToolCall {
	return ToolCall{
		ID:       id,
		Type:     ToolTypeFunction,
		Function: FunctionCall{Name: name, Arguments: EncodeArguments(arguments)},
	}
}

// EncodeArguments stores a raw argument string as a JSON string value so the
// original text survives even when it is not valid JSON.
func EncodeArguments(arguments string) json.RawMessage {
	data, _ := json.Marshal(arguments)
	return data
}

// ArgumentsString returns the arguments as the JSON text a provider expects.
func (c ToolCall) ArgumentsString() string {
	raw := strings.TrimSpace(string(c.Function.Arguments))
	if raw == "" {
		return "{}"
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal([]byte(raw), &s); err == nil {
			if strings.TrimSpace(s) == "" {
				return "{}"
			}
			return s
		}
	}
	return raw
}

// ParsedArguments decodes the arguments into an object. It accepts an
// object, a JSON string containing an object, and a string containing a
// JSON string containing an object.
func (c ToolCall) ParsedArguments() (map[string]any, error) {
	text := c.ArgumentsString()
	for i := 0; i < 2; i++ {
		var v any
		if err := json.Unmarshal([]byte(text), &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedArguments, err)
		}
		switch val := v.(type) {
		case map[string]any:
			return val, nil
		case nil:
			return map[string]any{}, nil
		case string:
			text = val
			continue
		default:
			return nil, fmt.Errorf("%w: expected object, got %T", ErrMalformedArguments, v)
		}
	}
	return nil, fmt.Errorf("%w: arguments nested too deeply", ErrMalformedArguments)
}

// ErrorHelp is the self-correction guidance returned with a failed tool call.
type ErrorHelp struct {
	PossibleCauses []string `json:"possibleCauses,omitempty"`
	Suggestions    []string `json:"suggestions,omitempty"`
	Examples       []string `json:"examples,omitempty"`
}

// NextSteps suggests what the model could do after a successful call.
type NextSteps struct {
	Suggested    string   `json:"suggested,omitempty"`
	Alternatives []string `json:"alternatives,omitempty"`
	Examples     []string `json:"examples,omitempty"`
}

// ToolResponse is the standardized result of one tool invocation.
type ToolResponse struct {
	Success   bool           `json:"success"`
	Result    any            `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Help      *ErrorHelp     `json:"help,omitempty"`
	NextSteps *NextSteps     `json:"nextSteps,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Success builds a successful ToolResponse.
func Success(result any, next *NextSteps) *ToolResponse {
	return &ToolResponse{Success: true, Result: result, NextSteps: next}
}

// Failure builds a failed ToolResponse with guidance for the caller.
func Failure(message string, help *ErrorHelp) *ToolResponse {
	return &ToolResponse{Success: false, Error: message, Help: help}
}

// WithMetadata sets a metadata key and returns the response.
func (r *ToolResponse) WithMetadata(key string, value any) *ToolResponse {
	if r.Metadata == nil {
		r.Metadata = make(map[string]any)
	}
	r.Metadata[key] = value
	return r
}

// MergeMetadata copies every key of m into the response metadata.
func (r *ToolResponse) MergeMetadata(m map[string]any) *ToolResponse {
	for k, v := range m {
		r.WithMetadata(k, v)
	}
	return r
}

// String renders the response as the JSON text fed back to the model.
func (r *ToolResponse) String() string {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf(`{"success":false,"error":%q}`, err.Error())
	}
	return string(data)
}
