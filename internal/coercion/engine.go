// Package coercion repairs model-supplied tool arguments so they match the
// tool's declared parameter types before execution.
package coercion

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/yukin371/quill/internal/core"
	"github.com/yukin371/quill/pkg/logger"
)

// DefaultFuzzyThreshold is the minimum similarity for accepting a fuzzy enum
// match. Prompts describe matches at or above it as "medium confidence".
const DefaultFuzzyThreshold = 0.7

// CorrectionType names the kind of repair applied to a parameter.
type CorrectionType string

const (
	CorrectionStringToNumber  CorrectionType = "string_to_number"
	CorrectionStringToInteger CorrectionType = "string_to_integer"
	CorrectionNumberToInteger CorrectionType = "number_to_integer"
	CorrectionStringToBoolean CorrectionType = "string_to_boolean"
	CorrectionNumberToBoolean CorrectionType = "number_to_boolean"
	CorrectionToString        CorrectionType = "to_string"
	CorrectionCSVToArray      CorrectionType = "csv_to_array"
	CorrectionJSONToArray     CorrectionType = "json_to_array"
	CorrectionScalarToArray   CorrectionType = "scalar_to_array"
	CorrectionJSONToObject    CorrectionType = "json_to_object"
	CorrectionDefaultApplied  CorrectionType = "default_applied"
	CorrectionEnumCase        CorrectionType = "enum_case"
	CorrectionEnumFuzzy       CorrectionType = "enum_fuzzy"
	CorrectionRemovedInvalid  CorrectionType = "removed_invalid"
)

// Correction records one repair. Corrections are advisory and exist for
// observability; they never change whether a call succeeds.
type Correction struct {
	Parameter      string         `json:"parameter"`
	OriginalValue  any            `json:"originalValue"`
	CorrectedValue any            `json:"correctedValue"`
	Type           CorrectionType `json:"correctionType"`
	Confidence     float64        `json:"confidence"`
	Reasoning      string         `json:"reasoning"`
}

// ParamError describes a parameter that could not be repaired.
type ParamError struct {
	Parameter    string `json:"parameter"`
	ExpectedType string `json:"expectedType"`
	Message      string `json:"message"`
}

func (e ParamError) Error() string {
	return fmt.Sprintf("parameter '%s' (expected %s): %s", e.Parameter, e.ExpectedType, e.Message)
}

// Result is the outcome of Coerce. Value is always a fresh map; the raw
// arguments are never modified.
type Result struct {
	Success     bool           `json:"success"`
	Value       map[string]any `json:"value"`
	Corrections []Correction   `json:"corrections"`
	Errors      []ParamError   `json:"errors,omitempty"`
}

// Err folds the parameter errors into one error, or nil on success.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	msgs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		msgs[i] = e.Error()
	}
	return fmt.Errorf("invalid arguments: %s", strings.Join(msgs, "; "))
}

// Options tune the engine.
type Options struct {
	// FuzzyThreshold is the confidence floor for fuzzy enum matches.
	FuzzyThreshold float64
	// FuzzyEnums enables edit-distance enum correction.
	FuzzyEnums bool
	// ApplyDefaults inserts declared defaults for missing parameters.
	ApplyDefaults bool
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		FuzzyThreshold: DefaultFuzzyThreshold,
		FuzzyEnums:     true,
		ApplyDefaults:  true,
	}
}

// Engine coerces arguments against tool schemas. It is stateless apart from
// its options and safe for concurrent use.
type Engine struct {
	opts Options
	log  *logger.Logger
}

// NewEngine creates a coercion engine
func NewEngine(opts Options, log *logger.Logger) *Engine {
	if opts.FuzzyThreshold <= 0 || opts.FuzzyThreshold > 1 {
		opts.FuzzyThreshold = DefaultFuzzyThreshold
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Engine{opts: opts, log: log}
}

// Options returns the engine options.
func (e *Engine) Options() Options {
	return e.opts
}

// Coerce repairs raw against the tool's parameter schema. Parameters are
// visited in a stable order so the result does not depend on the key order
// of raw.
func (e *Engine) Coerce(raw map[string]any, tool core.Tool) Result {
	res := Result{Value: make(map[string]any, len(raw))}
	for k, v := range raw {
		res.Value[k] = v
	}

	schema := tool.Function.Parameters
	if schema == nil || len(schema.Properties) == 0 {
		res.Success = true
		return res
	}

	for _, name := range schema.PropertyNames() {
		prop := schema.Properties[name]
		required := schema.IsRequired(name)
		value, present := raw[name]

		if !present || value == nil {
			if prop.Default != nil && e.opts.ApplyDefaults {
				res.Value[name] = prop.Default
				res.Corrections = append(res.Corrections, Correction{
					Parameter:      name,
					OriginalValue:  nil,
					CorrectedValue: prop.Default,
					Type:           CorrectionDefaultApplied,
					Confidence:     1,
					Reasoning:      "parameter missing; declared default inserted",
				})
				continue
			}
			delete(res.Value, name)
			if required {
				res.Errors = append(res.Errors, ParamError{
					Parameter:    name,
					ExpectedType: typeName(prop),
					Message:      "required parameter is missing",
				})
			}
			continue
		}

		fixed, corrections, perr := e.coerceValue(name, value, prop)
		if perr != nil {
			if required {
				res.Errors = append(res.Errors, *perr)
				continue
			}
			delete(res.Value, name)
			res.Corrections = append(res.Corrections, Correction{
				Parameter:      name,
				OriginalValue:  value,
				CorrectedValue: nil,
				Type:           CorrectionRemovedInvalid,
				Confidence:     0,
				Reasoning:      "optional parameter could not be coerced: " + perr.Message,
			})
			continue
		}
		res.Value[name] = fixed
		res.Corrections = append(res.Corrections, corrections...)
	}

	res.Success = len(res.Errors) == 0
	if len(res.Corrections) > 0 {
		e.log.Debug("coerced %d parameter(s) for %s", len(res.Corrections), tool.Name())
	}
	return res
}

func (e *Engine) coerceValue(name string, value any, prop *core.JSONSchema) (any, []Correction, *ParamError) {
	fail := func(msg string) (any, []Correction, *ParamError) {
		return nil, nil, &ParamError{Parameter: name, ExpectedType: typeName(prop), Message: msg}
	}
	correct := func(v any, t CorrectionType, conf float64, why string) (any, []Correction, *ParamError) {
		return v, []Correction{{
			Parameter:      name,
			OriginalValue:  value,
			CorrectedValue: v,
			Type:           t,
			Confidence:     conf,
			Reasoning:      why,
		}}, nil
	}

	switch prop.Type {
	case core.SchemaNumber:
		switch v := value.(type) {
		case float64:
			return v, nil, nil
		case int:
			return float64(v), nil, nil
		case string:
			f, ok := parseNumber(v)
			if !ok {
				return fail(fmt.Sprintf("cannot convert %q to a number", v))
			}
			return correct(f, CorrectionStringToNumber, 0.95, "numeric string converted to number")
		}
		return fail(fmt.Sprintf("cannot convert %T to a number", value))

	case core.SchemaInteger:
		switch v := value.(type) {
		case float64:
			if v == math.Trunc(v) {
				return v, nil, nil
			}
			return correct(math.Round(v), CorrectionNumberToInteger, 0.8, "fractional number rounded to integer")
		case int:
			return float64(v), nil, nil
		case string:
			f, ok := parseNumber(v)
			if !ok {
				return fail(fmt.Sprintf("cannot convert %q to an integer", v))
			}
			if f != math.Trunc(f) {
				return correct(math.Round(f), CorrectionStringToInteger, 0.7, "fractional numeric string rounded to integer")
			}
			return correct(f, CorrectionStringToInteger, 0.95, "numeric string converted to integer")
		}
		return fail(fmt.Sprintf("cannot convert %T to an integer", value))

	case core.SchemaBoolean:
		switch v := value.(type) {
		case bool:
			return v, nil, nil
		case string:
			b, ok := parseBool(v)
			if !ok {
				return fail(fmt.Sprintf("cannot convert %q to a boolean", v))
			}
			return correct(b, CorrectionStringToBoolean, 0.95, "boolean-like string converted to boolean")
		case float64:
			if v == 1 || v == 0 {
				return correct(v == 1, CorrectionNumberToBoolean, 0.9, "numeric 1/0 converted to boolean")
			}
		}
		return fail(fmt.Sprintf("cannot convert %v to a boolean", value))

	case core.SchemaString:
		var s string
		var corrections []Correction
		switch v := value.(type) {
		case string:
			s = v
		case float64:
			s = strconv.FormatFloat(v, 'f', -1, 64)
			corrections = append(corrections, Correction{
				Parameter: name, OriginalValue: value, CorrectedValue: s,
				Type: CorrectionToString, Confidence: 0.9, Reasoning: "number converted to string",
			})
		case bool:
			s = strconv.FormatBool(v)
			corrections = append(corrections, Correction{
				Parameter: name, OriginalValue: value, CorrectedValue: s,
				Type: CorrectionToString, Confidence: 0.9, Reasoning: "boolean converted to string",
			})
		default:
			return fail(fmt.Sprintf("cannot convert %T to a string", value))
		}
		if len(prop.Enum) == 0 {
			return s, corrections, nil
		}
		matched, c, perr := e.matchEnum(name, s, prop)
		if perr != nil {
			return nil, nil, perr
		}
		if c != nil {
			corrections = append(corrections, *c)
		}
		return matched, corrections, nil

	case core.SchemaArray:
		var items []any
		var corrections []Correction
		switch v := value.(type) {
		case []any:
			items = v
		case []string:
			items = make([]any, len(v))
			for i, s := range v {
				items[i] = s
			}
		case string:
			trimmed := strings.TrimSpace(v)
			if strings.HasPrefix(trimmed, "[") {
				if err := json.Unmarshal([]byte(trimmed), &items); err == nil {
					corrections = append(corrections, Correction{
						Parameter: name, OriginalValue: value, CorrectedValue: items,
						Type: CorrectionJSONToArray, Confidence: 0.95, Reasoning: "JSON array string parsed",
					})
					break
				}
			}
			items = splitCSV(trimmed)
			corrections = append(corrections, Correction{
				Parameter: name, OriginalValue: value, CorrectedValue: items,
				Type: CorrectionCSVToArray, Confidence: 0.85, Reasoning: "comma-separated string split into array",
			})
		default:
			items = []any{value}
			corrections = append(corrections, Correction{
				Parameter: name, OriginalValue: value, CorrectedValue: items,
				Type: CorrectionScalarToArray, Confidence: 0.8, Reasoning: "single value wrapped in array",
			})
		}
		if prop.Items == nil {
			return items, corrections, nil
		}
		out := make([]any, len(items))
		for i, item := range items {
			fixed, cs, perr := e.coerceValue(fmt.Sprintf("%s[%d]", name, i), item, prop.Items)
			if perr != nil {
				perr.Parameter = name
				return nil, nil, perr
			}
			out[i] = fixed
			corrections = append(corrections, cs...)
		}
		return out, corrections, nil

	case core.SchemaObject:
		switch v := value.(type) {
		case map[string]any:
			return v, nil, nil
		case string:
			var obj map[string]any
			if err := json.Unmarshal([]byte(strings.TrimSpace(v)), &obj); err != nil || obj == nil {
				return fail("string is not a JSON object")
			}
			return correct(obj, CorrectionJSONToObject, 0.9, "JSON object string parsed")
		}
		return fail(fmt.Sprintf("cannot convert %T to an object", value))
	}

	return value, nil, nil
}

// matchEnum resolves s against the declared enum: exact, then
// case-insensitive, then fuzzy.
func (e *Engine) matchEnum(name, s string, prop *core.JSONSchema) (string, *Correction, *ParamError) {
	for _, allowed := range prop.Enum {
		if s == allowed {
			return s, nil, nil
		}
	}
	for _, allowed := range prop.Enum {
		if strings.EqualFold(strings.TrimSpace(s), allowed) {
			return allowed, &Correction{
				Parameter: name, OriginalValue: s, CorrectedValue: allowed,
				Type: CorrectionEnumCase, Confidence: 0.95,
				Reasoning: "case-insensitive enum match",
			}, nil
		}
	}
	if e.opts.FuzzyEnums {
		best, score := ClosestMatch(s, prop.Enum)
		if best != "" && score >= e.opts.FuzzyThreshold {
			return best, &Correction{
				Parameter: name, OriginalValue: s, CorrectedValue: best,
				Type: CorrectionEnumFuzzy, Confidence: score,
				Reasoning: fmt.Sprintf("closest enum value by edit distance (similarity %.2f)", score),
			}, nil
		}
	}
	return "", nil, &ParamError{
		Parameter:    name,
		ExpectedType: typeName(prop),
		Message:      fmt.Sprintf("%q is not one of [%s]", s, strings.Join(prop.Enum, ", ")),
	}
}

func typeName(prop *core.JSONSchema) string {
	if prop == nil || prop.Type == "" {
		return "any"
	}
	if len(prop.Enum) > 0 {
		return fmt.Sprintf("%s (one of %s)", prop.Type, strings.Join(prop.Enum, "|"))
	}
	return prop.Type
}

func parseNumber(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func parseBool(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes":
		return true, true
	case "false", "0", "no":
		return false, true
	}
	return false, false
}

func splitCSV(s string) []any {
	out := make([]any, 0)
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
