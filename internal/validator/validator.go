// Package validator adapts canonical tool definitions to the constraints of
// individual providers. It always works on copies.
package validator

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"go.yaml.in/yaml/v3"

	"github.com/yukin371/quill/internal/core"
	"github.com/yukin371/quill/pkg/logger"
)

//go:embed rules.yaml
var defaultRules []byte

// Rule is the constraint set for one provider.
type Rule struct {
	MaxNameLength           int  `yaml:"max_name_length"`
	NoHyphens               bool `yaml:"no_hyphens"`
	RequireNonEmptyRequired bool `yaml:"require_non_empty_required"`
	MaxDescriptionLength    int  `yaml:"max_description_length"`
	MaxProperties           int  `yaml:"max_properties"`
	MaxDepth                int  `yaml:"max_depth"`
}

// RuleSet is the decoded rules file.
type RuleSet struct {
	Providers           map[string]Rule `yaml:"providers"`
	EssentialProperties []string        `yaml:"essential_properties"`
}

// ValidationResult reports whether a tool already satisfies a provider.
type ValidationResult struct {
	Valid     bool       `json:"valid"`
	FixedTool *core.Tool `json:"fixedTool,omitempty"`
	Warnings  []string   `json:"warnings"`
}

// FixResult is the outcome of adapting a tool to a provider. Fixed is false
// only when the tool cannot be made legal at all.
type FixResult struct {
	Fixed         bool       `json:"fixed"`
	Tool          *core.Tool `json:"tool,omitempty"`
	Modifications []string   `json:"modifications"`
}

// Validator applies the rule table.
type Validator struct {
	rules RuleSet
	log   *logger.Logger

	mu    sync.RWMutex
	names map[string]map[string]string // provider -> sanitized -> canonical
}

// New creates a validator from the embedded rule table.
func New(log *logger.Logger) (*Validator, error) {
	return NewWithRules(defaultRules, log)
}

// NewWithRules creates a validator from YAML rule data.
func NewWithRules(data []byte, log *logger.Logger) (*Validator, error) {
	var rules RuleSet
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("failed to parse validator rules: %w", err)
	}
	if _, ok := rules.Providers["default"]; !ok {
		if rules.Providers == nil {
			rules.Providers = make(map[string]Rule)
		}
		rules.Providers["default"] = Rule{MaxNameLength: 64}
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Validator{
		rules: rules,
		log:   log,
		names: make(map[string]map[string]string),
	}, nil
}

// RuleFor returns the rule for provider, falling back to the default entry.
func (v *Validator) RuleFor(provider string) Rule {
	if r, ok := v.rules.Providers[strings.ToLower(provider)]; ok {
		return r
	}
	return v.rules.Providers["default"]
}

// ValidateTool checks tool against the provider's rules. When the tool is not
// valid as-is, FixedTool carries an adapted copy.
func (v *Validator) ValidateTool(tool core.Tool, provider string) ValidationResult {
	rule := v.RuleFor(provider)
	var warnings []string

	name := tool.Name()
	if name == "" {
		warnings = append(warnings, "tool name is empty")
	}
	if rule.MaxNameLength > 0 && len(name) > rule.MaxNameLength {
		warnings = append(warnings, fmt.Sprintf("name exceeds %d characters", rule.MaxNameLength))
	}
	if sanitizeName(name, rule.NoHyphens) != name {
		warnings = append(warnings, fmt.Sprintf("name %q contains characters not accepted by %s", name, provider))
	}
	if rule.MaxDescriptionLength > 0 && utf8.RuneCountInString(tool.Function.Description) > rule.MaxDescriptionLength {
		warnings = append(warnings, fmt.Sprintf("description exceeds %d characters", rule.MaxDescriptionLength))
	}

	params := tool.Function.Parameters
	if params != nil {
		if rule.RequireNonEmptyRequired && len(params.Required) == 0 && len(params.Properties) > 0 {
			warnings = append(warnings, "required list is empty")
		}
		if rule.MaxProperties > 0 && len(params.Properties) > rule.MaxProperties {
			warnings = append(warnings, fmt.Sprintf("%d parameters exceed the limit of %d", len(params.Properties), rule.MaxProperties))
		}
		if rule.MaxDepth > 0 && params.Depth() > rule.MaxDepth {
			warnings = append(warnings, fmt.Sprintf("parameter nesting depth %d exceeds %d", params.Depth(), rule.MaxDepth))
		}
	}

	res := ValidationResult{Valid: len(warnings) == 0, Warnings: warnings}
	if !res.Valid {
		if fix := v.FixToolForProvider(tool, provider); fix.Fixed {
			res.FixedTool = fix.Tool
		}
	}
	return res
}

// FixToolForProvider returns an adapted copy of tool. The canonical tool is
// never modified.
func (v *Validator) FixToolForProvider(tool core.Tool, provider string) FixResult {
	rule := v.RuleFor(provider)
	fixed := tool.Clone()
	var mods []string

	canonical := tool.Name()
	name := sanitizeName(canonical, rule.NoHyphens)
	if rule.MaxNameLength > 0 && len(name) > rule.MaxNameLength {
		name = name[:rule.MaxNameLength]
	}
	if name == "" {
		return FixResult{Fixed: false, Modifications: []string{"tool name cannot be made legal"}}
	}
	if name != canonical {
		fixed.Function.Name = name
		v.rememberName(provider, name, canonical)
		mods = append(mods, fmt.Sprintf("renamed %q to %q", canonical, name))
	}

	if limit := rule.MaxDescriptionLength; limit > 0 && utf8.RuneCountInString(fixed.Function.Description) > limit {
		fixed.Function.Description = truncate(fixed.Function.Description, limit)
		mods = append(mods, fmt.Sprintf("truncated description to %d characters", limit))
	}

	params := fixed.Function.Parameters
	if params != nil {
		if rule.MaxDepth > 0 && params.Depth() > rule.MaxDepth {
			mods = append(mods, flatten(params)...)
		}
		if rule.MaxProperties > 0 && len(params.Properties) > rule.MaxProperties {
			mods = append(mods, capProperties(params, rule.MaxProperties))
		}
		if rule.RequireNonEmptyRequired && len(params.Required) == 0 && len(params.Properties) > 0 {
			promoted := v.pickEssential(params)
			params.Required = []string{promoted}
			mods = append(mods, fmt.Sprintf("promoted %q into required", promoted))
		}
	}

	if len(mods) > 0 {
		v.log.Debug("adapted %s for %s: %s", canonical, provider, strings.Join(mods, "; "))
	}
	return FixResult{Fixed: true, Tool: &fixed, Modifications: mods}
}

// FixToolsForProvider adapts a batch. Tools that cannot be fixed are dropped
// and reported in the returned modifications.
func (v *Validator) FixToolsForProvider(tools []core.Tool, provider string) ([]core.Tool, []string) {
	out := make([]core.Tool, 0, len(tools))
	var mods []string
	for _, t := range tools {
		res := v.FixToolForProvider(t, provider)
		if !res.Fixed {
			mods = append(mods, fmt.Sprintf("%s: dropped (%s)", t.Name(), strings.Join(res.Modifications, "; ")))
			continue
		}
		for _, m := range res.Modifications {
			mods = append(mods, t.Name()+": "+m)
		}
		out = append(out, *res.Tool)
	}
	return out, mods
}

// RestoreName maps a provider-facing name back to the canonical tool name.
// Unknown names are returned unchanged.
func (v *Validator) RestoreName(provider, name string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if m, ok := v.names[strings.ToLower(provider)]; ok {
		if canonical, ok := m[name]; ok {
			return canonical
		}
	}
	// A provider may echo a sanitized name even when the call is routed through
	// another provider's fallback.
	for _, m := range v.names {
		if canonical, ok := m[name]; ok {
			return canonical
		}
	}
	return name
}

func (v *Validator) rememberName(provider, sanitized, canonical string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	key := strings.ToLower(provider)
	if v.names[key] == nil {
		v.names[key] = make(map[string]string)
	}
	v.names[key][sanitized] = canonical
}

func (v *Validator) pickEssential(params *core.JSONSchema) string {
	for _, name := range v.rules.EssentialProperties {
		if _, ok := params.Properties[name]; ok {
			return name
		}
	}
	return params.PropertyNames()[0]
}

func sanitizeName(name string, noHyphens bool) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		case r == '-' && !noHyphens:
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	if limit <= 3 {
		return string(runes[:limit])
	}
	return string(runes[:limit-3]) + "..."
}

// capProperties keeps required properties first, then the rest in stable
// order, and drops whatever exceeds limit.
func capProperties(params *core.JSONSchema, limit int) string {
	names := params.PropertyNames()
	kept := make(map[string]*core.JSONSchema, limit)
	for _, name := range names[:limit] {
		kept[name] = params.Properties[name]
	}
	dropped := names[limit:]

	required := params.Required[:0:0]
	for _, r := range params.Required {
		if _, ok := kept[r]; ok {
			required = append(required, r)
		}
	}
	params.Properties = kept
	params.Required = required
	return fmt.Sprintf("dropped %d parameter(s) over the limit of %d: %s", len(dropped), limit, strings.Join(dropped, ", "))
}

// flatten collapses nested object parameters into dotted top-level keys so
// the schema is at most two levels deep. Use Unflatten on the arguments to
// recover the nested shape before execution.
func flatten(params *core.JSONSchema) []string {
	var mods []string
	props := make(map[string]*core.JSONSchema, len(params.Properties))
	var required []string

	for _, name := range params.PropertyNames() {
		prop := params.Properties[name]
		if prop.Type != core.SchemaObject || len(prop.Properties) == 0 {
			props[name] = prop
			if params.IsRequired(name) {
				required = append(required, name)
			}
			continue
		}
		leaves := map[string]*core.JSONSchema{}
		var leafRequired []string
		collectLeaves(name, prop, params.IsRequired(name), leaves, &leafRequired)
		for k, leaf := range leaves {
			props[k] = leaf
		}
		required = append(required, leafRequired...)
		mods = append(mods, fmt.Sprintf("flattened nested parameter %q into %d dotted key(s)", name, len(leaves)))
	}

	params.Properties = props
	params.Required = required
	return mods
}

func collectLeaves(prefix string, schema *core.JSONSchema, parentRequired bool, out map[string]*core.JSONSchema, required *[]string) {
	names := make([]string, 0, len(schema.Properties))
	for n := range schema.Properties {
		names = append(names, n)
	}
	sort.Strings(names)

	for _, n := range names {
		child := schema.Properties[n]
		key := prefix + "." + n
		req := parentRequired && schema.IsRequired(n)
		if child.Type == core.SchemaObject && len(child.Properties) > 0 {
			collectLeaves(key, child, req, out, required)
			continue
		}
		out[key] = child
		if req {
			*required = append(*required, key)
		}
	}
}

// Unflatten rebuilds nested objects from dotted keys whose first segment is
// an object property of the canonical schema. Other keys are copied as-is.
func Unflatten(args map[string]any, canonical *core.JSONSchema) map[string]any {
	out := copyMap(args)
	if canonical == nil {
		return out
	}
	for k, v := range args {
		if !strings.Contains(k, ".") {
			continue
		}
		parts := strings.Split(k, ".")
		root, ok := canonical.Properties[parts[0]]
		if !ok || root.Type != core.SchemaObject {
			continue
		}
		delete(out, k)
		node, _ := out[parts[0]].(map[string]any)
		if node == nil {
			node = make(map[string]any)
			out[parts[0]] = node
		}
		for _, p := range parts[1 : len(parts)-1] {
			next, _ := node[p].(map[string]any)
			if next == nil {
				next = make(map[string]any)
				node[p] = next
			}
			node = next
		}
		node[parts[len(parts)-1]] = v
	}
	return out
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			v = copyMap(nested)
		}
		out[k] = v
	}
	return out
}
