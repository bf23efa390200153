// Package preview builds human-readable execution plans for pending tool
// calls and gates their execution on approval.
package preview

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.yaml.in/yaml/v3"

	"github.com/yukin371/quill/internal/core"
)

//go:embed risk.yaml
var defaultRiskTable []byte

// RiskLevel grades how much a call can change the note graph.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ConfirmMode is the caller's confirmation preference.
type ConfirmMode string

const (
	// ConfirmDefault follows the risk table.
	ConfirmDefault ConfirmMode = ""
	// ConfirmAlways asks for every call.
	ConfirmAlways ConfirmMode = "always"
	// ConfirmNever skips confirmation except for sensitive operations.
	ConfirmNever ConfirmMode = "never"
)

// RiskEntry is one row of the risk table.
type RiskEntry struct {
	DisplayName          string               `yaml:"display_name"`
	Risk                 RiskLevel            `yaml:"risk"`
	RequiresConfirmation *bool                `yaml:"requires_confirmation"`
	Sensitive            bool                 `yaml:"sensitive"`
	EstimatedDurationMS  int                  `yaml:"estimated_duration_ms"`
	Actions              map[string]RiskEntry `yaml:"actions"`
}

// RiskTable maps tool names to their risk metadata.
type RiskTable struct {
	Default RiskEntry            `yaml:"default"`
	Tools   map[string]RiskEntry `yaml:"tools"`
}

// ParseRiskTable decodes a YAML risk table.
func ParseRiskTable(data []byte) (*RiskTable, error) {
	var t RiskTable
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse risk table: %w", err)
	}
	if t.Default.Risk == "" {
		t.Default.Risk = RiskMedium
	}
	return &t, nil
}

// resolve merges the default row, the tool row and the action override.
// An action the tool row does not list gets the strictest action row, so a
// misspelt write is never graded as a read.
func (t *RiskTable) resolve(tool, action string) RiskEntry {
	out := t.Default
	out.DisplayName = tool
	row, ok := t.Tools[tool]
	if !ok {
		return out
	}
	merge(&out, row)
	if len(row.Actions) == 0 {
		return out
	}
	if override, ok := row.Actions[action]; ok {
		merge(&out, override)
		return out
	}
	for name, override := range row.Actions {
		if strings.EqualFold(name, action) {
			merge(&out, override)
			return out
		}
	}
	merge(&out, strictest(row.Actions))
	return out
}

var riskRank = map[RiskLevel]int{RiskLow: 0, RiskMedium: 1, RiskHigh: 2}

func strictest(actions map[string]RiskEntry) RiskEntry {
	names := make([]string, 0, len(actions))
	for name := range actions {
		names = append(names, name)
	}
	sort.Strings(names)
	var out RiskEntry
	for i, name := range names {
		a := actions[name]
		if i == 0 || riskRank[a.Risk] > riskRank[out.Risk] || (riskRank[a.Risk] == riskRank[out.Risk] && a.Sensitive && !out.Sensitive) {
			out = a
		}
	}
	return out
}

func merge(dst *RiskEntry, src RiskEntry) {
	if src.DisplayName != "" {
		dst.DisplayName = src.DisplayName
	}
	if src.Risk != "" {
		dst.Risk = src.Risk
	}
	if src.RequiresConfirmation != nil {
		dst.RequiresConfirmation = src.RequiresConfirmation
	} else if src.Risk == RiskLow {
		f := false
		dst.RequiresConfirmation = &f
	}
	if src.Sensitive {
		dst.Sensitive = true
	}
	if src.EstimatedDurationMS > 0 {
		dst.EstimatedDurationMS = src.EstimatedDurationMS
	}
}

// ToolPreview describes one pending call.
type ToolPreview struct {
	ToolCallID           string         `json:"toolCallId"`
	ToolName             string         `json:"toolName"`
	DisplayName          string         `json:"displayName"`
	Parameters           map[string]any `json:"parameters,omitempty"`
	FormattedParameters  []string       `json:"formattedParameters"`
	RiskLevel            RiskLevel      `json:"riskLevel"`
	RequiresConfirmation bool           `json:"requiresConfirmation"`
	Sensitive            bool           `json:"sensitive,omitempty"`
	EstimatedDuration    time.Duration  `json:"estimatedDuration"`
	Diff                 string         `json:"diff,omitempty"`
	Warning              string         `json:"warning,omitempty"`
}

// ExecutionPlan is immutable once created.
type ExecutionPlan struct {
	ID                     string        `json:"id"`
	BatchKey               string        `json:"batchKey"`
	Previews               []ToolPreview `json:"previews"`
	TotalEstimatedDuration time.Duration `json:"totalEstimatedDuration"`
	RequiresConfirmation   bool          `json:"requiresConfirmation"`
	CreatedAt              time.Time     `json:"createdAt"`
}

// EventKeys lets bus subscribers filter by plan id.
func (p ExecutionPlan) EventKeys() map[string]string {
	return map[string]string{"planId": p.ID}
}

// ContentLookup returns the current content of a note, used to diff update
// previews. It must not modify anything.
type ContentLookup func(noteID string) (string, bool)

// Normalizer returns the arguments a call will actually run with. ok is
// false when they cannot be repaired.
type Normalizer func(call core.ToolCall) (args map[string]any, ok bool)

// Builder turns tool calls into plans. It holds no mutable state.
type Builder struct {
	table     *RiskTable
	lookup    ContentLookup
	normalize Normalizer
	now       func() time.Time
}

// NewBuilder creates a builder. A nil table loads the embedded one; lookup
// may be nil, in which case update previews carry no diff.
func NewBuilder(table *RiskTable, lookup ContentLookup) (*Builder, error) {
	if table == nil {
		var err error
		table, err = ParseRiskTable(defaultRiskTable)
		if err != nil {
			return nil, err
		}
	}
	return &Builder{table: table, lookup: lookup, now: time.Now}, nil
}

// WithNormalizer makes plans grade the repaired arguments instead of the raw
// ones the model sent.
func (b *Builder) WithNormalizer(n Normalizer) *Builder {
	b.normalize = n
	return b
}

// CreatePlan builds a plan for calls. It has no side effects.
func (b *Builder) CreatePlan(calls []core.ToolCall, mode ConfirmMode) ExecutionPlan {
	plan := ExecutionPlan{
		ID:        uuid.NewString(),
		BatchKey:  BatchKey(calls),
		Previews:  make([]ToolPreview, 0, len(calls)),
		CreatedAt: b.now(),
	}
	for _, call := range calls {
		p := b.preview(call, mode)
		plan.TotalEstimatedDuration += p.EstimatedDuration
		plan.RequiresConfirmation = plan.RequiresConfirmation || p.RequiresConfirmation
		plan.Previews = append(plan.Previews, p)
	}
	return plan
}

func (b *Builder) preview(call core.ToolCall, mode ConfirmMode) ToolPreview {
	name := call.Function.Name
	args, err := call.ParsedArguments()
	p := ToolPreview{ToolCallID: call.ID, ToolName: name, Parameters: args}
	if err != nil {
		p.Warning = "arguments could not be parsed; they will be repaired before execution"
	}
	if b.normalize != nil {
		if fixed, ok := b.normalize(call); ok {
			args = fixed
			p.Parameters = fixed
		} else if err == nil {
			p.Warning = "arguments do not match the tool schema"
		}
	}
	action, _ := args["action"].(string)
	entry := b.table.resolve(name, action)

	p.DisplayName = entry.DisplayName
	p.RiskLevel = entry.Risk
	p.Sensitive = entry.Sensitive
	p.EstimatedDuration = time.Duration(entry.EstimatedDurationMS) * time.Millisecond
	p.FormattedParameters = FormatParameters(args)

	required := entry.RequiresConfirmation == nil || *entry.RequiresConfirmation
	switch mode {
	case ConfirmAlways:
		required = true
	case ConfirmNever:
		required = false
	}
	p.RequiresConfirmation = required || entry.Sensitive

	if name == "manage_note" && (action == "update" || action == "append") && b.lookup != nil {
		noteID, _ := args["noteId"].(string)
		content, _ := args["content"].(string)
		if old, ok := b.lookup(noteID); ok {
			next := content
			if action == "append" {
				next = old + "\n" + content
			}
			p.Diff = ContentDiff(old, next)
		}
	}
	return p
}

const maxParamWidth = 80

// FormatParameters renders "key: value" lines in key order.
func FormatParameters(args map[string]any) []string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		v := fmt.Sprint(args[k])
		if s, ok := args[k].(string); ok {
			v = fmt.Sprintf("%q", s)
		}
		if r := []rune(v); len(r) > maxParamWidth {
			v = string(r[:maxParamWidth-3]) + "..."
		}
		out = append(out, k+": "+v)
	}
	return out
}

// BatchKey identifies an originating batch of tool calls independently of
// plan ids.
func BatchKey(calls []core.ToolCall) string {
	h := sha256.New()
	for _, c := range calls {
		fmt.Fprintf(h, "%s\x00%s\x00%s\x01", c.ID, c.Function.Name, strings.TrimSpace(c.ArgumentsString()))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
