// Package toolfilter picks a provider-appropriate subset and ordering of
// the tool catalog.
package toolfilter

import (
	"strings"
	"unicode"

	"github.com/yukin371/quill/internal/core"
	"github.com/yukin371/quill/pkg/logger"
)

// Canonical tool names the filter knows how to rank.
const (
	ToolSmartSearch       = "smart_search"
	ToolManageNote        = "manage_note"
	ToolCalendar          = "calendar_integration"
	ToolNavigateHierarchy = "navigate_hierarchy"
)

// TokensPerTool is the rough prompt cost of one tool definition. Used for
// statistics only.
const TokensPerTool = 250

const (
	DefaultSmallContextWindow = 16384
	DefaultSmallProviderCap   = 3
)

// Intent is a coarse query category.
type Intent string

const (
	IntentNone       Intent = ""
	IntentDate       Intent = "date"
	IntentHierarchy  Intent = "hierarchy"
	IntentManagement Intent = "management"
)

// Intents in precedence order. Date outranks hierarchy: "notes under
// today's journal" is a calendar lookup first.
var intentPrecedence = []Intent{IntentDate, IntentHierarchy, IntentManagement}

var intentKeywords = map[Intent][]string{
	IntentDate:       {"today", "tomorrow", "yesterday", "week", "month", "calendar", "date", "schedule", "journal"},
	IntentHierarchy:  {"parent", "child", "children", "sibling", "siblings", "ancestor", "ancestors", "tree", "hierarchy", "under", "subnote", "subnotes"},
	IntentManagement: {"create", "update", "edit", "add", "write", "modify", "append", "new note"},
}

var intentTool = map[Intent]string{
	IntentDate:       ToolCalendar,
	IntentHierarchy:  ToolNavigateHierarchy,
	IntentManagement: ToolManageNote,
}

// DefaultPriority is the baseline ordering used for tie-breaks.
var DefaultPriority = []string{
	ToolSmartSearch,
	ToolManageNote,
	ToolCalendar,
	ToolNavigateHierarchy,
	"clone_note",
	"attribute_manager",
	"content_extraction",
	"workflow_helper",
}

var essentialTools = []string{ToolSmartSearch, ToolManageNote}

// Config describes one filtering request.
type Config struct {
	Provider      string
	ContextWindow int
	Query         string
	// MaxTools clamps the result when set. Zero yields an empty list.
	MaxTools *int
}

// Options configures the service.
type Options struct {
	// ProviderCaps maps provider names to a hard tool cap; 0 or absent means
	// unlimited.
	ProviderCaps       map[string]int
	SmallContextWindow int
	SmallProviderCap   int
	Priority           []string
}

// DefaultOptions returns the stock profiles: local models get three tools.
func DefaultOptions() Options {
	return Options{
		ProviderCaps:       map[string]int{"ollama": DefaultSmallProviderCap},
		SmallContextWindow: DefaultSmallContextWindow,
		SmallProviderCap:   DefaultSmallProviderCap,
		Priority:           DefaultPriority,
	}
}

// Service filters tool catalogs.
type Service struct {
	opts     Options
	priority map[string]int
	log      *logger.Logger
}

// NewService creates a filter service
func NewService(opts Options, log *logger.Logger) *Service {
	if opts.SmallContextWindow <= 0 {
		opts.SmallContextWindow = DefaultSmallContextWindow
	}
	if opts.SmallProviderCap <= 0 {
		opts.SmallProviderCap = DefaultSmallProviderCap
	}
	if len(opts.Priority) == 0 {
		opts.Priority = DefaultPriority
	}
	if log == nil {
		log = logger.Discard()
	}
	priority := make(map[string]int, len(opts.Priority))
	for i, name := range opts.Priority {
		priority[name] = i
	}
	return &Service{opts: opts, priority: priority, log: log}
}

// Cap returns the effective tool limit for cfg, or -1 for unlimited.
func (s *Service) Cap(cfg Config) int {
	limit := -1
	if c, ok := s.opts.ProviderCaps[strings.ToLower(cfg.Provider)]; ok && c > 0 {
		limit = c
	}
	if cfg.ContextWindow > 0 && cfg.ContextWindow < s.opts.SmallContextWindow {
		if limit < 0 || limit > s.opts.SmallProviderCap {
			limit = s.opts.SmallProviderCap
		}
	}
	if cfg.MaxTools != nil {
		override := *cfg.MaxTools
		if override < 0 {
			override = 0
		}
		if limit < 0 || override < limit {
			limit = override
		}
	}
	return limit
}

// constrained reports whether the provider itself limits tool count,
// independent of an explicit override.
func (s *Service) constrained(cfg Config) bool {
	return s.Cap(Config{Provider: cfg.Provider, ContextWindow: cfg.ContextWindow}) >= 0
}

// FilterToolsForProvider returns the tools to offer, most relevant first.
// The input slice is not modified.
func (s *Service) FilterToolsForProvider(cfg Config, tools []core.Tool) []core.Tool {
	limit := s.Cap(cfg)
	if limit == 0 || len(tools) == 0 {
		return []core.Tool{}
	}

	byName := make(map[string]core.Tool, len(tools))
	for _, t := range tools {
		byName[t.Name()] = t
	}

	var ordered []string
	query := strings.TrimSpace(cfg.Query)

	if query == "" && s.constrained(cfg) {
		for _, name := range essentialTools {
			if _, ok := byName[name]; ok {
				ordered = append(ordered, name)
			}
		}
	} else {
		seen := map[string]bool{}
		add := func(name string) {
			if _, ok := byName[name]; ok && !seen[name] {
				seen[name] = true
				ordered = append(ordered, name)
			}
		}
		if intent := DetectIntent(query); intent != IntentNone {
			add(intentTool[intent])
		}
		for _, name := range essentialTools {
			add(name)
		}
		for _, t := range s.sortByPriority(tools) {
			add(t.Name())
		}
	}

	if limit > 0 && len(ordered) > limit {
		ordered = ordered[:limit]
	}
	out := make([]core.Tool, len(ordered))
	for i, name := range ordered {
		out[i] = byName[name]
	}

	s.log.Debug("filtered %d -> %d tools for %s (cap %d)", len(tools), len(out), cfg.Provider, limit)
	return out
}

func (s *Service) sortByPriority(tools []core.Tool) []core.Tool {
	out := make([]core.Tool, len(tools))
	copy(out, tools)
	rank := func(t core.Tool) int {
		if r, ok := s.priority[t.Name()]; ok {
			return r
		}
		return len(s.priority)
	}
	// insertion sort keeps unknown tools in catalog order
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && rank(out[j]) < rank(out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// DetectIntent classifies query by keyword. When several buckets match the
// earliest in precedence order wins.
func DetectIntent(query string) Intent {
	intents := DetectIntents(query)
	if len(intents) == 0 {
		return IntentNone
	}
	return intents[0]
}

// DetectIntents returns every matching intent in precedence order.
func DetectIntents(query string) []Intent {
	q := strings.ToLower(query)
	words := map[string]bool{}
	for _, w := range strings.FieldsFunc(q, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) }) {
		words[w] = true
	}

	var out []Intent
	for _, intent := range intentPrecedence {
		for _, kw := range intentKeywords[intent] {
			hit := words[kw]
			if strings.Contains(kw, " ") {
				hit = strings.Contains(q, kw)
			}
			if hit {
				out = append(out, intent)
				break
			}
		}
	}
	return out
}

// EstimateTokens returns the approximate prompt cost of tools.
func EstimateTokens(tools []core.Tool) int {
	return len(tools) * TokensPerTool
}

// Stats summarises what filtering saved.
type Stats struct {
	OriginalCount  int     `json:"originalCount"`
	FilteredCount  int     `json:"filteredCount"`
	OriginalTokens int     `json:"originalTokens"`
	FilteredTokens int     `json:"filteredTokens"`
	SavedTokens    int     `json:"savedTokens"`
	SavingsPercent float64 `json:"savingsPercent"`
}

// ComputeStats compares the catalog before and after filtering.
func ComputeStats(original, filtered []core.Tool) Stats {
	st := Stats{
		OriginalCount:  len(original),
		FilteredCount:  len(filtered),
		OriginalTokens: EstimateTokens(original),
		FilteredTokens: EstimateTokens(filtered),
	}
	st.SavedTokens = st.OriginalTokens - st.FilteredTokens
	if st.OriginalTokens > 0 {
		st.SavingsPercent = float64(st.SavedTokens) / float64(st.OriginalTokens) * 100
	}
	return st
}
