package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/yukin371/quill/internal/core"
)

const (
	defaultSearchLimit = 10
	maxSearchLimit     = 50
)

// SmartSearchTool searches notes by title and content.
type SmartSearchTool struct {
	store core.NoteStore
}

// NewSmartSearchTool 创建搜索工具
func NewSmartSearchTool(store core.NoteStore) *SmartSearchTool {
	return &SmartSearchTool{store: store}
}

func (t *SmartSearchTool) Name() string { return "smart_search" }

func (t *SmartSearchTool) Deterministic() bool { return true }

func (t *SmartSearchTool) Definition() core.Tool {
	return core.NewTool(t.Name(),
		"Search notes by keywords in title and content. Returns note ids usable by every other note tool.",
		object([]string{"query"}, map[string]*core.JSONSchema{
			"query":      str("Keywords to search for"),
			"limit":      integer("Maximum number of results", defaultSearchLimit, 1, maxSearchLimit),
			"searchType": enum("How the query is matched", "auto", "auto", "keyword", "title"),
			"filters": object(nil, map[string]*core.JSONSchema{
				"type":  enum("Only notes of this type", "", core.NoteTypeText, core.NoteTypeCode, core.NoteTypeBook),
				"label": str("Only notes carrying this label"),
			}),
		}))
}

type searchHit struct {
	core.SearchResult
	Type string `json:"type,omitempty"`
}

func (t *SmartSearchTool) Execute(ctx context.Context, args map[string]any) (*core.ToolResponse, error) {
	query := argString(args, "query")
	if query == "" {
		return missingParam(t.Name(), "query", `smart_search({"query": "meeting notes"})`), nil
	}
	limit := argInt(args, "limit", defaultSearchLimit)
	if limit < 1 || limit > maxSearchLimit {
		return core.Failure(fmt.Sprintf("limit must be between 1 and %d, got %d", maxSearchLimit, limit), &core.ErrorHelp{
			Suggestions: []string{"omit limit to use the default of 10"},
			Examples:    []string{`smart_search({"query": "budget", "limit": 5})`},
		}), nil
	}
	filters, _ := args["filters"].(map[string]any)
	typeFilter := argString(filters, "type")
	labelFilter := argString(filters, "label")
	titleOnly := argString(args, "searchType") == "title"

	// over-fetch when post-filtering
	fetch := limit
	if typeFilter != "" || labelFilter != "" || titleOnly {
		fetch = maxSearchLimit
	}
	results, err := t.store.SearchNotes(ctx, query, fetch)
	if err != nil {
		return nil, fmt.Errorf("search notes: %w", err)
	}

	hits := make([]searchHit, 0, len(results))
	for _, r := range results {
		if len(hits) >= limit {
			break
		}
		if titleOnly && !strings.Contains(strings.ToLower(r.Title), strings.ToLower(query)) {
			continue
		}
		hit := searchHit{SearchResult: r}
		if typeFilter != "" {
			note, err := t.store.GetNote(ctx, r.NoteID)
			if err != nil || note.Type != typeFilter {
				continue
			}
			hit.Type = note.Type
		}
		if labelFilter != "" && !t.hasLabel(ctx, r.NoteID, labelFilter) {
			continue
		}
		hits = append(hits, hit)
	}

	result := map[string]any{"query": query, "count": len(hits), "results": hits}
	if len(hits) == 0 {
		return core.Success(result, &core.NextSteps{
			Suggested:    "try broader or different keywords",
			Alternatives: []string{"navigate_hierarchy from 'root' to browse notes", "drop the filters"},
		}), nil
	}
	return core.Success(result, &core.NextSteps{
		Suggested:    fmt.Sprintf("use manage_note with action 'read' and noteId '%s' to read the top result", hits[0].NoteID),
		Alternatives: []string{"content_extraction to pull headings or tasks from a result"},
	}), nil
}

func (t *SmartSearchTool) hasLabel(ctx context.Context, noteID, label string) bool {
	attrs, err := t.store.GetAttributes(ctx, noteID)
	if err != nil {
		return false
	}
	for _, a := range attrs {
		if a.Type == core.AttributeLabel && strings.EqualFold(a.Name, label) {
			return true
		}
	}
	return false
}
