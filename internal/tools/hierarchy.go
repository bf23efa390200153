package tools

import (
	"context"
	"fmt"

	"github.com/yukin371/quill/internal/core"
)

const maxHierarchyDepth = 5

// HierarchyTool walks the note tree around a note.
type HierarchyTool struct {
	store core.NoteStore
}

// NewHierarchyTool 创建层级导航工具
func NewHierarchyTool(store core.NoteStore) *HierarchyTool {
	return &HierarchyTool{store: store}
}

func (t *HierarchyTool) Name() string { return "navigate_hierarchy" }

func (t *HierarchyTool) Deterministic() bool { return true }

func (t *HierarchyTool) Definition() core.Tool {
	return core.NewTool(t.Name(),
		"List the parents, children, siblings or ancestors of a note. Use noteId 'root' for the top of the tree.",
		object([]string{"noteId"}, map[string]*core.JSONSchema{
			"noteId":    str("Starting note id"),
			"direction": enum("Which relatives to list", "children", "children", "parents", "siblings", "ancestors"),
			"depth":     integer("Levels to follow for children and ancestors", 1, 1, maxHierarchyDepth),
		}))
}

// Relative is one note found while walking the tree.
type Relative struct {
	NoteID string `json:"noteId"`
	Title  string `json:"title"`
	Type   string `json:"type"`
	Level  int    `json:"level"`
}

func (t *HierarchyTool) Execute(ctx context.Context, args map[string]any) (*core.ToolResponse, error) {
	noteID := argString(args, "noteId")
	if noteID == "" {
		return missingParam(t.Name(), "noteId", `navigate_hierarchy({"noteId": "root", "direction": "children"})`), nil
	}
	depth := argInt(args, "depth", 1)
	if depth < 1 || depth > maxHierarchyDepth {
		return core.Failure(fmt.Sprintf("depth must be between 1 and %d, got %d", maxHierarchyDepth, depth), &core.ErrorHelp{
			PossibleCauses: []string{"deep walks return too many notes to be useful"},
			Suggestions:    []string{"start with depth 1 and walk further from an interesting child"},
		}), nil
	}
	direction := argString(args, "direction")
	if direction == "" {
		direction = "children"
	}

	if _, err := t.store.GetNote(ctx, noteID); err != nil {
		return storeFailure(noteID, err)
	}

	var (
		found []Relative
		err   error
	)
	switch direction {
	case "children":
		found, err = t.walk(ctx, noteID, depth, t.store.GetChildren)
	case "ancestors":
		found, err = t.walk(ctx, noteID, depth, t.store.GetParents)
	case "parents":
		found, err = t.walk(ctx, noteID, 1, t.store.GetParents)
	case "siblings":
		found, err = t.siblings(ctx, noteID)
	default:
		return core.Failure(fmt.Sprintf("unknown direction '%s'", direction), &core.ErrorHelp{
			Suggestions: []string{"use one of: children, parents, siblings, ancestors"},
		}), nil
	}
	if err != nil {
		return nil, fmt.Errorf("navigate %s of %s: %w", direction, noteID, err)
	}

	result := map[string]any{"noteId": noteID, "direction": direction, "count": len(found), "notes": found}
	if len(found) == 0 {
		return core.Success(result, &core.NextSteps{Suggested: fmt.Sprintf("the note has no %s", direction)}), nil
	}
	return core.Success(result, &core.NextSteps{
		Suggested: "use manage_note with action 'read' to open one of these notes",
	}), nil
}

// walk does a breadth-first expansion up to depth levels, visiting each
// note once.
func (t *HierarchyTool) walk(ctx context.Context, start string, depth int, next func(context.Context, string) ([]core.Note, error)) ([]Relative, error) {
	seen := map[string]bool{start: true}
	frontier := []string{start}
	var out []Relative
	for level := 1; level <= depth && len(frontier) > 0; level++ {
		var upcoming []string
		for _, id := range frontier {
			notes, err := next(ctx, id)
			if err != nil {
				return nil, err
			}
			for _, n := range notes {
				if seen[n.ID] {
					continue
				}
				seen[n.ID] = true
				out = append(out, Relative{NoteID: n.ID, Title: n.Title, Type: n.Type, Level: level})
				upcoming = append(upcoming, n.ID)
			}
		}
		frontier = upcoming
	}
	return out, nil
}

func (t *HierarchyTool) siblings(ctx context.Context, noteID string) ([]Relative, error) {
	parents, err := t.store.GetParents(ctx, noteID)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{noteID: true}
	var out []Relative
	for _, p := range parents {
		children, err := t.store.GetChildren(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			if seen[c.ID] {
				continue
			}
			seen[c.ID] = true
			out = append(out, Relative{NoteID: c.ID, Title: c.Title, Type: c.Type, Level: 0})
		}
	}
	return out, nil
}
