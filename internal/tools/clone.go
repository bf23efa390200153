package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/yukin371/quill/internal/core"
)

const maxCloneTargets = 10

// CloneNoteTool places an existing note under additional parents. Content is
// never duplicated; each clone is a new branch.
type CloneNoteTool struct {
	store core.NoteStore
}

// NewCloneNoteTool 创建克隆工具
func NewCloneNoteTool(store core.NoteStore) *CloneNoteTool {
	return &CloneNoteTool{store: store}
}

func (t *CloneNoteTool) Name() string { return "clone_note" }

func (t *CloneNoteTool) Deterministic() bool { return false }

func (t *CloneNoteTool) Definition() core.Tool {
	return core.NewTool(t.Name(),
		"Place an existing note under one or more additional parent notes without copying it.",
		object([]string{"sourceNoteId", "targetParentIds"}, map[string]*core.JSONSchema{
			"sourceNoteId":    str("Note to clone"),
			"targetParentIds": stringArray("Parent notes that should also contain the note"),
			"prefixes":        stringArray("Optional branch prefix per target, same length as targetParentIds"),
		}))
}

// CloneOutcome reports one target.
type CloneOutcome struct {
	ParentID string `json:"parentNoteId"`
	BranchID string `json:"branchId,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Execute clones into each target independently. A failing target does not
// roll back or stop the others; the result reports both sides.
func (t *CloneNoteTool) Execute(ctx context.Context, args map[string]any) (*core.ToolResponse, error) {
	sourceID := argString(args, "sourceNoteId")
	if sourceID == "" {
		return missingParam(t.Name(), "sourceNoteId", `clone_note({"sourceNoteId": "abc123", "targetParentIds": ["def456"]})`), nil
	}
	targets := argStrings(args, "targetParentIds")
	if len(targets) == 0 {
		return missingParam(t.Name(), "targetParentIds", fmt.Sprintf(`clone_note({"sourceNoteId": "%s", "targetParentIds": ["def456"]})`, sourceID)), nil
	}
	if len(targets) > maxCloneTargets {
		return core.Failure(fmt.Sprintf("at most %d targets per call, got %d", maxCloneTargets, len(targets)), &core.ErrorHelp{
			Suggestions: []string{"split the targets across several clone_note calls"},
		}), nil
	}
	prefixes := argStrings(args, "prefixes")
	if len(prefixes) > 0 && len(prefixes) != len(targets) {
		return core.Failure(fmt.Sprintf("prefixes has %d entries but targetParentIds has %d", len(prefixes), len(targets)), &core.ErrorHelp{
			PossibleCauses: []string{"one prefix is needed per target parent"},
			Suggestions:    []string{"pass one prefix per target (use \"\" for none)", "omit prefixes entirely"},
			Examples:       []string{`clone_note({"sourceNoteId": "a", "targetParentIds": ["p1", "p2"], "prefixes": ["2024", ""]})`},
		}), nil
	}

	if _, err := t.store.GetNote(ctx, sourceID); err != nil {
		return storeFailure(sourceID, err)
	}
	parents, err := t.store.GetParents(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("load parents: %w", err)
	}
	existing := make(map[string]bool, len(parents))
	for _, p := range parents {
		existing[p.ID] = true
	}

	rep := reporterFrom(ctx)
	var done, failed []CloneOutcome
	for i, target := range targets {
		rep.Progress(i, len(targets), "cloning into "+target)
		prefix := ""
		if len(prefixes) > 0 {
			prefix = prefixes[i]
		}

		outcome := CloneOutcome{ParentID: target}
		switch {
		case target == sourceID:
			outcome.Error = "a note cannot be cloned into itself"
		case existing[target]:
			outcome.Error = "target already contains the note"
		default:
			branch, err := t.store.CreateBranch(ctx, sourceID, target, prefix)
			switch {
			case err == nil:
				outcome.BranchID = branch.ID
				existing[target] = true
			case errors.Is(err, core.ErrBranchExists):
				outcome.Error = "target already contains the note"
			case errors.Is(err, core.ErrNoteNotFound):
				outcome.Error = "target parent not found"
			default:
				outcome.Error = err.Error()
			}
		}

		if outcome.Error != "" {
			rep.Warn(fmt.Sprintf("clone into %s failed: %s", target, outcome.Error), map[string]any{"target": target})
			failed = append(failed, outcome)
			continue
		}
		rep.Step("cloned into "+target, map[string]any{"branchId": outcome.BranchID})
		done = append(done, outcome)
	}
	rep.Progress(len(targets), len(targets), "done")

	result := map[string]any{
		"sourceNoteId":     sourceID,
		"successfulClones": len(done),
		"failedTargets":    len(failed),
		"clones":           done,
		"failures":         failed,
	}
	if len(done) == 0 {
		resp := core.Failure(fmt.Sprintf("no clone of '%s' could be created", sourceID), &core.ErrorHelp{
			PossibleCauses: []string{"every target already contains the note", "target ids do not exist"},
			Suggestions:    []string{"check the target ids with smart_search or navigate_hierarchy"},
		})
		resp.Result = result
		return resp, nil
	}
	next := &core.NextSteps{Suggested: fmt.Sprintf("tell the user the note now appears under %d more parent(s)", len(done))}
	if len(failed) > 0 {
		next.Alternatives = []string{"report the failed targets and their reasons to the user"}
	}
	return core.Success(result, next), nil
}
