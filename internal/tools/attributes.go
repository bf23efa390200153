package tools

import (
	"context"
	"fmt"

	"github.com/yukin371/quill/internal/core"
)

// AttributeTool lists and adds labels and relations.
type AttributeTool struct {
	store core.NoteStore
	guard *Guard
}

// NewAttributeTool 创建属性管理工具
func NewAttributeTool(store core.NoteStore, guard *Guard) *AttributeTool {
	return &AttributeTool{store: store, guard: guard}
}

func (t *AttributeTool) Name() string { return "attribute_manager" }

func (t *AttributeTool) Deterministic() bool { return false }

func (t *AttributeTool) Mutates(args map[string]any) bool {
	return argString(args, "action") == "add"
}

func (t *AttributeTool) Definition() core.Tool {
	return core.NewTool(t.Name(),
		"List the attributes of a note, or add a label (#name=value) or relation (~name=noteId).",
		object([]string{"action", "noteId"}, map[string]*core.JSONSchema{
			"action":        enum("Operation to perform", "", "list", "add"),
			"noteId":        str("Note to inspect or tag"),
			"attributeType": enum("Kind of attribute to add", core.AttributeLabel, core.AttributeLabel, core.AttributeRelation),
			"name":          str("Attribute name (add)"),
			"value":         str("Label value, or target note id for a relation (add)"),
		}))
}

func (t *AttributeTool) Execute(ctx context.Context, args map[string]any) (*core.ToolResponse, error) {
	noteID := argString(args, "noteId")
	if noteID == "" {
		return missingParam(t.Name(), "noteId", `attribute_manager({"action": "list", "noteId": "abc123"})`), nil
	}
	if _, err := t.store.GetNote(ctx, noteID); err != nil {
		return storeFailure(noteID, err)
	}

	switch action := argString(args, "action"); action {
	case "list":
		attrs, err := t.store.GetAttributes(ctx, noteID)
		if err != nil {
			return nil, fmt.Errorf("list attributes: %w", err)
		}
		return core.Success(map[string]any{"noteId": noteID, "count": len(attrs), "attributes": attrs}, nil), nil

	case "add":
		attr := core.Attribute{
			NoteID: noteID,
			Type:   argString(args, "attributeType"),
			Name:   argString(args, "name"),
			Value:  argString(args, "value"),
		}
		if attr.Type == "" {
			attr.Type = core.AttributeLabel
		}
		if err := t.guard.ValidateAttributeName(attr.Name); err != nil {
			return core.Failure(err.Error(), &core.ErrorHelp{
				PossibleCauses: []string{"the name is empty, contains spaces or # ~ = characters, or is reserved"},
				Suggestions:    []string{"use a short camelCase name such as 'status' or 'project'"},
				Examples:       []string{fmt.Sprintf(`attribute_manager({"action": "add", "noteId": "%s", "name": "status", "value": "done"})`, noteID)},
			}), nil
		}
		if attr.Type == core.AttributeRelation {
			if attr.Value == "" {
				return missingParam(t.Name(), "value", `attribute_manager({"action": "add", "attributeType": "relation", "noteId": "a", "name": "author", "value": "b"})`), nil
			}
			if _, err := t.store.GetNote(ctx, attr.Value); err != nil {
				return storeFailure(attr.Value, err)
			}
		}
		if err := t.store.SetAttribute(ctx, attr); err != nil {
			return nil, fmt.Errorf("set attribute: %w", err)
		}
		return core.Success(map[string]any{"attribute": attr}, &core.NextSteps{
			Suggested: fmt.Sprintf("smart_search with filters.label '%s' finds every note carrying it", attr.Name),
		}), nil

	case "":
		return missingParam(t.Name(), "action", `attribute_manager({"action": "list", "noteId": "abc123"})`), nil
	default:
		return core.Failure(fmt.Sprintf("unknown action '%s'", action), &core.ErrorHelp{
			Suggestions: []string{"use one of: list, add"},
		}), nil
	}
}
