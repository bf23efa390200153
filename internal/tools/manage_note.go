package tools

import (
	"context"
	"fmt"

	"github.com/yukin371/quill/internal/core"
)

// ManageNoteTool reads, creates, updates and appends to notes.
type ManageNoteTool struct {
	store core.NoteStore
	guard *Guard
}

// NewManageNoteTool 创建笔记管理工具
func NewManageNoteTool(store core.NoteStore, guard *Guard) *ManageNoteTool {
	return &ManageNoteTool{store: store, guard: guard}
}

func (t *ManageNoteTool) Name() string { return "manage_note" }

func (t *ManageNoteTool) Deterministic() bool { return false }

func (t *ManageNoteTool) Mutates(args map[string]any) bool {
	return argString(args, "action") != "read"
}

func (t *ManageNoteTool) Definition() core.Tool {
	return core.NewTool(t.Name(),
		"Read, create, update (replace content) or append to a note.",
		object([]string{"action"}, map[string]*core.JSONSchema{
			"action":       enum("Operation to perform", "", "read", "create", "update", "append"),
			"noteId":       str("Target note id (read, update, append)"),
			"title":        str("Title of the new note (create)"),
			"content":      str("Note content in markdown"),
			"parentNoteId": str("Parent of the new note (create); defaults to root"),
			"type":         enum("Type of the new note (create)", core.NoteTypeText, core.NoteTypeText, core.NoteTypeCode),
		}))
}

func (t *ManageNoteTool) Execute(ctx context.Context, args map[string]any) (*core.ToolResponse, error) {
	action := argString(args, "action")
	switch action {
	case "read":
		return t.read(ctx, args)
	case "create":
		return t.create(ctx, args)
	case "update", "append":
		return t.write(ctx, action, args)
	case "":
		return missingParam(t.Name(), "action", `manage_note({"action": "read", "noteId": "abc123"})`), nil
	}
	return core.Failure(fmt.Sprintf("unknown action '%s'", action), &core.ErrorHelp{
		Suggestions: []string{"use one of: read, create, update, append"},
	}), nil
}

func (t *ManageNoteTool) read(ctx context.Context, args map[string]any) (*core.ToolResponse, error) {
	noteID := argString(args, "noteId")
	if noteID == "" {
		return missingParam(t.Name(), "noteId", `manage_note({"action": "read", "noteId": "abc123"})`), nil
	}
	note, err := t.store.GetNote(ctx, noteID)
	if err != nil {
		return storeFailure(noteID, err)
	}
	attrs, err := t.store.GetAttributes(ctx, noteID)
	if err != nil {
		return nil, fmt.Errorf("read attributes: %w", err)
	}
	return core.Success(map[string]any{"note": note, "attributes": attrs}, &core.NextSteps{
		Suggested:    "summarize or quote the content for the user",
		Alternatives: []string{"content_extraction for headings, lists or code"},
	}), nil
}

func (t *ManageNoteTool) create(ctx context.Context, args map[string]any) (*core.ToolResponse, error) {
	title := argString(args, "title")
	if title == "" {
		return missingParam(t.Name(), "title", `manage_note({"action": "create", "title": "Ideas", "content": "..."})`), nil
	}
	content, _ := args["content"].(string)
	if err := t.guard.ValidateContent(content); err != nil {
		return tooLarge(err), nil
	}
	parentID := argString(args, "parentNoteId")
	if parentID == "" {
		parentID = core.RootNoteID
	}
	noteType := argString(args, "type")
	if noteType == "" {
		noteType = core.NoteTypeText
	}

	note, branch, err := t.store.CreateNote(ctx, core.NewNote{ParentID: parentID, Title: title, Content: content, Type: noteType})
	if err != nil {
		return storeFailure(parentID, err)
	}
	return core.Success(map[string]any{"note": note, "branch": branch}, &core.NextSteps{
		Suggested:    fmt.Sprintf("tell the user the note '%s' was created", title),
		Alternatives: []string{"attribute_manager to tag the new note", "clone_note to place it under more parents"},
	}), nil
}

func (t *ManageNoteTool) write(ctx context.Context, action string, args map[string]any) (*core.ToolResponse, error) {
	noteID := argString(args, "noteId")
	if noteID == "" {
		return missingParam(t.Name(), "noteId", fmt.Sprintf(`manage_note({"action": "%s", "noteId": "abc123", "content": "..."})`, action)), nil
	}
	content, ok := args["content"].(string)
	if !ok {
		return missingParam(t.Name(), "content", fmt.Sprintf(`manage_note({"action": "%s", "noteId": "%s", "content": "..."})`, action, noteID)), nil
	}
	note, err := t.store.GetNote(ctx, noteID)
	if err != nil {
		return storeFailure(noteID, err)
	}

	next := content
	if action == "append" {
		next = note.Content
		if next != "" {
			next += "\n"
		}
		next += content
	}
	if err := t.guard.ValidateContent(next); err != nil {
		return tooLarge(err), nil
	}
	if err := t.store.UpdateNoteContent(ctx, noteID, next); err != nil {
		return storeFailure(noteID, err)
	}
	return core.Success(map[string]any{
		"noteId":         noteID,
		"action":         action,
		"previousLength": len(note.Content),
		"newLength":      len(next),
	}, &core.NextSteps{Suggested: "confirm the change to the user"}), nil
}

func tooLarge(err error) *core.ToolResponse {
	return core.Failure(err.Error(), &core.ErrorHelp{
		PossibleCauses: []string{"the content includes a whole document or repeated text"},
		Suggestions:    []string{"split the content across several append calls"},
	})
}
