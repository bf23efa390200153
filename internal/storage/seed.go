package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/yukin371/quill/internal/core"
)

// SeedResult maps seed note titles to their ids.
type SeedResult map[string]string

// Seed fills an empty store with a small demo note tree: two project notes
// under "Projects", a meeting note, and today's day note.
func Seed(ctx context.Context, s *SQLiteStore, today time.Time) (SeedResult, error) {
	ids := SeedResult{}
	create := func(parent, title, content, noteType string) (string, error) {
		note, _, err := s.CreateNote(ctx, core.NewNote{ParentID: parent, Title: title, Content: content, Type: noteType})
		if err != nil {
			return "", fmt.Errorf("seed %q: %w", title, err)
		}
		ids[title] = note.ID
		return note.ID, nil
	}

	projects, err := create(core.RootNoteID, "Projects", "", core.NoteTypeBook)
	if err != nil {
		return nil, err
	}
	if _, err := create(projects, "Project Alpha notes",
		"# Alpha\n\n## Goals\n\n- ship the sync engine\n- write the migration guide\n\nSee [design doc](https://example.com/alpha).\n",
		core.NoteTypeText); err != nil {
		return nil, err
	}
	if _, err := create(projects, "Project Beta notes",
		"# Beta\n\n## Status\n\n| task | owner |\n| --- | --- |\n| api | ana |\n| ui | bo |\n\n```go\nfunc main() {}\n```\n",
		core.NoteTypeText); err != nil {
		return nil, err
	}
	meeting, err := create(core.RootNoteID, "Meeting notes", "Weekly sync: discussed release timelines.", core.NoteTypeText)
	if err != nil {
		return nil, err
	}
	if err := s.SetAttribute(ctx, core.Attribute{NoteID: meeting, Type: core.AttributeLabel, Name: "status", Value: "open"}); err != nil {
		return nil, err
	}

	day, err := s.CreateDayNote(ctx, today)
	if err != nil {
		return nil, err
	}
	ids[day.Title] = day.ID
	return ids, nil
}
