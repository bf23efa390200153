package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/yukin371/quill/internal/core"
)

const dateLayout = "2006-01-02"

// CalendarTool works with day (journal) notes.
type CalendarTool struct {
	store core.NoteStore
	now   func() time.Time
}

// NewCalendarTool 创建日历工具
func NewCalendarTool(store core.NoteStore, now func() time.Time) *CalendarTool {
	if now == nil {
		now = time.Now
	}
	return &CalendarTool{store: store, now: now}
}

func (t *CalendarTool) Name() string { return "calendar_integration" }

func (t *CalendarTool) Deterministic() bool { return false }

func (t *CalendarTool) Mutates(args map[string]any) bool {
	return argString(args, "action") == "create_day_note"
}

func (t *CalendarTool) Definition() core.Tool {
	return core.NewTool(t.Name(),
		"Find or create day notes (journal entries) by date, or list the notes of a week.",
		object([]string{"action"}, map[string]*core.JSONSchema{
			"action": enum("Operation to perform", "", "get_day_note", "create_day_note", "get_week_notes"),
			"date":   str("Date as YYYY-MM-DD, or today, yesterday, tomorrow; defaults to today"),
		}))
}

func (t *CalendarTool) Execute(ctx context.Context, args map[string]any) (*core.ToolResponse, error) {
	date, err := t.parseDate(argString(args, "date"))
	if err != nil {
		return core.Failure(err.Error(), &core.ErrorHelp{
			PossibleCauses: []string{"the date is not in YYYY-MM-DD form"},
			Suggestions:    []string{"pass the date as YYYY-MM-DD", "use 'today', 'yesterday' or 'tomorrow'"},
			Examples:       []string{`calendar_integration({"action": "get_day_note", "date": "2024-03-15"})`},
		}), nil
	}

	switch action := argString(args, "action"); action {
	case "get_day_note":
		note, err := t.store.GetDayNote(ctx, date)
		if errors.Is(err, core.ErrNoteNotFound) {
			return core.Failure(fmt.Sprintf("no day note exists for %s", date.Format(dateLayout)), &core.ErrorHelp{
				Suggestions: []string{"use action 'create_day_note' to create it"},
				Examples:    []string{fmt.Sprintf(`calendar_integration({"action": "create_day_note", "date": "%s"})`, date.Format(dateLayout))},
			}), nil
		}
		if err != nil {
			return nil, fmt.Errorf("get day note: %w", err)
		}
		return core.Success(map[string]any{"date": date.Format(dateLayout), "note": note}, nil), nil

	case "create_day_note":
		note, err := t.store.CreateDayNote(ctx, date)
		if err != nil {
			return nil, fmt.Errorf("create day note: %w", err)
		}
		return core.Success(map[string]any{"date": date.Format(dateLayout), "note": note}, &core.NextSteps{
			Suggested: fmt.Sprintf("use manage_note with action 'append' and noteId '%s' to add entries", note.ID),
		}), nil

	case "get_week_notes":
		// weeks start on Monday
		offset := (int(date.Weekday()) + 6) % 7
		monday := date.AddDate(0, 0, -offset)
		days := make([]map[string]any, 0, 7)
		for i := 0; i < 7; i++ {
			d := monday.AddDate(0, 0, i)
			entry := map[string]any{"date": d.Format(dateLayout)}
			note, err := t.store.GetDayNote(ctx, d)
			switch {
			case err == nil:
				entry["note"] = note
			case !errors.Is(err, core.ErrNoteNotFound):
				return nil, fmt.Errorf("get day note %s: %w", d.Format(dateLayout), err)
			}
			days = append(days, entry)
		}
		return core.Success(map[string]any{"weekStart": monday.Format(dateLayout), "days": days}, nil), nil

	case "":
		return missingParam(t.Name(), "action", `calendar_integration({"action": "get_day_note", "date": "today"})`), nil
	default:
		return core.Failure(fmt.Sprintf("unknown action '%s'", action), &core.ErrorHelp{
			Suggestions: []string{"use one of: get_day_note, create_day_note, get_week_notes"},
		}), nil
	}
}

func (t *CalendarTool) parseDate(s string) (time.Time, error) {
	now := t.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	switch strings.ToLower(s) {
	case "", "today":
		return today, nil
	case "yesterday":
		return today.AddDate(0, 0, -1), nil
	case "tomorrow":
		return today.AddDate(0, 0, 1), nil
	}
	d, err := time.ParseInLocation(dateLayout, s, now.Location())
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date '%s'", s)
	}
	return d, nil
}
