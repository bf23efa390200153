package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/yukin371/quill/internal/core"
)

// Reporter receives progress from long-running handlers. The executor
// installs one per execution.
type Reporter interface {
	Progress(current, total int, message string)
	Step(message string, data map[string]any)
	Warn(message string, data map[string]any)
}

type reporterKey struct{}

// WithReporter attaches r to ctx.
func WithReporter(ctx context.Context, r Reporter) context.Context {
	return context.WithValue(ctx, reporterKey{}, r)
}

func reporterFrom(ctx context.Context) Reporter {
	if r, ok := ctx.Value(reporterKey{}).(Reporter); ok && r != nil {
		return r
	}
	return nopReporter{}
}

type nopReporter struct{}

func (nopReporter) Progress(int, int, string)   {}
func (nopReporter) Step(string, map[string]any) {}
func (nopReporter) Warn(string, map[string]any) {}

// schema builders

func object(required []string, props map[string]*core.JSONSchema) *core.JSONSchema {
	return &core.JSONSchema{Type: core.SchemaObject, Properties: props, Required: required}
}

func str(desc string) *core.JSONSchema {
	return &core.JSONSchema{Type: core.SchemaString, Description: desc}
}

func enum(desc string, def string, values ...string) *core.JSONSchema {
	s := &core.JSONSchema{Type: core.SchemaString, Description: desc, Enum: values}
	if def != "" {
		s.Default = def
	}
	return s
}

func integer(desc string, def, lo, hi float64) *core.JSONSchema {
	return &core.JSONSchema{Type: core.SchemaInteger, Description: desc, Default: def, Minimum: &lo, Maximum: &hi}
}

func stringArray(desc string) *core.JSONSchema {
	return &core.JSONSchema{Type: core.SchemaArray, Description: desc, Items: &core.JSONSchema{Type: core.SchemaString}}
}

// argument accessors; values have already been coerced to schema types

func argString(args map[string]any, name string) string {
	s, _ := args[name].(string)
	return strings.TrimSpace(s)
}

func argInt(args map[string]any, name string, def int) int {
	switch v := args[name].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

func argStrings(args map[string]any, name string) []string {
	raw, _ := args[name].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out
}

// rich errors

func missingParam(tool, param, example string) *core.ToolResponse {
	return core.Failure(fmt.Sprintf("parameter '%s' is required", param), &core.ErrorHelp{
		PossibleCauses: []string{fmt.Sprintf("the %s call omitted '%s'", tool, param)},
		Suggestions:    []string{fmt.Sprintf("call %s again with '%s' set", tool, param)},
		Examples:       []string{example},
	})
}

func noteNotFound(noteID string) *core.ToolResponse {
	return core.Failure(fmt.Sprintf("note '%s' not found", noteID), &core.ErrorHelp{
		PossibleCauses: []string{
			"the note id was guessed rather than taken from a previous result",
			"the note was deleted",
		},
		Suggestions: []string{
			"use smart_search to find the note and copy its noteId",
			"use navigate_hierarchy from 'root' to browse the tree",
		},
		Examples: []string{`smart_search({"query": "project plan"})`},
	})
}

// storeFailure maps store errors to tool responses. Unknown errors are
// returned as err so the executor records them as tool failures.
func storeFailure(noteID string, err error) (*core.ToolResponse, error) {
	if errors.Is(err, core.ErrNoteNotFound) {
		return noteNotFound(noteID), nil
	}
	return nil, err
}
