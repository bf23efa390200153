package validator

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yukin371/quill/internal/core"
)

func newValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := New(nil)
	require.NoError(t, err)
	return v
}

func nestedTool() core.Tool {
	return core.NewTool("smart-search", "Search notes", &core.JSONSchema{
		Type: core.SchemaObject,
		Properties: map[string]*core.JSONSchema{
			"query": {Type: core.SchemaString},
			"filters": {
				Type: core.SchemaObject,
				Properties: map[string]*core.JSONSchema{
					"noteType": {Type: core.SchemaString},
					"dateRange": {
						Type: core.SchemaObject,
						Properties: map[string]*core.JSONSchema{
							"from": {Type: core.SchemaString},
							"to":   {Type: core.SchemaString},
						},
					},
				},
			},
		},
	})
}

func TestValidateToolPerProvider(t *testing.T) {
	v := newValidator(t)
	tool := nestedTool()

	openai := v.ValidateTool(tool, "openai")
	assert.True(t, openai.Valid, openai.Warnings)
	assert.Nil(t, openai.FixedTool)

	anthropic := v.ValidateTool(tool, "anthropic")
	assert.False(t, anthropic.Valid)
	require.NotNil(t, anthropic.FixedTool)
	assert.Equal(t, []string{"query"}, anthropic.FixedTool.Function.Parameters.Required)

	ollama := v.ValidateTool(tool, "ollama")
	assert.False(t, ollama.Valid)
	assert.GreaterOrEqual(t, len(ollama.Warnings), 2)
}

func TestFixToolForOllama(t *testing.T) {
	v := newValidator(t)
	tool := nestedTool()

	res := v.FixToolForProvider(tool, "ollama")
	require.True(t, res.Fixed)
	fixed := res.Tool

	assert.Equal(t, "smart_search", fixed.Name())
	assert.LessOrEqual(t, fixed.Function.Parameters.Depth(), 2)
	assert.Contains(t, fixed.Function.Parameters.Properties, "filters.dateRange.from")
	assert.Contains(t, fixed.Function.Parameters.Properties, "filters.noteType")
	assert.NotEmpty(t, res.Modifications)

	// canonical entry untouched
	assert.Equal(t, "smart-search", tool.Name())
	assert.Contains(t, tool.Function.Parameters.Properties, "filters")

	assert.Equal(t, "smart-search", v.RestoreName("ollama", "smart_search"))
	assert.Equal(t, "unknown_tool", v.RestoreName("ollama", "unknown_tool"))
}

func TestFixTruncatesAndCaps(t *testing.T) {
	v := newValidator(t)
	props := map[string]*core.JSONSchema{}
	for i := 0; i < 14; i++ {
		props[fmt.Sprintf("p%02d", i)] = &core.JSONSchema{Type: core.SchemaString}
	}
	tool := core.NewTool("big_tool", strings.Repeat("x", 900), &core.JSONSchema{
		Type:       core.SchemaObject,
		Properties: props,
		Required:   []string{"p13"},
	})

	res := v.FixToolForProvider(tool, "ollama")
	require.True(t, res.Fixed)
	params := res.Tool.Function.Parameters

	assert.Len(t, []rune(res.Tool.Function.Description), 500)
	assert.True(t, strings.HasSuffix(res.Tool.Function.Description, "..."))
	assert.Len(t, params.Properties, 10)
	assert.Contains(t, params.Properties, "p13")
	assert.Equal(t, []string{"p13"}, params.Required)
	assert.Len(t, tool.Function.Parameters.Properties, 14)
}

func TestFixToolsForProviderBatch(t *testing.T) {
	v := newValidator(t)
	tools := []core.Tool{
		core.NewTool("manage-note", "", nil),
		core.NewTool("", "", nil),
	}

	fixed, mods := v.FixToolsForProvider(tools, "ollama")
	require.Len(t, fixed, 1)
	assert.Equal(t, "manage_note", fixed[0].Name())
	assert.Len(t, mods, 2)
}

func TestUnflatten(t *testing.T) {
	canonical := nestedTool().Function.Parameters
	args := map[string]any{
		"query":                  "x",
		"filters.noteType":       "text",
		"filters.dateRange.from": "2024-01-01",
	}

	out := Unflatten(args, canonical)
	assert.Equal(t, map[string]any{
		"query": "x",
		"filters": map[string]any{
			"noteType":  "text",
			"dateRange": map[string]any{"from": "2024-01-01"},
		},
	}, out)
	assert.Contains(t, args, "filters.noteType")
}

func TestUnknownProviderUsesDefault(t *testing.T) {
	v := newValidator(t)
	assert.Equal(t, v.RuleFor("openai").MaxNameLength, v.RuleFor("mystery").MaxNameLength)
	assert.True(t, v.ValidateTool(core.NewTool("manage-note", "", nil), "mystery").Valid)
}
