package core

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolCloneIsDeep(t *testing.T) {
	minLimit := 1.0
	tool := NewTool("manage_note", "manage notes", &JSONSchema{
		Type: SchemaObject,
		Properties: map[string]*JSONSchema{
			"action": {Type: SchemaString, Enum: []string{"read", "create"}},
			"limit":  {Type: SchemaInteger, Minimum: &minLimit},
		},
		Required: []string{"action"},
	})

	clone := tool.Clone()
	clone.Function.Name = "manage-note"
	clone.Function.Parameters.Properties["action"].Enum[0] = "delete"
	clone.Function.Parameters.Required = append(clone.Function.Parameters.Required, "limit")
	*clone.Function.Parameters.Properties["limit"].Minimum = 5

	assert.Equal(t, "manage_note", tool.Name())
	assert.Equal(t, "read", tool.Function.Parameters.Properties["action"].Enum[0])
	assert.Equal(t, []string{"action"}, tool.Function.Parameters.Required)
	assert.Equal(t, 1.0, *tool.Function.Parameters.Properties["limit"].Minimum)
}

func TestPropertyNamesOrder(t *testing.T) {
	schema := &JSONSchema{
		Type: SchemaObject,
		Properties: map[string]*JSONSchema{
			"zeta":  {Type: SchemaString},
			"alpha": {Type: SchemaString},
			"query": {Type: SchemaString},
		},
		Required: []string{"query"},
	}
	assert.Equal(t, []string{"query", "alpha", "zeta"}, schema.PropertyNames())
}

func TestSchemaDepth(t *testing.T) {
	schema := &JSONSchema{
		Type: SchemaObject,
		Properties: map[string]*JSONSchema{
			"filter": {
				Type: SchemaObject,
				Properties: map[string]*JSONSchema{
					"range": {Type: SchemaObject, Properties: map[string]*JSONSchema{
						"from": {Type: SchemaString},
					}},
				},
			},
		},
	}
	assert.Equal(t, 3, schema.Depth())
}

func TestParsedArguments(t *testing.T) {
	tests := []struct {
		name string
		call ToolCall
		want map[string]any
	}{
		{
			name: "json string",
			call: NewToolCall("1", "smart_search", `{"query":"x"}`),
			want: map[string]any{"query": "x"},
		},
		{
			name: "raw object",
			call: ToolCall{ID: "2", Function: FunctionCall{Name: "smart_search", Arguments: json.RawMessage(`{"query":"y"}`)}},
			want: map[string]any{"query": "y"},
		},
		{
			name: "double encoded",
			call: NewToolCall("3", "smart_search", `"{\"query\":\"z\"}"`),
			want: map[string]any{"query": "z"},
		},
		{
			name: "empty",
			call: NewToolCall("4", "smart_search", ""),
			want: map[string]any{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.call.ParsedArguments()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParsedArgumentsMalformed(t *testing.T) {
	_, err := NewToolCall("1", "smart_search", `{"query":`).ParsedArguments()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedArguments))

	_, err = NewToolCall("2", "smart_search", `[1,2]`).ParsedArguments()
	assert.True(t, errors.Is(err, ErrMalformedArguments))
}

func TestToolResponseString(t *testing.T) {
	resp := Failure("Note not found", &ErrorHelp{Suggestions: []string{"Use smart_search first"}})
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(resp.String()), &decoded))
	assert.Equal(t, false, decoded["success"])
	assert.Equal(t, "Note not found", decoded["error"])
	assert.NotContains(t, decoded, "result")
}

func TestConversationHistoryAppendOnly(t *testing.T) {
	h := NewConversationHistory(Message{Role: RoleSystem, Content: "sys"})
	h.AddUserMessage("hello")
	h.AddAssistantMessage("", []ToolCall{NewToolCall("c1", "smart_search", `{}`)})
	h.AddToolOutput("c1", "smart_search", `{"success":true}`)

	msgs := h.Messages()
	require.Len(t, msgs, 4)
	msgs[1].Content = "mutated"

	assert.Equal(t, "hello", h.Messages()[1].Content)
	assert.Equal(t, "hello", h.LastUserMessage())
	assert.Len(t, h.Since(2), 2)
	assert.False(t, h.Messages()[1].Timestamp.IsZero())
}
