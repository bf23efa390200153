package coercion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yukin371/quill/internal/core"
)

func searchTool() core.Tool {
	return core.NewTool("smart_search", "Search notes", &core.JSONSchema{
		Type: core.SchemaObject,
		Properties: map[string]*core.JSONSchema{
			"query":      {Type: core.SchemaString},
			"limit":      {Type: core.SchemaInteger, Default: float64(10)},
			"fuzzy":      {Type: core.SchemaBoolean},
			"threshold":  {Type: core.SchemaNumber},
			"tags":       {Type: core.SchemaArray, Items: &core.JSONSchema{Type: core.SchemaString}},
			"searchType": {Type: core.SchemaString, Enum: []string{"keyword", "semantic", "attribute"}},
		},
		Required: []string{"query"},
	})
}

func newEngine() *Engine {
	return NewEngine(DefaultOptions(), nil)
}

func TestCoerceWellTypedArgumentsUnchanged(t *testing.T) {
	raw := map[string]any{"query": "project notes", "limit": float64(5)}
	res := newEngine().Coerce(raw, searchTool())

	require.True(t, res.Success)
	assert.Equal(t, raw, res.Value)
	assert.Empty(t, res.Corrections)
}

func TestCoerceTypeRepairs(t *testing.T) {
	tests := []struct {
		name  string
		param string
		in    any
		want  any
		kind  CorrectionType
	}{
		{"numeric string to integer", "limit", "20", float64(20), CorrectionStringToInteger},
		{"fraction to integer", "limit", 2.6, float64(3), CorrectionNumberToInteger},
		{"numeric string to number", "threshold", " 0.5 ", 0.5, CorrectionStringToNumber},
		{"yes to boolean", "fuzzy", "YES", true, CorrectionStringToBoolean},
		{"zero string to boolean", "fuzzy", "0", false, CorrectionStringToBoolean},
		{"one to boolean", "fuzzy", float64(1), true, CorrectionNumberToBoolean},
		{"csv to array", "tags", "work, urgent ,, todo", []any{"work", "urgent", "todo"}, CorrectionCSVToArray},
		{"json to array", "tags", `["a","b"]`, []any{"a", "b"}, CorrectionJSONToArray},
		{"scalar to array", "tags", float64(7), []any{"7"}, CorrectionScalarToArray},
		{"number to string", "query", float64(42), "42", CorrectionToString},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := map[string]any{"query": "x", tt.param: tt.in}
			res := newEngine().Coerce(raw, searchTool())

			require.True(t, res.Success, res.Errors)
			assert.Equal(t, tt.want, res.Value[tt.param])

			var kinds []CorrectionType
			for _, c := range res.Corrections {
				if c.Parameter == tt.param {
					kinds = append(kinds, c.Type)
				}
			}
			assert.Contains(t, kinds, tt.kind)
		})
	}
}

func TestCoerceRejectsNaNString(t *testing.T) {
	res := newEngine().Coerce(map[string]any{"query": "x", "threshold": "NaN"}, searchTool())

	require.True(t, res.Success)
	assert.NotContains(t, res.Value, "threshold")
	require.NotEmpty(t, res.Corrections)
	assert.Equal(t, CorrectionRemovedInvalid, res.Corrections[len(res.Corrections)-1].Type)
}

func TestCoerceAppliesDefault(t *testing.T) {
	res := newEngine().Coerce(map[string]any{"query": "x"}, searchTool())

	require.True(t, res.Success)
	assert.Equal(t, float64(10), res.Value["limit"])
	require.Len(t, res.Corrections, 1)
	assert.Equal(t, CorrectionDefaultApplied, res.Corrections[0].Type)
	assert.Equal(t, 1.0, res.Corrections[0].Confidence)
}

func TestCoerceDoesNotMutateInput(t *testing.T) {
	raw := map[string]any{"query": "x", "limit": "3"}
	newEngine().Coerce(raw, searchTool())
	assert.Equal(t, "3", raw["limit"])
}

func TestCoerceRequiredFailure(t *testing.T) {
	tool := core.NewTool("navigate_hierarchy", "", &core.JSONSchema{
		Type: core.SchemaObject,
		Properties: map[string]*core.JSONSchema{
			"noteId": {Type: core.SchemaString},
			"depth":  {Type: core.SchemaInteger},
		},
		Required: []string{"noteId", "depth"},
	})

	res := newEngine().Coerce(map[string]any{"depth": "deep"}, tool)

	require.False(t, res.Success)
	require.Len(t, res.Errors, 2)
	assert.Equal(t, "noteId", res.Errors[0].Parameter)
	assert.Equal(t, "depth", res.Errors[1].Parameter)
	assert.Equal(t, "integer", res.Errors[1].ExpectedType)
	assert.Error(t, res.Err())
}

func TestCoerceEnum(t *testing.T) {
	tests := []struct {
		in   string
		want string
		kind CorrectionType
	}{
		{"keyword", "keyword", ""},
		{"Semantic", "semantic", CorrectionEnumCase},
		{"semantc", "semantic", CorrectionEnumFuzzy},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			res := newEngine().Coerce(map[string]any{"query": "x", "searchType": tt.in}, searchTool())
			require.True(t, res.Success)
			assert.Equal(t, tt.want, res.Value["searchType"])
			if tt.kind == "" {
				assert.Len(t, res.Corrections, 1) // default for limit only
				return
			}
			found := false
			for _, c := range res.Corrections {
				if c.Parameter == "searchType" {
					found = true
					assert.Equal(t, tt.kind, c.Type)
					assert.GreaterOrEqual(t, c.Confidence, DefaultFuzzyThreshold)
				}
			}
			assert.True(t, found)
		})
	}
}

func TestCoerceEnumBelowFloorRejected(t *testing.T) {
	tool := core.NewTool("manage_note", "", &core.JSONSchema{
		Type: core.SchemaObject,
		Properties: map[string]*core.JSONSchema{
			"action": {Type: core.SchemaString, Enum: []string{"read", "create", "update", "append"}},
		},
		Required: []string{"action"},
	})

	res := newEngine().Coerce(map[string]any{"action": "obliterate"}, tool)
	require.False(t, res.Success)
	assert.Equal(t, "action", res.Errors[0].Parameter)

	strict := NewEngine(Options{FuzzyEnums: false}, nil)
	res = strict.Coerce(map[string]any{"action": "creat"}, tool)
	assert.False(t, res.Success)
}

func TestSimilarityIsMonotonic(t *testing.T) {
	exact := Similarity("create", "create")
	oneEdit := Similarity("create", "creat")
	twoEdits := Similarity("create", "cret")
	unrelated := Similarity("create", "xyz")

	assert.Greater(t, exact, oneEdit)
	assert.Greater(t, oneEdit, twoEdits)
	assert.Greater(t, twoEdits, unrelated)
}

func TestCoerceDeterministicAcrossKeyOrder(t *testing.T) {
	engine := newEngine()
	tool := searchTool()

	a := map[string]any{}
	a["query"] = "x"
	a["limit"] = "7"
	a["tags"] = "a,b"
	a["fuzzy"] = "true"

	b := map[string]any{}
	b["fuzzy"] = "true"
	b["tags"] = "a,b"
	b["limit"] = "7"
	b["query"] = "x"

	first := engine.Coerce(a, tool)
	for i := 0; i < 20; i++ {
		again := engine.Coerce(b, tool)
		assert.Equal(t, first.Value, again.Value)
		assert.Equal(t, first.Corrections, again.Corrections)
	}
}

func TestValidateArguments(t *testing.T) {
	maxDepth := 5.0
	tool := core.NewTool("navigate_hierarchy", "", &core.JSONSchema{
		Type: core.SchemaObject,
		Properties: map[string]*core.JSONSchema{
			"noteId": {Type: core.SchemaString},
			"depth":  {Type: core.SchemaInteger, Maximum: &maxDepth},
		},
		Required: []string{"noteId"},
	})
	v := NewSchemaValidator()

	assert.NoError(t, v.ValidateArguments(tool, map[string]any{"noteId": "n1", "depth": float64(2)}))
	assert.Error(t, v.ValidateArguments(tool, map[string]any{"noteId": "n1", "depth": float64(9)}))
	assert.Error(t, v.ValidateArguments(tool, map[string]any{"depth": float64(1)}))
}
