// ABOUTME: Tests for schema parsing and fail-safe default synthesis
// ABOUTME: Covers explicit defaults, safe enums, zero values and decision schemas

package elicitation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSchema(t *testing.T) {
	raw := json.RawMessage(`{
		"type": "object",
		"properties": {
			"value": {"type": "string", "description": "the secret"},
			"expiresInHours": {"type": "number", "default": 24},
			"count": {"type": "integer"},
			"confirm": {"type": "boolean"},
			"tags": {"type": "array"},
			"mode": {"type": "string", "enum": ["fast", "skip", "slow"]},
			"opts": {"type": "object", "properties": {"depth": {"type": "integer", "default": 2}}}
		},
		"required": ["value"]
	}`)

	s, err := ParseSchema(raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"value"}, s.Required)
	assert.Equal(t, KindString, s.Properties["value"].Kind)
	assert.Equal(t, "the secret", s.Properties["value"].Description)
	assert.Equal(t, KindNumber, s.Properties["expiresInHours"].Kind)
	assert.Equal(t, 24.0, s.Properties["expiresInHours"].Default)
	assert.Equal(t, KindInteger, s.Properties["count"].Kind)
	assert.Equal(t, KindBool, s.Properties["confirm"].Kind)
	assert.Equal(t, KindArray, s.Properties["tags"].Kind)
	assert.Equal(t, KindEnum, s.Properties["mode"].Kind)
	assert.Equal(t, []string{"fast", "skip", "slow"}, s.Properties["mode"].EnumValues)
	assert.Equal(t, KindObject, s.Properties["opts"].Kind)
	assert.Equal(t, KindInteger, s.Properties["opts"].Properties["depth"].Kind)

	assert.Equal(t, []string{"confirm", "count", "expiresInHours", "mode", "opts", "tags", "value"}, s.Names())
}

func TestParseSchema_Errors(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`{"type": "array"}`,
		`{"properties": {"x": {"type": "date"}}}`,
		`{"properties": {"o": {"type": "object", "properties": {"y": {"type": "tuple"}}}}}`,
	} {
		_, err := ParseSchema(json.RawMessage(raw))
		assert.ErrorIs(t, err, ErrInvalidSchema, raw)
	}
}

func TestSchema_JSONRoundTrip(t *testing.T) {
	s := Schema{
		Properties: map[string]Property{
			"decision": {Kind: KindEnum, EnumValues: []string{"approve", "abort"}},
			"note":     {Kind: KindString, Default: "none"},
		},
		Required: []string{"decision"},
	}

	data, err := json.Marshal(s)
	require.NoError(t, err)

	var back Schema
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, KindEnum, back.Properties["decision"].Kind)
	assert.Equal(t, []string{"approve", "abort"}, back.Properties["decision"].EnumValues)
	assert.Equal(t, "none", back.Properties["note"].Default)
	assert.Equal(t, []string{"decision"}, back.Required)
}

func TestDefaultResponse(t *testing.T) {
	s := Schema{Properties: map[string]Property{
		"explicit":   {Kind: KindString, Default: "given"},
		"safe":       {Kind: KindEnum, EnumValues: []string{"go", "retry", "skip", "cancel"}},
		"first":      {Kind: KindEnum, EnumValues: []string{"red", "green"}},
		"flag":       {Kind: KindBool},
		"num":        {Kind: KindNumber},
		"int":        {Kind: KindInteger},
		"text":       {Kind: KindString},
		"list":       {Kind: KindArray},
		"nested":     {Kind: KindObject, Properties: map[string]Property{"inner": {Kind: KindBool, Default: true}}},
		"enumWithDf": {Kind: KindEnum, EnumValues: []string{"abort", "go"}, Default: "go"},
	}}

	got := DefaultResponse(s)
	assert.Equal(t, "given", got["explicit"])
	assert.Equal(t, "cancel", got["safe"], "cancel outranks skip")
	assert.Equal(t, "red", got["first"])
	assert.Equal(t, false, got["flag"])
	assert.Equal(t, 0.0, got["num"])
	assert.Equal(t, 0, got["int"])
	assert.Equal(t, "", got["text"])
	assert.Equal(t, []any{}, got["list"])
	assert.Equal(t, map[string]any{"inner": true}, got["nested"])
	assert.Equal(t, "go", got["enumWithDf"])
	assert.NotContains(t, got, "decision")
}

func TestDefaultResponse_DecisionAlwaysAborts(t *testing.T) {
	schemas := []Schema{
		{Properties: map[string]Property{"decision": {Kind: KindEnum, EnumValues: []string{"approve", "abort"}}}},
		{Properties: map[string]Property{"decision": {Kind: KindEnum, EnumValues: []string{"approve", "abort"}, Default: "approve"}}},
		{Properties: map[string]Property{"decision": {Kind: KindString, Default: "proceed"}}},
		{Properties: map[string]Property{"decision": {Kind: KindBool}}},
	}
	for i, s := range schemas {
		assert.Equal(t, "abort", DefaultResponse(s)["decision"], "schema %d", i)
	}
}

func TestCoerce(t *testing.T) {
	tests := []struct {
		p     Property
		in    string
		want  any
		isErr bool
	}{
		{Property{Kind: KindBool}, "yes", true, false},
		{Property{Kind: KindBool}, "false", false, false},
		{Property{Kind: KindBool}, "maybe", nil, true},
		{Property{Kind: KindNumber}, "2.5", 2.5, false},
		{Property{Kind: KindInteger}, "7", 7, false},
		{Property{Kind: KindInteger}, "7.5", nil, true},
		{Property{Kind: KindEnum, EnumValues: []string{"a", "b"}}, "b", "b", false},
		{Property{Kind: KindEnum, EnumValues: []string{"a", "b"}}, "c", nil, true},
		{Property{Kind: KindArray}, `[1, "x"]`, []any{1.0, "x"}, false},
		{Property{Kind: KindObject}, `{"k": "v"}`, map[string]any{"k": "v"}, false},
		{Property{Kind: KindString}, "hello", "hello", false},
	}
	for _, tt := range tests {
		got, err := coerce(tt.p, tt.in)
		if tt.isErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
