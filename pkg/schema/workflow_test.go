package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParams_DecodeLiteralAndExpression(t *testing.T) {
	raw := `{
		"message": "hi",
		"count": 3,
		"channel": {"mode": "expr", "expression": "trigger.channel", "fallback": "#general", "vars": {"x": 1}},
		"body": {"text": {"mode": "expr", "expression": "nodes.fetch.title"}, "mode": "plain"}
	}`

	var p Params
	require.NoError(t, json.Unmarshal([]byte(raw), &p))
	require.Len(t, p, 4)

	assert.Equal(t, Literal{Value: "hi"}, p["message"])
	assert.Equal(t, Literal{Value: float64(3)}, p["count"])

	ch, ok := p["channel"].(Expression)
	require.True(t, ok)
	assert.Equal(t, "trigger.channel", ch.Expr)
	require.NotNil(t, ch.Fallback)
	assert.Equal(t, "#general", *ch.Fallback)
	assert.Equal(t, float64(1), ch.Vars["x"])

	// "mode" with any other value is an ordinary literal field.
	body, ok := p["body"].(Literal)
	require.True(t, ok)
	m := body.Value.(map[string]any)
	assert.Equal(t, "plain", m["mode"])
	assert.Equal(t, Expression{Expr: "nodes.fetch.title"}, m["text"])
}

func TestParams_ExpressionRequiresText(t *testing.T) {
	var p Params
	err := json.Unmarshal([]byte(`{"a": {"mode": "expr"}}`), &p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `param "a"`)
}

func TestExpression_MarshalRoundTrip(t *testing.T) {
	node := Node{
		ID:   "n1",
		Kind: NodeKindAction,
		Params: Params{
			"a": ExprParamWithFallback("vars.x + 1", float64(0)),
			"b": Literal{Value: "plain"},
		},
	}
	data, err := json.Marshal(node)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"mode":"expr"`)

	var back Node
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, node.Params, back.Params)
}

func TestParseExecutionMode(t *testing.T) {
	m, err := ParseExecutionMode("")
	require.NoError(t, err)
	assert.Equal(t, ExecutionModeNormal, m)

	m, err = ParseExecutionMode("dry_run")
	require.NoError(t, err)
	assert.Equal(t, ExecutionModeDryRun, m)

	// Loose spellings are rejected rather than guessed.
	_, err = ParseExecutionMode("preview")
	assert.True(t, HasCode(err, ErrCodeValidation))
}
