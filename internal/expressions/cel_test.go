package expressions

import (
	"context"
	"testing"

	"github.com/rendis/weave/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCELEngine_Conditions(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	assert.Equal(t, "cel", e.Name())

	ec := &EvalContext{
		Nodes:          map[string]any{"fetch": map[string]any{"status": 200.0, "ok": true}},
		Trigger:        map[string]any{"kind": "push"},
		Vars:           map[string]any{"enabled": true},
		OrganizationID: "org-1",
	}
	ctx := context.Background()

	tests := []struct {
		cond string
		want bool
	}{
		{"", true},
		{"nodes.fetch.status == 200.0", true},
		{"nodes.fetch.ok && vars.enabled", true},
		{`trigger.kind == "pull"`, false},
		{`execution.organizationId == "org-1"`, true},
		{`"fetch" in nodes`, true},
	}
	for _, tt := range tests {
		t.Run(tt.cond, func(t *testing.T) {
			got, err := e.EvaluateCondition(ctx, tt.cond, ec)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCELEngine_NonBoolean(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.EvaluateCondition(context.Background(), `"yes"`, &EvalContext{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeExpression))
}

func TestCELEngine_CompileError(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.EvaluateCondition(context.Background(), "nodes.(", &EvalContext{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestCELEngine_MissingKey(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.EvaluateCondition(context.Background(), "nodes.absent.ok", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExpression))
}
