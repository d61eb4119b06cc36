package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/weave/pkg/schema"
)

type fakeLookup map[string]bool

func (f fakeLookup) Has(kind schema.NodeKind, appID, operationID string) bool {
	return f[string(kind)+"/"+appID+"/"+operationID]
}

func validGraph() *schema.WorkflowGraph {
	return &schema.WorkflowGraph{
		ID: "wf",
		Nodes: []schema.Node{
			{ID: "start", Kind: schema.NodeKindTrigger, AppID: "core", OperationID: "manual"},
			{ID: "echo", Kind: schema.NodeKindAction, AppID: "core", OperationID: "echo",
				Params: schema.Params{"message": schema.Literal{Value: "hi"}}},
		},
		Edges: []schema.Edge{{From: "start", To: "echo"}},
	}
}

func newValidator(t *testing.T, lookup ConnectorLookup) *GraphValidator {
	t.Helper()
	v, err := NewGraphValidator(lookup)
	require.NoError(t, err)
	return v
}

func TestValidate_ValidGraph(t *testing.T) {
	v := newValidator(t, fakeLookup{"trigger/core/manual": true, "action/core/echo": true})
	res := v.Validate(validGraph())
	assert.True(t, res.Valid(), "%v", res.Errors)
	assert.Empty(t, res.Warnings)
	assert.NoError(t, v.ValidateGraph(validGraph()))
}

func TestValidate_StructuralErrorsShortCircuit(t *testing.T) {
	v := newValidator(t, nil)
	g := validGraph()
	g.Nodes[1].Kind = "webhook"
	g.Edges = append(g.Edges, schema.Edge{From: "echo", To: "start"})

	res := v.Validate(g)
	require.False(t, res.Valid())
	for _, issue := range res.Errors {
		assert.Equal(t, schema.ErrCodeValidation, issue.Code, "no DAG stage errors expected")
	}
}

func TestValidate_Cycle(t *testing.T) {
	v := newValidator(t, nil)
	g := validGraph()
	g.Nodes = append(g.Nodes, schema.Node{ID: "loop", Kind: schema.NodeKindAction, AppID: "core", OperationID: "echo"})
	g.Edges = append(g.Edges, schema.Edge{From: "echo", To: "loop"}, schema.Edge{From: "loop", To: "echo"})

	err := v.ValidateGraph(g)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeCycleDetected))
	assert.Contains(t, err.Error(), "[echo loop]")
}

func TestValidate_SelfLoopAndBadRefs(t *testing.T) {
	v := newValidator(t, nil)
	g := validGraph()
	g.Edges = append(g.Edges, schema.Edge{From: "echo", To: "echo"}, schema.Edge{From: "ghost", To: "echo"})
	g.TerminalNodes = []string{"nowhere"}

	res := v.Validate(g)
	require.Len(t, res.Errors, 3)
	assert.Equal(t, schema.ErrCodeCycleDetected, res.Errors[0].Code)
	assert.Equal(t, "edges[2].from", res.Errors[1].Path)
	assert.Equal(t, "terminal_nodes[0]", res.Errors[2].Path)
}

func TestValidate_MissingConnector(t *testing.T) {
	v := newValidator(t, fakeLookup{"trigger/core/manual": true})
	res := v.Validate(validGraph())
	require.Len(t, res.Errors, 1)
	assert.Equal(t, schema.ErrCodeNoRuntimeImplementation, res.Errors[0].Code)
}

func TestValidate_RuntimeCodeNeedsNoConnector(t *testing.T) {
	v := newValidator(t, fakeLookup{"trigger/core/manual": true})
	g := validGraph()
	g.Nodes[1].AppID = ""
	g.Nodes[1].OperationID = ""
	g.Nodes[1].RuntimeCode = &schema.RuntimeCode{Code: "func Run(p map[string]any) any { return p }"}
	assert.True(t, v.Validate(g).Valid())

	g.Nodes[1].RuntimeCode = nil
	res := v.Validate(g)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Message, "needs app_id")
}

func TestValidate_DuplicateIDsAndWarnings(t *testing.T) {
	v := newValidator(t, nil)
	g := validGraph()
	g.Nodes = append(g.Nodes, schema.Node{ID: "echo", Kind: schema.NodeKindAction, AppID: "a", OperationID: "b"})
	res := v.Validate(g)
	require.False(t, res.Valid())
	assert.Contains(t, res.Errors[0].Message, `duplicate node id "echo"`)

	g = validGraph()
	g.Nodes = append(g.Nodes, schema.Node{ID: "orphan", Kind: schema.NodeKindAction, AppID: "a", OperationID: "b",
		Retry: &schema.RetryPolicy{MaxAttempts: 20, Delay: "10s", MaxDelay: "1s"}})
	res = v.Validate(g)
	assert.True(t, res.Valid())
	require.Len(t, res.Warnings, 3)
}

func TestSchemaValidator_ValidateInput(t *testing.T) {
	sv, err := NewSchemaValidator()
	require.NoError(t, err)

	inputSchema := []byte(`{"type":"object","required":["url"],"properties":{"url":{"type":"string","format":"uri"},"retries":{"type":"integer"}}}`)

	assert.NoError(t, sv.ValidateInput(map[string]any{"url": "https://example.com", "retries": 2}, inputSchema))

	err = sv.ValidateInput(map[string]any{"retries": "two"}, inputSchema)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	assert.Contains(t, err.Error(), "2 errors")

	assert.NoError(t, sv.ValidateInput(map[string]any{"anything": 1}, nil))

	err = sv.ValidateInput(map[string]any{}, []byte(`{not json`))
	assert.Error(t, err)
}

func TestSchemaValidator_ViolationPaths(t *testing.T) {
	sv, err := NewSchemaValidator()
	require.NoError(t, err)

	violations, err := sv.Violations([]any{1, "x"}, []byte(`{"type":"array","items":{"type":"number"}}`))
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, "/1", violations[0].Path)
}
