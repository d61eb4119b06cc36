package expressions

import (
	"encoding/json"
	"maps"
	"sync"

	"github.com/rendis/weave/pkg/schema"
)

// Reserved top-level names of the evaluation environment. Caller variables
// never shadow them.
const (
	KeyNodes          = "nodes"
	KeyTrigger        = "trigger"
	KeyVars           = "vars"
	KeyWorkflowID     = "workflowId"
	KeyExecutionID    = "executionId"
	KeyUserID         = "userId"
	KeyOrganizationID = "organizationId"
)

var reservedKeys = map[string]bool{
	KeyNodes: true, KeyTrigger: true, KeyVars: true, KeyWorkflowID: true,
	KeyExecutionID: true, KeyUserID: true, KeyOrganizationID: true,
}

// EvalContext is the read-only data an expression is evaluated against.
type EvalContext struct {
	Nodes          map[string]any // node id -> output
	Trigger        any
	Vars           map[string]any
	WorkflowID     string
	ExecutionID    string
	UserID         string
	OrganizationID string
}

// WithVars returns a copy whose variables are the receiver's merged with
// vars (vars win). The receiver is not modified.
func (c *EvalContext) WithVars(vars map[string]any) *EvalContext {
	if c == nil {
		c = &EvalContext{}
	}
	cp := *c
	cp.Vars = make(map[string]any, len(c.Vars)+len(vars))
	maps.Copy(cp.Vars, c.Vars)
	maps.Copy(cp.Vars, vars)
	return &cp
}

// Env flattens the context into the map the expression VM sees. Variables
// are available under "vars" and, unless the name is reserved, at the top
// level as well.
func (c *EvalContext) Env() map[string]any {
	env := make(map[string]any, 8+len(c.safeVars()))
	for k, v := range c.safeVars() {
		if !reservedKeys[k] {
			env[k] = v
		}
	}
	nodes := map[string]any{}
	var trigger any
	if c != nil {
		if c.Nodes != nil {
			nodes = c.Nodes
		}
		trigger = c.Trigger
		env[KeyWorkflowID] = c.WorkflowID
		env[KeyExecutionID] = c.ExecutionID
		env[KeyUserID] = c.UserID
		env[KeyOrganizationID] = c.OrganizationID
	}
	env[KeyNodes] = nodes
	env[KeyTrigger] = trigger
	env[KeyVars] = c.safeVars()
	return env
}

func (c *EvalContext) safeVars() map[string]any {
	if c == nil || c.Vars == nil {
		return map[string]any{}
	}
	return c.Vars
}

// ContextBuilder accumulates node outputs over an execution and produces
// EvalContext snapshots. Node outputs are frozen on insert.
type ContextBuilder struct {
	mu    sync.RWMutex
	base  EvalContext
	nodes map[string]any
}

// NewContextBuilder starts a builder from the execution's identifiers,
// trigger payload and variables. trigger and vars are deep-copied.
func NewContextBuilder(base EvalContext) *ContextBuilder {
	base.Trigger = deepCopyAny(base.Trigger)
	base.Vars = deepCopyMap(base.Vars)
	return &ContextBuilder{base: base, nodes: make(map[string]any)}
}

// AddNodeOutput registers a node's output. An id can only be registered once.
func (b *ContextBuilder) AddNodeOutput(nodeID string, output json.RawMessage) error {
	var parsed any
	if len(output) > 0 {
		if err := json.Unmarshal(output, &parsed); err != nil {
			return schema.NewErrorf(schema.ErrCodeExpression, "cannot parse node %q output: %s", nodeID, err.Error())
		}
	}
	return b.SetNodeValue(nodeID, parsed)
}

// SetNodeValue registers an already-decoded node output.
func (b *ContextBuilder) SetNodeValue(nodeID string, value any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.nodes[nodeID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "node %q output already registered", nodeID)
	}
	b.nodes[nodeID] = deepCopyAny(value)
	return nil
}

// Build returns a snapshot safe to hand to concurrent evaluations.
func (b *ContextBuilder) Build() *EvalContext {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ec := b.base
	ec.Nodes = deepCopyMap(b.nodes)
	return &ec
}

// NodeOutputs returns a copy of the registered outputs.
func (b *ContextBuilder) NodeOutputs() map[string]any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return deepCopyMap(b.nodes)
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny copies maps and slices; other JSON values are immutable.
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		return append(json.RawMessage(nil), val...)
	default:
		return v
	}
}
