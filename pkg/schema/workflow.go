package schema

import (
	"encoding/json"
	"fmt"
)

// WorkflowGraph is the immutable-per-run snapshot of a workflow.
type WorkflowGraph struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organization_id,omitempty"`
	Nodes          []Node         `json:"nodes"`
	Edges          []Edge         `json:"edges,omitempty"`
	TerminalNodes  []string       `json:"terminal_nodes,omitempty"` // default: every sink node
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// NodeKind enumerates the kinds of nodes in a graph.
type NodeKind string

const (
	NodeKindTrigger   NodeKind = "trigger"
	NodeKindAction    NodeKind = "action"
	NodeKindTransform NodeKind = "transform"
)

// Valid reports whether k is a known node kind.
func (k NodeKind) Valid() bool {
	switch k {
	case NodeKindTrigger, NodeKindAction, NodeKindTransform:
		return true
	}
	return false
}

// Node is a unit of work in a workflow graph.
type Node struct {
	ID            string         `json:"id"`
	Kind          NodeKind       `json:"kind"`
	AppID         string         `json:"app_id"`
	OperationID   string         `json:"operation_id"`
	Params        Params         `json:"params,omitempty"`
	RuntimeCode   *RuntimeCode   `json:"runtime_code,omitempty"`
	Retry         *RetryPolicy   `json:"retry,omitempty"`
	Condition     string         `json:"condition,omitempty"` // CEL guard; false skips the node
	CredentialRef *CredentialRef `json:"credential_ref,omitempty"`
}

// Edge connects two node ids: To depends on From.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// RuntimeCode is inline custom code executed in the sandbox instead of a
// registered connector.
type RuntimeCode struct {
	Code       string `json:"code"`
	EntryPoint string `json:"entry_point,omitempty"` // default: "Run"
	TimeoutMs  int    `json:"timeout_ms,omitempty"`
}

// RetryPolicy configures retry behavior for a node.
type RetryPolicy struct {
	MaxAttempts int    `json:"max_attempts"`        // total attempts including the first
	Backoff     string `json:"backoff,omitempty"`   // none | constant | linear | exponential (default: none)
	Delay       string `json:"delay,omitempty"`     // initial delay (e.g. "1s", "500ms")
	MaxDelay    string `json:"max_delay,omitempty"` // cap for computed delays
}

// CredentialRef points at an encrypted credential blob the credential service
// can open. Secret fields of the decrypted payload are injected as secrets.
type CredentialRef struct {
	Ciphertext        string `json:"ciphertext"`
	IV                string `json:"iv"`
	KeyID             string `json:"key_id"`
	DataKeyCiphertext string `json:"data_key_ciphertext,omitempty"`
}

// ExecutionMode selects whether side-effecting connectors actually commit.
type ExecutionMode string

const (
	ExecutionModeNormal ExecutionMode = "normal"
	ExecutionModeDryRun ExecutionMode = "dry_run"
)

// ParseExecutionMode validates a mode string. Empty means normal.
func ParseExecutionMode(s string) (ExecutionMode, error) {
	switch ExecutionMode(s) {
	case "", ExecutionModeNormal:
		return ExecutionModeNormal, nil
	case ExecutionModeDryRun:
		return ExecutionModeDryRun, nil
	}
	return "", NewErrorf(ErrCodeValidation, "unknown execution mode %q", s)
}

// ParamSpec is a declared node parameter: either a Literal or an Expression.
type ParamSpec interface {
	isParamSpec()
}

// Literal is a parameter whose value is used as-is. Nested maps and slices
// may themselves contain Expression values.
type Literal struct {
	Value any
}

// Expression is a parameter bound to a data-binding expression.
type Expression struct {
	Expr     string
	Fallback *any
	Vars     map[string]any
}

func (Literal) isParamSpec()    {}
func (Expression) isParamSpec() {}

// ExprModeKey and ExprModeValue form the discriminator of an expression
// parameter on the wire: {"mode":"expr","expression":"..."}.
const (
	ExprModeKey   = "mode"
	ExprModeValue = "expr"
)

type expressionWire struct {
	Mode       string          `json:"mode"`
	Expression string          `json:"expression"`
	Fallback   json.RawMessage `json:"fallback,omitempty"`
	Vars       map[string]any  `json:"vars,omitempty"`
}

// MarshalJSON encodes an expression parameter in wire form.
func (e Expression) MarshalJSON() ([]byte, error) {
	w := expressionWire{Mode: ExprModeValue, Expression: e.Expr, Vars: e.Vars}
	if e.Fallback != nil {
		raw, err := json.Marshal(*e.Fallback)
		if err != nil {
			return nil, err
		}
		w.Fallback = raw
	}
	return json.Marshal(w)
}

// MarshalJSON encodes a literal parameter as its bare value.
func (l Literal) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.Value)
}

// Params maps parameter names to their specs.
type Params map[string]ParamSpec

// UnmarshalJSON decodes each parameter, recognizing expression specs only by
// the explicit mode discriminator.
func (p *Params) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Params, len(raw))
	for name, msg := range raw {
		spec, err := DecodeParamSpec(msg)
		if err != nil {
			return fmt.Errorf("param %q: %w", name, err)
		}
		out[name] = spec
	}
	*p = out
	return nil
}

// DecodeParamSpec decodes a single parameter.
func DecodeParamSpec(data []byte) (ParamSpec, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	decoded, err := decodeParamValue(v)
	if err != nil {
		return nil, err
	}
	if e, ok := decoded.(Expression); ok {
		return e, nil
	}
	return Literal{Value: decoded}, nil
}

func decodeParamValue(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		if mode, ok := val[ExprModeKey].(string); ok && mode == ExprModeValue {
			return decodeExpression(val)
		}
		out := make(map[string]any, len(val))
		for k, item := range val {
			d, err := decodeParamValue(item)
			if err != nil {
				return nil, err
			}
			out[k] = d
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			d, err := decodeParamValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = d
		}
		return out, nil
	default:
		return v, nil
	}
}

func decodeExpression(m map[string]any) (Expression, error) {
	expr, ok := m["expression"].(string)
	if !ok || expr == "" {
		return Expression{}, NewError(ErrCodeValidation, "expression parameter requires a non-empty \"expression\"")
	}
	e := Expression{Expr: expr}
	if fb, ok := m["fallback"]; ok {
		e.Fallback = &fb
	}
	if vars, ok := m["vars"].(map[string]any); ok {
		e.Vars = vars
	}
	return e, nil
}

// ExprParam is a convenience constructor for an expression parameter.
func ExprParam(expr string) Expression {
	return Expression{Expr: expr}
}

// ExprParamWithFallback builds an expression parameter with a fallback value.
func ExprParamWithFallback(expr string, fallback any) Expression {
	return Expression{Expr: expr, Fallback: &fallback}
}
