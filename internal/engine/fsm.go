package engine

import (
	"context"
	"slices"

	"github.com/rendis/weave/pkg/schema"
)

// Recorder is the append-only persistence collaborator FSMs emit snapshots to.
// Satisfied by *store.ExecutionLog and test fakes.
type Recorder interface {
	Record(ctx context.Context, executionID, nodeID, eventType, status string, payload any) error
}

// --- Execution FSM ---

// ExecutionFSM validates execution lifecycle transitions and records them.
// The caller is responsible for persisting the new status to the store.
type ExecutionFSM struct {
	rec Recorder
}

func NewExecutionFSM(rec Recorder) *ExecutionFSM {
	return &ExecutionFSM{rec: rec}
}

// Transition validates from → to and appends the corresponding snapshot.
func (f *ExecutionFSM) Transition(ctx context.Context, executionID string, from, to schema.ExecutionStatus, payload any) error {
	if !slices.Contains(ValidExecutionTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}
	if err := f.rec.Record(ctx, executionID, "", executionEventType(from, to), string(to), payload); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "record execution transition: %s", err.Error()).WithCause(err)
	}
	return nil
}

// Interrupted records that a run stopped without settling. The status is
// left running so the execution can be redelivered.
func (f *ExecutionFSM) Interrupted(ctx context.Context, executionID, reason string) error {
	return f.rec.Record(ctx, executionID, "", schema.EventExecutionInterrupted,
		string(schema.ExecutionStatusRunning), map[string]any{"reason": reason})
}

func executionEventType(from, to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecutionStatusRunning:
		if from == schema.ExecutionStatusWaiting {
			return schema.EventExecutionResumed
		}
		return schema.EventExecutionStarted
	case schema.ExecutionStatusCompleted:
		return schema.EventExecutionCompleted
	case schema.ExecutionStatusFailed:
		return schema.EventExecutionFailed
	case schema.ExecutionStatusWaiting:
		return schema.EventExecutionWaiting
	}
	return ""
}

// --- Node FSM ---

// NodeFSM validates node lifecycle transitions and records them.
type NodeFSM struct {
	rec Recorder
}

func NewNodeFSM(rec Recorder) *NodeFSM {
	return &NodeFSM{rec: rec}
}

// Transition validates from → to and appends the corresponding snapshot.
// running → running is a retry.
func (f *NodeFSM) Transition(ctx context.Context, executionID, nodeID string, from, to schema.NodeStatus, payload any) error {
	if !slices.Contains(ValidNodeTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid node transition: %s -> %s", from, to).
			WithNode(nodeID).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}
	if err := f.rec.Record(ctx, executionID, nodeID, nodeEventType(from, to), string(to), payload); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "record node transition: %s", err.Error()).
			WithNode(nodeID).WithCause(err)
	}
	return nil
}

// Replayed records that a node's committed output was reused instead of
// invoking it again.
func (f *NodeFSM) Replayed(ctx context.Context, executionID, nodeID string, payload any) error {
	return f.rec.Record(ctx, executionID, nodeID, schema.EventNodeReplayed, string(schema.NodeStatusSucceeded), payload)
}

func nodeEventType(from, to schema.NodeStatus) string {
	switch to {
	case schema.NodeStatusRunning:
		if from == schema.NodeStatusRunning {
			return schema.EventNodeRetrying
		}
		return schema.EventNodeStarted
	case schema.NodeStatusSucceeded:
		return schema.EventNodeSucceeded
	case schema.NodeStatusFailed:
		return schema.EventNodeFailed
	case schema.NodeStatusSkipped:
		return schema.EventNodeSkipped
	case schema.NodeStatusWaiting:
		return schema.EventNodeWaiting
	}
	return ""
}

// --- Transition tables ---

// ValidExecutionTransitions defines the allowed state transitions for executions.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionStatusQueued:    {schema.ExecutionStatusRunning, schema.ExecutionStatusFailed},
	schema.ExecutionStatusRunning:   {schema.ExecutionStatusCompleted, schema.ExecutionStatusFailed, schema.ExecutionStatusWaiting},
	schema.ExecutionStatusWaiting:   {schema.ExecutionStatusRunning},
	schema.ExecutionStatusCompleted: {},
	schema.ExecutionStatusFailed:    {},
}

// ValidNodeTransitions defines the allowed state transitions for nodes.
var ValidNodeTransitions = map[schema.NodeStatus][]schema.NodeStatus{
	schema.NodeStatusPending:   {schema.NodeStatusRunning, schema.NodeStatusSkipped},
	schema.NodeStatusRunning:   {schema.NodeStatusRunning, schema.NodeStatusSucceeded, schema.NodeStatusFailed, schema.NodeStatusWaiting, schema.NodeStatusSkipped},
	schema.NodeStatusWaiting:   {schema.NodeStatusSucceeded, schema.NodeStatusFailed},
	schema.NodeStatusSucceeded: {},
	schema.NodeStatusFailed:    {},
	schema.NodeStatusSkipped:   {},
}
