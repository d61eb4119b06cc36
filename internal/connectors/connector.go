// Package connectors holds the registry of operation handlers a workflow
// node can invoke, and the poll handlers behind polling triggers.
package connectors

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/weave/pkg/schema"
)

// Invocation is what a handler receives for one node attempt.
type Invocation struct {
	ExecutionID    string
	WorkflowID     string
	OrganizationID string
	NodeID         string
	Attempt        int
	Mode           schema.ExecutionMode

	Params map[string]any
	// Credentials hold decrypted credential fields; string values are
	// secrets.Secret and must be revealed only where they are sent.
	Credentials map[string]any
	// Trigger is the execution's trigger payload.
	Trigger any
}

// Result is a handler's outcome. Success=false is a connector failure
// carrying Error as its message.
type Result struct {
	Success bool
	Data    any
	Error   string
	// Suspend parks the node until an external callback resumes it.
	Suspend *Suspension
}

// Suspension asks the runtime to park the node.
type Suspension struct {
	Reason string
	TTL    time.Duration
	// State is carried on the resume token and handed back on resume.
	State map[string]any
	// NotifyURL receives the raw resume token once the node is parked.
	NotifyURL string
}

// Handler executes one operation.
type Handler func(ctx context.Context, inv Invocation) (*Result, error)

// Operation is a registered connector operation.
type Operation struct {
	Kind        schema.NodeKind
	AppID       string
	OperationID string
	Description string
	InputSchema json.RawMessage
	// SideEffects marks operations that are skipped in dry_run mode.
	SideEffects bool
	Handler     Handler
}

// OperationInfo summarises a registered operation for listing.
type OperationInfo struct {
	Kind        schema.NodeKind `json:"kind"`
	AppID       string          `json:"app_id"`
	OperationID string          `json:"operation_id"`
	Description string          `json:"description,omitempty"`
	SideEffects bool            `json:"side_effects"`
}

// PollRequest is handed to a poll handler for one claimed trigger.
type PollRequest struct {
	Trigger *schema.PollingTrigger
	Cursor  json.RawMessage
	Now     time.Time
}

// PollItem is one discovered external event.
type PollItem struct {
	// DedupeToken identifies the event; an item whose token was seen within
	// the TTL window is dropped.
	DedupeToken string
	Payload     any
}

// PollResult carries discovered items and the cursor to persist. A nil
// Cursor keeps the previous one.
type PollResult struct {
	Items  []PollItem
	Cursor json.RawMessage
}

// PollHandler polls an external source for a trigger.
type PollHandler func(ctx context.Context, req PollRequest) (*PollResult, error)

// Succeeded builds a successful Result.
func Succeeded(data any) *Result {
	return &Result{Success: true, Data: data}
}

// Failed builds a connector failure Result.
func Failed(msg string) *Result {
	return &Result{Error: msg}
}
