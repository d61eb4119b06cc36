package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/weave/pkg/schema"
)

// Workflow is a stored workflow definition.
type Workflow struct {
	ID             string               `json:"id"`
	OrganizationID string               `json:"organization_id"`
	Name           string               `json:"name,omitempty"`
	Graph          schema.WorkflowGraph `json:"graph"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

// ExecutionRecord is an execution together with the graph snapshot it runs.
type ExecutionRecord struct {
	schema.Execution
	Graph schema.WorkflowGraph `json:"graph"`
}

// ExecutionUpdate holds optional fields for a partial execution update.
// When ExpectStatus is set the update only applies from that status, and a
// mismatch fails with CONFLICT.
type ExecutionUpdate struct {
	Status       *schema.ExecutionStatus
	ExpectStatus *schema.ExecutionStatus
	StartTime    *time.Time
	EndTime      *time.Time
	FinalOutput  json.RawMessage
	Error        *schema.ExecutionError
	ClearError   bool
}

// ExecutionFilter controls which executions ListExecutions returns.
type ExecutionFilter struct {
	OrganizationID string
	WorkflowID     string
	Status         *schema.ExecutionStatus
	Limit          int
}

// Marker states.
const (
	MarkerStarted   = "started"
	MarkerCommitted = "committed"
)

// NodeMarker records that a side-effecting node invocation began, and once
// committed, its output.
type NodeMarker struct {
	ExecutionID string          `json:"execution_id"`
	NodeID      string          `json:"node_id"`
	State       string          `json:"state"`
	Attempt     int             `json:"attempt"`
	Output      json.RawMessage `json:"output,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CommittedAt *time.Time      `json:"committed_at,omitempty"`
}

// Committed reports whether the node's side effects are durable.
func (m *NodeMarker) Committed() bool {
	return m != nil && m.State == MarkerCommitted
}

// Snapshot is an immutable entry in the execution history.
type Snapshot struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	NodeID      string          `json:"node_id,omitempty"`
	Type        string          `json:"event_type"`
	Status      string          `json:"status,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// TriggerFilter controls which polling triggers ListPollingTriggers returns.
type TriggerFilter struct {
	OrganizationID string
	WorkflowID     string
	Region         string
	ActiveOnly     bool
	Limit          int
}

// ClaimRequest selects due polling triggers for one scheduler cycle.
type ClaimRequest struct {
	Now      time.Time
	Limit    int
	Region   string
	Owner    string
	ClaimFor time.Duration
}

// PollOutcome is persisted when a claimed trigger is released.
type PollOutcome struct {
	Cursor       json.RawMessage
	NextPollAt   time.Time
	BackoffCount int
	LastStatus   string
	LastError    string
}

// SlotResult reports the outcome of a slot acquisition.
type SlotResult struct {
	Acquired bool
	Active   int // active slots for the organization, excluding this job if rejected
}
