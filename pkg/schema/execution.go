package schema

import (
	"encoding/json"
	"time"
)

// Execution is one run of a workflow graph.
type Execution struct {
	ID             string          `json:"execution_id"`
	WorkflowID     string          `json:"workflow_id"`
	OrganizationID string          `json:"organization_id"`
	UserID         string          `json:"user_id,omitempty"`
	Status         ExecutionStatus `json:"status"`
	Mode           ExecutionMode   `json:"mode,omitempty"`
	StartTime      *time.Time      `json:"start_time,omitempty"`
	EndTime        *time.Time      `json:"end_time,omitempty"`
	TriggerType    string          `json:"trigger_type,omitempty"`
	TriggerPayload json.RawMessage `json:"trigger_payload,omitempty"`
	FinalOutput    json.RawMessage `json:"final_output,omitempty"`
	Error          *ExecutionError `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// ExecutionError is the user-visible failure of an execution. Message is
// always redacted.
type ExecutionError struct {
	NodeID  string `json:"node_id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NodeExecution is the per-node record nested under an execution.
type NodeExecution struct {
	ExecutionID  string          `json:"execution_id"`
	NodeID       string          `json:"node_id"`
	Status       NodeStatus      `json:"status"`
	Attempt      int             `json:"attempt"`
	MaxAttempts  int             `json:"max_attempts"`
	Input        json.RawMessage `json:"input,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	Error        *ExecutionError `json:"error,omitempty"`
	RetryHistory []RetryRecord   `json:"retry_history,omitempty"`
	WaitMetadata *WaitMetadata   `json:"wait_metadata,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// RetryRecord captures one failed attempt of a node.
type RetryRecord struct {
	Attempt int       `json:"attempt"`
	Error   string    `json:"error"`
	Code    string    `json:"code,omitempty"`
	At      time.Time `json:"at"`
	DelayMs int64     `json:"delay_ms,omitempty"`
}

// WaitMetadata is attached to a waiting node. It references the resume token
// by hash only.
type WaitMetadata struct {
	TokenHash string    `json:"token_hash"`
	ExpiresAt time.Time `json:"expires_at"`
	Reason    string    `json:"reason,omitempty"`
}

// ResumeToken is the persisted side of a single-use resume credential.
type ResumeToken struct {
	TokenHash      string          `json:"token_hash"`
	ExecutionID    string          `json:"execution_id"`
	WorkflowID     string          `json:"workflow_id"`
	OrganizationID string          `json:"organization_id"`
	NodeID         string          `json:"node_id"`
	ResumeState    json.RawMessage `json:"resume_state,omitempty"`
	InitialData    json.RawMessage `json:"initial_data,omitempty"`
	ExpiresAt      time.Time       `json:"expires_at"`
	ConsumedAt     *time.Time      `json:"consumed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// PollingTrigger is a schedule-driven trigger discovered by polling an
// external system.
type PollingTrigger struct {
	ID              string          `json:"id"`
	WorkflowID      string          `json:"workflow_id"`
	OrganizationID  string          `json:"organization_id"`
	AppID           string          `json:"app_id"`
	TriggerID       string          `json:"trigger_id"`
	IntervalSeconds int             `json:"interval_seconds"`
	Schedule        string          `json:"schedule,omitempty"` // optional cron expression; overrides the interval on success
	NextPollAt      time.Time       `json:"next_poll_at"`
	BackoffCount    int             `json:"backoff_count"`
	LastStatus      string          `json:"last_status,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
	Cursor          json.RawMessage `json:"cursor,omitempty"`
	Config          json.RawMessage `json:"config,omitempty"`
	IsActive        bool            `json:"is_active"`
	Region          string          `json:"region"`
	ClaimedBy       string          `json:"claimed_by,omitempty"`
	ClaimedUntil    *time.Time      `json:"claimed_until,omitempty"`
	Version         int64           `json:"version"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Polling outcomes stored in PollingTrigger.LastStatus.
const (
	PollStatusSuccess = "success"
	PollStatusError   = "error"
)

// DedupeToken suppresses re-delivery of an already-seen external event.
type DedupeToken struct {
	TriggerID string    `json:"trigger_id"`
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
}

// QueueJob is a unit of work held by a queue driver. Attempt counts the
// deliveries that already ended without an ack, so a first delivery sees 0.
type QueueJob struct {
	ID            string          `json:"id"`
	Queue         string          `json:"queue"`
	Payload       json.RawMessage `json:"payload"`
	Attempt       int             `json:"attempt"`
	MaxAttempts   int             `json:"max_attempts"`
	GroupKey      string          `json:"group_key,omitempty"`
	LockOwner     string          `json:"lock_owner,omitempty"`
	LockExpiresAt *time.Time      `json:"lock_expires_at,omitempty"`
	ReadyAt       time.Time       `json:"ready_at"`
	CreatedAt     time.Time       `json:"created_at"`
}
