package store

import (
	"context"
	"time"

	"github.com/rendis/weave/pkg/schema"
)

// Store is the full persistence surface. Components depend on the narrower
// interfaces below.
type Store interface {
	WorkflowStore
	ExecutionStore
	MarkerStore
	SnapshotStore
	ResumeTokenStore
	TriggerStore
	DedupeStore
	SlotStore
	LeaseStore

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error
	Close() error
}

// WorkflowStore persists workflow definitions.
type WorkflowStore interface {
	SaveWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
}

// ExecutionStore persists executions and their node records.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec *ExecutionRecord) error
	GetExecution(ctx context.Context, id string) (*ExecutionRecord, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.Execution, error)

	UpsertNodeExecution(ctx context.Context, ne *schema.NodeExecution) error
	GetNodeExecution(ctx context.Context, executionID, nodeID string) (*schema.NodeExecution, error)
	ListNodeExecutions(ctx context.Context, executionID string) ([]*schema.NodeExecution, error)
}

// MarkerStore persists node-level idempotency markers.
type MarkerStore interface {
	BeginNodeMarker(ctx context.Context, executionID, nodeID string, attempt int) (*NodeMarker, error)
	CommitNodeMarker(ctx context.Context, executionID, nodeID string, output []byte) error
	GetNodeMarker(ctx context.Context, executionID, nodeID string) (*NodeMarker, error)
}

// SnapshotStore is the append-only execution history.
type SnapshotStore interface {
	AppendSnapshot(ctx context.Context, snap *Snapshot) error
	GetSnapshots(ctx context.Context, executionID string, since int64) ([]*Snapshot, error)
}

// ResumeTokenStore persists hashed resume tokens.
type ResumeTokenStore interface {
	CreateResumeToken(ctx context.Context, tok *schema.ResumeToken) error
	GetResumeToken(ctx context.Context, tokenHash string) (*schema.ResumeToken, error)
	// ConsumeResumeToken marks the token consumed in one atomic update and
	// returns it. Fails with TOKEN_NOT_FOUND, TOKEN_EXPIRED or
	// TOKEN_ALREADY_CONSUMED.
	ConsumeResumeToken(ctx context.Context, tokenHash string, now time.Time) (*schema.ResumeToken, error)
	// ReleaseResumeToken clears the consumption made at consumedAt.
	ReleaseResumeToken(ctx context.Context, tokenHash string, consumedAt time.Time) error
}

// TriggerStore persists polling triggers and their claim cycle.
type TriggerStore interface {
	CreatePollingTrigger(ctx context.Context, pt *schema.PollingTrigger) error
	GetPollingTrigger(ctx context.Context, id string) (*schema.PollingTrigger, error)
	ListPollingTriggers(ctx context.Context, filter TriggerFilter) ([]*schema.PollingTrigger, error)
	SetPollingTriggerActive(ctx context.Context, id string, active bool) error

	// ClaimPollingTrigger claims one trigger if its version still matches.
	// Returns false when another claimant won.
	ClaimPollingTrigger(ctx context.Context, id string, version int64, owner string, until time.Time) (bool, error)
	ClaimDuePollingTriggers(ctx context.Context, req ClaimRequest) ([]*schema.PollingTrigger, error)
	ReleasePollingTrigger(ctx context.Context, id, owner string, result PollOutcome) error
}

// DedupeStore persists dedupe tokens.
type DedupeStore interface {
	// RecordDedupeToken returns true when the token is new, or when a previous
	// record of it is older than the TTL window.
	RecordDedupeToken(ctx context.Context, triggerID, token string, now time.Time, ttl time.Duration) (bool, error)
	ListDedupeTokens(ctx context.Context, triggerID string) ([]*schema.DedupeToken, error)
	// ForgetDedupeToken removes a record so the event can be delivered again.
	ForgetDedupeToken(ctx context.Context, triggerID, token string) error
	SweepDedupeTokens(ctx context.Context, before time.Time) (int64, error)
}

// SlotStore tracks per-tenant admitted jobs.
type SlotStore interface {
	// AcquireSlot admits jobID for the organization when fewer than limit
	// slots are active. A limit <= 0 means unlimited. Re-acquiring an existing
	// job id is a no-op that reports success.
	AcquireSlot(ctx context.Context, organizationID, jobID string, limit int, now time.Time) (SlotResult, error)
	// ReleaseSlot frees the slot once. Returns false if it was already released.
	ReleaseSlot(ctx context.Context, jobID string, now time.Time) (bool, error)
	CountActiveSlots(ctx context.Context, organizationID string) (int, error)
	CountSlotsSince(ctx context.Context, organizationID string, since time.Time) (int, error)
}

// LeaseStore provides named expiring leases.
type LeaseStore interface {
	TryAcquireLease(ctx context.Context, name, owner string, ttl time.Duration, now time.Time) (bool, error)
	ReleaseLease(ctx context.Context, name, owner string) error
	SweepLeases(ctx context.Context, before time.Time) (int64, error)
}
