package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/weave/pkg/schema"
)

// AppendSnapshot appends a history entry with a monotonically increasing
// per-execution sequence.
func (s *LibSQLStore) AppendSnapshot(ctx context.Context, snap *Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx starts a deferred transaction. A write-intent
	// statement takes the write lock before the sequence is read.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM execution_snapshots WHERE execution_id = ?`, snap.ExecutionID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	snap.Sequence = seq
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO execution_snapshots (execution_id, node_id, event_type, status, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.ExecutionID, nullStr(snap.NodeID), snap.Type, nullStr(snap.Status), nullRaw(snap.Payload), snap.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		snap.ID = id
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// GetSnapshots returns entries with sequence > since, ordered by sequence.
func (s *LibSQLStore) GetSnapshots(ctx context.Context, executionID string, since int64) ([]*Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, node_id, event_type, status, payload, timestamp, sequence
		 FROM execution_snapshots WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Snapshot
	for rows.Next() {
		e := &Snapshot{}
		var nodeID, status, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &nodeID, &e.Type, &status, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.NodeID = nodeID.String
		e.Status = status.String
		e.Payload = rawOrNil(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ExecutionLog is the append-only persistence collaborator the runtime
// writes state transitions to.
type ExecutionLog struct {
	store SnapshotStore
}

// NewExecutionLog wraps a SnapshotStore.
func NewExecutionLog(s SnapshotStore) *ExecutionLog {
	return &ExecutionLog{store: s}
}

// Record appends one transition. payload is JSON-encoded when non-nil.
func (l *ExecutionLog) Record(ctx context.Context, executionID, nodeID, eventType, status string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal snapshot payload: %w", err)
		}
		raw = b
	}
	return l.store.AppendSnapshot(ctx, &Snapshot{
		ExecutionID: executionID,
		NodeID:      nodeID,
		Type:        eventType,
		Status:      status,
		Payload:     raw,
	})
}

// History returns every entry for an execution.
func (l *ExecutionLog) History(ctx context.Context, executionID string) ([]*Snapshot, error) {
	return l.store.GetSnapshots(ctx, executionID, 0)
}

// ReplayNodeStatuses folds the history into the latest status per node.
// Returns an error if sequence gaps are detected.
func (l *ExecutionLog) ReplayNodeStatuses(ctx context.Context, executionID string) (map[string]schema.NodeStatus, error) {
	snaps, err := l.store.GetSnapshots(ctx, executionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get snapshots for replay: %w", err)
	}

	statuses := make(map[string]schema.NodeStatus)
	for i, s := range snaps {
		if s.Sequence != int64(i+1) {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d", executionID, i+1, s.Sequence)
		}
		if s.NodeID == "" {
			continue
		}
		switch s.Type {
		case schema.EventNodeStarted, schema.EventNodeRetrying:
			statuses[s.NodeID] = schema.NodeStatusRunning
		case schema.EventNodeSucceeded, schema.EventNodeReplayed:
			statuses[s.NodeID] = schema.NodeStatusSucceeded
		case schema.EventNodeFailed:
			statuses[s.NodeID] = schema.NodeStatusFailed
		case schema.EventNodeSkipped:
			statuses[s.NodeID] = schema.NodeStatusSkipped
		case schema.EventNodeWaiting:
			statuses[s.NodeID] = schema.NodeStatusWaiting
		}
	}
	return statuses, nil
}
