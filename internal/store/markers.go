package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// BeginNodeMarker records that a node invocation is starting. If a marker
// already exists (a previous delivery got this far) it is returned unchanged,
// apart from the attempt counter of an uncommitted marker.
func (s *LibSQLStore) BeginNodeMarker(ctx context.Context, executionID, nodeID string, attempt int) (*NodeMarker, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO node_markers (execution_id, node_id, state, attempt, started_ms) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id, node_id) DO UPDATE SET attempt = excluded.attempt
		 WHERE node_markers.state = ?`,
		executionID, nodeID, MarkerStarted, attempt, millis(time.Now()), MarkerStarted,
	)
	if err != nil {
		return nil, err
	}
	return s.GetNodeMarker(ctx, executionID, nodeID)
}

// CommitNodeMarker stores the node output and marks the marker committed.
// Committing twice keeps the first output.
func (s *LibSQLStore) CommitNodeMarker(ctx context.Context, executionID, nodeID string, output []byte) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE node_markers SET state = ?, output = ?, committed_ms = ?
		 WHERE execution_id = ? AND node_id = ? AND state = ?`,
		MarkerCommitted, nullRaw(output), millis(time.Now()), executionID, nodeID, MarkerStarted,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	// Either already committed or never begun.
	_, err = s.GetNodeMarker(ctx, executionID, nodeID)
	return err
}

func (s *LibSQLStore) GetNodeMarker(ctx context.Context, executionID, nodeID string) (*NodeMarker, error) {
	m := &NodeMarker{}
	var output sql.NullString
	var started int64
	var committed sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT execution_id, node_id, state, attempt, output, started_ms, committed_ms
		 FROM node_markers WHERE execution_id = ? AND node_id = ?`, executionID, nodeID,
	).Scan(&m.ExecutionID, &m.NodeID, &m.State, &m.Attempt, &output, &started, &committed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("node marker", executionID+"/"+nodeID)
	}
	if err != nil {
		return nil, err
	}
	m.Output = rawOrNil(output)
	m.StartedAt = fromMillis(started)
	m.CommittedAt = nullMillis(committed)
	return m, nil
}
