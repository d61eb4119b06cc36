package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/weave/pkg/schema"
)

// LibSQLStore implements Store using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

var _ Store = (*LibSQLStore)(nil)

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/weave.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	// A single connection serializes writers; claim and slot updates rely on it.
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Workflows ---

func (s *LibSQLStore) SaveWorkflow(ctx context.Context, wf *Workflow) error {
	graph, err := json.Marshal(wf.Graph)
	if err != nil {
		return fmt.Errorf("marshal graph: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, organization_id, name, graph, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, graph=excluded.graph, updated_at=excluded.updated_at`,
		wf.ID, wf.OrganizationID, nullStr(wf.Name), string(graph), timeOrNow(wf.CreatedAt), time.Now().UTC(),
	)
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	wf := &Workflow{}
	var name sql.NullString
	var graph string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, organization_id, name, graph, created_at, updated_at FROM workflows WHERE id = ?`, id,
	).Scan(&wf.ID, &wf.OrganizationID, &name, &graph, &wf.CreatedAt, &wf.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	wf.Name = name.String
	if err := json.Unmarshal([]byte(graph), &wf.Graph); err != nil {
		return nil, fmt.Errorf("unmarshal graph: %w", err)
	}
	return wf, nil
}

// --- Executions ---

const executionColumns = `id, workflow_id, organization_id, user_id, status, mode, graph, trigger_type, trigger_payload,
	final_output, error, start_time, end_time, created_at, updated_at`

func (s *LibSQLStore) CreateExecution(ctx context.Context, rec *ExecutionRecord) error {
	graph, err := json.Marshal(rec.Graph)
	if err != nil {
		return fmt.Errorf("marshal graph: %w", err)
	}
	errJSON, err := marshalOrNil(rec.Error)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}
	mode := rec.Mode
	if mode == "" {
		mode = schema.ExecutionModeNormal
	}
	rec.CreatedAt = timeOrNow(rec.CreatedAt)
	rec.UpdatedAt = rec.CreatedAt
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.WorkflowID, rec.OrganizationID, nullStr(rec.UserID), string(rec.Status), string(mode),
		string(graph), nullStr(rec.TriggerType), nullRaw(rec.TriggerPayload), nullRaw(rec.FinalOutput), errJSON,
		nullTime(rec.StartTime), nullTime(rec.EndTime), rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil && isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q already exists", rec.ID).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	rec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("execution", id)
	}
	return rec, err
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.StartTime != nil {
		sets = append(sets, "start_time = ?")
		args = append(args, *update.StartTime)
	}
	if update.EndTime != nil {
		sets = append(sets, "end_time = ?")
		args = append(args, *update.EndTime)
	}
	if update.FinalOutput != nil {
		sets = append(sets, "final_output = ?")
		args = append(args, string(update.FinalOutput))
	}
	if update.Error != nil {
		errJSON, err := json.Marshal(update.Error)
		if err != nil {
			return fmt.Errorf("marshal error: %w", err)
		}
		sets = append(sets, "error = ?")
		args = append(args, string(errJSON))
	} else if update.ClearError {
		sets = append(sets, "error = NULL")
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC())

	query := fmt.Sprintf("UPDATE executions SET %s WHERE id = ?", strings.Join(sets, ", "))
	args = append(args, id)
	if update.ExpectStatus != nil {
		query += " AND status = ?"
		args = append(args, string(*update.ExpectStatus))
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if update.ExpectStatus == nil {
		return storeNotFound("execution", id)
	}
	current, err := s.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeConflict, "execution %q is %s, expected %s",
		id, current.Status, *update.ExpectStatus)
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.Execution, error) {
	var where []string
	var args []any

	if filter.OrganizationID != "" {
		where = append(where, "organization_id = ?")
		args = append(args, filter.OrganizationID)
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.Execution
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, &rec.Execution)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*ExecutionRecord, error) {
	rec := &ExecutionRecord{}
	var (
		userID, triggerType                  sql.NullString
		triggerPayload, finalOutput, errJSON sql.NullString
		startTime, endTime                   sql.NullTime
		status, mode, graph                  string
	)
	if err := row.Scan(&rec.ID, &rec.WorkflowID, &rec.OrganizationID, &userID, &status, &mode, &graph,
		&triggerType, &triggerPayload, &finalOutput, &errJSON, &startTime, &endTime,
		&rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.UserID = userID.String
	rec.Status = schema.ExecutionStatus(status)
	rec.Mode = schema.ExecutionMode(mode)
	rec.TriggerType = triggerType.String
	rec.TriggerPayload = rawOrNil(triggerPayload)
	rec.FinalOutput = rawOrNil(finalOutput)
	if errJSON.Valid && errJSON.String != "" {
		rec.Error = &schema.ExecutionError{}
		if err := json.Unmarshal([]byte(errJSON.String), rec.Error); err != nil {
			return nil, fmt.Errorf("unmarshal execution error: %w", err)
		}
	}
	if startTime.Valid {
		rec.StartTime = &startTime.Time
	}
	if endTime.Valid {
		rec.EndTime = &endTime.Time
	}
	if err := json.Unmarshal([]byte(graph), &rec.Graph); err != nil {
		return nil, fmt.Errorf("unmarshal graph: %w", err)
	}
	return rec, nil
}

// --- Node executions ---

const nodeExecutionColumns = `execution_id, node_id, status, attempt, max_attempts, input, output, error,
	retry_history, wait_metadata, started_at, completed_at`

func (s *LibSQLStore) UpsertNodeExecution(ctx context.Context, ne *schema.NodeExecution) error {
	errJSON, err := marshalOrNil(ne.Error)
	if err != nil {
		return fmt.Errorf("marshal node error: %w", err)
	}
	var history any
	if len(ne.RetryHistory) > 0 {
		b, err := json.Marshal(ne.RetryHistory)
		if err != nil {
			return fmt.Errorf("marshal retry history: %w", err)
		}
		history = string(b)
	}
	wait, err := marshalOrNil(ne.WaitMetadata)
	if err != nil {
		return fmt.Errorf("marshal wait metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO node_executions (`+nodeExecutionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id, node_id) DO UPDATE SET
		   status=excluded.status, attempt=excluded.attempt, max_attempts=excluded.max_attempts,
		   input=excluded.input, output=excluded.output, error=excluded.error,
		   retry_history=excluded.retry_history, wait_metadata=excluded.wait_metadata,
		   started_at=excluded.started_at, completed_at=excluded.completed_at`,
		ne.ExecutionID, ne.NodeID, string(ne.Status), ne.Attempt, ne.MaxAttempts,
		nullRaw(ne.Input), nullRaw(ne.Output), errJSON, history, wait,
		nullTime(ne.StartedAt), nullTime(ne.CompletedAt),
	)
	return err
}

func (s *LibSQLStore) GetNodeExecution(ctx context.Context, executionID, nodeID string) (*schema.NodeExecution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+nodeExecutionColumns+` FROM node_executions WHERE execution_id = ? AND node_id = ?`,
		executionID, nodeID)
	ne, err := scanNodeExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("node execution", executionID+"/"+nodeID)
	}
	return ne, err
}

func (s *LibSQLStore) ListNodeExecutions(ctx context.Context, executionID string) ([]*schema.NodeExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+nodeExecutionColumns+` FROM node_executions WHERE execution_id = ? ORDER BY node_id`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.NodeExecution
	for rows.Next() {
		ne, err := scanNodeExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ne)
	}
	return out, rows.Err()
}

func scanNodeExecution(row rowScanner) (*schema.NodeExecution, error) {
	ne := &schema.NodeExecution{}
	var (
		status                             string
		input, output, errJSON, hist, wait sql.NullString
		startedAt, completedAt             sql.NullTime
	)
	if err := row.Scan(&ne.ExecutionID, &ne.NodeID, &status, &ne.Attempt, &ne.MaxAttempts,
		&input, &output, &errJSON, &hist, &wait, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	ne.Status = schema.NodeStatus(status)
	ne.Input = rawOrNil(input)
	ne.Output = rawOrNil(output)
	if errJSON.Valid && errJSON.String != "" {
		ne.Error = &schema.ExecutionError{}
		if err := json.Unmarshal([]byte(errJSON.String), ne.Error); err != nil {
			return nil, fmt.Errorf("unmarshal node error: %w", err)
		}
	}
	if hist.Valid && hist.String != "" {
		if err := json.Unmarshal([]byte(hist.String), &ne.RetryHistory); err != nil {
			return nil, fmt.Errorf("unmarshal retry history: %w", err)
		}
	}
	if wait.Valid && wait.String != "" {
		ne.WaitMetadata = &schema.WaitMetadata{}
		if err := json.Unmarshal([]byte(wait.String), ne.WaitMetadata); err != nil {
			return nil, fmt.Errorf("unmarshal wait metadata: %w", err)
		}
	}
	if startedAt.Valid {
		ne.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		ne.CompletedAt = &completedAt.Time
	}
	return ne, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.WeaveError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

// isUniqueViolation matches SQLite's constraint message; the libsql driver
// does not expose typed error codes.
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

// marshalOrNil encodes v as a JSON string column, or NULL for a nil pointer.
func marshalOrNil[T any](v *T) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(ns sql.NullInt64) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := fromMillis(ns.Int64)
	return &t
}
