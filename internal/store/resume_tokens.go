package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rendis/weave/pkg/schema"
)

func (s *LibSQLStore) CreateResumeToken(ctx context.Context, tok *schema.ResumeToken) error {
	tok.CreatedAt = timeOrNow(tok.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_resume_tokens (token_hash, execution_id, workflow_id, organization_id, node_id,
		   resume_state, initial_data, expires_ms, created_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tok.TokenHash, tok.ExecutionID, tok.WorkflowID, tok.OrganizationID, tok.NodeID,
		nullRaw(tok.ResumeState), nullRaw(tok.InitialData), millis(tok.ExpiresAt), millis(tok.CreatedAt),
	)
	if err != nil && isUniqueViolation(err) {
		return schema.NewError(schema.ErrCodeConflict, "resume token hash already exists").WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetResumeToken(ctx context.Context, tokenHash string) (*schema.ResumeToken, error) {
	return getResumeToken(ctx, s.db, tokenHash)
}

// ConsumeResumeToken sets consumed_at in a single conditional update. Only
// when that update matches nothing is the row read back to explain why.
func (s *LibSQLStore) ConsumeResumeToken(ctx context.Context, tokenHash string, now time.Time) (*schema.ResumeToken, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE execution_resume_tokens SET consumed_ms = ?
		 WHERE token_hash = ? AND consumed_ms IS NULL AND expires_ms > ?`,
		millis(now), tokenHash, millis(now),
	)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	tok, err := getResumeToken(ctx, tx, tokenHash)
	if err != nil {
		if schema.HasCode(err, schema.ErrCodeNotFound) {
			return nil, schema.NewError(schema.ErrCodeTokenNotFound, "resume token not found")
		}
		return nil, err
	}
	if n == 0 {
		if tok.ConsumedAt != nil {
			return nil, schema.NewErrorf(schema.ErrCodeTokenAlreadyConsumed,
				"resume token already consumed at %s", tok.ConsumedAt.Format(time.RFC3339))
		}
		return nil, schema.NewErrorf(schema.ErrCodeTokenExpired,
			"resume token expired at %s", tok.ExpiresAt.Format(time.RFC3339))
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return tok, nil
}

// ReleaseResumeToken undoes a consumption that was never acted on. It only
// clears the row consumed at consumedAt, so a later redemption is not undone.
func (s *LibSQLStore) ReleaseResumeToken(ctx context.Context, tokenHash string, consumedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE execution_resume_tokens SET consumed_ms = NULL
		 WHERE token_hash = ? AND consumed_ms = ?`,
		tokenHash, millis(consumedAt),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewError(schema.ErrCodeConflict, "resume token is not held by this consumption")
	}
	return nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getResumeToken(ctx context.Context, q queryRower, tokenHash string) (*schema.ResumeToken, error) {
	tok := &schema.ResumeToken{}
	var state, initial sql.NullString
	var expires, created int64
	var consumed sql.NullInt64
	err := q.QueryRowContext(ctx,
		`SELECT token_hash, execution_id, workflow_id, organization_id, node_id, resume_state, initial_data,
		   expires_ms, consumed_ms, created_ms
		 FROM execution_resume_tokens WHERE token_hash = ?`, tokenHash,
	).Scan(&tok.TokenHash, &tok.ExecutionID, &tok.WorkflowID, &tok.OrganizationID, &tok.NodeID,
		&state, &initial, &expires, &consumed, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("resume token", tokenHash)
	}
	if err != nil {
		return nil, err
	}
	tok.ResumeState = rawOrNil(state)
	tok.InitialData = rawOrNil(initial)
	tok.ExpiresAt = fromMillis(expires)
	tok.ConsumedAt = nullMillis(consumed)
	tok.CreatedAt = fromMillis(created)
	return tok, nil
}
