package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/weave/pkg/schema"
)

const triggerColumns = `id, workflow_id, organization_id, app_id, trigger_id, interval_seconds, schedule, next_poll_ms,
	backoff_count, last_status, last_error, cursor, config, is_active, region, claimed_by, claimed_until_ms,
	version, created_at, updated_at`

func (s *LibSQLStore) CreatePollingTrigger(ctx context.Context, pt *schema.PollingTrigger) error {
	if pt.Region == "" {
		pt.Region = "default"
	}
	pt.CreatedAt = timeOrNow(pt.CreatedAt)
	pt.UpdatedAt = pt.CreatedAt
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO polling_triggers (`+triggerColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, 0, ?, ?)`,
		pt.ID, pt.WorkflowID, pt.OrganizationID, pt.AppID, pt.TriggerID, pt.IntervalSeconds, nullStr(pt.Schedule),
		millis(pt.NextPollAt), pt.BackoffCount, nullStr(pt.LastStatus), nullStr(pt.LastError),
		nullRaw(pt.Cursor), nullRaw(pt.Config), boolInt(pt.IsActive), pt.Region, pt.CreatedAt, pt.UpdatedAt,
	)
	return err
}

func (s *LibSQLStore) GetPollingTrigger(ctx context.Context, id string) (*schema.PollingTrigger, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+triggerColumns+` FROM polling_triggers WHERE id = ?`, id)
	pt, err := scanTrigger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("polling trigger", id)
	}
	return pt, err
}

func (s *LibSQLStore) ListPollingTriggers(ctx context.Context, filter TriggerFilter) ([]*schema.PollingTrigger, error) {
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
	if filter.Region != "" {
		where = append(where, "region = ?")
		args = append(args, filter.Region)
	}
	if filter.ActiveOnly {
		where = append(where, "is_active = 1")
	}

	query := `SELECT ` + triggerColumns + ` FROM polling_triggers`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY next_poll_ms ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	return s.queryTriggers(ctx, query, args...)
}

func (s *LibSQLStore) SetPollingTriggerActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE polling_triggers SET is_active = ?, version = version + 1, updated_at = ? WHERE id = ?`,
		boolInt(active), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "polling trigger", id)
}

// ClaimPollingTrigger is the optimistic row-level claim: it only succeeds if
// nobody bumped the version since the caller read it.
func (s *LibSQLStore) ClaimPollingTrigger(ctx context.Context, id string, version int64, owner string, until time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE polling_triggers SET claimed_by = ?, claimed_until_ms = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		owner, millis(until), time.Now().UTC(), id, version)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ClaimDuePollingTriggers selects active triggers in the region whose
// next poll is due and whose previous claim (if any) has lapsed, then claims
// each one optimistically. Triggers lost to a concurrent claimant are
// dropped from the result.
func (s *LibSQLStore) ClaimDuePollingTriggers(ctx context.Context, req ClaimRequest) ([]*schema.PollingTrigger, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 100
	}
	now := millis(req.Now)
	candidates, err := s.queryTriggers(ctx,
		`SELECT `+triggerColumns+` FROM polling_triggers
		 WHERE is_active = 1 AND region = ? AND next_poll_ms <= ?
		   AND (claimed_until_ms IS NULL OR claimed_until_ms <= ?)
		 ORDER BY next_poll_ms ASC LIMIT ?`,
		req.Region, now, now, limit)
	if err != nil {
		return nil, fmt.Errorf("select due triggers: %w", err)
	}

	until := req.Now.Add(req.ClaimFor)
	var claimed []*schema.PollingTrigger
	for _, pt := range candidates {
		ok, err := s.ClaimPollingTrigger(ctx, pt.ID, pt.Version, req.Owner, until)
		if err != nil {
			return claimed, fmt.Errorf("claim trigger %s: %w", pt.ID, err)
		}
		if !ok {
			continue
		}
		pt.Version++
		pt.ClaimedBy = req.Owner
		pt.ClaimedUntil = &until
		claimed = append(claimed, pt)
	}
	return claimed, nil
}

// ReleasePollingTrigger stores the poll outcome and clears the claim. It
// fails with CONFLICT when the caller no longer holds the claim.
func (s *LibSQLStore) ReleasePollingTrigger(ctx context.Context, id, owner string, out PollOutcome) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE polling_triggers SET cursor = COALESCE(?, cursor), next_poll_ms = ?, backoff_count = ?,
		   last_status = ?, last_error = ?, claimed_by = NULL, claimed_until_ms = NULL,
		   version = version + 1, updated_at = ?
		 WHERE id = ? AND claimed_by = ?`,
		nullRaw(out.Cursor), millis(out.NextPollAt), out.BackoffCount, nullStr(out.LastStatus),
		nullStr(out.LastError), time.Now().UTC(), id, owner)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeConflict, "polling trigger %q is not claimed by %s", id, owner)
	}
	return nil
}

func (s *LibSQLStore) queryTriggers(ctx context.Context, query string, args ...any) ([]*schema.PollingTrigger, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.PollingTrigger
	for rows.Next() {
		pt, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pt)
	}
	return out, rows.Err()
}

func scanTrigger(row rowScanner) (*schema.PollingTrigger, error) {
	pt := &schema.PollingTrigger{}
	var (
		schedule, lastStatus, lastError, cursor, config, claimedBy sql.NullString
		nextPoll                                                   int64
		active                                                     int
		claimedUntil                                               sql.NullInt64
	)
	if err := row.Scan(&pt.ID, &pt.WorkflowID, &pt.OrganizationID, &pt.AppID, &pt.TriggerID, &pt.IntervalSeconds,
		&schedule, &nextPoll, &pt.BackoffCount, &lastStatus, &lastError, &cursor, &config, &active, &pt.Region,
		&claimedBy, &claimedUntil, &pt.Version, &pt.CreatedAt, &pt.UpdatedAt); err != nil {
		return nil, err
	}
	pt.Schedule = schedule.String
	pt.NextPollAt = fromMillis(nextPoll)
	pt.LastStatus = lastStatus.String
	pt.LastError = lastError.String
	pt.Cursor = rawOrNil(cursor)
	pt.Config = rawOrNil(config)
	pt.IsActive = active != 0
	pt.ClaimedBy = claimedBy.String
	pt.ClaimedUntil = nullMillis(claimedUntil)
	return pt, nil
}

// --- Dedupe tokens ---

// RecordDedupeToken inserts the token, or refreshes a record older than the
// TTL window. Zero rows changed means the token was seen recently.
func (s *LibSQLStore) RecordDedupeToken(ctx context.Context, triggerID, token string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_dedupe (trigger_id, token, created_ms) VALUES (?, ?, ?)
		 ON CONFLICT(trigger_id, token) DO UPDATE SET created_ms = excluded.created_ms
		 WHERE webhook_dedupe.created_ms <= ?`,
		triggerID, token, millis(now), millis(now.Add(-ttl)))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *LibSQLStore) ListDedupeTokens(ctx context.Context, triggerID string) ([]*schema.DedupeToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT trigger_id, token, created_ms FROM webhook_dedupe WHERE trigger_id = ? ORDER BY created_ms ASC`, triggerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.DedupeToken
	for rows.Next() {
		d := &schema.DedupeToken{}
		var created int64
		if err := rows.Scan(&d.TriggerID, &d.Token, &created); err != nil {
			return nil, err
		}
		d.CreatedAt = fromMillis(created)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) ForgetDedupeToken(ctx context.Context, triggerID, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM webhook_dedupe WHERE trigger_id = ? AND token = ?`, triggerID, token)
	return err
}

func (s *LibSQLStore) SweepDedupeTokens(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhook_dedupe WHERE created_ms < ?`, millis(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
