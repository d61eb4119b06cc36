package store

import (
	"context"
	"time"
)

// AcquireSlot counts the organization's active slots and inserts a new one
// inside a single transaction.
func (s *LibSQLStore) AcquireSlot(ctx context.Context, organizationID, jobID string, limit int, now time.Time) (SlotResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return SlotResult{}, err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tenant_slots WHERE job_id = ?`, jobID).Scan(&exists); err != nil {
		return SlotResult{}, err
	}

	var active int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tenant_slots WHERE organization_id = ? AND released_ms IS NULL`,
		organizationID).Scan(&active); err != nil {
		return SlotResult{}, err
	}
	if exists > 0 {
		return SlotResult{Acquired: true, Active: active}, nil
	}
	if limit > 0 && active >= limit {
		return SlotResult{Acquired: false, Active: active}, nil
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tenant_slots (job_id, organization_id, acquired_ms) VALUES (?, ?, ?)`,
		jobID, organizationID, millis(now)); err != nil {
		return SlotResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return SlotResult{}, err
	}
	return SlotResult{Acquired: true, Active: active + 1}, nil
}

// ReleaseSlot is conditional on released_ms being NULL, so concurrent or
// repeated releases decrement the active count exactly once.
func (s *LibSQLStore) ReleaseSlot(ctx context.Context, jobID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tenant_slots SET released_ms = ? WHERE job_id = ? AND released_ms IS NULL`,
		millis(now), jobID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *LibSQLStore) CountActiveSlots(ctx context.Context, organizationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tenant_slots WHERE organization_id = ? AND released_ms IS NULL`,
		organizationID).Scan(&n)
	return n, err
}

// CountSlotsSince counts jobs admitted since the given time, released or not.
func (s *LibSQLStore) CountSlotsSince(ctx context.Context, organizationID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tenant_slots WHERE organization_id = ? AND acquired_ms >= ?`,
		organizationID, millis(since)).Scan(&n)
	return n, err
}

// --- Leases ---

// TryAcquireLease takes the named lease when it is free or expired. An
// unexpired lease held by someone else leaves the row untouched.
func (s *LibSQLStore) TryAcquireLease(ctx context.Context, name, owner string, ttl time.Duration, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO leases (name, owner, expires_ms) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET owner = excluded.owner, expires_ms = excluded.expires_ms
		 WHERE leases.expires_ms <= ?`,
		name, owner, millis(now.Add(ttl)), millis(now))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *LibSQLStore) ReleaseLease(ctx context.Context, name, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE name = ? AND owner = ?`, name, owner)
	return err
}

func (s *LibSQLStore) SweepLeases(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE expires_ms < ?`, millis(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
