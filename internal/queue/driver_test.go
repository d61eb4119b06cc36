package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/weave/pkg/schema"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testJob(id, group string, readyAt time.Time, maxAttempts int) *schema.QueueJob {
	return &schema.QueueJob{
		ID:          id,
		Queue:       "q",
		Payload:     json.RawMessage(`{"kind":"run","execution_id":"exec-` + id + `"}`),
		MaxAttempts: maxAttempts,
		GroupKey:    group,
		ReadyAt:     readyAt,
		CreatedAt:   readyAt,
	}
}

// runDriverContract exercises the lease semantics every Driver must share.
func runDriverContract(t *testing.T, newDriver func(t *testing.T) Driver) {
	ctx := context.Background()

	t.Run("claim and ack", func(t *testing.T) {
		d := newDriver(t)
		require.NoError(t, d.Push(ctx, testJob("j1", "org-a", t0, 3)))

		job, err := d.Claim(ctx, "q", "w1", t0.Add(time.Minute), t0, nil)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, "j1", job.ID)
		assert.Equal(t, "org-a", job.GroupKey)
		assert.Equal(t, 0, job.Attempt)
		assert.Equal(t, 3, job.MaxAttempts)
		assert.Equal(t, "w1", job.LockOwner)
		assert.JSONEq(t, `{"kind":"run","execution_id":"exec-j1"}`, string(job.Payload))

		again, err := d.Claim(ctx, "q", "w2", t0.Add(time.Minute), t0, nil)
		require.NoError(t, err)
		assert.Nil(t, again, "a leased job is not claimable")

		require.NoError(t, d.Ack(ctx, "q", "j1", "w1"))
		assert.True(t, schema.HasCode(d.Ack(ctx, "q", "j1", "w1"), schema.ErrCodeLockLost))

		empty, err := d.Claim(ctx, "q", "w1", t0.Add(time.Minute), t0.Add(time.Hour), nil)
		require.NoError(t, err)
		assert.Nil(t, empty)
	})

	t.Run("duplicate push conflicts", func(t *testing.T) {
		d := newDriver(t)
		require.NoError(t, d.Push(ctx, testJob("j1", "org-a", t0, 1)))
		err := d.Push(ctx, testJob("j1", "org-a", t0, 1))
		assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
	})

	t.Run("future jobs wait", func(t *testing.T) {
		d := newDriver(t)
		require.NoError(t, d.Push(ctx, testJob("later", "org-a", t0.Add(time.Minute), 1)))

		job, err := d.Claim(ctx, "q", "w1", t0.Add(time.Hour), t0, nil)
		require.NoError(t, err)
		assert.Nil(t, job)

		job, err = d.Claim(ctx, "q", "w1", t0.Add(time.Hour), t0.Add(time.Minute), nil)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, "later", job.ID)
	})

	t.Run("oldest first", func(t *testing.T) {
		d := newDriver(t)
		require.NoError(t, d.Push(ctx, testJob("second", "org-a", t0.Add(time.Second), 1)))
		require.NoError(t, d.Push(ctx, testJob("first", "org-a", t0, 1)))

		job, err := d.Claim(ctx, "q", "w1", t0.Add(time.Hour), t0.Add(time.Minute), nil)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, "first", job.ID)
	})

	t.Run("excluded groups are skipped", func(t *testing.T) {
		d := newDriver(t)
		require.NoError(t, d.Push(ctx, testJob("a1", "org-a", t0, 1)))
		require.NoError(t, d.Push(ctx, testJob("b1", "org-b", t0.Add(time.Second), 1)))

		job, err := d.Claim(ctx, "q", "w1", t0.Add(time.Hour), t0.Add(time.Minute), []string{"org-a"})
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, "b1", job.ID)

		job, err = d.Claim(ctx, "q", "w1", t0.Add(time.Hour), t0.Add(time.Minute), []string{"org-a"})
		require.NoError(t, err)
		assert.Nil(t, job)
	})

	t.Run("extend requires the owner", func(t *testing.T) {
		d := newDriver(t)
		require.NoError(t, d.Push(ctx, testJob("j1", "org-a", t0, 1)))
		_, err := d.Claim(ctx, "q", "w1", t0.Add(10*time.Second), t0, nil)
		require.NoError(t, err)

		require.NoError(t, d.ExtendLock(ctx, "q", "j1", "w1", t0.Add(time.Minute)))
		err = d.ExtendLock(ctx, "q", "j1", "w2", t0.Add(time.Minute))
		assert.True(t, schema.HasCode(err, schema.ErrCodeLockLost))

		// The extension moved the expiry, so an earlier reclaim leaves it alone.
		res, err := d.ReclaimExpired(ctx, "q", t0.Add(30*time.Second))
		require.NoError(t, err)
		assert.Empty(t, res.Requeued)
		assert.Empty(t, res.Dead)
	})

	t.Run("nack delays and counts the attempt", func(t *testing.T) {
		d := newDriver(t)
		require.NoError(t, d.Push(ctx, testJob("j1", "org-a", t0, 3)))
		_, err := d.Claim(ctx, "q", "w1", t0.Add(time.Minute), t0, nil)
		require.NoError(t, err)

		retryAt := t0.Add(5 * time.Second)
		require.NoError(t, d.Nack(ctx, "q", "j1", "w1", retryAt))
		assert.True(t, schema.HasCode(d.Nack(ctx, "q", "j1", "w1", retryAt), schema.ErrCodeLockLost))

		job, err := d.Claim(ctx, "q", "w1", t0.Add(time.Minute), t0.Add(time.Second), nil)
		require.NoError(t, err)
		assert.Nil(t, job)

		job, err = d.Claim(ctx, "q", "w2", t0.Add(time.Minute), retryAt, nil)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, 1, job.Attempt)
		assert.Equal(t, "w2", job.LockOwner)
	})

	t.Run("expired leases are requeued then dead-lettered", func(t *testing.T) {
		d := newDriver(t)
		require.NoError(t, d.Push(ctx, testJob("j1", "org-a", t0, 2)))
		_, err := d.Claim(ctx, "q", "crashed", t0.Add(10*time.Second), t0, nil)
		require.NoError(t, err)

		res, err := d.ReclaimExpired(ctx, "q", t0.Add(5*time.Second))
		require.NoError(t, err)
		assert.Empty(t, res.Requeued)

		res, err = d.ReclaimExpired(ctx, "q", t0.Add(11*time.Second))
		require.NoError(t, err)
		assert.Equal(t, []string{"j1"}, res.Requeued)
		assert.Empty(t, res.Dead)

		// The crashed owner can no longer settle the job.
		assert.True(t, schema.HasCode(d.Ack(ctx, "q", "j1", "crashed"), schema.ErrCodeLockLost))

		job, err := d.Claim(ctx, "q", "w2", t0.Add(20*time.Second), t0.Add(11*time.Second), nil)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, 1, job.Attempt)

		res, err = d.ReclaimExpired(ctx, "q", t0.Add(21*time.Second))
		require.NoError(t, err)
		assert.Empty(t, res.Requeued)
		require.Len(t, res.Dead, 1)
		assert.Equal(t, "j1", res.Dead[0].ID)
		assert.Equal(t, 2, res.Dead[0].Attempt)
		assert.Equal(t, "org-a", res.Dead[0].GroupKey)

		job, err = d.Claim(ctx, "q", "w2", t0.Add(time.Hour), t0.Add(time.Minute), nil)
		require.NoError(t, err)
		assert.Nil(t, job)
	})

	t.Run("queues are independent", func(t *testing.T) {
		d := newDriver(t)
		j := testJob("j1", "org-a", t0, 1)
		j.Queue = "other"
		require.NoError(t, d.Push(ctx, j))

		job, err := d.Claim(ctx, "q", "w1", t0.Add(time.Minute), t0, nil)
		require.NoError(t, err)
		assert.Nil(t, job)

		job, err = d.Claim(ctx, "other", "w1", t0.Add(time.Minute), t0, nil)
		require.NoError(t, err)
		require.NotNil(t, job)
	})
}
