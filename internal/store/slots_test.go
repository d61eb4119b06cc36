package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/weave/pkg/schema"
)

func TestAcquireSlot_RespectsLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	r, err := s.AcquireSlot(ctx, "org-1", "job-1", 2, now)
	require.NoError(t, err)
	assert.True(t, r.Acquired)
	assert.Equal(t, 1, r.Active)

	r, err = s.AcquireSlot(ctx, "org-1", "job-2", 2, now)
	require.NoError(t, err)
	assert.True(t, r.Acquired)

	r, err = s.AcquireSlot(ctx, "org-1", "job-3", 2, now)
	require.NoError(t, err)
	assert.False(t, r.Acquired)
	assert.Equal(t, 2, r.Active)

	// Other tenants are unaffected.
	r, err = s.AcquireSlot(ctx, "org-2", "job-4", 2, now)
	require.NoError(t, err)
	assert.True(t, r.Acquired)

	// Re-acquiring an admitted job is idempotent even at the limit.
	r, err = s.AcquireSlot(ctx, "org-1", "job-1", 2, now)
	require.NoError(t, err)
	assert.True(t, r.Acquired)
}

func TestReleaseSlot_ExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	_, err := s.AcquireSlot(ctx, "org-1", "job-1", 0, now)
	require.NoError(t, err)

	var released atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ReleaseSlot(ctx, "job-1", now)
			assert.NoError(t, err)
			if ok {
				released.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), released.Load())

	active, err := s.CountActiveSlots(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 0, active)

	ok, err := s.ReleaseSlot(ctx, "unknown", now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCountSlotsSince(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	_, err := s.AcquireSlot(ctx, "org-1", "old", 0, base.Add(-2*time.Hour))
	require.NoError(t, err)
	_, err = s.AcquireSlot(ctx, "org-1", "new", 0, base)
	require.NoError(t, err)
	_, err = s.ReleaseSlot(ctx, "new", base)
	require.NoError(t, err)

	n, err := s.CountSlotsSince(ctx, "org-1", base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n, "released jobs still count toward the window")
}

func TestLease_AcquireExpireRelease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	ok, err := s.TryAcquireLease(ctx, "sched:eu:1", "a", time.Minute, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TryAcquireLease(ctx, "sched:eu:1", "b", time.Minute, now.Add(30*time.Second))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.TryAcquireLease(ctx, "sched:eu:1", "b", time.Minute, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "expired lease can be taken over")

	// Release by a non-owner is a no-op.
	require.NoError(t, s.ReleaseLease(ctx, "sched:eu:1", "a"))
	ok, err = s.TryAcquireLease(ctx, "sched:eu:1", "c", time.Minute, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.ReleaseLease(ctx, "sched:eu:1", "b"))
	ok, err = s.TryAcquireLease(ctx, "sched:eu:1", "c", time.Minute, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := s.SweepLeases(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestResumeToken_ConsumeOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	tok := &schema.ResumeToken{
		TokenHash:      "hash-1",
		ExecutionID:    "e1",
		WorkflowID:     "wf-1",
		OrganizationID: "org-1",
		NodeID:         "wait",
		ResumeState:    []byte(`{"step":"wait"}`),
		ExpiresAt:      now.Add(time.Hour),
	}
	require.NoError(t, s.CreateResumeToken(ctx, tok))
	assert.True(t, schema.HasCode(s.CreateResumeToken(ctx, tok), schema.ErrCodeConflict))

	got, err := s.ConsumeResumeToken(ctx, "hash-1", now)
	require.NoError(t, err)
	assert.Equal(t, "wait", got.NodeID)
	require.NotNil(t, got.ConsumedAt)
	assert.JSONEq(t, `{"step":"wait"}`, string(got.ResumeState))

	_, err = s.ConsumeResumeToken(ctx, "hash-1", now)
	assert.True(t, schema.HasCode(err, schema.ErrCodeTokenAlreadyConsumed))

	_, err = s.ConsumeResumeToken(ctx, "nope", now)
	assert.True(t, schema.HasCode(err, schema.ErrCodeTokenNotFound))
}

func TestResumeToken_Release(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.CreateResumeToken(ctx, &schema.ResumeToken{
		TokenHash: "hash-r", ExecutionID: "e1", WorkflowID: "wf", OrganizationID: "o", NodeID: "n",
		ExpiresAt: now.Add(time.Hour),
	}))

	got, err := s.ConsumeResumeToken(ctx, "hash-r", now)
	require.NoError(t, err)
	require.NoError(t, s.ReleaseResumeToken(ctx, "hash-r", *got.ConsumedAt))

	again, err := s.ConsumeResumeToken(ctx, "hash-r", now.Add(time.Second))
	require.NoError(t, err, "a released token can be redeemed")

	// The stale consumption no longer matches.
	err = s.ReleaseResumeToken(ctx, "hash-r", *got.ConsumedAt)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
	stored, err := s.GetResumeToken(ctx, "hash-r")
	require.NoError(t, err)
	require.NotNil(t, stored.ConsumedAt)
	assert.True(t, stored.ConsumedAt.Equal(*again.ConsumedAt))
}

func TestResumeToken_Expired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.CreateResumeToken(ctx, &schema.ResumeToken{
		TokenHash: "hash-2", ExecutionID: "e1", WorkflowID: "wf", OrganizationID: "o", NodeID: "n",
		ExpiresAt: now.Add(-time.Second),
	}))
	_, err := s.ConsumeResumeToken(ctx, "hash-2", now)
	assert.True(t, schema.HasCode(err, schema.ErrCodeTokenExpired))

	got, err := s.GetResumeToken(ctx, "hash-2")
	require.NoError(t, err)
	assert.Nil(t, got.ConsumedAt, "an expired token is never consumed")
}

func TestResumeToken_ConcurrentRedeemSingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.CreateResumeToken(ctx, &schema.ResumeToken{
		TokenHash: "hash-3", ExecutionID: "e1", WorkflowID: "wf", OrganizationID: "o", NodeID: "n",
		ExpiresAt: now.Add(time.Hour),
	}))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ConsumeResumeToken(ctx, "hash-3", now); err == nil {
				wins.Add(1)
			} else {
				assert.True(t, schema.HasCode(err, schema.ErrCodeTokenAlreadyConsumed))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}
