package store

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/weave/pkg/schema"
)

func seedTrigger(t *testing.T, s *LibSQLStore, id string, nextPoll time.Time) *schema.PollingTrigger {
	t.Helper()
	pt := &schema.PollingTrigger{
		ID:              id,
		WorkflowID:      "wf-1",
		OrganizationID:  "org-1",
		AppID:           "rss",
		TriggerID:       "new_item",
		IntervalSeconds: 60,
		NextPollAt:      nextPoll,
		IsActive:        true,
		Region:          "eu",
	}
	require.NoError(t, s.CreatePollingTrigger(context.Background(), pt))
	return pt
}

func TestClaimDuePollingTriggers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	seedTrigger(t, s, "due-1", now.Add(-time.Minute))
	seedTrigger(t, s, "due-2", now)
	seedTrigger(t, s, "future", now.Add(time.Minute))
	inactive := seedTrigger(t, s, "inactive", now.Add(-time.Minute))
	require.NoError(t, s.SetPollingTriggerActive(ctx, inactive.ID, false))

	claimed, err := s.ClaimDuePollingTriggers(ctx, ClaimRequest{
		Now: now, Limit: 10, Region: "eu", Owner: "sched-a", ClaimFor: time.Minute,
	})
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "due-1", claimed[0].ID)
	assert.Equal(t, "sched-a", claimed[0].ClaimedBy)

	// Claimed rows are invisible to the next cycle until the claim lapses.
	again, err := s.ClaimDuePollingTriggers(ctx, ClaimRequest{
		Now: now, Limit: 10, Region: "eu", Owner: "sched-b", ClaimFor: time.Minute,
	})
	require.NoError(t, err)
	assert.Empty(t, again)

	lapsed, err := s.ClaimDuePollingTriggers(ctx, ClaimRequest{
		Now: now.Add(2 * time.Minute), Limit: 10, Region: "eu", Owner: "sched-b", ClaimFor: time.Minute,
	})
	require.NoError(t, err)
	assert.Len(t, lapsed, 3, "lapsed claims and the now-due future trigger")

	other, err := s.ClaimDuePollingTriggers(ctx, ClaimRequest{Now: now, Region: "us", Owner: "x", ClaimFor: time.Minute})
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestClaimPollingTrigger_OptimisticSingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	pt := seedTrigger(t, s, "t1", time.Now())

	var wins atomic.Int32
	var wg sync.WaitGroup
	for _, owner := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			ok, err := s.ClaimPollingTrigger(ctx, pt.ID, pt.Version, owner, time.Now().Add(time.Minute))
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}(owner)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestReleasePollingTrigger(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	seedTrigger(t, s, "t1", now.Add(-time.Second))

	claimed, err := s.ClaimDuePollingTriggers(ctx, ClaimRequest{Now: now, Region: "eu", Owner: "a", ClaimFor: time.Minute})
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	next := now.Add(4 * time.Minute)
	err = s.ReleasePollingTrigger(ctx, "t1", "intruder", PollOutcome{NextPollAt: next})
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))

	require.NoError(t, s.ReleasePollingTrigger(ctx, "t1", "a", PollOutcome{
		Cursor:       json.RawMessage(`{"last_id":42}`),
		NextPollAt:   next,
		BackoffCount: 2,
		LastStatus:   schema.PollStatusError,
		LastError:    "upstream 503",
	}))

	got, err := s.GetPollingTrigger(ctx, "t1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"last_id":42}`, string(got.Cursor))
	assert.WithinDuration(t, next, got.NextPollAt, 0)
	assert.Equal(t, 2, got.BackoffCount)
	assert.Equal(t, "upstream 503", got.LastError)
	assert.Empty(t, got.ClaimedBy)
	assert.Nil(t, got.ClaimedUntil)

	// A nil cursor keeps the stored bookmark.
	_, err = s.ClaimDuePollingTriggers(ctx, ClaimRequest{Now: next, Region: "eu", Owner: "a", ClaimFor: time.Minute})
	require.NoError(t, err)
	require.NoError(t, s.ReleasePollingTrigger(ctx, "t1", "a", PollOutcome{NextPollAt: next.Add(time.Minute)}))
	got, err = s.GetPollingTrigger(ctx, "t1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"last_id":42}`, string(got.Cursor))

	list, err := s.ListPollingTriggers(ctx, TriggerFilter{Region: "eu", ActiveOnly: true})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestDedupeTokens_TTL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ttl := time.Hour
	t0 := time.Now().UTC()

	fresh, err := s.RecordDedupeToken(ctx, "t1", "item-1", t0, ttl)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = s.RecordDedupeToken(ctx, "t1", "item-1", t0.Add(30*time.Minute), ttl)
	require.NoError(t, err)
	assert.False(t, fresh, "seen within TTL")

	// Same token under another trigger is independent.
	fresh, err = s.RecordDedupeToken(ctx, "t2", "item-1", t0, ttl)
	require.NoError(t, err)
	assert.True(t, fresh)

	// Older than TTL: treated as expired without having been swept.
	fresh, err = s.RecordDedupeToken(ctx, "t1", "item-1", t0.Add(2*time.Hour), ttl)
	require.NoError(t, err)
	assert.True(t, fresh)

	n, err := s.SweepDedupeTokens(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "only t2's original record is older than the cutoff")

	tokens, err := s.ListDedupeTokens(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, "item-1", tokens[0].Token)
}

func TestDedupeTokens_Forget(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	t0 := time.Now().UTC()

	fresh, err := s.RecordDedupeToken(ctx, "t1", "item-1", t0, time.Hour)
	require.NoError(t, err)
	require.True(t, fresh)

	require.NoError(t, s.ForgetDedupeToken(ctx, "t1", "item-1"))
	require.NoError(t, s.ForgetDedupeToken(ctx, "t1", "never-seen"))

	fresh, err = s.RecordDedupeToken(ctx, "t1", "item-1", t0.Add(time.Minute), time.Hour)
	require.NoError(t, err)
	assert.True(t, fresh, "a forgotten token is delivered again")
}
