package resume

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/weave/internal/metrics"
	"github.com/rendis/weave/internal/store"
	"github.com/rendis/weave/pkg/schema"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestManager(t *testing.T) (*Manager, *store.LibSQLStore) {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "resume.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	m, err := NewManager(s, Config{Secret: testSecret}, metrics.New(nil))
	require.NoError(t, err)
	return m, s
}

func issueReq() IssueRequest {
	return IssueRequest{
		ExecutionID:    "exec-1",
		WorkflowID:     "wf-1",
		OrganizationID: "org-1",
		NodeID:         "approve",
		ResumeState:    map[string]any{"reason": "approval"},
		TTL:            time.Hour,
	}
}

func TestNewManager_RequiresSecret(t *testing.T) {
	_, err := NewManager(nil, Config{Secret: []byte("short")}, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestIssue_PersistsOnlyHash(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	issued, err := m.Issue(ctx, issueReq())
	require.NoError(t, err)
	assert.NotEmpty(t, issued.Token)
	assert.Equal(t, HashToken(issued.Token), issued.TokenHash)
	assert.NotEqual(t, issued.Token, issued.TokenHash)

	tok, err := s.GetResumeToken(ctx, issued.TokenHash)
	require.NoError(t, err)
	assert.Equal(t, "exec-1", tok.ExecutionID)
	assert.Equal(t, "approve", tok.NodeID)
	assert.JSONEq(t, `{"reason":"approval"}`, string(tok.ResumeState))
	assert.True(t, tok.ExpiresAt.Equal(issued.ExpiresAt))

	// The raw token never reaches the store.
	_, err = s.GetResumeToken(ctx, issued.Token)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestRedeem_ExactlyOnce(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	issued, err := m.Issue(ctx, issueReq())
	require.NoError(t, err)

	tok, err := m.Redeem(ctx, issued.Token)
	require.NoError(t, err)
	require.NotNil(t, tok.ConsumedAt)
	assert.Equal(t, "approve", tok.NodeID)

	_, err = m.Redeem(ctx, issued.Token)
	assert.True(t, schema.HasCode(err, schema.ErrCodeTokenAlreadyConsumed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.ResumeRedemption.WithLabelValues("redeemed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.ResumeRedemption.WithLabelValues(schema.ErrCodeTokenAlreadyConsumed)))
}

func TestRelease_AllowsRedeemAgain(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	issued, err := m.Issue(ctx, issueReq())
	require.NoError(t, err)

	tok, err := m.Redeem(ctx, issued.Token)
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, tok))

	_, err = m.Redeem(ctx, issued.Token)
	require.NoError(t, err)
	assert.True(t, schema.HasCode(m.Release(ctx, &schema.ResumeToken{TokenHash: tok.TokenHash}), schema.ErrCodeValidation))
}

func TestRedeem_ConcurrentSingleWinner(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	issued, err := m.Issue(ctx, issueReq())
	require.NoError(t, err)

	var wins, consumed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Redeem(ctx, issued.Token)
			switch {
			case err == nil:
				wins.Add(1)
			case schema.HasCode(err, schema.ErrCodeTokenAlreadyConsumed):
				consumed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(7), consumed.Load())
}

func TestRedeem_Expired(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	issued, err := m.Issue(ctx, issueReq())
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = m.Redeem(ctx, issued.Token)
	assert.True(t, schema.HasCode(err, schema.ErrCodeTokenExpired))

	// Expiry does not consume: the record is untouched.
	m.now = time.Now
	tok, err := m.Inspect(ctx, issued.Token)
	require.NoError(t, err)
	assert.Nil(t, tok.ConsumedAt)
}

func TestRedeem_ForeignOrTamperedToken(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Redeem(ctx, "")
	assert.True(t, schema.HasCode(err, schema.ErrCodeTokenNotFound))

	_, err = m.Redeem(ctx, "not-a-jwt")
	assert.True(t, schema.HasCode(err, schema.ErrCodeTokenNotFound))

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   "exec-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		NodeID: "approve",
	}).SignedString([]byte("another-secret-of-sufficient-len"))
	require.NoError(t, err)
	_, err = m.Redeem(ctx, forged)
	assert.True(t, schema.HasCode(err, schema.ErrCodeTokenNotFound))
}

func TestRedeem_ValidSignatureWithoutRecord(t *testing.T) {
	m, _ := newTestManager(t)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   "exec-9",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		NodeID: "n",
	}).SignedString(testSecret)
	require.NoError(t, err)

	_, err = m.Redeem(context.Background(), signed)
	assert.True(t, schema.HasCode(err, schema.ErrCodeTokenNotFound))
}
