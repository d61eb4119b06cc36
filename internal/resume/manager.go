// Package resume issues and redeems the single-use tokens that let an
// external callback resume a waiting execution.
package resume

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/rendis/weave/internal/metrics"
	"github.com/rendis/weave/internal/store"
	"github.com/rendis/weave/pkg/schema"
)

const (
	// DefaultTTL is used when neither the request nor the config sets one.
	DefaultTTL = 24 * time.Hour
	// Issuer is the iss claim of every resume token.
	Issuer = "weave"
)

// Config configures a Manager.
type Config struct {
	// Secret is the HS256 signing key. Required.
	Secret     []byte
	DefaultTTL time.Duration
}

// IssueRequest describes the parked node a token resumes.
type IssueRequest struct {
	ExecutionID    string
	WorkflowID     string
	OrganizationID string
	NodeID         string
	ResumeState    map[string]any
	InitialData    any
	TTL            time.Duration
}

// Issued is handed to the external party once. Only TokenHash is persisted.
type Issued struct {
	Token     string    `json:"token"`
	TokenHash string    `json:"token_hash"`
	ExpiresAt time.Time `json:"expires_at"`
}

type claims struct {
	jwt.RegisteredClaims
	NodeID         string `json:"nid"`
	OrganizationID string `json:"org"`
}

// Manager issues and redeems resume tokens.
type Manager struct {
	store   store.ResumeTokenStore
	secret  []byte
	ttl     time.Duration
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewManager creates a Manager. m may be nil.
func NewManager(s store.ResumeTokenStore, cfg Config, m *metrics.Metrics) (*Manager, error) {
	if len(cfg.Secret) < 16 {
		return nil, schema.NewError(schema.ErrCodeValidation, "resume token secret must be at least 16 bytes")
	}
	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{store: s, secret: cfg.Secret, ttl: ttl, metrics: m, now: time.Now}, nil
}

// HashToken returns the persisted form of a raw token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Issue signs a new token and persists its hash.
func (m *Manager) Issue(ctx context.Context, req IssueRequest) (*Issued, error) {
	if req.ExecutionID == "" || req.NodeID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "resume token requires execution and node ids")
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = m.ttl
	}
	now := m.now()
	// JWT exp has second precision; keep the stored expiry identical.
	expiresAt := now.Add(ttl).Truncate(time.Second).UTC()

	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    Issuer,
			Subject:   req.ExecutionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		NodeID:         req.NodeID,
		OrganizationID: req.OrganizationID,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(m.secret)
	if err != nil {
		return nil, fmt.Errorf("sign resume token: %w", err)
	}

	state, err := marshalOptional(req.ResumeState)
	if err != nil {
		return nil, fmt.Errorf("marshal resume state: %w", err)
	}
	initial, err := marshalOptional(req.InitialData)
	if err != nil {
		return nil, fmt.Errorf("marshal initial data: %w", err)
	}

	hash := HashToken(token)
	if err := m.store.CreateResumeToken(ctx, &schema.ResumeToken{
		TokenHash:      hash,
		ExecutionID:    req.ExecutionID,
		WorkflowID:     req.WorkflowID,
		OrganizationID: req.OrganizationID,
		NodeID:         req.NodeID,
		ResumeState:    state,
		InitialData:    initial,
		ExpiresAt:      expiresAt,
		CreatedAt:      now.UTC(),
	}); err != nil {
		return nil, err
	}
	return &Issued{Token: token, TokenHash: hash, ExpiresAt: expiresAt}, nil
}

// Redeem verifies the token and consumes it. Exactly one concurrent call for
// the same token succeeds; the rest fail with TOKEN_ALREADY_CONSUMED.
func (m *Manager) Redeem(ctx context.Context, token string) (*schema.ResumeToken, error) {
	c, err := m.verify(token)
	if err != nil {
		m.metrics.ObserveRedemption(codeOf(err))
		return nil, err
	}
	tok, err := m.store.ConsumeResumeToken(ctx, HashToken(token), m.now())
	if err != nil {
		m.metrics.ObserveRedemption(codeOf(err))
		return nil, err
	}
	if tok.ExecutionID != c.Subject || tok.NodeID != c.NodeID {
		m.metrics.ObserveRedemption(schema.ErrCodeTokenNotFound)
		return nil, schema.NewError(schema.ErrCodeTokenNotFound, "resume token does not match its record")
	}
	m.metrics.ObserveRedemption("redeemed")
	return tok, nil
}

// Release hands a redeemed token back when the resume it was redeemed for
// could not be queued.
func (m *Manager) Release(ctx context.Context, tok *schema.ResumeToken) error {
	if tok == nil || tok.ConsumedAt == nil {
		return schema.NewError(schema.ErrCodeValidation, "resume token was not redeemed")
	}
	if err := m.store.ReleaseResumeToken(ctx, tok.TokenHash, *tok.ConsumedAt); err != nil {
		return err
	}
	m.metrics.ObserveRedemption("released")
	return nil
}

// Inspect verifies the token and returns its record without consuming it.
func (m *Manager) Inspect(ctx context.Context, token string) (*schema.ResumeToken, error) {
	if _, err := m.verify(token); err != nil {
		return nil, err
	}
	tok, err := m.store.GetResumeToken(ctx, HashToken(token))
	if schema.HasCode(err, schema.ErrCodeNotFound) {
		return nil, schema.NewError(schema.ErrCodeTokenNotFound, "resume token not found")
	}
	return tok, err
}

func (m *Manager) verify(token string) (*claims, error) {
	if token == "" {
		return nil, schema.NewError(schema.ErrCodeTokenNotFound, "resume token is empty")
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	c := &claims{}
	_, err := parser.ParseWithClaims(token, c, func(*jwt.Token) (any, error) {
		return m.secret, nil
	})
	switch {
	case err == nil:
		return c, nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, schema.NewError(schema.ErrCodeTokenExpired, "resume token expired").WithCause(err)
	default:
		// A token we did not sign cannot name a stored record.
		return nil, schema.NewError(schema.ErrCodeTokenNotFound, "resume token is invalid").WithCause(err)
	}
}

func marshalOptional(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if m, ok := v.(map[string]any); ok && m == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func codeOf(err error) string {
	var we *schema.WeaveError
	if errors.As(err, &we) {
		return we.Code
	}
	return schema.ErrCodeStore
}
