package secrets

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/rendis/weave/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecret_NeverFormats(t *testing.T) {
	s := NewSecret("secret-token-value")

	assert.Equal(t, Redacted, s.String())
	assert.Equal(t, Redacted, fmt.Sprintf("%v", s))
	assert.Equal(t, Redacted, fmt.Sprintf("%#v", s))

	data, err := json.Marshal(map[string]any{"token": s})
	require.NoError(t, err)
	assert.JSONEq(t, `{"token":"[REDACTED]"}`, string(data))

	assert.Equal(t, "secret-token-value", s.Reveal())
}

func TestRedactor_String(t *testing.T) {
	r := NewRedactor(NewSecret("abc"), NewSecret("abcdef"), NewSecret(""))
	assert.Equal(t, 2, r.Len())

	// The longer secret is replaced whole rather than leaving "def".
	assert.Equal(t, "key=[REDACTED] short=[REDACTED]", r.String("key=abcdef short=abc"))
}

func TestRedactor_Value(t *testing.T) {
	r := NewRedactor(NewSecret("secret-token-value"))
	in := map[string]any{
		"plain":  "ok",
		"echo":   "Bearer secret-token-value",
		"nested": []any{map[string]any{"deep": "secret-token-value"}, 42},
		"typed":  NewSecret("other"),
	}

	out := r.Value(in).(map[string]any)
	assert.Equal(t, "ok", out["plain"])
	assert.Equal(t, "Bearer [REDACTED]", out["echo"])
	assert.Equal(t, "[REDACTED]", out["nested"].([]any)[0].(map[string]any)["deep"])
	assert.Equal(t, 42, out["nested"].([]any)[1])
	assert.Equal(t, Redacted, out["typed"])

	// Input is untouched.
	assert.Equal(t, "Bearer secret-token-value", in["echo"])
}

func TestRedactor_Error(t *testing.T) {
	r := NewRedactor(NewSecret("s3cr3t"))

	assert.Nil(t, r.Error(nil))

	plain := errors.New("nothing here")
	assert.Same(t, plain, r.Error(plain))

	err := r.Error(errors.New("auth failed for s3cr3t"))
	assert.Equal(t, "auth failed for [REDACTED]", err.Error())

	we := schema.NewError(schema.ErrCodeConnector, "bad token s3cr3t").
		WithNode("n1").
		WithCause(errors.New("upstream said s3cr3t")).
		WithDetails(map[string]any{"token": "s3cr3t"})
	red := r.Error(we)

	var got *schema.WeaveError
	require.ErrorAs(t, red, &got)
	assert.Equal(t, schema.ErrCodeConnector, got.Code)
	assert.Equal(t, "n1", got.NodeID)
	assert.NotContains(t, red.Error(), "s3cr3t")
	assert.NotContains(t, got.Cause.Error(), "s3cr3t")
	assert.Equal(t, Redacted, got.Details["token"])
	// The original is not modified.
	assert.Contains(t, we.Message, "s3cr3t")
}
