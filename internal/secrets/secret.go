// Package secrets holds the typed Secret wrapper, redaction, and the
// credential decryption service.
package secrets

import (
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"sync"

	"github.com/rendis/weave/pkg/schema"
)

// Redacted replaces every revealed secret value that crosses a redaction
// boundary.
const Redacted = "[REDACTED]"

// Secret marks a value as redaction-worthy. Formatting or marshalling it
// never exposes the value; Reveal is the only way to read it.
type Secret struct {
	value string
}

// NewSecret wraps a value.
func NewSecret(v string) Secret { return Secret{value: v} }

// Reveal returns the wrapped value. Call it only at the point of use.
func (s Secret) Reveal() string { return s.value }

func (s Secret) String() string   { return Redacted }
func (s Secret) GoString() string { return Redacted }

func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(Redacted)
}

// IsZero reports whether the secret is empty.
func (s Secret) IsZero() bool { return s.value == "" }

// Redactor replaces revealed secret values in strings, errors and nested
// JSON-shaped values. Safe for concurrent use.
type Redactor struct {
	mu     sync.RWMutex
	values []string // longest first so overlapping secrets redact fully
}

// NewRedactor creates a Redactor for the given secrets.
func NewRedactor(secrets ...Secret) *Redactor {
	r := &Redactor{}
	r.Add(secrets...)
	return r
}

// Add registers more secrets. Empty secrets are ignored.
func (r *Redactor) Add(secrets ...Secret) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range secrets {
		if s.value == "" || slices.Contains(r.values, s.value) {
			continue
		}
		r.values = append(r.values, s.value)
	}
	slices.SortFunc(r.values, func(a, b string) int { return len(b) - len(a) })
}

// Len returns the number of registered secrets.
func (r *Redactor) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.values)
}

// String redacts s.
func (r *Redactor) String(s string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, v := range r.values {
		s = strings.ReplaceAll(s, v, Redacted)
	}
	return s
}

// Error returns err with every secret value redacted. A *schema.WeaveError
// keeps its code and node id; the cause chain is flattened into the message
// since it may repeat the secret.
func (r *Redactor) Error(err error) error {
	if err == nil {
		return nil
	}
	var we *schema.WeaveError
	if errors.As(err, &we) {
		out := &schema.WeaveError{
			Code:    we.Code,
			Message: r.String(we.Message),
			NodeID:  we.NodeID,
		}
		if we.Details != nil {
			out.Details, _ = r.Value(we.Details).(map[string]any)
		}
		if we.Cause != nil {
			out.Cause = errors.New(r.String(we.Cause.Error()))
		}
		return out
	}
	msg := err.Error()
	if red := r.String(msg); red != msg {
		return errors.New(red)
	}
	return err
}

// Value redacts a JSON-shaped value recursively and returns a copy. Secret
// values are replaced by the marker wherever they appear.
func (r *Redactor) Value(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		return r.String(val)
	case Secret:
		return Redacted
	case *Secret:
		return Redacted
	case error:
		return r.String(val.Error())
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[r.String(k)] = r.Value(item)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[r.String(k)] = r.String(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.Value(item)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.String(item)
		}
		return out
	case json.RawMessage:
		return json.RawMessage(r.String(string(val)))
	default:
		return v
	}
}
