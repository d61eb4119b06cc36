package connectors

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rendis/weave/internal/secrets"
	"github.com/rendis/weave/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func builtins(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, BuiltinConfig{}))
	return reg
}

func invoke(t *testing.T, reg *Registry, kind schema.NodeKind, app, op string, inv Invocation) (*Result, error) {
	t.Helper()
	o, err := reg.Lookup(kind, app, op)
	require.NoError(t, err)
	return o.Handler(context.Background(), inv)
}

func TestBuiltin_ManualAndEcho(t *testing.T) {
	reg := builtins(t)

	res, err := invoke(t, reg, schema.NodeKindTrigger, AppCore, "manual", Invocation{Trigger: map[string]any{"k": "v"}})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, map[string]any{"k": "v"}, res.Data)

	res, err = invoke(t, reg, schema.NodeKindAction, AppCore, "echo", Invocation{Params: map[string]any{"message": "hi"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"message": "hi"}, res.Data)
}

func TestBuiltin_WaitForCallback(t *testing.T) {
	reg := builtins(t)

	res, err := invoke(t, reg, schema.NodeKindAction, AppCore, "wait_for_callback", Invocation{
		Params: map[string]any{
			"ttl_seconds": float64(60),
			"state":       map[string]any{"step": 1},
			"notify_url":  "https://hooks.example.test/approve",
		},
	})
	require.NoError(t, err)
	require.NotNil(t, res.Suspend)
	assert.Equal(t, time.Minute, res.Suspend.TTL)
	assert.Equal(t, "https://hooks.example.test/approve", res.Suspend.NotifyURL)
	assert.Equal(t, map[string]any{"step": 1}, res.Suspend.State)

	res, err = invoke(t, reg, schema.NodeKindAction, AppCore, "wait_for_callback", Invocation{})
	require.NoError(t, err)
	assert.Equal(t, DefaultCallbackTTL, res.Suspend.TTL)
}

func TestBuiltin_JQ(t *testing.T) {
	reg := builtins(t)
	res, err := invoke(t, reg, schema.NodeKindTransform, AppCore, "jq", Invocation{Params: map[string]any{
		"query": "[.[] | .n * 2]",
		"input": []any{map[string]any{"n": 1.0}, map[string]any{"n": 2.0}},
	}})
	require.NoError(t, err)
	assert.Equal(t, []any{2.0, 4.0}, res.Data)
}

func TestHTTPRequest_JSONAndAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"greeting": "hello"})
	}))
	defer srv.Close()

	reg := builtins(t)
	res, err := invoke(t, reg, schema.NodeKindAction, AppHTTP, "request", Invocation{
		Params:      map[string]any{"url": srv.URL, "query": map[string]any{"page": 2}},
		Credentials: map[string]any{"token": secrets.NewSecret("tok-1")},
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	data := res.Data.(map[string]any)
	assert.Equal(t, 200, data["status_code"])
	assert.Equal(t, map[string]any{"greeting": "hello"}, data["body"])
}

func TestHTTPRequest_ErrorStatuses(t *testing.T) {
	status := http.StatusNotFound
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	reg := builtins(t)
	res, err := invoke(t, reg, schema.NodeKindAction, AppHTTP, "request", Invocation{
		Params: map[string]any{"url": srv.URL, "fail_on_error_status": true},
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "404")

	status = http.StatusBadGateway
	_, err = invoke(t, reg, schema.NodeKindAction, AppHTTP, "request", Invocation{Params: map[string]any{"url": srv.URL}})
	assert.True(t, schema.HasCode(err, schema.ErrCodeConnector))
}

func TestHTTPRequest_InvalidURL(t *testing.T) {
	reg := builtins(t)
	_, err := invoke(t, reg, schema.NodeKindAction, AppHTTP, "request", Invocation{Params: map[string]any{"url": "ftp://x"}})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestHTTPClient_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	fetch := NewHTTPClient(HTTPConfig{}).Fetch(context.Background())
	resp, err := fetch(map[string]any{"method": "post", "url": srv.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp["status"])
}

func TestIntervalPoller(t *testing.T) {
	reg := builtins(t)
	poll, err := reg.Poller(AppCore, "interval")
	require.NoError(t, err)

	now := time.Date(2026, 1, 2, 3, 4, 5, 600, time.UTC)
	res, err := poll(context.Background(), PollRequest{Trigger: &schema.PollingTrigger{}, Now: now})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "1767323045", res.Items[0].DedupeToken)
}

func TestJSONFeedPoller(t *testing.T) {
	var gotCursor string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCursor = r.URL.Query().Get("cursor")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"id":1,"t":"a"},{"id":2,"t":"b"},{"t":"no id"}],"next":"c-2"}`))
	}))
	defer srv.Close()

	reg := builtins(t)
	poll, err := reg.Poller(AppHTTP, "json_feed")
	require.NoError(t, err)

	cfg, _ := json.Marshal(map[string]any{"url": srv.URL, "items": ".data[]", "cursor": ".next"})
	res, err := poll(context.Background(), PollRequest{
		Trigger: &schema.PollingTrigger{Config: cfg},
		Cursor:  json.RawMessage(`"c-1"`),
		Now:     time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, "c-1", gotCursor)
	require.Len(t, res.Items, 2)
	assert.Equal(t, "1", res.Items[0].DedupeToken)
	assert.Equal(t, "2", res.Items[1].DedupeToken)
	assert.JSONEq(t, `"c-2"`, string(res.Cursor))
}
