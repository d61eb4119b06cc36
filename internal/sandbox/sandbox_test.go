package sandbox

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/rendis/weave/internal/secrets"
	"github.com/rendis/weave/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_Params(t *testing.T) {
	e := NewExecutor(time.Second, nil)
	res, err := e.Run(context.Background(), RunRequest{
		Code: `
func Run(params map[string]any) (any, error) {
	return map[string]any{"sum": params["a"].(float64) + params["b"].(float64)}, nil
}`,
		Params: map[string]any{"a": 1.5, "b": 2.0},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"sum": 3.5}, res.Value)
}

func TestRun_PackageClauseAndEntryPoint(t *testing.T) {
	e := NewExecutor(time.Second, nil)
	res, err := e.Run(context.Background(), RunRequest{
		Code: `package main

func Transform(params, ctx map[string]any) any {
	return ctx["executionId"]
}`,
		EntryPoint: "Transform",
		Context:    map[string]any{"executionId": "ex-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ex-1", res.Value)
}

func TestRun_RejectsImports(t *testing.T) {
	e := NewExecutor(time.Second, nil)
	_, err := e.Run(context.Background(), RunRequest{
		Code: `import "os"

func Run(params map[string]any) (any, error) {
	return os.Getenv("HOME"), nil
}`,
	})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeImportsNotAllowed))
	assert.Contains(t, err.Error(), ImportsNotAllowed)
}

func TestRun_Timeout(t *testing.T) {
	e := NewExecutor(time.Second, nil)
	start := time.Now()
	_, err := e.Run(context.Background(), RunRequest{
		Code: `
func Run(params map[string]any) (any, error) {
	n := 0
	for i := 0; i < 200000000; i++ {
		n += i % 7
	}
	return n, nil
}`,
		Timeout: 50 * time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeSandboxTimeout))
	assert.False(t, schema.HasCode(err, schema.ErrCodeSandboxRuntime))
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

const leakyCode = `
type failure struct{ msg string }

func (f failure) Error() string { return f.msg }

func Run(params, ctx map[string]any) (any, error) {
	tok := ctx["secrets"].(map[string]any)["token"].(string)
	if params["fail"] == true {
		return nil, failure{"upstream rejected " + tok}
	}
	return map[string]any{"echo": tok, "nested": []any{"Bearer " + tok}}, nil
}`

func TestRun_RedactsSecretsOnSuccess(t *testing.T) {
	e := NewExecutor(time.Second, nil)
	res, err := e.Run(context.Background(), RunRequest{
		Code:    leakyCode,
		Params:  map[string]any{"fail": false},
		Secrets: map[string]secrets.Secret{"token": secrets.NewSecret("secret-token-value")},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"echo":   secrets.Redacted,
		"nested": []any{"Bearer " + secrets.Redacted},
	}, res.Value)
}

func TestRun_RedactsSecretsOnError(t *testing.T) {
	e := NewExecutor(time.Second, nil)
	_, err := e.Run(context.Background(), RunRequest{
		Code:    leakyCode,
		Params:  map[string]any{"fail": true},
		Secrets: map[string]secrets.Secret{"token": secrets.NewSecret("secret-token-value")},
	})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeSandboxRuntime))
	assert.Contains(t, err.Error(), secrets.Redacted)
	assert.NotContains(t, err.Error(), "secret-token-value")
}

func TestRun_SecretsInsideParams(t *testing.T) {
	e := NewExecutor(time.Second, nil)
	res, err := e.Run(context.Background(), RunRequest{
		Code: `
func Run(params map[string]any) (any, error) {
	return "key:" + params["auth"].(map[string]any)["key"].(string), nil
}`,
		Params: map[string]any{"auth": map[string]any{"key": secrets.NewSecret("k-123")}},
	})
	require.NoError(t, err)
	assert.Equal(t, "key:"+secrets.Redacted, res.Value)
}

func TestRun_Fetch(t *testing.T) {
	e := NewExecutor(time.Second, nil)
	var calls int
	res, err := e.Run(context.Background(), RunRequest{
		Code: `
func Run(params, ctx map[string]any, fetch func(map[string]any) (map[string]any, error)) (any, error) {
	resp, err := fetch(map[string]any{"method": "GET", "url": params["url"]})
	if err != nil {
		return nil, err
	}
	return resp["status"], nil
}`,
		Params: map[string]any{"url": "https://example.test"},
		Fetch: func(req map[string]any) (map[string]any, error) {
			calls++
			assert.Equal(t, "https://example.test", req["url"])
			return map[string]any{"status": 204}, nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, float64(204), res.Value)
	assert.Equal(t, 1, calls)
}

func TestRun_FetchNotGranted(t *testing.T) {
	e := NewExecutor(time.Second, nil)
	_, err := e.Run(context.Background(), RunRequest{
		Code: `
func Run(params, ctx map[string]any, fetch func(map[string]any) (map[string]any, error)) (any, error) {
	return fetch(map[string]any{})
}`,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch is not available")
}

func TestRun_FetchErrorReturnedDirectly(t *testing.T) {
	e := NewExecutor(time.Second, nil)
	_, err := e.Run(context.Background(), RunRequest{
		Code: `
func Run(params, ctx map[string]any, fetch func(map[string]any) (map[string]any, error)) (any, error) {
	return fetch(map[string]any{"url": "https://example.test"})
}`,
		Fetch: func(map[string]any) (map[string]any, error) {
			return nil, errors.New("dry run: fetch denied")
		},
	})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeSandboxRuntime))
	assert.Contains(t, err.Error(), "fetch denied")
}

func TestRun_TimeoutStopsInterpreter(t *testing.T) {
	e := NewExecutor(time.Second, nil)
	baseline := runtime.NumGoroutine()

	for range 5 {
		_, err := e.Run(context.Background(), RunRequest{
			Code: `
func Run(params map[string]any) (any, error) {
	n := 0
	for {
		n++
	}
	return n, nil
}`,
			Timeout: 30 * time.Millisecond,
		})
		require.Error(t, err)
		assert.True(t, schema.HasCode(err, schema.ErrCodeSandboxTimeout))
	}

	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= baseline
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRun_ErrorOnlyEntryPoint(t *testing.T) {
	e := NewExecutor(time.Second, nil)
	res, err := e.Run(context.Background(), RunRequest{
		Code:       `func Check(params map[string]any) error { return nil }`,
		EntryPoint: "Check",
	})
	require.NoError(t, err)
	assert.Nil(t, res.Value)
}

func TestRun_RuntimeErrors(t *testing.T) {
	e := NewExecutor(time.Second, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		code string
	}{
		{"panic", `func Run(params map[string]any) (any, error) { panic("boom") }`},
		{"bad arity", `func Run() (any, error) { return 1, nil }`},
		{"missing entry", `func Other(params map[string]any) any { return 1 }`},
		{"too many results", `func Run(params map[string]any) (any, any, error) { return 1, 2, nil }`},
		{"second result not error", `func Run(params map[string]any) (any, int) { return 1, 2 }`},
		{"syntax", `func Run(params map[string]any) (any, error) { return 1 +, nil }`},
		{"empty", "  "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Run(ctx, RunRequest{Code: tt.code})
			require.Error(t, err)
			assert.True(t, schema.HasCode(err, schema.ErrCodeSandboxRuntime), err.Error())
		})
	}
}

func TestRun_ParentCancelled(t *testing.T) {
	e := NewExecutor(time.Second, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Run(ctx, RunRequest{Code: `func Run(params map[string]any) any { return 1 }`})
	var we *schema.WeaveError
	require.True(t, errors.As(err, &we))
	assert.Equal(t, schema.ErrCodeInterrupted, we.Code)
}
