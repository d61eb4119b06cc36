package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/weave/pkg/schema"
)

const httpKey = "action/http/request"

func newTestBreakers(threshold int) (*CircuitBreakerRegistry, *time.Time) {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cbr := NewCircuitBreakerRegistry(CircuitBreakerConfig{
		FailureThreshold: threshold,
		Cooldown:         10 * time.Second,
		HalfOpenMax:      1,
	})
	cbr.now = func() time.Time { return clock }
	return cbr, &clock
}

func TestCircuitBreaker_StartsClosedAllowsRequests(t *testing.T) {
	cbr := NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig())
	assert.NoError(t, cbr.AllowRequest(httpKey))
	assert.Equal(t, CircuitClosed, cbr.GetState(httpKey))
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cbr, _ := newTestBreakers(3)

	cbr.RecordFailure(httpKey)
	cbr.RecordFailure(httpKey)
	assert.Equal(t, CircuitClosed, cbr.GetState(httpKey))

	assert.Equal(t, CircuitOpen, cbr.RecordFailure(httpKey))

	err := cbr.AllowRequest(httpKey)
	require.Error(t, err)
	var we *schema.WeaveError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, schema.ErrCodeCircuitOpen, we.Code)
	assert.Equal(t, httpKey, we.Details["connector"])
	assert.False(t, we.IsRetryable())
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cbr, _ := newTestBreakers(3)

	cbr.RecordFailure(httpKey)
	cbr.RecordFailure(httpKey)
	cbr.RecordSuccess(httpKey)
	cbr.RecordFailure(httpKey)
	cbr.RecordFailure(httpKey)
	assert.Equal(t, CircuitClosed, cbr.GetState(httpKey))
}

func TestCircuitBreaker_ConcurrentOutcomes(t *testing.T) {
	cbr, _ := newTestBreakers(1000)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				cbr.RecordSuccess(httpKey)
			} else {
				cbr.RecordFailure(httpKey)
			}
			_ = cbr.AllowRequest(httpKey)
		}()
	}
	wg.Wait()

	cbr.RecordSuccess(httpKey)
	cbr.RecordSuccess(httpKey)
	stats := cbr.Stats(httpKey)
	assert.Equal(t, CircuitClosed, stats.State)
	assert.Zero(t, stats.ConsecutiveFailures)
}

func TestCircuitBreaker_HalfOpenCycle(t *testing.T) {
	cbr, clock := newTestBreakers(1)

	cbr.RecordFailure(httpKey)
	require.Error(t, cbr.AllowRequest(httpKey))

	*clock = clock.Add(11 * time.Second)
	// First request after cooldown is the probe.
	require.NoError(t, cbr.AllowRequest(httpKey))
	// A second concurrent probe is refused.
	assert.True(t, schema.HasCode(cbr.AllowRequest(httpKey), schema.ErrCodeCircuitOpen))

	// A failed probe reopens.
	assert.Equal(t, CircuitOpen, cbr.RecordFailure(httpKey))
	require.Error(t, cbr.AllowRequest(httpKey))

	*clock = clock.Add(11 * time.Second)
	require.NoError(t, cbr.AllowRequest(httpKey))
	cbr.RecordSuccess(httpKey)
	assert.Equal(t, CircuitClosed, cbr.GetState(httpKey))
}

func TestCircuitBreaker_PerConnectorIsolation(t *testing.T) {
	cbr, _ := newTestBreakers(1)
	cbr.RecordFailure(httpKey)
	assert.Error(t, cbr.AllowRequest(httpKey))
	assert.NoError(t, cbr.AllowRequest("action/core/echo"))
}

func TestCircuitBreaker_DisabledByZeroThreshold(t *testing.T) {
	cbr, _ := newTestBreakers(0)
	for i := 0; i < 10; i++ {
		cbr.RecordFailure(httpKey)
	}
	assert.NoError(t, cbr.AllowRequest(httpKey))
}

func TestCircuitBreaker_Stats(t *testing.T) {
	cbr, clock := newTestBreakers(2)
	cbr.RecordFailure(httpKey)
	stats := cbr.Stats(httpKey)
	assert.Equal(t, httpKey, stats.Connector)
	assert.Equal(t, CircuitClosed, stats.State)
	assert.Equal(t, 1, stats.ConsecutiveFailures)
	assert.True(t, stats.OpenedAt.IsZero())

	cbr.RecordFailure(httpKey)
	stats = cbr.Stats(httpKey)
	assert.Equal(t, CircuitOpen, stats.State)
	assert.Equal(t, *clock, stats.OpenedAt)
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half_open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(99).String())
}
