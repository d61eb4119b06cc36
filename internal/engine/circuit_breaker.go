package engine

import (
	"sync"
	"time"

	"github.com/rendis/weave/pkg/schema"
)

// CircuitState is the state of one connector's breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

var circuitStateNames = map[CircuitState]string{
	CircuitClosed:   "closed",
	CircuitOpen:     "open",
	CircuitHalfOpen: "half_open",
}

func (s CircuitState) String() string {
	if name, ok := circuitStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// CircuitBreakerConfig tunes the per-connector breakers.
type CircuitBreakerConfig struct {
	// FailureThreshold consecutive failures open the circuit. <= 0 disables
	// the breakers.
	FailureThreshold int
	// Cooldown is how long an open circuit rejects calls before probing.
	Cooldown time.Duration
	// HalfOpenMax probes are let through while half-open.
	HalfOpenMax int
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// BreakerStats is a snapshot of one breaker.
type BreakerStats struct {
	Connector           string
	State               CircuitState
	ConsecutiveFailures int
	OpenedAt            time.Time
}

// breaker is the state of one connector operation. Callers hold mu.
type breaker struct {
	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
	probes   int
}

// settle moves an open breaker whose cooldown elapsed to half-open.
func (b *breaker) settle(now time.Time, cooldown time.Duration) {
	if b.state == CircuitOpen && now.Sub(b.openedAt) >= cooldown {
		b.state = CircuitHalfOpen
		b.probes = 0
	}
}

// reset closes the breaker. It clears fields one by one since mu is held.
func (b *breaker) reset() {
	b.state = CircuitClosed
	b.failures = 0
	b.openedAt = time.Time{}
	b.probes = 0
}

// CircuitBreakerRegistry holds one breaker per connector key
// ("kind/app/operation"). Breakers are process-local.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   CircuitBreakerConfig
	now      func() time.Time
}

func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*breaker),
		config:   config,
		now:      time.Now,
	}
}

func (r *CircuitBreakerRegistry) enabled() bool { return r.config.FailureThreshold > 0 }

func (r *CircuitBreakerRegistry) get(key string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = &breaker{}
		r.breakers[key] = b
	}
	return b
}

// AllowRequest returns a CIRCUIT_OPEN error when calls to key are currently
// rejected. A half-open breaker admits up to HalfOpenMax probes.
func (r *CircuitBreakerRegistry) AllowRequest(key string) error {
	if !r.enabled() {
		return nil
	}
	b := r.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	now := r.now()
	b.settle(now, r.config.Cooldown)

	switch b.state {
	case CircuitOpen:
		remaining := r.config.Cooldown - now.Sub(b.openedAt)
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"connector %q is unavailable after %d consecutive failures", key, b.failures).
			WithDetails(map[string]any{
				"connector":            key,
				"consecutive_failures": b.failures,
				"retry_in":             remaining.String(),
			})
	case CircuitHalfOpen:
		if b.probes >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"connector %q is being probed, try again later", key).
				WithDetails(map[string]any{"connector": key})
		}
		b.probes++
	}
	return nil
}

// RecordSuccess closes the circuit.
func (r *CircuitBreakerRegistry) RecordSuccess(key string) {
	b := r.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reset()
}

// RecordFailure counts a failure and returns the resulting state. A failed
// probe reopens the circuit immediately.
func (r *CircuitBreakerRegistry) RecordFailure(key string) CircuitState {
	b := r.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	trip := b.state == CircuitHalfOpen ||
		(r.enabled() && b.failures >= r.config.FailureThreshold)
	if trip {
		b.state = CircuitOpen
		b.openedAt = r.now()
	}
	return b.state
}

func (r *CircuitBreakerRegistry) GetState(key string) CircuitState {
	b := r.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settle(r.now(), r.config.Cooldown)
	return b.state
}

func (r *CircuitBreakerRegistry) Stats(key string) BreakerStats {
	b := r.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStats{
		Connector:           key,
		State:               b.state,
		ConsecutiveFailures: b.failures,
		OpenedAt:            b.openedAt,
	}
}
