package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	cb "github.com/sony/gobreaker"
)

// ErrNoFallback is returned when a scope's circuit is open (or the call
// failed) and no last known good output exists to degrade to.
var ErrNoFallback = errors.New("circuit open with no last good result")

// Config holds keyed breaker settings.
type Config struct {
	// ConsecutiveFailures to trip a scope's circuit.
	ConsecutiveFailures uint32 `yaml:"consecutive_failures"`
	// OpenTimeout is how long a tripped circuit stays open before a probe
	// is allowed through.
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// DefaultConfig returns the production baseline: trip after 3 consecutive
// failures, probe again after 30 seconds.
func DefaultConfig() Config {
	return Config{ConsecutiveFailures: 3, OpenTimeout: 30 * time.Second}
}

// Keyed is a registry of per-scope circuit breakers with a last-good
// cache. Counters are keyed, never shared across scopes, so concurrent
// workflows hitting different scopes never interfere.
type Keyed struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*cb.CircuitBreaker
	lastGood map[string]interface{}
}

// NewKeyed creates an empty keyed breaker registry.
func NewKeyed(cfg Config) *Keyed {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = DefaultConfig().ConsecutiveFailures
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultConfig().OpenTimeout
	}
	return &Keyed{
		cfg:      cfg,
		breakers: make(map[string]*cb.CircuitBreaker),
		lastGood: make(map[string]interface{}),
	}
}

func (k *Keyed) breakerFor(scope string) *cb.CircuitBreaker {
	k.mu.Lock()
	defer k.mu.Unlock()
	b, ok := k.breakers[scope]
	if !ok {
		threshold := k.cfg.ConsecutiveFailures
		st := cb.Settings{
			Name:    scope,
			Timeout: k.cfg.OpenTimeout,
			ReadyToTrip: func(counts cb.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
		}
		b = cb.NewCircuitBreaker(st)
		k.breakers[scope] = b
	}
	return b
}

// Execute runs fn under the scope's circuit. On success the output is
// cached as the scope's last known good and returned with degraded=false;
// one success also resets the scope's failure counter. Failures propagate
// until the circuit trips; once open, the last known good output is
// substituted with degraded=true. An open circuit with no good output
// returns ErrNoFallback.
func (k *Keyed) Execute(scope string, fn func() (interface{}, error)) (out interface{}, degraded bool, err error) {
	b := k.breakerFor(scope)

	v, err := b.Execute(fn)
	if err == nil {
		k.mu.Lock()
		k.lastGood[scope] = v
		k.mu.Unlock()
		return v, false, nil
	}

	k.mu.Lock()
	good, ok := k.lastGood[scope]
	k.mu.Unlock()

	tripped := errors.Is(err, cb.ErrOpenState) || errors.Is(err, cb.ErrTooManyRequests)
	if tripped && ok {
		log.Warn().Str("scope", scope).Msg("circuit open, serving last good result")
		return good, true, nil
	}

	if tripped {
		return nil, false, ErrNoFallback
	}
	return nil, false, err
}

// State returns the scope's circuit state name, "closed" for unknown
// scopes.
func (k *Keyed) State(scope string) string {
	k.mu.Lock()
	b, ok := k.breakers[scope]
	k.mu.Unlock()
	if !ok {
		return "closed"
	}
	switch b.State() {
	case cb.StateOpen:
		return "open"
	case cb.StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}
