// Package breaker maintains one circuit breaker per platform connection
// key, so an outage on one platform instance fails fast without tripping
// unrelated instances.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

const (
	// consecutiveFailures trips the breaker.
	consecutiveFailures = 5

	// openTimeout is how long a tripped breaker stays open before probing
	// again.
	openTimeout = 30 * time.Second
)

// ErrOpen reports that the breaker for a key is open and the call was not
// attempted.
var ErrOpen = errors.New("circuit breaker is open")

// Registry lazily creates one breaker per key. Safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewRegistry creates an empty breaker registry.
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

// Execute runs fn through the breaker for key. While the breaker is open,
// fn is not invoked and ErrOpen is returned immediately.
func (r *Registry) Execute(key string, fn func() (any, error)) (any, error) {
	out, err := r.breakerFor(key).Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrOpen
	}
	return out, err
}

// State returns the breaker state name for key ("closed", "half-open",
// "open"), or "closed" when no breaker exists yet.
func (r *Registry) State(key string) string {
	r.mu.Lock()
	cb, ok := r.breakers[key]
	r.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed.String()
	}
	return cb.State().String()
}

// Forget drops the breaker for key, e.g. when its platform config is
// deleted.
func (r *Registry) Forget(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, key)
}

func (r *Registry) breakerFor(key string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[key]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    key,
		Timeout: openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= consecutiveFailures
		},
	})
	r.breakers[key] = cb
	return cb
}
