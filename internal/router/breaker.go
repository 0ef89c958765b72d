package router

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/aristath/conductor/internal/logging"
)

// errProviderFailure is the synthetic error fed to a breaker when an agent
// run reports a provider failure.
var errProviderFailure = errors.New("provider failure reported")

// breakerRegistry manages per-provider circuit breakers. Breakers are fed
// from reported outcomes rather than wrapped calls; the actual provider
// traffic happens inside external agent processes.
type breakerRegistry struct {
	mu        sync.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker
	threshold uint32
	cooldown  time.Duration
	log       *logging.Logger
}

func newBreakerRegistry(threshold int, cooldown time.Duration, log *logging.Logger) *breakerRegistry {
	if threshold <= 0 {
		threshold = 2
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &breakerRegistry{
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
		threshold: uint32(threshold),
		cooldown:  cooldown,
		log:       log,
	}
}

// get returns the breaker for a provider, creating it on first use.
func (r *breakerRegistry) get(provider string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[provider]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        provider,
		MaxRequests: 1,
		// Counts clear every cooldown interval while closed, so failures
		// must land within one window to trip the breaker.
		Interval: r.cooldown,
		Timeout:  r.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.log.Info("provider breaker state changed",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	r.breakers[provider] = cb
	return cb
}

// recordFailure counts one failure against the provider. Execute returns
// ErrOpenState without running the fn while open; a failure reported
// against an open breaker changes nothing.
func (r *breakerRegistry) recordFailure(provider string) {
	cb := r.get(provider)
	_, _ = cb.Execute(func() (any, error) { return nil, errProviderFailure })
}

// recordSuccess counts one success, resetting the consecutive-failure run
// and closing a half-open breaker.
func (r *breakerRegistry) recordSuccess(provider string) {
	cb := r.get(provider)
	_, _ = cb.Execute(func() (any, error) { return nil, nil })
}

// isOpen reports whether the provider's breaker is open. Providers never
// reported against have no breaker and count as closed.
func (r *breakerRegistry) isOpen(provider string) bool {
	r.mu.Lock()
	cb, ok := r.breakers[provider]
	r.mu.Unlock()
	return ok && cb.State() == gobreaker.StateOpen
}

// openProviders lists providers currently excluded, sorted for stable
// logging and metrics.
func (r *breakerRegistry) openProviders() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for name, cb := range r.breakers {
		if cb.State() == gobreaker.StateOpen {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
