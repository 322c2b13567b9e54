// Package health provides a registry of named dependency health checkers
// used by the readiness endpoint.
package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultCheckTimeout bounds a single checker when the caller's context has
// no earlier deadline.
const DefaultCheckTimeout = 2 * time.Second

// Status represents the health of a single dependency.
type Status struct {
	Name     string `json:"name"`
	Healthy  bool   `json:"healthy"`
	Optional bool   `json:"optional,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// Checker checks the health of a dependency.
type Checker func(ctx context.Context) Status

// Pinger is satisfied by *sql.DB and by adapters around redis, nats and neo4j.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PingFunc adapts a plain function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) PingContext(ctx context.Context) error { return f(ctx) }

// Ping returns a Checker that reports p as healthy when it answers a ping.
func Ping(name string, p Pinger) Checker {
	return func(ctx context.Context) Status {
		if err := p.PingContext(ctx); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name     string
	check    Checker
	optional bool
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultCheckTimeout}
}

// WithTimeout sets the per-checker timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.mu.Lock()
	r.timeout = d
	r.mu.Unlock()
	return r
}

// Register adds a required checker. An unhealthy result fails readiness.
func (r *Registry) Register(name string, check Checker) {
	r.register(name, check, false)
}

// RegisterOptional adds a checker whose failure is reported but does not
// fail readiness. Used for dependencies the engine degrades around.
func (r *Registry) RegisterOptional(name string, check Checker) {
	r.register(name, check, true)
}

func (r *Registry) register(name string, check Checker, optional bool) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check, optional: optional})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers concurrently and returns the
// aggregate health plus per-dependency results in registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	timeout := r.timeout
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))

	var g errgroup.Group
	for i, nc := range checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			st := nc.check(cctx)
			st.Name = nc.name
			st.Optional = nc.optional
			statuses[i] = st
			return nil
		})
	}
	_ = g.Wait()

	healthy = true
	for _, st := range statuses {
		if !st.Healthy && !st.Optional {
			healthy = false
		}
	}
	return healthy, statuses
}
