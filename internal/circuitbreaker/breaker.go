// Package circuitbreaker provides a per-stage circuit breaker for the risk
// pipeline. A stage whose backing queries keep failing is skipped until a
// cool-down passes, then probed with a single call.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Defaults applied when New receives non-positive values.
const (
	DefaultThreshold    = 5
	DefaultOpenDuration = 30 * time.Second
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // calls flow through
	StateOpen                  // calls are skipped
	StateHalfOpen              // one probe in flight
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "refguard",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by stage, from-state, and to-state.",
}, []string{"stage", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(stateTransitions)
}

type circuit struct {
	state       State
	failures    int
	lastFailure time.Time
}

// Breaker tracks consecutive failures per stage name.
type Breaker struct {
	mu           sync.Mutex
	circuits     map[string]*circuit
	threshold    int
	openDuration time.Duration
	now          func() time.Time
	onTransition func(stage string, from, to State)
}

// New creates a breaker that opens after threshold consecutive failures and
// stays open for openDuration before probing.
func New(threshold int, openDuration time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if openDuration <= 0 {
		openDuration = DefaultOpenDuration
	}
	return &Breaker{
		circuits:     make(map[string]*circuit),
		threshold:    threshold,
		openDuration: openDuration,
		now:          time.Now,
	}
}

// WithClock overrides the clock used for the open window.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
	return b
}

// OnTransition sets a callback invoked asynchronously on state changes.
func (b *Breaker) OnTransition(fn func(stage string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Allow reports whether stage may run. An open circuit whose window has
// elapsed moves to half-open and admits exactly one probe.
func (b *Breaker) Allow(stage string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[stage]
	if !ok {
		return true
	}

	switch c.state {
	case StateOpen:
		if b.now().Sub(c.lastFailure) >= b.openDuration {
			b.transition(c, stage, StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(stage string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[stage]
	if !ok {
		return
	}
	if c.state == StateHalfOpen {
		b.transition(c, stage, StateClosed)
	}
	c.failures = 0
}

// RecordFailure counts a failure and trips the circuit at the threshold.
// A failed probe reopens immediately.
func (b *Breaker) RecordFailure(stage string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[stage]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[stage] = c
	}

	c.failures++
	c.lastFailure = b.now()

	switch {
	case c.state == StateHalfOpen:
		b.transition(c, stage, StateOpen)
	case c.state == StateClosed && c.failures >= b.threshold:
		b.transition(c, stage, StateOpen)
	}
}

// State returns the current state for stage. Unknown stages are closed.
func (b *Breaker) State(stage string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[stage]
	if !ok {
		return StateClosed
	}
	return c.state
}

// Open returns the names of stages whose circuit is not closed.
func (b *Breaker) Open() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []string
	for name, c := range b.circuits {
		if c.state != StateClosed {
			out = append(out, name)
		}
	}
	return out
}

// caller holds b.mu
func (b *Breaker) transition(c *circuit, stage string, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	stateTransitions.WithLabelValues(stage, from.String(), to.String()).Inc()
	if b.onTransition != nil {
		fn := b.onTransition
		go fn(stage, from, to)
	}
}
