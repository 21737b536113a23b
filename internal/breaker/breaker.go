// Package breaker implements the circuit breaker shared by the flag sync loop
// and the telemetry uploader.
package breaker

import (
	"sync"
	"time"
)

const (
	DefaultThreshold       = 5
	DefaultRecoveryTimeout = 60 * time.Second
)

// State is the breaker's position in its closed/open/half-open cycle.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithThreshold sets how many consecutive failures open the circuit.
func WithThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.threshold = n
		}
	}
}

// WithRecoveryTimeout sets how long the circuit stays open before a trial call.
func WithRecoveryTimeout(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.recoveryTimeout = d
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithStateChangeHook registers fn to be called after every transition. It
// runs outside the breaker's lock.
func WithStateChangeHook(fn func(from, to State)) Option {
	return func(b *Breaker) {
		b.onChange = fn
	}
}

// Breaker is safe for concurrent use.
type Breaker struct {
	mu sync.Mutex

	threshold       int
	recoveryTimeout time.Duration
	now             func() time.Time
	onChange        func(from, to State)

	state       State
	failures    int
	lastFailure time.Time
	trialActive bool
}

func New(opts ...Option) *Breaker {
	b := &Breaker{
		threshold:       DefaultThreshold,
		recoveryTimeout: DefaultRecoveryTimeout,
		now:             time.Now,
		state:           Closed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether an outbound call may proceed. Once the recovery
// timeout has passed it moves an open circuit to half-open and admits exactly
// one trial call; further calls are refused until that trial is recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	from := b.state
	allowed := false

	switch b.state {
	case Closed:
		allowed = true
	case Open:
		// An open circuit with no recorded failure only closes on success.
		if !b.lastFailure.IsZero() && b.now().Sub(b.lastFailure) > b.recoveryTimeout {
			b.state = HalfOpen
			b.trialActive = true
			allowed = true
		}
	case HalfOpen:
		if !b.trialActive {
			b.trialActive = true
			allowed = true
		}
	}

	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
	return allowed
}

// RecordSuccess closes the circuit and clears the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	from := b.state
	b.state = Closed
	b.failures = 0
	b.trialActive = false
	b.mu.Unlock()
	b.notify(from, Closed)
}

// RecordFailure counts a failed call. Reaching the threshold in closed state,
// or failing the half-open trial, opens the circuit.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	from := b.state
	b.lastFailure = b.now()
	b.failures++
	b.trialActive = false

	switch b.state {
	case Closed:
		if b.failures >= b.threshold {
			b.state = Open
		}
	case HalfOpen:
		b.state = Open
	}

	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
}

// State returns the stored state without performing the timed transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats is a point-in-time view of the breaker for health reporting.
type Stats struct {
	State           string    `json:"state"`
	Failures        int       `json:"failure_count"`
	Threshold       int       `json:"failure_threshold"`
	LastFailureTime time.Time `json:"last_failure_time,omitzero"`
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:           b.state.String(),
		Failures:        b.failures,
		Threshold:       b.threshold,
		LastFailureTime: b.lastFailure,
	}
}

// Reset returns the breaker to closed with no failure history.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = Closed
	b.failures = 0
	b.lastFailure = time.Time{}
	b.trialActive = false
	b.mu.Unlock()
	b.notify(from, Closed)
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.onChange != nil {
		b.onChange(from, to)
	}
}
