package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mailgun/holster/v4/clock"
)

// State enumerates the circuit positions for one upstream target.
type State int

const (
	// Closed is the initial state; calls flow through and failures count.
	Closed State = iota
	// Open rejects every call without touching the network.
	Open
	// HalfOpen admits a bounded number of trial calls after the reset timeout.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned when the circuit rejects a call. The router maps it to
// 503 SERVICE_UNAVAILABLE.
var ErrOpen = errors.New("breaker: circuit open")

// Policy holds the thresholds governing one breaker.
type Policy struct {
	// FailureThreshold is the consecutive-failure count that trips the
	// circuit. Consecutive counting was chosen over a rolling error-rate
	// window; the simpler policy is observable and good enough for six
	// stable upstream targets.
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before admitting
	// trial calls.
	ResetTimeout time.Duration
	// CallTimeout bounds each proxied call; exceeding it counts as a
	// failure.
	CallTimeout time.Duration
	// TrialRequests is the number of successful half-open probes required
	// to close the circuit. It also bounds concurrent probes.
	TrialRequests int
}

func (p Policy) withDefaults() Policy {
	if p.FailureThreshold <= 0 {
		p.FailureThreshold = 5
	}
	if p.ResetTimeout <= 0 {
		p.ResetTimeout = 30 * time.Second
	}
	if p.CallTimeout <= 0 {
		p.CallTimeout = 10 * time.Second
	}
	if p.TrialRequests <= 0 {
		p.TrialRequests = 1
	}
	return p
}

// TransitionFunc observes state changes, typically wired to metrics.
type TransitionFunc func(target string, from, to State)

// Breaker tracks call outcomes for a single upstream target. One instance is
// shared by every concurrent request to that target; all counter updates
// happen under the mutex so concurrent outcome reports cannot be lost.
type Breaker struct {
	target       string
	policy       Policy
	onTransition TransitionFunc

	mu             sync.Mutex
	state          State
	failures       int
	openedAt       time.Time
	trialInFlight  int
	trialSuccesses int
}

// Snapshot is a point-in-time view for health reporting.
type Snapshot struct {
	Target              string    `json:"target"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	OpenedAt            time.Time `json:"openedAt,omitempty"`
}

// New builds a breaker for the given upstream target.
func New(target string, policy Policy, onTransition TransitionFunc) *Breaker {
	return &Breaker{
		target:       target,
		policy:       policy.withDefaults(),
		onTransition: onTransition,
	}
}

type transition struct{ from, to State }

// Allow reports whether a call may proceed. While open it checks the reset
// timer; the open-to-half-open move and the trial slot reservation happen
// atomically so exactly TrialRequests probes pass through.
func (b *Breaker) Allow() error {
	var fired []transition
	b.mu.Lock()
	err := b.allowLocked(&fired)
	b.mu.Unlock()
	b.fire(fired)
	return err
}

func (b *Breaker) allowLocked(fired *[]transition) error {
	switch b.state {
	case Closed:
		return nil
	case Open:
		if clock.Now().Sub(b.openedAt) < b.policy.ResetTimeout {
			return ErrOpen
		}
		b.setState(HalfOpen, fired)
		b.trialSuccesses = 0
		b.trialInFlight = 1
		return nil
	case HalfOpen:
		if b.trialInFlight >= b.policy.TrialRequests {
			return ErrOpen
		}
		b.trialInFlight++
		return nil
	default:
		return ErrOpen
	}
}

// RecordSuccess reports a successful call outcome.
func (b *Breaker) RecordSuccess() {
	var fired []transition
	b.mu.Lock()
	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		if b.trialInFlight > 0 {
			b.trialInFlight--
		}
		b.trialSuccesses++
		if b.trialSuccesses >= b.policy.TrialRequests {
			b.setState(Closed, &fired)
			b.failures = 0
			b.trialInFlight = 0
			b.trialSuccesses = 0
		}
	}
	b.mu.Unlock()
	b.fire(fired)
}

// RecordFailure reports a failed call outcome: a transport error, a timeout,
// or an upstream 5xx.
func (b *Breaker) RecordFailure() {
	var fired []transition
	b.mu.Lock()
	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.policy.FailureThreshold {
			b.setState(Open, &fired)
			b.openedAt = clock.Now()
		}
	case HalfOpen:
		// A failed probe reopens the circuit and restarts the timer.
		b.setState(Open, &fired)
		b.openedAt = clock.Now()
		b.trialInFlight = 0
		b.trialSuccesses = 0
	}
	b.mu.Unlock()
	b.fire(fired)
}

// Execute wraps exactly one call: it applies the per-call timeout, consults
// the circuit, and accounts for the outcome. It never retries.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	callCtx := ctx
	if b.policy.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.policy.CallTimeout)
		defer cancel()
	}
	if err := fn(callCtx); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// State returns the current circuit position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot captures the breaker for health reporting.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := Snapshot{
		Target:              b.target,
		State:               b.state.String(),
		ConsecutiveFailures: b.failures,
	}
	if b.state != Closed {
		snap.OpenedAt = b.openedAt
	}
	return snap
}

func (b *Breaker) setState(to State, fired *[]transition) {
	if b.state == to {
		return
	}
	*fired = append(*fired, transition{from: b.state, to: to})
	b.state = to
}

// fire invokes the transition observer outside the mutex.
func (b *Breaker) fire(fired []transition) {
	if b.onTransition == nil {
		return
	}
	for _, tr := range fired {
		b.onTransition(b.target, tr.from, tr.to)
	}
}
