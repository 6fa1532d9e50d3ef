// Package resilience provides a circuit breaker for outbound calls.
//
// The breaker fails fast while a dependency is unhealthy. It never retries:
// callers see exactly one attempt or ErrCircuitOpen.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/WessleyAI/wessley-companion/pkg/fn"
)

// State is the breaker position.
type State int

const (
	StateClosed   State = iota // normal operation
	StateOpen                  // tripped, reject calls
	StateHalfOpen              // allowing probe calls
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerOpts configures the circuit breaker.
type BreakerOpts struct {
	// Name identifies the protected dependency in logs.
	Name string
	// FailThreshold is how many consecutive failures trip the breaker.
	FailThreshold int
	// Timeout is how long the breaker stays open before entering half-open.
	Timeout time.Duration
	// HalfOpenMax is the number of probe calls allowed in half-open state.
	HalfOpenMax int
	// IsFailure decides whether an error counts against the breaker.
	// Defaults to every non-nil error except context cancellation.
	IsFailure func(error) bool
	// OnStateChange is called (with the lock released) after each transition.
	OnStateChange func(name string, from, to State)
	Logger        *slog.Logger
}

// DefaultBreakerOpts provides sensible defaults.
var DefaultBreakerOpts = BreakerOpts{
	FailThreshold: 5,
	Timeout:       30 * time.Second,
	HalfOpenMax:   1,
}

// Breaker implements a circuit breaker with closed/open/half-open states.
type Breaker struct {
	mu            sync.Mutex
	opts          BreakerOpts
	state         State
	failures      int
	openedAt      time.Time
	halfOpenCount int
	now           func() time.Time // for testing
}

// NewBreaker creates a circuit breaker with the given options.
func NewBreaker(opts BreakerOpts) *Breaker {
	if opts.FailThreshold <= 0 {
		opts.FailThreshold = DefaultBreakerOpts.FailThreshold
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultBreakerOpts.Timeout
	}
	if opts.HalfOpenMax <= 0 {
		opts.HalfOpenMax = DefaultBreakerOpts.HalfOpenMax
	}
	if opts.IsFailure == nil {
		opts.IsFailure = defaultIsFailure
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Breaker{opts: opts, now: time.Now}
}

func defaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, _ := b.currentState()
	return st
}

// currentState returns state, transitioning open→half-open if timeout elapsed.
// The second value reports whether a transition happened. Must hold mu.
func (b *Breaker) currentState() (State, bool) {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.opts.Timeout {
		b.state = StateHalfOpen
		b.halfOpenCount = 0
		return b.state, true
	}
	return b.state, false
}

type transition struct {
	from, to State
}

// admit reserves a slot for one call. Must not hold mu.
func (b *Breaker) admit() (bool, []transition) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var changes []transition
	st, moved := b.currentState()
	if moved {
		changes = append(changes, transition{StateOpen, StateHalfOpen})
	}
	switch st {
	case StateOpen:
		return false, changes
	case StateHalfOpen:
		if b.halfOpenCount >= b.opts.HalfOpenMax {
			return false, changes
		}
		b.halfOpenCount++
	}
	return true, changes
}

// record applies the outcome of an admitted call. Must not hold mu.
func (b *Breaker) record(err error) []transition {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil && b.opts.IsFailure(err) {
		b.failures++
		if b.state == StateHalfOpen || b.failures >= b.opts.FailThreshold {
			from := b.state
			b.state = StateOpen
			b.openedAt = b.now()
			b.failures = 0
			b.halfOpenCount = 0
			return []transition{{from, StateOpen}}
		}
		return nil
	}

	b.failures = 0
	if b.state == StateHalfOpen {
		b.state = StateClosed
		return []transition{{StateHalfOpen, StateClosed}}
	}
	return nil
}

func (b *Breaker) notify(changes []transition) {
	for _, c := range changes {
		b.opts.Logger.Warn("circuit breaker state change",
			"breaker", b.opts.Name, "from", c.from.String(), "to", c.to.String())
		if b.opts.OnStateChange != nil {
			b.opts.OnStateChange(b.opts.Name, c.from, c.to)
		}
	}
}

// CallResult runs f through the circuit breaker. An open breaker rejects the
// call with ErrCircuitOpen without invoking f.
func CallResult[T any](b *Breaker, ctx context.Context, f func(context.Context) fn.Result[T]) fn.Result[T] {
	ok, changes := b.admit()
	b.notify(changes)
	if !ok {
		return fn.Err[T](ErrCircuitOpen)
	}
	result := f(ctx)
	_, err := result.Unwrap()
	b.notify(b.record(err))
	return result
}
