// Package backend invokes the AI handlers that answer grounded queries, over
// HTTP functions or NATS request/reply. Every call is rate limited, guarded
// by a circuit breaker and bounded by a timeout; nothing is retried.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/WessleyAI/wessley-companion/engine/domain"
	"github.com/WessleyAI/wessley-companion/pkg/fn"
	"github.com/WessleyAI/wessley-companion/pkg/metrics"
	"github.com/WessleyAI/wessley-companion/pkg/resilience"
)

// DefaultTimeout bounds a single backend call.
const DefaultTimeout = 60 * time.Second

// ErrEmptyReply is returned when the backend answers without data.
var ErrEmptyReply = errors.New("backend: empty reply")

// StatusError is a non-success answer from the backend.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Code == 0 {
		return "backend: " + e.Message
	}
	if e.Message == "" {
		return fmt.Sprintf("backend: status %d", e.Code)
	}
	return fmt.Sprintf("backend: status %d: %s", e.Code, e.Message)
}

// Guard is the call discipline shared by the transports.
type Guard struct {
	Timeout time.Duration
	Limiter *rate.Limiter
	Breaker *resilience.Breaker
	Logger  *slog.Logger
}

// GuardOptions configures NewGuard.
type GuardOptions struct {
	Name             string
	Timeout          time.Duration
	RatePerSecond    float64
	Burst            int
	BreakerThreshold int
	BreakerCooldown  time.Duration
	// Metrics, when set, receives companion_backend_breaker_state.
	Metrics *metrics.Registry
	Logger  *slog.Logger
}

// NewGuard builds a Guard from flat options.
func NewGuard(opts GuardOptions) Guard {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	var onChange func(string, resilience.State, resilience.State)
	if opts.Metrics != nil {
		state := opts.Metrics.Gauge("companion_backend_breaker_state",
			"AI backend circuit breaker: 0 closed, 1 open, 2 half-open.", "breaker", opts.Name)
		onChange = func(_ string, _, to resilience.State) { state.Set(int64(to)) }
	}
	return Guard{
		Timeout: opts.Timeout,
		Limiter: rate.NewLimiter(limit, opts.Burst),
		Breaker: resilience.NewBreaker(resilience.BreakerOpts{
			Name:          opts.Name,
			FailThreshold: opts.BreakerThreshold,
			Timeout:       opts.BreakerCooldown,
			IsFailure:     tripsBreaker,
			OnStateChange: onChange,
			Logger:        opts.Logger,
		}),
		Logger: opts.Logger,
	}
}

// tripsBreaker ignores client errors and cancellations; they say nothing
// about backend health.
func tripsBreaker(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) && se.Code >= 400 && se.Code < 500 {
		return false
	}
	return true
}

// Do runs one attempt of call under the guard. Errors come back as
// *domain.TransportError naming the handler.
func (g Guard) Do(ctx context.Context, name string, call func(context.Context) ([]byte, error)) ([]byte, error) {
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}
	if g.Limiter != nil {
		if err := g.Limiter.Wait(ctx); err != nil {
			return nil, &domain.TransportError{Request: name, Err: fmt.Errorf("rate limit: %w", err)}
		}
	}

	attempt := func(ctx context.Context) fn.Result[[]byte] {
		return fn.FromPair(call(ctx))
	}
	var result fn.Result[[]byte]
	if g.Breaker != nil {
		result = resilience.CallResult(g.Breaker, ctx, attempt)
	} else {
		result = attempt(ctx)
	}

	raw, err := result.Unwrap()
	if err != nil {
		return nil, &domain.TransportError{Request: name, Err: err}
	}
	if len(raw) == 0 {
		return nil, &domain.TransportError{Request: name, Err: ErrEmptyReply}
	}
	return raw, nil
}
