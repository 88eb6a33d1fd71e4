// Package resilience provides the circuit breaker and retry primitives that
// guard every call to an external dependency: the container/cluster runtime,
// object storage, and OAuth token endpoints. It is a thin adapter over
// github.com/sony/gobreaker/v2 and github.com/cenkalti/backoff/v4.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"

	"github.com/fastflow/core/internal/logging"
	"github.com/fastflow/core/internal/metrics"
)

// State mirrors the closed/open/half-open circuit breaker state machine.
type State int

const (
	StateClosed   State = State(gobreaker.StateClosed)
	StateHalfOpen State = State(gobreaker.StateHalfOpen)
	StateOpen     State = State(gobreaker.StateOpen)
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

var (
	// ErrCircuitOpen is returned while a breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests is returned when a half-open breaker already has a probe in flight.
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config configures a CircuitBreaker.
type Config struct {
	Name          string
	MaxFailures   int           // consecutive failures before opening
	Timeout       time.Duration // time in open state before half-open
	HalfOpenMax   int           // max probes allowed while half-open
	OnStateChange func(from, to State)
}

// DefaultConfig returns the breaker defaults used when a caller doesn't override them.
func DefaultConfig() Config {
	return Config{MaxFailures: 5, Timeout: 30 * time.Second, HalfOpenMax: 1}
}

// CircuitBreaker wraps gobreaker.CircuitBreaker with the
// closed -> open -> half-open -> closed contract: it opens after N
// consecutive failures, blocks calls for Timeout, then allows exactly one
// half-open probe whose outcome decides the next state.
type CircuitBreaker struct {
	name string
	gb   *gobreaker.CircuitBreaker[any]
}

// New creates a CircuitBreaker backed by sony/gobreaker.
func New(cfg Config) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}

	maxFailures := uint32(cfg.MaxFailures)
	halfOpenMax := uint32(cfg.HalfOpenMax)

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: halfOpenMax,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
	}

	if cfg.OnStateChange != nil {
		settings.OnStateChange = func(_ string, from, to gobreaker.State) {
			cfg.OnStateChange(State(from), State(to))
		}
	}

	return &CircuitBreaker{
		name: cfg.Name,
		gb:   gobreaker.NewCircuitBreaker[any](settings),
	}
}

// Name returns the breaker's identity ("container-runtime", "object-storage", "oauth").
func (cb *CircuitBreaker) Name() string { return cb.name }

// State returns the current circuit breaker state.
func (cb *CircuitBreaker) State() State { return State(cb.gb.State()) }

// Execute runs fn with circuit breaker protection. ctx is forwarded to fn;
// callers that need a per-call deadline should derive it before calling Execute.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := cb.gb.Execute(func() (any, error) {
		return nil, fn(ctx)
	})
	if err != nil {
		return mapGobreakerError(err)
	}
	return nil
}

func mapGobreakerError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) {
		return ErrCircuitOpen
	}
	if errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrTooManyRequests
	}
	return err
}

// RetryConfig configures exponential backoff retry behaviour.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64 // 0..1, mapped to backoff.RandomizationFactor
}

// DefaultRetryConfig returns the retry defaults used for git fetch/pull calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// Retry executes fn with exponential backoff, honoring ctx cancellation.
// Every attempt carries the timeout the caller baked into fn via ctx.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	if cfg.InitialDelay > 0 {
		bo.InitialInterval = cfg.InitialDelay
	}
	if cfg.MaxDelay > 0 {
		bo.MaxInterval = cfg.MaxDelay
	}
	if cfg.Multiplier > 0 {
		bo.Multiplier = cfg.Multiplier
	}
	bo.RandomizationFactor = cfg.Jitter
	bo.MaxElapsedTime = 0

	maxRetries := uint64(cfg.MaxAttempts - 1)
	withMax := backoff.WithMaxRetries(bo, maxRetries)
	withCtx := backoff.WithContext(withMax, ctx)

	return backoff.Retry(fn, withCtx)
}

// Breakers bundles the three named circuit breakers the orchestrator wires
// around its external dependencies: the container/cluster runtime, object
// storage, and OAuth token endpoints.
type Breakers struct {
	ContainerRuntime *CircuitBreaker
	ObjectStorage    *CircuitBreaker
	OAuth            *CircuitBreaker
}

// NewBreakers constructs the three named breakers with logging wired into
// OnStateChange so operators see every open/half-open/close transition.
func NewBreakers(logger *logging.Logger) *Breakers {
	onChange := func(name string) func(from, to State) {
		return func(from, to State) {
			logger.WithFields(map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state change")
			metrics.RecordBreakerState(name, int(to))
		}
	}

	return &Breakers{
		ContainerRuntime: New(Config{
			Name: "container-runtime", MaxFailures: 5, Timeout: 30 * time.Second, HalfOpenMax: 1,
			OnStateChange: onChange("container-runtime"),
		}),
		ObjectStorage: New(Config{
			Name: "object-storage", MaxFailures: 5, Timeout: 60 * time.Second, HalfOpenMax: 1,
			OnStateChange: onChange("object-storage"),
		}),
		OAuth: New(Config{
			Name: "oauth", MaxFailures: 3, Timeout: 60 * time.Second, HalfOpenMax: 1,
			OnStateChange: onChange("oauth"),
		}),
	}
}
