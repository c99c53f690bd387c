package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
)

// Predefined errors for resilient operations.
var (
	// ErrCircuitOpen is returned when the circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. It still counts as a failure
// for the breaker.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// ExecutorConfig holds configuration for an Executor.
type ExecutorConfig struct {
	// Name identifies the executor in the registry and breaker.
	Name string

	// MaxRetries is the maximum number of retry attempts.
	// Default: 3
	MaxRetries uint64

	// InitialInterval is the initial retry backoff interval.
	// Default: 100ms
	InitialInterval time.Duration

	// MaxInterval is the maximum retry backoff interval.
	// Default: 5 seconds
	MaxInterval time.Duration

	// Breaker is the circuit breaker configuration.
	// If nil, uses DefaultBreakerConfig.
	Breaker *BreakerConfig

	// Registry, when set, receives the executor and its outcomes.
	Registry *Registry
}

// DefaultExecutorConfig returns the default configuration.
func DefaultExecutorConfig(name string) ExecutorConfig {
	b := DefaultBreakerConfig(name)
	return ExecutorConfig{
		Name:            name,
		MaxRetries:      3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Breaker:         &b,
	}
}

// Executor runs operations returning T behind a circuit breaker, retrying
// transient failures with exponential backoff.
type Executor[T any] struct {
	breaker  *gobreaker.CircuitBreaker[T]
	config   ExecutorConfig
	registry *Registry
}

// NewExecutor creates an Executor and registers it when a registry is set.
func NewExecutor[T any](cfg ExecutorConfig) *Executor[T] {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialInterval == 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	if cfg.MaxInterval == 0 {
		cfg.MaxInterval = 5 * time.Second
	}

	bcfg := DefaultBreakerConfig(cfg.Name)
	if cfg.Breaker != nil {
		bcfg = *cfg.Breaker
		if bcfg.Name == "" {
			bcfg.Name = cfg.Name
		}
	}

	e := &Executor[T]{
		breaker:  newBreaker[T](bcfg),
		config:   cfg,
		registry: cfg.Registry,
	}
	if e.registry != nil {
		e.registry.Register(cfg.Name, e)
	}
	return e
}

// Name returns the executor name.
func (e *Executor[T]) Name() string {
	return e.config.Name
}

// Execute runs op until it succeeds, returns a Permanent error, the retry
// budget is spent or ctx is done. It fails fast with ErrCircuitOpen while
// the breaker is open.
func (e *Executor[T]) Execute(ctx context.Context, op func(ctx context.Context) (T, error)) (T, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.config.InitialInterval
	bo.MaxInterval = e.config.MaxInterval
	bo.MaxElapsedTime = 0 // retries are bounded by WithMaxRetries

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, e.config.MaxRetries), ctx)

	var result T
	operation := func() error {
		v, err := e.breaker.Execute(func() (T, error) {
			return op(ctx)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(ErrCircuitOpen)
			}
			var perm *permanentError
			if errors.As(err, &perm) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = v
		return nil
	}

	if err := backoff.Retry(operation, policy); err != nil {
		var perm *permanentError
		if errors.As(err, &perm) {
			err = perm.err
		}
		if e.registry != nil {
			e.registry.RecordFailure(e.config.Name, err)
		}
		var zero T
		return zero, err
	}

	if e.registry != nil {
		e.registry.RecordSuccess(e.config.Name)
	}
	return result, nil
}

// State returns the current breaker state.
func (e *Executor[T]) State() gobreaker.State {
	return e.breaker.State()
}

// Counts returns the current breaker counts.
func (e *Executor[T]) Counts() gobreaker.Counts {
	return e.breaker.Counts()
}
