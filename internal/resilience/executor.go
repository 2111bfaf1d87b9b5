package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// ErrorClassification tells the executor what to do with a failed attempt.
type ErrorClassification struct {
	Retryable     bool
	RecordFailure bool
}

type ErrorClassifier func(err error) ErrorClassification

// Executor runs calls of one Policy with retries, behind a circuit breaker
// per operation name.
type Executor struct {
	policy Policy
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[struct{}]
}

func NewExecutor(policy Policy, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	policy = policy.normalize()
	return &Executor{
		policy:   policy,
		logger:   logger.With("policy", policy.Name),
		breakers: make(map[string]*gobreaker.CircuitBreaker[struct{}]),
	}
}

func (e *Executor) Policy() Policy { return e.policy }

// AbandonedError is returned when ctx ends while an operation is still being
// retried. It matches the context error under errors.Is and not the last
// attempt's error, so a cancelled call is never mistaken for a failed one.
type AbandonedError struct {
	Operation string
	Attempts  int
	Last      error
	ctxErr    error
}

func (e *AbandonedError) Error() string {
	return fmt.Sprintf("%s abandoned after %d attempt(s): %v (last error: %v)", e.Operation, e.Attempts, e.ctxErr, e.Last)
}

func (e *AbandonedError) Unwrap() error { return e.ctxErr }

// Execute calls fn until it succeeds, the classifier says the error is not
// retryable, attempts run out, or ctx ends.
func (e *Executor) Execute(
	ctx context.Context,
	operation string,
	fn func(context.Context) error,
	classifier ErrorClassifier,
) error {
	if fn == nil {
		return errors.New("resilience: operation callback is nil")
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	if classifier == nil {
		classifier = failFast
	}

	if e.policy.Breaker == nil {
		return e.retry(ctx, op, fn, classifier)
	}
	_, err := e.breaker(op, classifier).Execute(func() (struct{}, error) {
		return struct{}{}, e.retry(ctx, op, fn, classifier)
	})
	return err
}

func (e *Executor) retry(ctx context.Context, op string, fn func(context.Context) error, classifier ErrorClassifier) error {
	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				return err
			}
			return &AbandonedError{Operation: op, Attempts: attempt - 1, Last: lastErr, ctxErr: err}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
			return &AbandonedError{Operation: op, Attempts: attempt, Last: err, ctxErr: ctx.Err()}
		}
		lastErr = err

		if !classifier(err).Retryable || attempt >= e.policy.MaxAttempts {
			return err
		}

		wait := e.policy.Backoff.Delay(attempt)
		e.logger.Warn("Operation failed, will retry.",
			"operation", op,
			"attempt", attempt,
			"maxAttempts", e.policy.MaxAttempts,
			"backoff", wait.String(),
			"error", err,
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (e *Executor) breaker(op string, classifier ErrorClassifier) *gobreaker.CircuitBreaker[struct{}] {
	e.mu.Lock()
	defer e.mu.Unlock()

	name := e.policy.Name + "." + op
	if cb, ok := e.breakers[name]; ok {
		return cb
	}

	bp := e.policy.Breaker
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: bp.HalfOpenMaxCalls,
		Timeout:     bp.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < bp.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= bp.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// A caller that went away says nothing about the service.
			var abandoned *AbandonedError
			if errors.As(err, &abandoned) || errors.Is(err, context.Canceled) {
				return true
			}
			return !classifier(err).RecordFailure
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.logger.Warn("Circuit breaker changed state.", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	e.breakers[name] = cb
	return cb
}

// IsCircuitOpen reports whether err was produced by an open breaker rather
// than by the operation itself.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func failFast(error) ErrorClassification {
	return ErrorClassification{Retryable: false, RecordFailure: true}
}
