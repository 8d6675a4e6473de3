// Package retry runs backend operations under an exponential backoff policy
// and decides, per error class, whether to retry, drop the result or surface
// the failure.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/charmbracelet/log"
	goretry "github.com/sethvargo/go-retry"
)

// Policy describes how many attempts are made and how long to wait between
// them.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultPolicy is the process-wide synthesis retry policy.
var DefaultPolicy = Policy{
	MaxAttempts: 3,
	BaseDelay:   time.Second,
	MaxDelay:    10 * time.Second,
	Multiplier:  2,
}

// Delay returns the wait after the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Validate checks the policy for usable values.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("delays must not be negative")
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("multiplier must be at least 1, got %f", p.Multiplier)
	}
	return nil
}

// State is the per-call bookkeeping. It is created fresh for every Do call.
type State struct {
	Attempt   int
	LastError error
}

// Executor applies a Policy to operations.
type Executor struct {
	policy Policy

	// OnBackoff, when set, observes every wait before it happens.
	OnBackoff func(attempt int, delay time.Duration, class Class)
}

// NewExecutor creates an executor for the policy.
func NewExecutor(policy Policy) (*Executor, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}
	return &Executor{policy: policy}, nil
}

// Policy returns the executor's policy.
func (e *Executor) Policy() Policy {
	return e.policy
}

// Do runs op until it succeeds, is dropped, or fails for good.
//
// It returns (value, true, nil) on success and (zero, false, nil) when the
// result was dropped: content rejected, another 400, or throttling that
// outlasted the policy. A retryable error that exhausts the attempts, a
// fatal error, or a cancelled ctx come back as (zero, false, err).
func Do[T any](ctx context.Context, e *Executor, label string, op func(ctx context.Context) (T, error)) (T, bool, error) {
	var (
		zero    T
		result  T
		dropped bool
		state   State
		class   Class
	)

	backoff := goretry.BackoffFunc(func() (time.Duration, bool) {
		d := e.policy.Delay(state.Attempt)
		log.Debug("Retry: backing off", "op", label, "attempt", state.Attempt, "delay", d, "class", class)
		if e.OnBackoff != nil {
			e.OnBackoff(state.Attempt, d, class)
		}
		return d, false
	})
	maxRetries := uint64(e.policy.MaxAttempts - 1) //nolint:gosec

	err := goretry.Do(ctx, goretry.WithMaxRetries(maxRetries, backoff), func(ctx context.Context) error {
		v, err := op(ctx)
		if err == nil {
			result = v
			return nil
		}

		state.Attempt++
		state.LastError = err
		class = Classify(err)
		log.Warn("Retry: attempt failed", "op", label, "attempt", state.Attempt, "class", class, "err", err)

		switch class {
		case ClassContentRejected, ClassClientError:
			dropped = true
			return nil
		case ClassFatal:
			return err
		case ClassThrottled:
			if state.Attempt >= e.policy.MaxAttempts {
				log.Info("Retry: still throttled, dropping", "op", label, "attempts", state.Attempt)
				dropped = true
				return nil
			}
			return goretry.RetryableError(err)
		default:
			return goretry.RetryableError(err)
		}
	})
	if err != nil {
		if state.Attempt >= e.policy.MaxAttempts {
			log.Error("Retry: giving up", "op", label, "attempts", state.Attempt, "err", err)
		}
		return zero, false, err
	}
	if dropped {
		return zero, false, nil
	}
	if state.Attempt > 0 {
		log.Debug("Retry: succeeded after retries", "op", label, "attempts", state.Attempt+1)
	}
	return result, true, nil
}
