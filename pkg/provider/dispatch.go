package provider

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/seapen/seapen/pkg/credential"
	"github.com/seapen/seapen/pkg/logger"
)

// Completer abstracts the completion client for testing.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest, secret string) (*CompletionResponse, error)
}

// BackoffStrategy shapes the inter-round delay. Within a round there
// is no delay between candidates.
type BackoffStrategy string

const (
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
	BackoffFibonacci   BackoffStrategy = "fibonacci"
)

// Delay returns the wait before round+1. round is zero-based.
func (s BackoffStrategy) Delay(base time.Duration, round int) time.Duration {
	if base <= 0 {
		return 0
	}
	switch s {
	case BackoffExponential:
		return base * (1 << round)
	case BackoffFibonacci:
		a, b := 1, 1
		for i := 0; i < round; i++ {
			a, b = b, a+b
		}
		return base * time.Duration(a)
	default:
		return base * time.Duration(round+1)
	}
}

// Dispatcher drives the completion client across the credential pool:
// every usable credential is tried within a round, rounds are separated
// by a backoff delay, and per-credential failure bookkeeping goes back
// into the pool.
type Dispatcher struct {
	pool    *credential.Pool
	client  Completer
	limiter *rate.Limiter

	strategy  BackoffStrategy
	baseDelay time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

type DispatcherOption func(*Dispatcher)

func WithBackoff(strategy BackoffStrategy, base time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.strategy = strategy
		if base > 0 {
			d.baseDelay = base
		}
	}
}

// WithRequestsPerMinute paces outbound calls across all rounds and
// candidates with a shared token bucket.
func WithRequestsPerMinute(rpm int) DispatcherOption {
	return func(d *Dispatcher) {
		if rpm > 0 {
			d.limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 1)
		}
	}
}

func withSleep(fn func(ctx context.Context, d time.Duration) error) DispatcherOption {
	return func(d *Dispatcher) { d.sleep = fn }
}

func NewDispatcher(pool *credential.Pool, client Completer, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		pool:      pool,
		client:    client,
		strategy:  BackoffLinear,
		baseDelay: 5 * time.Second,
		sleep:     sleepCtx,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Dispatch tries the request against successive credentials until one
// succeeds or maxRounds rounds are exhausted. Exactly one success is
// returned; after it no further candidates are tried.
func (d *Dispatcher) Dispatch(ctx context.Context, req CompletionRequest, maxRounds int) (*CompletionResponse, error) {
	if maxRounds <= 0 {
		maxRounds = 1
	}

	var attempts []Attempt
	var lastErr error

	for round := 0; round < maxRounds; round++ {
		// An empty selection ends the dispatch immediately, even when
		// earlier rounds recorded attempts.
		candidates := d.pool.SelectAllUsable()
		if len(candidates) == 0 {
			return nil, &NoCredentialsError{}
		}

		for _, cand := range candidates {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if d.limiter != nil {
				if err := d.limiter.Wait(ctx); err != nil {
					return nil, err
				}
			}

			start := time.Now()
			resp, err := d.client.Complete(ctx, req, cand.Secret)
			elapsed := time.Since(start)

			if err == nil {
				d.pool.ReportSuccess(cand.Slot)
				logger.DebugCF("dispatch", "Completion succeeded", map[string]any{
					"slot":     cand.Slot,
					"round":    round,
					"duration": elapsed.Round(time.Millisecond).String(),
				})
				return resp, nil
			}

			kind := d.recordFailure(cand.Slot, err)
			attempts = append(attempts, Attempt{
				Slot:     cand.Slot,
				Round:    round,
				Kind:     kind,
				Err:      err,
				Duration: elapsed,
			})
			lastErr = err
			logger.WarnCF("dispatch", "Completion attempt failed", map[string]any{
				"slot":  cand.Slot,
				"round": round,
				"kind":  string(kind),
				"error": err.Error(),
			})
		}

		if round < maxRounds-1 {
			delay := d.strategy.Delay(d.baseDelay, round)
			if err := d.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
	}

	if lastErr == nil {
		return nil, &NoCredentialsError{}
	}
	return nil, &ExhaustedError{Rounds: maxRounds, Attempts: attempts, LastErr: lastErr}
}

// recordFailure routes the error to the matching pool report method.
func (d *Dispatcher) recordFailure(slot int, err error) FailureKind {
	kind := Classify(err)
	switch kind {
	case FailRateLimit:
		cooldown := defaultRateLimitCooldown
		var rl *RateLimitedError
		if errors.As(err, &rl) && rl.Cooldown > 0 {
			cooldown = rl.Cooldown
		}
		d.pool.ReportRateLimited(slot, cooldown)
	case FailAuth:
		d.pool.ReportAuthFailure(slot)
	default:
		d.pool.ReportGenericFailure(slot, err.Error())
	}
	return kind
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
