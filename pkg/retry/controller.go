// Package retry drives the attempt loop for a single planned action: it
// consults the circuit breaker before every attempt, executes through an
// httpengine.Engine, records the outcome back to the breaker, and decides
// whether and how long to wait before the next attempt.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/jordigilh/actionrunner/pkg/action"
	"github.com/jordigilh/actionrunner/pkg/breaker"
)

// errRetrying is the sentinel retry.Do sees when an attempt should be
// retried; the actual ErrorDetail for the attempt is carried separately in
// Controller.Run's closure state, not in this error's text.
var errRetrying = errors.New("action attempt failed, retrying")

// Attempter performs one HTTP attempt and reports its outcome. It mirrors
// httpengine.Engine.Execute's shape without importing that package
// directly, so this controller stays testable against a fake.
type Attempter interface {
	Execute(ctx context.Context, attempt int, def action.ActionDefinition, inputs map[string]interface{}, execCtx action.ExecutionContext) AttemptResult
}

// AttemptResult is the subset of httpengine.Outcome the controller acts on.
type AttemptResult struct {
	Entry  action.TraceEntry
	Output []byte
	Err    *action.ErrorDetail
}

// Controller runs the retry loop for one host's breaker.
type Controller struct {
	attempter Attempter
	breaker   *breaker.Breaker
}

// New constructs a Controller bound to a single breaker instance (the
// caller looks it up from a breaker.Registry keyed by host before
// constructing this).
func New(attempter Attempter, b *breaker.Breaker) *Controller {
	return &Controller{attempter: attempter, breaker: b}
}

// Outcome is the terminal result of the whole retry loop.
type Outcome struct {
	Trace  []action.TraceEntry
	Output []byte
	Err    *action.ErrorDetail
}

// cannedBackoff implements retry.Backoff by returning whatever duration
// the controller most recently computed. retry.Do only calls Next() after
// the retried function itself has decided (by returning a RetryableError)
// that another attempt should happen, so there is no separate "stop"
// decision for the backoff to make here — it exists purely to carry this
// controller's attempt-indexed delay formula into go-retry's sleep loop.
type cannedBackoff struct {
	next func() time.Duration
}

func (b *cannedBackoff) Next() (time.Duration, bool) { return b.next(), false }

// Run executes def against inputs, retrying per policy until success, a
// non-retryable error, attempt exhaustion, or the breaker fails fast.
func (c *Controller) Run(ctx context.Context, def action.ActionDefinition, inputs map[string]interface{}, execCtx action.ExecutionContext) Outcome {
	var trace []action.TraceEntry
	attempt := 0
	var pendingDelay time.Duration

	backoff := &cannedBackoff{next: func() time.Duration { return pendingDelay }}

	var final Outcome
	_ = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++

		if allowed, breakerErr := c.breaker.Allow(); !allowed {
			final = Outcome{Trace: trace, Err: breakerErr}
			return nil // fail fast: a tripped breaker is never retried regardless of policy
		}

		result := c.attempter.Execute(ctx, attempt, def, inputs, execCtx)
		trace = append(trace, result.Entry)

		if result.Err == nil {
			c.breaker.Report(true)
			final = Outcome{Trace: trace, Output: result.Output}
			return nil
		}

		c.breaker.Report(false)
		final = Outcome{Trace: trace, Err: result.Err}

		if !def.RetryPolicy.Retryable(result.Err.Category) || attempt >= def.RetryPolicy.MaxAttempts {
			return nil
		}

		pendingDelay = c.delay(def.RetryPolicy, attempt, result.Err)
		return retry.RetryableError(errRetrying)
	})

	return final
}

// delay computes the wait before the next attempt: Retry-After (plus a
// 1-second buffer) takes priority over the policy's own backoff when the
// upstream response specified one; otherwise
// min(initialDelay*multiplier^(attempt-1), maxDelay), optionally jittered
// by up to ±25%.
func (c *Controller) delay(policy action.RetryPolicy, attempt int, errDetail *action.ErrorDetail) time.Duration {
	if errDetail.RetryAfter != nil {
		return *errDetail.RetryAfter + time.Second
	}

	multiplier := policy.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 2
	}
	d := float64(policy.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= multiplier
	}
	delay := time.Duration(d)
	if delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}

	if policy.Jitter {
		jitterFactor := 1 + (rand.Float64()*0.5 - 0.25) // +/-25%
		delay = time.Duration(float64(delay) * jitterFactor)
	}
	return delay
}
