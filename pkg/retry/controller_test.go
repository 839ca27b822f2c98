package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordigilh/actionrunner/pkg/action"
	"github.com/jordigilh/actionrunner/pkg/breaker"
)

type scriptedAttempter struct {
	results []AttemptResult
	calls   int
}

func (s *scriptedAttempter) Execute(ctx context.Context, attempt int, def action.ActionDefinition, inputs map[string]interface{}, execCtx action.ExecutionContext) AttemptResult {
	r := s.results[s.calls]
	s.calls++
	r.Entry.Attempt = attempt
	return r
}

func testBreaker() *breaker.Breaker {
	cfg := breaker.DefaultConfig()
	cfg.VolumeThreshold = 1000 // effectively disabled for these tests
	return breaker.New("test-host", cfg)
}

func testPolicy() action.RetryPolicy {
	return action.RetryPolicy{
		MaxAttempts:       3,
		InitialDelay:      1 * time.Millisecond,
		MaxDelay:          10 * time.Millisecond,
		BackoffMultiplier: 2,
		RetryableErrors:   []action.ErrorCategory{action.CategoryNetworkTimeout, action.CategoryAPIUnavailable},
	}
}

func TestRun_SucceedsOnFirstAttempt(t *testing.T) {
	attempter := &scriptedAttempter{results: []AttemptResult{
		{Output: []byte(`{"ok":true}`)},
	}}

	ctrl := New(attempter, testBreaker())
	def := action.ActionDefinition{RetryPolicy: testPolicy()}
	outcome := ctrl.Run(context.Background(), def, nil, action.ExecutionContext{})

	require.Nil(t, outcome.Err)
	assert.Equal(t, 1, attempter.calls)
	assert.Len(t, outcome.Trace, 1)
}

func TestRun_RetriesRetryableErrorThenSucceeds(t *testing.T) {
	attempter := &scriptedAttempter{results: []AttemptResult{
		{Err: &action.ErrorDetail{Category: action.CategoryNetworkTimeout, Retryable: true}},
		{Output: []byte(`{"ok":true}`)},
	}}

	ctrl := New(attempter, testBreaker())
	def := action.ActionDefinition{RetryPolicy: testPolicy()}
	outcome := ctrl.Run(context.Background(), def, nil, action.ExecutionContext{})

	require.Nil(t, outcome.Err)
	assert.Equal(t, 2, attempter.calls)
	assert.Len(t, outcome.Trace, 2)
}

func TestRun_NonRetryableErrorStopsImmediately(t *testing.T) {
	attempter := &scriptedAttempter{results: []AttemptResult{
		{Err: &action.ErrorDetail{Category: action.CategoryAuthInvalid, Retryable: false}},
	}}

	ctrl := New(attempter, testBreaker())
	def := action.ActionDefinition{RetryPolicy: testPolicy()}
	outcome := ctrl.Run(context.Background(), def, nil, action.ExecutionContext{})

	require.NotNil(t, outcome.Err)
	assert.Equal(t, 1, attempter.calls)
}

func TestRun_ExhaustsMaxAttempts(t *testing.T) {
	failing := action.ErrorDetail{Category: action.CategoryNetworkTimeout, Retryable: true}
	attempter := &scriptedAttempter{results: []AttemptResult{
		{Err: &failing}, {Err: &failing}, {Err: &failing},
	}}

	ctrl := New(attempter, testBreaker())
	def := action.ActionDefinition{RetryPolicy: testPolicy()}
	outcome := ctrl.Run(context.Background(), def, nil, action.ExecutionContext{})

	require.NotNil(t, outcome.Err)
	assert.Equal(t, 3, attempter.calls)
	assert.Len(t, outcome.Trace, 3)
}

func TestRun_TraceLengthMatchesAttempts(t *testing.T) {
	failing := action.ErrorDetail{Category: action.CategoryNetworkTimeout, Retryable: true}
	attempter := &scriptedAttempter{results: []AttemptResult{
		{Err: &failing}, {Output: []byte(`{}`)},
	}}

	ctrl := New(attempter, testBreaker())
	def := action.ActionDefinition{RetryPolicy: testPolicy()}
	outcome := ctrl.Run(context.Background(), def, nil, action.ExecutionContext{})

	assert.Equal(t, attempter.calls, len(outcome.Trace))
}

func TestRun_BreakerOpenFailsFastWithoutCallingAttempter(t *testing.T) {
	cfg := breaker.DefaultConfig()
	cfg.VolumeThreshold = 1
	cfg.WindowDuration = time.Hour
	cfg.BaseCooldown = time.Hour
	b := breaker.New("test-host", cfg)
	b.Report(false) // trips on a single sample since VolumeThreshold=1

	attempter := &scriptedAttempter{results: []AttemptResult{{Output: []byte(`{}`)}}}
	ctrl := New(attempter, b)
	def := action.ActionDefinition{RetryPolicy: testPolicy()}
	outcome := ctrl.Run(context.Background(), def, nil, action.ExecutionContext{})

	require.NotNil(t, outcome.Err)
	assert.Equal(t, 0, attempter.calls)
	assert.Equal(t, "api_unavailable", string(outcome.Err.Category))
}

func TestDelay_RetryAfterOverridesPolicyBackoff(t *testing.T) {
	ctrl := &Controller{}
	retryAfter := 5 * time.Second
	errDetail := &action.ErrorDetail{RetryAfter: &retryAfter}

	d := ctrl.delay(testPolicy(), 1, errDetail)
	assert.Equal(t, 6*time.Second, d)
}

func TestDelay_ExponentialGrowthCappedAtMaxDelay(t *testing.T) {
	ctrl := &Controller{}
	policy := action.RetryPolicy{InitialDelay: 10 * time.Millisecond, MaxDelay: 30 * time.Millisecond, BackoffMultiplier: 2}

	assert.Equal(t, 10*time.Millisecond, ctrl.delay(policy, 1, &action.ErrorDetail{}))
	assert.Equal(t, 20*time.Millisecond, ctrl.delay(policy, 2, &action.ErrorDetail{}))
	assert.Equal(t, 30*time.Millisecond, ctrl.delay(policy, 3, &action.ErrorDetail{}))
}
