package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.VolumeThreshold = 4
	cfg.WindowDuration = time.Hour
	cfg.BaseCooldown = 10 * time.Millisecond
	cfg.MaxCooldown = 100 * time.Millisecond
	cfg.SuccessThreshold = 2
	return cfg
}

func TestBreaker_StaysClosedBelowVolumeThreshold(t *testing.T) {
	b := New("api.example.com", testConfig())
	b.Report(false)
	b.Report(false)
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_TripsAtFailureRate(t *testing.T) {
	b := New("api.example.com", testConfig())
	b.Report(false)
	b.Report(false)
	b.Report(false)
	b.Report(true)
	assert.Equal(t, Open, b.State())
}

func TestBreaker_OpenRejectsWithFailFastError(t *testing.T) {
	b := New("api.example.com", testConfig())
	for i := 0; i < 4; i++ {
		b.Report(false)
	}
	require.Equal(t, Open, b.State())

	allowed, errDetail := b.Allow()
	assert.False(t, allowed)
	require.NotNil(t, errDetail)
	assert.False(t, errDetail.Retryable)
	assert.Equal(t, "api_unavailable", string(errDetail.Category))
	assert.Contains(t, errDetail.Context, "nextRetryAt")
}

func TestBreaker_HalfOpenAfterCooldown(t *testing.T) {
	cfg := testConfig()
	cfg.BaseCooldown = 5 * time.Millisecond
	b := New("api.example.com", cfg)
	for i := 0; i < 4; i++ {
		b.Report(false)
	}
	require.Equal(t, Open, b.State())

	time.Sleep(10 * time.Millisecond)

	allowed, _ := b.Allow()
	assert.True(t, allowed)
	assert.Equal(t, HalfOpen, b.State())
}

func TestBreaker_HalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.BaseCooldown = 5 * time.Millisecond
	b := New("api.example.com", cfg)
	for i := 0; i < 4; i++ {
		b.Report(false)
	}
	time.Sleep(10 * time.Millisecond)
	b.Allow()

	b.Report(true)
	assert.Equal(t, HalfOpen, b.State())
	b.Report(true)
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	cfg := testConfig()
	cfg.BaseCooldown = 5 * time.Millisecond
	b := New("api.example.com", cfg)
	for i := 0; i < 4; i++ {
		b.Report(false)
	}
	time.Sleep(10 * time.Millisecond)
	b.Allow()

	b.Report(false)
	assert.Equal(t, Open, b.State())
}

func TestBreaker_ClosingResetsWindowSoStaleFailuresDontImmediatelyRetrip(t *testing.T) {
	cfg := testConfig()
	cfg.BaseCooldown = 5 * time.Millisecond
	cfg.VolumeThreshold = 2
	b := New("api.example.com", cfg)

	// Trip with 3 failures against VolumeThreshold=2, leaving more
	// failure samples in the window than the close-time success samples
	// that follow.
	b.Report(false)
	b.Report(false)
	b.Report(false)
	require.Equal(t, Open, b.State())

	time.Sleep(10 * time.Millisecond)
	b.Allow()
	b.Report(true)
	b.Report(true)
	require.Equal(t, Closed, b.State())

	// A single new failure must not immediately re-trip: the stale
	// pre-open failures should have been cleared on close.
	b.Report(false)
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_CooldownGrowsExponentiallyAndCaps(t *testing.T) {
	cfg := testConfig()
	b := &Breaker{cfg: cfg, host: "h", state: Closed}

	b.tripCount = 1
	assert.Equal(t, cfg.BaseCooldown, b.cooldownLocked())
	b.tripCount = 2
	assert.Equal(t, cfg.BaseCooldown*2, b.cooldownLocked())
	b.tripCount = 3
	assert.Equal(t, cfg.BaseCooldown*4, b.cooldownLocked())
	b.tripCount = 10
	assert.Equal(t, cfg.MaxCooldown, b.cooldownLocked())
}

func TestBreaker_OnStateChangeCallback(t *testing.T) {
	cfg := testConfig()
	var transitions []string
	cfg.OnStateChange = func(host string, from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	}
	b := New("api.example.com", cfg)
	for i := 0; i < 4; i++ {
		b.Report(false)
	}
	assert.Contains(t, transitions, "closed->open")
}

func TestRegistry_ReturnsSameBreakerPerHost(t *testing.T) {
	r := NewRegistry(testConfig())
	a := r.For("api.example.com")
	b := r.For("api.example.com")
	c := r.For("other.example.com")
	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}
