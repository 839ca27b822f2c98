// Package breaker implements a per-host circuit breaker with a sliding
// failure-rate window and exponential cooldown growth. It deliberately
// does not use sony/gobreaker: gobreaker's Settings.Timeout is fixed at
// construction, but the cooldown here must grow on every trip
// (min(base*2^(n-1), max)) and that growth must take effect on the very
// trip that causes it, which gobreaker's generation model cannot express
// without swapping breaker instances mid-flight.
package breaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/jordigilh/actionrunner/pkg/action"
)

// State is the circuit breaker's lifecycle state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config controls a Breaker's trip and recovery behavior.
type Config struct {
	FailureThreshold float64       // fraction of failures in the window that trips the breaker
	VolumeThreshold  int           // minimum samples in the window before FailureThreshold is evaluated
	WindowDuration   time.Duration // sliding window length
	BaseCooldown     time.Duration // cooldown after the first trip
	MaxCooldown      time.Duration // cooldown ceiling
	SuccessThreshold int           // consecutive HALF_OPEN successes required to close

	OnStateChange func(host string, from, to State)
}

// DefaultConfig matches the defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 0.5,
		VolumeThreshold:  10,
		WindowDuration:   60 * time.Second,
		BaseCooldown:     30 * time.Second,
		MaxCooldown:      5 * time.Minute,
		SuccessThreshold: 5,
	}
}

type sample struct {
	at      time.Time
	success bool
}

// Breaker tracks one host's circuit state.
type Breaker struct {
	cfg  Config
	host string

	mu               sync.Mutex
	state            State
	samples          []sample
	tripCount        int
	nextRetryAt      time.Time
	halfOpenSuccesses int
}

// New constructs a Breaker for host.
func New(host string, cfg Config) *Breaker {
	return &Breaker{cfg: cfg, host: host, state: Closed}
}

// Allow reports whether a request to this host may proceed. When the
// breaker is OPEN and the cooldown has elapsed, this call itself performs
// the OPEN -> HALF_OPEN transition (the "atomic" trial-request admission:
// exactly one path through this function ever flips the state, holding
// the lock for the whole check-and-transition).
func (b *Breaker) Allow() (bool, *action.ErrorDetail) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true, nil
	case HalfOpen:
		return true, nil
	case Open:
		if time.Now().Before(b.nextRetryAt) {
			return false, b.openErrorLocked()
		}
		b.setStateLocked(HalfOpen)
		b.halfOpenSuccesses = 0
		return true, nil
	default:
		return true, nil
	}
}

// Report records the outcome of a request this breaker admitted.
func (b *Breaker) Report(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.samples = append(b.samples, sample{at: now, success: success})
	b.pruneLocked(now)

	switch b.state {
	case HalfOpen:
		if success {
			b.halfOpenSuccesses++
			if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
				b.tripCount = 0
				b.samples = nil
				b.setStateLocked(Closed)
			}
		} else {
			b.trip(now)
		}
	case Closed:
		if b.shouldTripLocked() {
			b.trip(now)
		}
	}
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.WindowDuration)
	i := 0
	for ; i < len(b.samples); i++ {
		if b.samples[i].at.After(cutoff) {
			break
		}
	}
	b.samples = b.samples[i:]
}

func (b *Breaker) shouldTripLocked() bool {
	if len(b.samples) < b.cfg.VolumeThreshold {
		return false
	}
	failures := 0
	for _, s := range b.samples {
		if !s.success {
			failures++
		}
	}
	rate := float64(failures) / float64(len(b.samples))
	return rate >= b.cfg.FailureThreshold
}

func (b *Breaker) trip(now time.Time) {
	b.tripCount++
	cooldown := b.cooldownLocked()
	b.nextRetryAt = now.Add(cooldown)
	b.setStateLocked(Open)
}

// cooldownLocked computes min(base*2^(n-1), max) for the current trip
// count, capped at exponent 4 so cooldown growth plateaus rather than
// overflowing on a host that trips repeatedly over a long incident.
func (b *Breaker) cooldownLocked() time.Duration {
	exp := b.tripCount - 1
	if exp > 4 {
		exp = 4
	}
	if exp < 0 {
		exp = 0
	}
	cooldown := b.cfg.BaseCooldown * time.Duration(1<<uint(exp))
	if cooldown > b.cfg.MaxCooldown {
		cooldown = b.cfg.MaxCooldown
	}
	return cooldown
}

func (b *Breaker) setStateLocked(to State) {
	from := b.state
	b.state = to
	if from != to && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.host, from, to)
	}
}

func (b *Breaker) openErrorLocked() *action.ErrorDetail {
	failures, total := 0, len(b.samples)
	for _, s := range b.samples {
		if !s.success {
			failures++
		}
	}
	rate := 0.0
	if total > 0 {
		rate = float64(failures) / float64(total)
	}
	return &action.ErrorDetail{
		Category:  action.CategoryAPIUnavailable,
		Message:   fmt.Sprintf("circuit breaker open for host %q", b.host),
		Retryable: false,
		Context: map[string]interface{}{
			"host":         b.host,
			"failureRate":  rate,
			"nextRetryAt":  b.nextRetryAt,
		},
	}
}

// State reports the current state, for health checks.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Registry keeps one Breaker per host, created lazily.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry constructs a Registry that builds breakers with cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// For returns the Breaker for host, creating it on first use.
func (r *Registry) For(host string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[host]
	if !ok {
		b = New(host, r.cfg)
		r.breakers[host] = b
	}
	return b
}
