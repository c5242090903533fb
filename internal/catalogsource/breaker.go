package catalogsource

import (
	"sync"
	"time"

	"github.com/pitabwire/voltplan/internal/config"
)

// BreakerState is the state of the catalog service breaker.
type BreakerState int

// The numeric values are exported as the breaker state gauge.
const (
	// BreakerClosed lets every call through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerHalfOpen lets trial calls through.
	BreakerHalfOpen
	// BreakerOpen rejects calls until the open timeout passes.
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// minRateSamples is the smallest window that the error rate is judged on.
const minRateSamples = 10

// Breaker trips on consecutive failures or on the error rate within a
// tumbling window. It is safe for concurrent use.
type Breaker struct {
	mu               sync.Mutex
	state            BreakerState
	failures         int
	successes        int
	failureThreshold int
	successThreshold int
	openFor          time.Duration
	openedAt         time.Time
	now              func() time.Time
	onChange         func(BreakerState)

	rateThreshold  float64
	rateWindow     time.Duration
	windowStart    time.Time
	windowCalls    int
	windowFailures int
}

// NewBreaker builds a breaker from config. onChange, when set, is called
// with the lock held on every transition and must not call back into the
// breaker.
func NewBreaker(cfg config.CircuitBreakerConfig, onChange func(BreakerState)) *Breaker {
	b := &Breaker{
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		openFor:          cfg.Timeout,
		rateThreshold:    cfg.ErrorRateThreshold,
		rateWindow:       cfg.ErrorRateWindow,
		now:              time.Now,
		onChange:         onChange,
	}
	if b.failureThreshold < 1 {
		b.failureThreshold = 5
	}
	if b.successThreshold < 1 {
		b.successThreshold = 2
	}
	if b.openFor <= 0 {
		b.openFor = 30 * time.Second
	}
	b.windowStart = b.now()
	return b
}

// Allow reports whether a call may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireOpen()
	return b.state != BreakerOpen
}

// Success records a healthy response.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
		b.countCall(false)
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.failures = 0
			b.successes = 0
			b.resetWindow()
			b.set(BreakerClosed)
		}
	}
}

// Failure records a failed call.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures++
		b.countCall(true)
		if b.failures >= b.failureThreshold || b.rateExceeded() {
			b.trip()
		}
	case BreakerHalfOpen:
		b.successes = 0
		b.trip()
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireOpen()
	return b.state
}

func (b *Breaker) trip() {
	b.openedAt = b.now()
	b.resetWindow()
	b.set(BreakerOpen)
}

func (b *Breaker) expireOpen() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) > b.openFor {
		b.successes = 0
		b.set(BreakerHalfOpen)
	}
}

func (b *Breaker) set(s BreakerState) {
	if b.state == s {
		return
	}
	b.state = s
	if b.onChange != nil {
		b.onChange(s)
	}
}

func (b *Breaker) countCall(failed bool) {
	if b.rateWindow <= 0 {
		return
	}
	if b.now().Sub(b.windowStart) > b.rateWindow {
		b.resetWindow()
	}
	b.windowCalls++
	if failed {
		b.windowFailures++
	}
}

func (b *Breaker) resetWindow() {
	b.windowStart = b.now()
	b.windowCalls = 0
	b.windowFailures = 0
}

func (b *Breaker) rateExceeded() bool {
	if b.rateThreshold <= 0 || b.rateWindow <= 0 || b.windowCalls < minRateSamples {
		return false
	}
	return float64(b.windowFailures)/float64(b.windowCalls) >= b.rateThreshold
}
