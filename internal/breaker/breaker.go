package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// OpenError is returned when a call is rejected without invoking the wrapped
// function. It is an expected, frequent condition: callers treat it as an
// immediate permanent failure for that call, not something to retry.
type OpenError struct {
	Service    string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open for %s, retry after %s", e.Service, e.RetryAfter)
}

func IsOpen(err error) bool {
	_, ok := err.(*OpenError)
	return ok
}

// Classifier decides whether an error counts as a breaker failure. Errors
// outside the allow-list pass through without moving the failure counters.
type Classifier func(error) bool

// CountAll counts every non-nil error as a failure.
func CountAll(error) bool { return true }

type Config struct {
	FailureThreshold  int
	SuccessThreshold  int
	Timeout           time.Duration
	HalfOpenRequests  int
	ErrorThresholdPct float64
	Classify          Classifier
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 3
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.HalfOpenRequests <= 0 {
		c.HalfOpenRequests = 3
	}
	if c.ErrorThresholdPct <= 0 {
		c.ErrorThresholdPct = 50.0
	}
	if c.Classify == nil {
		c.Classify = CountAll
	}
	return c
}

// Breaker guards one external service. All counter mutation is serialized
// under its mutex; state is re-evaluated lazily on each call, never by a
// background timer.
type Breaker struct {
	service string
	cfg     Config
	log     *logrus.Entry

	mu                   sync.Mutex
	state                State
	failureCount         int
	successCount         int
	consecutiveSuccesses int
	halfOpenInFlight     int
	lastFailureAt        time.Time
	lastStateChangeAt    time.Time

	now func() time.Time
}

type Status struct {
	Service              string    `json:"service"`
	State                State     `json:"state"`
	FailureCount         int       `json:"failure_count"`
	SuccessCount         int       `json:"success_count"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastFailureAt        time.Time `json:"last_failure_at,omitempty"`
	LastStateChangeAt    time.Time `json:"last_state_change_at"`
}

func New(service string, cfg Config, log *logrus.Logger) *Breaker {
	if log == nil {
		log = logrus.New()
	}
	b := &Breaker{
		service: service,
		cfg:     cfg.withDefaults(),
		log:     log.WithFields(logrus.Fields{"component": "breaker", "service": service}),
		state:   StateClosed,
		now:     time.Now,
	}
	b.lastStateChangeAt = b.now()
	return b
}

// Do executes fn under the breaker. The original error is always returned to
// the caller; only classified errors move the failure counters.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := fn(ctx)
	if err == nil {
		b.onSuccess()
		return nil
	}
	if b.cfg.Classify(err) {
		b.onFailure()
	} else {
		b.release()
	}
	return err
}

// admit checks state and reserves a half-open slot when applicable.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.lastFailureAt) <= b.cfg.Timeout {
			return &OpenError{Service: b.service, RetryAfter: b.retryAfterLocked()}
		}
		b.transitionLocked(StateHalfOpen)
		b.halfOpenInFlight = 1
		return nil

	case StateHalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenRequests {
			return &OpenError{Service: b.service, RetryAfter: b.retryAfterLocked()}
		}
		b.halfOpenInFlight++
		return nil

	default:
		return nil
	}
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successCount++
	b.consecutiveSuccesses++
	if b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}

	if b.state == StateHalfOpen && b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
		b.failureCount = 0
		b.consecutiveSuccesses = 0
		b.transitionLocked(StateClosed)
		b.log.Info("circuit closed")
	}
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.consecutiveSuccesses = 0
	b.lastFailureAt = b.now()
	if b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}

	if b.state == StateHalfOpen {
		// A single failure during the trial window reopens the circuit.
		b.transitionLocked(StateOpen)
		b.log.Warn("circuit reopened from half-open")
		return
	}

	// The percentage rule needs a minimum sample so a single early failure
	// cannot trip the circuit at 100%.
	const minSamples = 10
	total := b.successCount + b.failureCount
	errorPct := float64(b.failureCount) / float64(total) * 100
	if b.failureCount >= b.cfg.FailureThreshold ||
		(total >= minSamples && errorPct >= b.cfg.ErrorThresholdPct) {
		if b.state != StateOpen {
			b.transitionLocked(StateOpen)
			b.log.WithFields(logrus.Fields{
				"failure_count": b.failureCount,
				"error_pct":     errorPct,
			}).Error("circuit opened")
		}
	}
}

// release gives back a half-open slot when the error was not classified as a
// breaker failure.
func (b *Breaker) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}
}

func (b *Breaker) transitionLocked(s State) {
	b.state = s
	b.lastStateChangeAt = b.now()
}

func (b *Breaker) retryAfterLocked() time.Duration {
	remaining := b.cfg.Timeout - b.now().Sub(b.lastFailureAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		Service:              b.service,
		State:                b.state,
		FailureCount:         b.failureCount,
		SuccessCount:         b.successCount,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		LastFailureAt:        b.lastFailureAt,
		LastStateChangeAt:    b.lastStateChangeAt,
	}
}

// Reset forces the breaker back to CLOSED with clean counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount = 0
	b.successCount = 0
	b.consecutiveSuccesses = 0
	b.halfOpenInFlight = 0
	b.transitionLocked(StateClosed)
}
