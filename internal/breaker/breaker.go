// Package breaker implements the circuit breaker that guards all outbound
// gateway calls. One instance is shared process-wide: a circuit opened by
// one batch's failures protects every subsequent call until the gateway
// recovers, which is the intended fault-isolation behavior.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ignite/sms-dispatch/internal/config"
	"github.com/ignite/sms-dispatch/internal/pkg/logger"
)

// State identifies the breaker position.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// ErrOpen is returned synthetically while the breaker rejects calls.
// No network attempt is made for a rejected call.
var ErrOpen = errors.New("circuit breaker is open")

// Stats is a read-only snapshot of the breaker for operators.
type Stats struct {
	Enabled         bool       `json:"enabled"`
	State           State      `json:"state"`
	FailureCount    int        `json:"failure_count"`
	SuccessCount    int        `json:"success_count"`
	LastFailureTime *time.Time `json:"last_failure_time,omitempty"`
	LastStateChange time.Time  `json:"last_state_change"`
	TotalCalls      int64      `json:"total_calls"`
	TotalSuccesses  int64      `json:"total_successes"`
	TotalFailures   int64      `json:"total_failures"`
	TotalRejected   int64      `json:"total_rejected"`
}

// Breaker is a three-state circuit breaker. CLOSED passes calls through and
// counts consecutive failures; OPEN rejects immediately; HALF_OPEN admits a
// limited number of probe calls after the reset window elapses.
type Breaker struct {
	enabled          bool
	failureThreshold int
	successThreshold int
	resetTimeout     time.Duration

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	halfOpenSuccesses   int
	halfOpenInFlight    int
	openedAt            time.Time
	lastFailure         time.Time
	lastStateChange     time.Time

	totalCalls     int64
	totalSuccesses int64
	totalFailures  int64
	totalRejected  int64

	now func() time.Time
}

// New creates a breaker from config. A disabled breaker passes every call
// through untouched.
func New(cfg config.BreakerConfig) *Breaker {
	b := &Breaker{
		enabled:          cfg.Enabled,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		resetTimeout:     cfg.ResetTimeout(),
		state:            StateClosed,
		now:              time.Now,
	}
	b.lastStateChange = b.now()
	return b
}

// Execute runs op under the breaker. While OPEN it returns ErrOpen (wrapped
// with the label) without invoking op; otherwise op's error is returned
// unchanged after being recorded.
func (b *Breaker) Execute(ctx context.Context, label string, op func(context.Context) error) error {
	if !b.enabled {
		return op(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.allow(label); err != nil {
		return err
	}
	err := op(ctx)
	b.record(label, err)
	return err
}

// allow admits or rejects a call based on the current state.
func (b *Breaker) allow(label string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalCalls++
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			b.totalRejected++
			return fmt.Errorf("%s: %w", label, ErrOpen)
		}
		b.transition(StateHalfOpen, label)
		b.halfOpenInFlight++
	case StateHalfOpen:
		if b.halfOpenInFlight >= b.successThreshold {
			b.totalRejected++
			return fmt.Errorf("%s: %w", label, ErrOpen)
		}
		b.halfOpenInFlight++
	}
	return nil
}

// record books the outcome of an admitted call.
func (b *Breaker) record(label string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.totalFailures++
		b.lastFailure = b.now()
		switch b.state {
		case StateHalfOpen:
			// Any failure during recovery reopens immediately.
			b.transition(StateOpen, label)
		case StateClosed:
			b.consecutiveFailures++
			if b.consecutiveFailures >= b.failureThreshold {
				b.transition(StateOpen, label)
			}
		}
		return
	}

	b.totalSuccesses++
	switch b.state {
	case StateHalfOpen:
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.successThreshold {
			b.transition(StateClosed, label)
		}
	case StateClosed:
		b.consecutiveFailures = 0
	}
}

// transition moves to a new state. Caller must hold b.mu.
func (b *Breaker) transition(to State, label string) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.lastStateChange = b.now()
	switch to {
	case StateOpen:
		b.openedAt = b.now()
		b.halfOpenSuccesses = 0
		b.halfOpenInFlight = 0
	case StateHalfOpen:
		b.halfOpenSuccesses = 0
		b.halfOpenInFlight = 0
	case StateClosed:
		b.consecutiveFailures = 0
		b.halfOpenSuccesses = 0
		b.halfOpenInFlight = 0
	}
	logger.Warn("circuit breaker state change",
		"from", string(from),
		"to", string(to),
		"label", label,
		"consecutive_failures", b.consecutiveFailures,
	)
}

// Reset manually closes the breaker and clears the consecutive counters.
// Lifetime totals are preserved.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed, "manual reset")
	b.consecutiveFailures = 0
}

// Stats returns a snapshot of the breaker state.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		Enabled:         b.enabled,
		State:           b.state,
		FailureCount:    b.consecutiveFailures,
		SuccessCount:    b.halfOpenSuccesses,
		LastStateChange: b.lastStateChange,
		TotalCalls:      b.totalCalls,
		TotalSuccesses:  b.totalSuccesses,
		TotalFailures:   b.totalFailures,
		TotalRejected:   b.totalRejected,
	}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		s.LastFailureTime = &t
	}
	return s
}
