// Package breaker implements the three-state circuit breaker in front of
// the worker pool (spec §4.3): CLOSED admits everything, OPEN fails fast,
// HALF_OPEN probes recovery.
//
// Replaces the event-emitter pattern spec §9 flags with a typed observer
// callback list (StateChangeFunc), since every consumer here — telemetry,
// health reporting — is in-process and synchronous registration at
// construction time is simpler than a broadcast channel.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/ytsize/ytsize-core/internal/errs"
	"github.com/ytsize/ytsize-core/internal/metrics"
	"github.com/ytsize/ytsize-core/pkg/logger"
)

// State is one of the three circuit states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// criticalStreakToTrip is the number of consecutive critical-code
// failures that forces OPEN regardless of volume (spec §4.3).
const criticalStreakToTrip = 3

// Config tunes the breaker, with the defaults from spec §4.3.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	VolumeThreshold  int
}

func (c *Config) setDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.VolumeThreshold <= 0 {
		c.VolumeThreshold = 10
	}
}

// StateChange describes one observed transition, emitted exactly once
// per transition (spec §8 P4).
type StateChange struct {
	From      State
	To        State
	Timestamp time.Time
}

// StateChangeFunc is a typed observer. Implementations must not call back
// into the Breaker synchronously (observers run while the breaker's
// internal lock is held).
type StateChangeFunc func(StateChange)

// Status is a point-in-time snapshot, returned by GetStatus.
type Status struct {
	State           State
	Failures        int
	Successes       int
	RequestCount    int
	NextAttempt     time.Time
	LastStateChange time.Time
	TotalRequests   int64
	TotalFailures   int64
	TotalSuccesses  int64
	TotalRejections int64
	Config          Config
}

// Breaker is the circuit breaker state machine.
type Breaker struct {
	mu  sync.Mutex
	cfg Config

	state               State
	failures            int
	successes           int
	requestCount        int
	consecutiveCritical int
	nextAttempt         time.Time
	lastStateChange     time.Time

	totalRequests   int64
	totalFailures   int64
	totalSuccesses  int64
	totalRejections int64

	observers []StateChangeFunc
	log       logger.Logger
}

// New constructs a Breaker starting in CLOSED.
func New(cfg Config) *Breaker {
	cfg.setDefaults()
	return &Breaker{
		cfg:             cfg,
		state:           Closed,
		lastStateChange: time.Now(),
		log:             logger.With("component", "breaker"),
	}
}

// OnStateChange registers an observer invoked synchronously on every
// transition.
func (b *Breaker) OnStateChange(fn StateChangeFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, fn)
}

// Execute admits the call per the current state, runs op if admitted,
// and feeds the outcome back into the state machine. The CIRCUIT_OPEN
// rejection is synthesized locally; any error op returns is re-raised
// unmodified (spec §4.3 "Error surface").
func Execute[T any](b *Breaker, ctx context.Context, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.admit(); err != nil {
		return zero, err
	}
	result, err := op(ctx)
	b.reportOutcome(err)
	return result, err
}

// admit decides whether a request may proceed, transitioning OPEN->
// HALF_OPEN when the cooldown has elapsed (spec §4.3, §8 P5).
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++

	switch b.state {
	case Closed:
		return nil
	case HalfOpen:
		return nil
	case Open:
		if time.Now().Before(b.nextAttempt) {
			b.totalRejections++
			metrics.CircuitBreakerRejections.Inc()
			return errs.New(errs.CircuitOpen, "circuit breaker is open")
		}
		b.transitionLocked(HalfOpen)
		return nil
	default:
		return nil
	}
}

// reportOutcome applies a CLOSED/HALF_OPEN transition rule based on the
// operation's outcome.
func (b *Breaker) reportOutcome(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.totalSuccesses++
		b.onSuccessLocked()
		return
	}

	b.totalFailures++
	b.onFailureLocked(errs.CodeOf(err))
}

func (b *Breaker) onSuccessLocked() {
	switch b.state {
	case Closed:
		b.requestCount++
		b.failures = 0
		b.consecutiveCritical = 0
	case HalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transitionLocked(Closed)
		}
	}
}

func (b *Breaker) onFailureLocked(code errs.Code) {
	switch b.state {
	case Closed:
		b.failures++
		b.requestCount++
		if code.Critical() {
			b.consecutiveCritical++
		} else {
			b.consecutiveCritical = 0
		}

		if b.consecutiveCritical >= criticalStreakToTrip {
			b.transitionLocked(Open)
			return
		}
		if b.requestCount >= b.cfg.VolumeThreshold && b.failures >= b.cfg.FailureThreshold {
			b.transitionLocked(Open)
		}
	case HalfOpen:
		b.transitionLocked(Open)
	}
}

// transitionLocked must be called with b.mu held.
func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	now := time.Now()
	b.state = to
	b.lastStateChange = now

	switch to {
	case Closed:
		b.failures = 0
		b.successes = 0
		b.requestCount = 0
		b.consecutiveCritical = 0
	case Open:
		b.nextAttempt = now.Add(b.cfg.Timeout)
		b.successes = 0
	case HalfOpen:
		b.failures = 0
		b.successes = 0
	}

	b.log.Info("circuit breaker %s -> %s", from, to)
	metrics.CircuitBreakerState.Set(float64(to))
	change := StateChange{From: from, To: to, Timestamp: now}
	for _, obs := range b.observers {
		obs(change)
	}
}

// GetStatus returns a consistent snapshot.
func (b *Breaker) GetStatus() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Status{
		State:           b.state,
		Failures:        b.failures,
		Successes:       b.successes,
		RequestCount:    b.requestCount,
		NextAttempt:     b.nextAttempt,
		LastStateChange: b.lastStateChange,
		TotalRequests:   b.totalRequests,
		TotalFailures:   b.totalFailures,
		TotalSuccesses:  b.totalSuccesses,
		TotalRejections: b.totalRejections,
		Config:          b.cfg,
	}
}

// Reset forces the breaker back to CLOSED and clears all counters, for
// the operator admin endpoint (spec §7 "Operator recovery").
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(Closed)
	b.failures = 0
	b.successes = 0
	b.requestCount = 0
	b.consecutiveCritical = 0
}
