package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ytsize/ytsize-core/internal/errs"
)

func ok(ctx context.Context) (string, error)  { return "ok", nil }
func fail(ctx context.Context) (string, error) {
	return "", errs.New(errs.Unknown, "boom")
}
func critical(ctx context.Context) (string, error) {
	return "", errs.New(errs.Timeout, "timed out")
}

func TestClosedTripsOnVolumeAndFailureThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 3, SuccessThreshold: 2, Timeout: time.Minute, VolumeThreshold: 5})

	for i := 0; i < 2; i++ {
		if _, err := Execute(b, context.Background(), ok); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		if _, err := Execute(b, context.Background(), fail); err == nil {
			t.Fatalf("expected failure to propagate")
		}
	}

	if got := b.GetStatus().State; got != Open {
		t.Fatalf("expected OPEN after reaching thresholds, got %s", got)
	}
}

func TestCriticalStreakForcesOpenRegardlessOfVolume(t *testing.T) {
	b := New(Config{FailureThreshold: 100, SuccessThreshold: 2, Timeout: time.Minute, VolumeThreshold: 100})

	for i := 0; i < 3; i++ {
		if _, err := Execute(b, context.Background(), critical); err == nil {
			t.Fatalf("expected critical failure to propagate")
		}
	}

	if got := b.GetStatus().State; got != Open {
		t.Fatalf("expected OPEN after 3 consecutive critical failures, got %s", got)
	}
}

func TestOpenRejectsUntilCooldownThenHalfOpen(t *testing.T) {
	b := New(Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: 10 * time.Millisecond, VolumeThreshold: 1})

	if _, err := Execute(b, context.Background(), fail); err == nil {
		t.Fatalf("expected first failure to propagate")
	}
	if got := b.GetStatus().State; got != Open {
		t.Fatalf("expected OPEN, got %s", got)
	}

	_, err := Execute(b, context.Background(), ok)
	var ce *errs.CodedError
	if !errors.As(err, &ce) || ce.Code != errs.CircuitOpen {
		t.Fatalf("expected CIRCUIT_OPEN rejection while cooling down, got %v", err)
	}

	time.Sleep(15 * time.Millisecond)

	if _, err := Execute(b, context.Background(), ok); err != nil {
		t.Fatalf("expected probe call to succeed, got %v", err)
	}
	if got := b.GetStatus().State; got != Closed {
		t.Fatalf("expected CLOSED after successThreshold probes, got %s", got)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := New(Config{FailureThreshold: 1, SuccessThreshold: 2, Timeout: 10 * time.Millisecond, VolumeThreshold: 1})

	if _, err := Execute(b, context.Background(), fail); err == nil {
		t.Fatalf("expected failure to propagate")
	}
	time.Sleep(15 * time.Millisecond)

	if _, err := Execute(b, context.Background(), fail); err == nil {
		t.Fatalf("expected probe failure to propagate")
	}
	if got := b.GetStatus().State; got != Open {
		t.Fatalf("expected re-OPEN after half-open probe failure, got %s", got)
	}
}

func TestStateChangeObserverFiresOncePerTransition(t *testing.T) {
	b := New(Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Minute, VolumeThreshold: 1})

	var transitions []StateChange
	b.OnStateChange(func(sc StateChange) { transitions = append(transitions, sc) })

	if _, err := Execute(b, context.Background(), fail); err == nil {
		t.Fatalf("expected failure to propagate")
	}

	if len(transitions) != 1 {
		t.Fatalf("expected exactly 1 transition, got %d", len(transitions))
	}
	if transitions[0].From != Closed || transitions[0].To != Open {
		t.Fatalf("expected CLOSED->OPEN, got %s->%s", transitions[0].From, transitions[0].To)
	}
}

func TestResetForcesClosed(t *testing.T) {
	b := New(Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Hour, VolumeThreshold: 1})

	if _, err := Execute(b, context.Background(), fail); err == nil {
		t.Fatalf("expected failure to propagate")
	}
	if got := b.GetStatus().State; got != Open {
		t.Fatalf("expected OPEN, got %s", got)
	}

	b.Reset()

	if got := b.GetStatus().State; got != Closed {
		t.Fatalf("expected CLOSED after Reset, got %s", got)
	}
}
