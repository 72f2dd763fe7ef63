package breaker

import (
	"errors"
	"testing"
	"time"
)

func TestBreakerTripsAfterThreshold(t *testing.T) {
	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	b := New("issuer", 3, 10*time.Second).WithClock(func() time.Time { return at })

	for i := 0; i < 2; i++ {
		b.Failure()
		if err := b.Allow(); err != nil {
			t.Fatalf("breaker should stay closed under threshold: %v", err)
		}
	}
	b.Failure()
	if b.State() != Open {
		t.Fatalf("expected open after threshold, got %s", b.State())
	}
	if err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	b := New("issuer", 1, 10*time.Second).WithClock(func() time.Time { return at })
	b.Failure()
	if b.State() != Open {
		t.Fatalf("expected open, got %s", b.State())
	}

	// After the reset timeout one probe is admitted.
	at = at.Add(11 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("probe should be admitted: %v", err)
	}
	if b.State() != HalfOpen {
		t.Fatalf("expected half-open, got %s", b.State())
	}

	// A failing probe re-opens immediately.
	b.Failure()
	if b.State() != Open {
		t.Fatalf("failed probe should re-open, got %s", b.State())
	}

	// A successful probe closes and clears the count.
	at = at.Add(11 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("second probe: %v", err)
	}
	b.Success()
	if b.State() != Closed {
		t.Fatalf("expected closed after success, got %s", b.State())
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("closed breaker should admit: %v", err)
	}
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b := New("issuer", 3, time.Second)
	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	b.Failure()
	if b.State() != Closed {
		t.Fatalf("success should reset the failure run, got %s", b.State())
	}
}

func TestBreakerDefaults(t *testing.T) {
	b := New("x", 0, 0)
	if b.threshold != 5 || b.resetTimeout != 10*time.Second {
		t.Fatalf("expected defaults, got threshold=%d reset=%v", b.threshold, b.resetTimeout)
	}
}
