package circuitbreaker

import (
	"testing"
	"time"
)

func TestBreakerClosedAllowsRequests(t *testing.T) {
	b := New(Config{
		ErrorPct:       50,
		WindowDuration: 10 * time.Second,
		OpenDuration:   5 * time.Second,
		HalfOpenProbes: 2,
	})

	if !b.Allow() {
		t.Fatal("closed breaker should allow requests")
	}
	if b.State() != Closed {
		t.Fatalf("expected closed, got %v", b.State())
	}
}

func TestBreakerTripsOnHighErrorRate(t *testing.T) {
	b := New(Config{
		ErrorPct:       50,
		WindowDuration: 10 * time.Second,
		OpenDuration:   5 * time.Second,
		HalfOpenProbes: 1,
	})

	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	// error rate is 66%, threshold is 50% -> should be open
	if b.State() != Open {
		t.Fatalf("expected open after high error rate, got %v", b.State())
	}
	if b.Allow() {
		t.Fatal("open breaker should reject requests")
	}
}

func TestBreakerTransitionsToHalfOpen(t *testing.T) {
	b := New(Config{
		ErrorPct:       50,
		WindowDuration: 10 * time.Second,
		OpenDuration:   10 * time.Millisecond,
		HalfOpenProbes: 1,
	})

	b.RecordFailure()
	b.RecordFailure()

	if b.State() != Open {
		t.Fatalf("expected open, got %v", b.State())
	}

	time.Sleep(20 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("should allow probe request in half-open state")
	}
}

func TestBreakerClosesAfterSuccessfulProbes(t *testing.T) {
	b := New(Config{
		ErrorPct:       50,
		WindowDuration: 10 * time.Second,
		OpenDuration:   10 * time.Millisecond,
		HalfOpenProbes: 1,
	})

	b.RecordFailure()
	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("expected probe to be admitted")
	}
	b.RecordSuccess()

	if b.State() != Closed {
		t.Fatalf("expected closed after successful probe, got %v", b.State())
	}
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	b := New(Config{
		ErrorPct:       50,
		WindowDuration: 10 * time.Second,
		OpenDuration:   10 * time.Millisecond,
		HalfOpenProbes: 1,
	})

	b.RecordFailure()
	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("expected probe to be admitted")
	}
	b.RecordFailure()

	if b.State() != Open {
		t.Fatalf("expected open after failed probe, got %v", b.State())
	}
}

func TestBreakerDefaultsHalfOpenProbes(t *testing.T) {
	b := New(Config{ErrorPct: 50, WindowDuration: time.Second, OpenDuration: time.Second})
	if b.cfg.HalfOpenProbes != 1 {
		t.Fatalf("expected default HalfOpenProbes of 1, got %d", b.cfg.HalfOpenProbes)
	}
}
