package reliability

import (
	"testing"
	"time"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := NewBreaker(3, time.Minute)
	for i := 0; i < 2; i++ {
		b.RecordFailure()
	}
	if b.State() != BreakerClosed {
		t.Fatalf("state = %q before threshold, want closed", b.State())
	}
	b.RecordFailure()
	if b.State() != BreakerOpen {
		t.Fatalf("state = %q at threshold, want open", b.State())
	}
	if b.Allow() {
		t.Fatalf("open breaker allowed a call inside the cooldown")
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b := NewBreaker(1, time.Minute)
	now := time.Now().UTC()
	b.SetClock(func() time.Time { return now })
	b.RecordFailure()
	if b.State() != BreakerOpen {
		t.Fatalf("state = %q, want open", b.State())
	}

	now = now.Add(2 * time.Minute)
	if !b.Allow() {
		t.Fatalf("cooldown elapsed but probe denied")
	}
	if b.State() != BreakerHalfOpen {
		t.Fatalf("state = %q, want half_open", b.State())
	}
	// Only one probe at a time.
	if b.Allow() {
		t.Fatalf("second concurrent probe allowed")
	}

	b.RecordFailure()
	if b.State() != BreakerOpen {
		t.Fatalf("failed probe left state %q, want open", b.State())
	}

	now = now.Add(2 * time.Minute)
	if !b.Allow() {
		t.Fatalf("second probe denied after cooldown")
	}
	b.RecordSuccess()
	if b.State() != BreakerClosed {
		t.Fatalf("successful probe left state %q, want closed", b.State())
	}
	if !b.Allow() {
		t.Fatalf("closed breaker denied a call")
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(3, time.Minute)
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	if b.State() != BreakerClosed {
		t.Fatalf("state = %q, want closed after reset", b.State())
	}
}
