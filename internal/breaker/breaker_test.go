package breaker_test

import (
	"testing"
	"time"

	"github.com/agentoven/botgateway/internal/breaker"
	"github.com/agentoven/botgateway/pkg/models"
)

func TestClosedByDefault(t *testing.T) {
	b := breaker.New()
	if !b.IsAvailable("cred-1") {
		t.Error("IsAvailable() for an untouched credential = false, want true")
	}
	if b.StatusFor("cred-1") != nil {
		t.Error("StatusFor() on an untouched credential, want nil")
	}
}

func TestTripsOpenAtThreshold(t *testing.T) {
	b := breaker.New(breaker.WithFailureThreshold(3))

	for i := 0; i < 2; i++ {
		b.RecordFailure("cred-1", "boom")
		if !b.IsAvailable("cred-1") {
			t.Fatalf("IsAvailable() after %d failures = false, want true (threshold not reached)", i+1)
		}
	}
	b.RecordFailure("cred-1", "boom")

	if b.IsAvailable("cred-1") {
		t.Error("IsAvailable() after reaching the failure threshold = true, want false")
	}
	status := b.StatusFor("cred-1")
	if status == nil || status.State != models.BreakerOpen {
		t.Fatalf("StatusFor() = %+v, want state=open", status)
	}
}

func TestOpenTransitionsToHalfOpenAfterCoolDown(t *testing.T) {
	b := breaker.New(breaker.WithFailureThreshold(1), breaker.WithCoolDown(10*time.Millisecond))

	b.RecordFailure("cred-1", "boom")
	if b.IsAvailable("cred-1") {
		t.Fatal("IsAvailable() immediately after tripping open = true, want false")
	}

	time.Sleep(15 * time.Millisecond)
	if !b.IsAvailable("cred-1") {
		t.Fatal("IsAvailable() after cool-down elapsed = false, want true (half-open probe)")
	}
	status := b.StatusFor("cred-1")
	if status.State != models.BreakerHalfOpen {
		t.Errorf("StatusFor().State = %v, want half-open", status.State)
	}
}

func TestHalfOpenClosesOnSuccessfulProbe(t *testing.T) {
	b := breaker.New(breaker.WithFailureThreshold(1), breaker.WithCoolDown(5*time.Millisecond))
	b.RecordFailure("cred-1", "boom")
	time.Sleep(10 * time.Millisecond)
	b.IsAvailable("cred-1") // transitions open -> half-open

	b.RecordSuccess("cred-1")
	status := b.StatusFor("cred-1")
	if status.State != models.BreakerClosed {
		t.Errorf("StatusFor().State after successful probe = %v, want closed", status.State)
	}
	if status.ConsecutiveFails != 0 {
		t.Errorf("ConsecutiveFails after success = %d, want 0", status.ConsecutiveFails)
	}
}

func TestHalfOpenReopensOnFailedProbe(t *testing.T) {
	b := breaker.New(breaker.WithFailureThreshold(1), breaker.WithCoolDown(5*time.Millisecond))
	b.RecordFailure("cred-1", "boom")
	time.Sleep(10 * time.Millisecond)
	b.IsAvailable("cred-1") // transitions open -> half-open

	b.RecordFailure("cred-1", "probe failed")
	if b.IsAvailable("cred-1") {
		t.Error("IsAvailable() right after a failed half-open probe = true, want false")
	}
}

func TestReset(t *testing.T) {
	b := breaker.New(breaker.WithFailureThreshold(1))
	b.RecordFailure("cred-1", "boom")
	if b.IsAvailable("cred-1") {
		t.Fatal("expected breaker to be open before reset")
	}
	b.Reset("cred-1")
	if !b.IsAvailable("cred-1") {
		t.Error("IsAvailable() after Reset() = false, want true")
	}
	if b.StatusFor("cred-1") != nil {
		t.Error("StatusFor() after Reset() should be nil")
	}
}
