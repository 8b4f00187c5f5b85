package access

import (
	"testing"
	"time"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func at(d time.Duration) time.Time { return base.Add(d) }

func TestDecide_RequirePaymentMarksInFlight(t *testing.T) {
	coord := NewCoordinator(NewStore())

	d := coord.Decide("1.2.3.4", at(0))
	if d.Kind != DecisionRequirePayment {
		t.Fatalf("expected require-payment, got %v", d.Kind)
	}

	// A second decision within the allowance coalesces onto the first
	// marker instead of creating another one.
	d = coord.Decide("1.2.3.4", at(2000*time.Millisecond))
	if d.Kind != DecisionAllowThrough {
		t.Fatalf("expected allow-through, got %v", d.Kind)
	}

	// Past the allowance with no settlement, the identity is busy.
	d = coord.Decide("1.2.3.4", at(6000*time.Millisecond))
	if d.Kind != DecisionRejectBusy {
		t.Fatalf("expected reject-busy, got %v", d.Kind)
	}
}

func TestDecide_IndependentIdentities(t *testing.T) {
	coord := NewCoordinator(NewStore())

	if d := coord.Decide("1.2.3.4", at(0)); d.Kind != DecisionRequirePayment {
		t.Fatalf("expected require-payment for first identity, got %v", d.Kind)
	}
	if d := coord.Decide("5.6.7.8", at(0)); d.Kind != DecisionRequirePayment {
		t.Fatalf("expected require-payment for second identity, got %v", d.Kind)
	}
}

func TestDecide_ServeFreeWhileGrantLive(t *testing.T) {
	store := NewStore()
	coord := NewCoordinator(store)

	store.Settle("1.2.3.4", at(10*time.Second))

	d := coord.Decide("1.2.3.4", at(500*time.Millisecond))
	if d.Kind != DecisionServeFree {
		t.Fatalf("expected serve-free, got %v", d.Kind)
	}
	if d.RemainingSeconds != 10 {
		t.Errorf("expected 10 remaining seconds (9.5s rounded up), got %d", d.RemainingSeconds)
	}

	d = coord.Decide("1.2.3.4", at(9*time.Second))
	if d.Kind != DecisionServeFree {
		t.Fatalf("expected serve-free, got %v", d.Kind)
	}
	if d.RemainingSeconds != 1 {
		t.Errorf("expected 1 remaining second, got %d", d.RemainingSeconds)
	}

	// Exactly at expiry the grant no longer applies.
	d = coord.Decide("1.2.3.4", at(10*time.Second))
	if d.Kind != DecisionRequirePayment {
		t.Fatalf("expected require-payment at expiry, got %v", d.Kind)
	}
}

func TestDecide_GrantExpiryRequiresNewPayment(t *testing.T) {
	store := NewStore()
	coord := NewCoordinator(store)

	store.Settle("1.2.3.4", at(10100*time.Millisecond))

	if d := coord.Decide("1.2.3.4", at(10200*time.Millisecond)); d.Kind != DecisionRequirePayment {
		t.Fatalf("expected require-payment after grant expiry, got %v", d.Kind)
	}
}

func TestDecide_CustomAllowance(t *testing.T) {
	coord := NewCoordinator(NewStore(), WithConcurrencyAllowance(time.Second))

	if d := coord.Decide("1.2.3.4", at(0)); d.Kind != DecisionRequirePayment {
		t.Fatalf("expected require-payment, got %v", d.Kind)
	}
	if d := coord.Decide("1.2.3.4", at(999*time.Millisecond)); d.Kind != DecisionAllowThrough {
		t.Fatalf("expected allow-through inside allowance, got %v", d.Kind)
	}
	if d := coord.Decide("1.2.3.4", at(time.Second)); d.Kind != DecisionRejectBusy {
		t.Fatalf("expected reject-busy at allowance boundary, got %v", d.Kind)
	}
}

func TestDecide_UnknownIdentitySharesBucket(t *testing.T) {
	coord := NewCoordinator(NewStore())

	if d := coord.Decide(UnknownIdentity, at(0)); d.Kind != DecisionRequirePayment {
		t.Fatalf("expected require-payment, got %v", d.Kind)
	}
	// All unresolvable origins collapse onto the same state.
	if d := coord.Decide(UnknownIdentity, at(time.Second)); d.Kind != DecisionAllowThrough {
		t.Fatalf("expected allow-through for shared unknown bucket, got %v", d.Kind)
	}
}

func TestStatus_ReadOnly(t *testing.T) {
	store := NewStore()
	coord := NewCoordinator(store)

	paid, remaining := coord.Status("1.2.3.4", at(0))
	if paid || remaining != 0 {
		t.Fatalf("expected unpaid status, got paid=%v remaining=%d", paid, remaining)
	}

	// Status must not have marked the identity in-flight.
	if d := coord.Decide("1.2.3.4", at(0)); d.Kind != DecisionRequirePayment {
		t.Fatalf("expected require-payment after status check, got %v", d.Kind)
	}

	store.Settle("1.2.3.4", at(10*time.Second))
	paid, remaining = coord.Status("1.2.3.4", at(time.Second))
	if !paid || remaining != 9 {
		t.Fatalf("expected paid with 9s remaining, got paid=%v remaining=%d", paid, remaining)
	}
}

func TestDecide_ConcurrentSameIdentitySingleMarker(t *testing.T) {
	coord := NewCoordinator(NewStore())

	results := make(chan DecisionKind, 16)
	for i := 0; i < 16; i++ {
		go func() {
			results <- coord.Decide("9.9.9.9", at(0)).Kind
		}()
	}

	requires := 0
	for i := 0; i < 16; i++ {
		if k := <-results; k == DecisionRequirePayment {
			requires++
		} else if k != DecisionAllowThrough {
			t.Errorf("unexpected decision %v", k)
		}
	}
	if requires != 1 {
		t.Errorf("expected exactly one require-payment, got %d", requires)
	}
}
