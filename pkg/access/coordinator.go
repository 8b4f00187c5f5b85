package access

import (
	"math"
	"time"
)

// DecisionKind enumerates the outcomes of a coordinator decision.
type DecisionKind int

const (
	// DecisionServeFree means a non-expired free-access grant covers this
	// request; serve the resource without requiring payment.
	DecisionServeFree DecisionKind = iota
	// DecisionAllowThrough means a payment started recently for this
	// identity; let the request proceed to verification without re-marking,
	// coalescing client retry bursts during proof construction.
	DecisionAllowThrough
	// DecisionRejectBusy means a payment has been in flight past the
	// concurrency allowance; reject with a conflict response.
	DecisionRejectBusy
	// DecisionRequirePayment means no grant and no in-flight payment exist;
	// the identity is now marked in-flight and the caller proceeds to the
	// payment verification gateway.
	DecisionRequirePayment
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionServeFree:
		return "serve-free"
	case DecisionAllowThrough:
		return "allow-through"
	case DecisionRejectBusy:
		return "reject-busy"
	case DecisionRequirePayment:
		return "require-payment"
	default:
		return "unknown"
	}
}

// Decision is the coordinator's verdict for one request.
type Decision struct {
	Kind DecisionKind
	// RemainingSeconds is the free-access time left, rounded up.
	// Only set for DecisionServeFree.
	RemainingSeconds int
}

// DefaultGrantTTL is how long a free-access grant lasts after settlement.
const DefaultGrantTTL = 10 * time.Second

// DefaultConcurrencyAllowance is the window after an initial in-flight mark
// during which concurrent requests from the same identity pass through.
const DefaultConcurrencyAllowance = 5 * time.Second

// Coordinator decides how each inbound request is handled based on the
// per-identity access state. Decide holds the store lock for the whole
// check-then-mark sequence, so two concurrent requests from the same
// identity can never both mark a payment in-flight.
type Coordinator struct {
	store     *Store
	allowance time.Duration
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithConcurrencyAllowance overrides the concurrent-request allowance.
func WithConcurrencyAllowance(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.allowance = d }
}

// NewCoordinator creates a Coordinator over the given state store.
func NewCoordinator(store *Store, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:     store,
		allowance: DefaultConcurrencyAllowance,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Decide evaluates identity against the access state at time now.
// First match wins:
//  1. a live free-access grant serves the resource for free,
//  2. an in-flight payment either passes through (within the allowance) or
//     rejects as busy,
//  3. otherwise the identity is marked in-flight and payment is required.
//
// The in-flight marker set here is cleared by the settlement listener on
// any verification outcome, or eventually by the store janitor if the
// payment was abandoned.
func (c *Coordinator) Decide(identity string, now time.Time) Decision {
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if expiry, ok := s.grants[identity]; ok && expiry.After(now) {
		return Decision{
			Kind:             DecisionServeFree,
			RemainingSeconds: remainingSeconds(expiry, now),
		}
	}

	if started, ok := s.inFlight[identity]; ok {
		if now.Sub(started) < c.allowance {
			return Decision{Kind: DecisionAllowThrough}
		}
		return Decision{Kind: DecisionRejectBusy}
	}

	s.inFlight[identity] = now
	return Decision{Kind: DecisionRequirePayment}
}

// Status reports whether identity currently holds a live free-access grant
// and how many seconds remain. Unlike Decide it has no side effects.
func (c *Coordinator) Status(identity string, now time.Time) (bool, int) {
	expiry, ok := c.store.GrantExpiry(identity)
	if !ok || !expiry.After(now) {
		return false, 0
	}
	return true, remainingSeconds(expiry, now)
}

func remainingSeconds(expiry, now time.Time) int {
	return int(math.Ceil(expiry.Sub(now).Seconds()))
}
