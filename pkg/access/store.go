package access

import (
	"context"
	"sync"
	"time"
)

// Store holds the volatile per-identity access state: the free-access grant
// expiry and the in-flight payment marker. State does not survive process
// restarts; the ledger is the durable source of truth.
//
// All reads and writes go through the Coordinator or the settlement
// Listener so the decide-then-mark sequence stays atomic.
type Store struct {
	mu       sync.Mutex
	grants   map[string]time.Time // identity -> grant expiry
	inFlight map[string]time.Time // identity -> payment start

	maxInFlightAge time.Duration
	sweepEvery     time.Duration
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithMaxInFlightAge bounds how long an abandoned in-flight marker survives
// before the janitor reclaims it. Must stay well above the verification
// timeout so the settlement listener clears markers first in every normal
// path.
func WithMaxInFlightAge(d time.Duration) StoreOption {
	return func(s *Store) { s.maxInFlightAge = d }
}

// WithSweepInterval sets how often the janitor runs.
func WithSweepInterval(d time.Duration) StoreOption {
	return func(s *Store) { s.sweepEvery = d }
}

// NewStore creates an empty access state store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		grants:         make(map[string]time.Time),
		inFlight:       make(map[string]time.Time),
		maxInFlightAge: 2 * time.Minute,
		sweepEvery:     time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Settle atomically clears the in-flight marker for identity and installs
// a free-access grant expiring at expiry. A new grant overwrites any prior
// one.
func (s *Store) Settle(identity string, expiry time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.inFlight, identity)
	s.grants[identity] = expiry
}

// ClearInFlight removes the in-flight marker for identity, if any.
func (s *Store) ClearInFlight(identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.inFlight, identity)
}

// GrantExpiry returns the free-access grant expiry for identity, if one
// exists. Expired grants are reported as-is; callers compare against now.
func (s *Store) GrantExpiry(identity string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiry, ok := s.grants[identity]
	return expiry, ok
}

// Sweep removes expired grants and in-flight markers older than the
// configured bound.
func (s *Store) Sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for identity, expiry := range s.grants {
		if !expiry.After(now) {
			delete(s.grants, identity)
		}
	}
	for identity, started := range s.inFlight {
		if now.Sub(started) > s.maxInFlightAge {
			delete(s.inFlight, identity)
		}
	}
}

// StartJanitor starts a goroutine sweeping stale entries periodically.
// Stop it by cancelling the context.
func (s *Store) StartJanitor(ctx context.Context) {
	if s.sweepEvery <= 0 {
		return
	}

	t := time.NewTicker(s.sweepEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Sweep(time.Now())
			}
		}
	}()
}
