package access

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/x402-foundation/paygate/pkg/ledger"
	"github.com/x402-foundation/paygate/pkg/types"
)

// Listener reacts to settlement verdicts from the payment verification
// gateway: it clears the in-flight marker, installs the free-access grant,
// and appends the payment record to the ledger.
//
// Duplicate success verdicts for the same transaction refresh the grant but
// never append a second record. The seen set is seeded from the ledger at
// startup so idempotence holds across restarts.
type Listener struct {
	mu       sync.Mutex
	store    *Store
	ledger   *ledger.Ledger
	grantTTL time.Duration
	seen     map[string]struct{}
	logger   *log.Logger
	now      func() time.Time
}

// ListenerOption configures a Listener.
type ListenerOption func(*Listener)

// WithGrantTTL overrides the free-access grant duration.
func WithGrantTTL(d time.Duration) ListenerOption {
	return func(l *Listener) { l.grantTTL = d }
}

// WithListenerLogger sets the logger used for settlement diagnostics.
func WithListenerLogger(logger *log.Logger) ListenerOption {
	return func(l *Listener) { l.logger = logger }
}

// WithListenerClock overrides the clock, for tests.
func WithListenerClock(now func() time.Time) ListenerOption {
	return func(l *Listener) { l.now = now }
}

// NewListener creates a settlement listener over the given store and ledger.
func NewListener(store *Store, led *ledger.Ledger, opts ...ListenerOption) *Listener {
	l := &Listener{
		store:    store,
		ledger:   led,
		grantTTL: DefaultGrantTTL,
		seen:     make(map[string]struct{}),
		logger:   log.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}

	for _, rec := range led.All() {
		l.seen[rec.Transaction] = struct{}{}
	}

	return l
}

// OnSuccess handles a successful settlement for identity: the in-flight
// marker is cleared and the grant installed before the record becomes
// observable in the ledger, and both complete before OnSuccess returns so
// a client checking status right after a paid request sees consistent
// state. A ledger write failure is logged and degrades durability, never
// availability.
func (l *Listener) OnSuccess(identity string, result *types.SettleResponse, requirements *types.PaymentRequirements) {
	now := l.now()

	duplicate := l.markSeen(result.Transaction)

	l.store.Settle(identity, now.Add(l.grantTTL))

	if duplicate {
		l.logger.Debug("duplicate settlement result, record not appended",
			"identity", identity, "transaction", result.Transaction)
		return
	}

	payer := UnknownIdentity
	if result.Payer != nil && *result.Payer != "" {
		payer = *result.Payer
	}

	rec := ledger.PaymentRecord{
		Payer:       payer,
		Transaction: result.Transaction,
		Network:     result.Network,
		Amount:      requirements.MaxAmountRequired,
		Asset:       requirements.Asset,
		PayTo:       requirements.PayTo,
		IPAddress:   identity,
		Timestamp:   now,
	}
	if err := l.ledger.Append(rec); err != nil {
		l.logger.Error("failed to persist payment record",
			"identity", identity, "transaction", result.Transaction, "err", err)
		return
	}

	l.logger.Info("payment recorded",
		"identity", identity, "transaction", result.Transaction,
		"amount", rec.Amount, "network", rec.Network)
}

// OnFailure handles a failed or errored verification or settlement for
// identity: the in-flight marker is cleared so the client can try again,
// and nothing is granted or recorded.
func (l *Listener) OnFailure(identity string) {
	l.store.ClearInFlight(identity)
}

// markSeen records the transaction ref and reports whether it was already
// known.
func (l *Listener) markSeen(transaction string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.seen[transaction]; ok {
		return true
	}
	l.seen[transaction] = struct{}{}
	return false
}
