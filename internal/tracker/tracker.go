package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dextrack/internal/domain"
	"dextrack/internal/infra"
	"dextrack/internal/ledger"
)

// LedgerClient is the ledger-node contract the tracker needs: fetch by
// hash, history from a height, account subscription, validated height
// and a liveness check. Satisfied by *ledger.Client.
type LedgerClient interface {
	Tx(ctx context.Context, hash string) (*ledger.TxWithMeta, error)
	AccountTx(ctx context.Context, account string, minLedger int64) ([]ledger.TxWithMeta, error)
	SubscribeAccount(account string, handler ledger.TxHandler) error
	UnsubscribeAccount(account string) error
	CurrentLedgerIndex(ctx context.Context) (int64, error)
	EnsureConnected(ctx context.Context) error
}

// OrderStore is the persistence contract the tracker needs. Satisfied
// by *storage.Store.
type OrderStore interface {
	SaveOrder(ctx context.Context, key domain.Key, o *domain.Order) error
	GetInflightOrders(ctx context.Context, key domain.Key) (domain.InflightOrders, error)
}

// Config holds per-tracker settings.
type Config struct {
	Key          domain.Key
	PollInterval time.Duration
	// PendingLedgerThreshold is how many validated ledgers must pass
	// after submission before a still-pending order is looked up by its
	// transaction hash.
	PendingLedgerThreshold int64
}

// OrderTracker owns the authoritative in-memory order set for one
// wallet and reconciles it from two channels: the push subscription and
// the periodic history poll. Both paths classify transactions the same
// way and mutate orders only under the per-order lock, so applying the
// same transaction twice is a no-op.
type OrderTracker struct {
	cfg     Config
	client  LedgerClient
	store   OrderStore
	breaker *infra.CircuitBreaker

	mu     sync.RWMutex
	orders domain.InflightOrders
	locks  *LockCoordinator

	runMu    sync.Mutex
	running  bool
	hydrated bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewOrderTracker creates a tracker for one (chain, network, wallet).
func NewOrderTracker(cfg Config, client LedgerClient, store OrderStore) *OrderTracker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.PendingLedgerThreshold <= 0 {
		cfg.PendingLedgerThreshold = 3
	}
	return &OrderTracker{
		cfg:     cfg,
		client:  client,
		store:   store,
		breaker: infra.NewCircuitBreaker(infra.DefaultCircuitBreakerConfig("poll:" + cfg.Key.Wallet)),
		orders:  make(domain.InflightOrders),
		locks:   NewLockCoordinator(),
	}
}

// Key returns the tracker's (chain, network, wallet) identity.
func (t *OrderTracker) Key() domain.Key { return t.cfg.Key }

// AddOrder inserts an order into the in-memory set. Called by the
// submission layer immediately after submitting the create or cancel
// transaction, before any confirmation is known.
func (t *OrderTracker) AddOrder(o *domain.Order) {
	t.mu.Lock()
	t.orders[o.ID] = o
	t.mu.Unlock()
	t.locks.AddOrders([]int64{o.ID})

	slog.Info("Order registered",
		slog.Int64("id", o.ID),
		slog.String("market", o.MarketID),
		slog.String("state", string(o.State)),
		slog.String("wallet", t.cfg.Key.Wallet))
}

// GetOrder returns a copy of the tracked order, or nil if unknown.
func (t *OrderTracker) GetOrder(id int64) *domain.Order {
	t.mu.RLock()
	defer t.mu.RUnlock()
	o, ok := t.orders[id]
	if !ok {
		return nil
	}
	return o.Clone()
}

// AllOrders returns copies of every tracked order.
func (t *OrderTracker) AllOrders() []*domain.Order {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*domain.Order, 0, len(t.orders))
	for _, o := range t.orders {
		out = append(out, o.Clone())
	}
	return out
}

// OrdersByState returns copies of tracked orders in the given state.
func (t *OrderTracker) OrdersByState(state domain.OrderState) []*domain.Order {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*domain.Order
	for _, o := range t.orders {
		if o.State == state {
			out = append(out, o.Clone())
		}
	}
	return out
}

// OrdersByMarket returns copies of tracked orders for one market.
func (t *OrderTracker) OrdersByMarket(marketID string) []*domain.Order {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*domain.Order
	for _, o := range t.orders {
		if o.MarketID == marketID {
			out = append(out, o.Clone())
		}
	}
	return out
}

// LoadInflightOrders hydrates the in-memory set from storage. Runs once;
// orders added in the meantime by the submission layer win over the
// persisted copy.
func (t *OrderTracker) LoadInflightOrders(ctx context.Context) error {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	if t.hydrated {
		return nil
	}

	stored, err := t.store.GetInflightOrders(ctx, t.cfg.Key)
	if err != nil {
		return fmt.Errorf("load inflight orders for %s: %w", t.cfg.Key, err)
	}

	t.mu.Lock()
	ids := make([]int64, 0, len(stored))
	for id, o := range stored {
		if _, exists := t.orders[id]; !exists {
			t.orders[id] = o
			ids = append(ids, id)
		}
	}
	t.mu.Unlock()
	t.locks.AddOrders(ids)

	t.hydrated = true
	slog.Info("Inflight orders hydrated",
		slog.String("wallet", t.cfg.Key.Wallet),
		slog.Int("count", len(stored)))
	return nil
}

// SaveInflightOrders writes the entire current set back to storage.
// Every order is rewritten every pass regardless of change; simplicity
// over incremental bookkeeping. A failure leaves in-memory state
// untouched and is retried next pass.
func (t *OrderTracker) SaveInflightOrders(ctx context.Context) error {
	snapshot := t.AllOrders()
	var firstErr error
	for _, o := range snapshot {
		if err := t.store.SaveOrder(ctx, t.cfg.Key, o); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("save order %d: %w", o.ID, err)
		}
	}
	return firstErr
}

// StartTracking subscribes the wallet to the push stream and begins the
// poll loop. Idempotent. Hydration completes before the first poll.
func (t *OrderTracker) StartTracking(ctx context.Context) error {
	t.runMu.Lock()
	if t.running {
		t.runMu.Unlock()
		return nil
	}
	t.running = true
	t.runMu.Unlock()

	if err := t.LoadInflightOrders(ctx); err != nil {
		// Non-fatal: the set may be cold, but tracking of newly added
		// orders must still proceed.
		slog.Warn("Hydration failed, starting with in-memory set only",
			slog.String("wallet", t.cfg.Key.Wallet),
			slog.Any("error", err))
	}

	if err := t.client.SubscribeAccount(t.cfg.Key.Wallet, t.handleStreamTx); err != nil {
		slog.Warn("Account subscription failed, poll path will catch up",
			slog.String("wallet", t.cfg.Key.Wallet),
			slog.Any("error", err))
	}

	loopCtx, cancel := context.WithCancel(ctx)
	t.runMu.Lock()
	t.cancel = cancel
	t.runMu.Unlock()

	t.wg.Add(1)
	go t.pollLoop(loopCtx)

	slog.Info("Tracking started", slog.String("key", t.cfg.Key.String()))
	return nil
}

// StopTracking unsubscribes, detaches the push handler and signals the
// poll loop to exit after its current pass. Idempotent; in-flight RPC
// calls are allowed to finish.
func (t *OrderTracker) StopTracking() {
	t.runMu.Lock()
	if !t.running {
		t.runMu.Unlock()
		return
	}
	t.running = false
	cancel := t.cancel
	t.cancel = nil
	t.runMu.Unlock()

	if err := t.client.UnsubscribeAccount(t.cfg.Key.Wallet); err != nil {
		slog.Warn("Unsubscribe failed", slog.String("wallet", t.cfg.Key.Wallet), slog.Any("error", err))
	}
	if cancel != nil {
		cancel()
	}
	t.wg.Wait()

	slog.Info("Tracking stopped", slog.String("key", t.cfg.Key.String()))
}

// handleStreamTx is the push path: one invocation per transaction
// delivered on the live subscription.
func (t *OrderTracker) handleStreamTx(txm ledger.TxWithMeta) {
	t.applyTx(context.Background(), txm)
}

// applyTx classifies one validated transaction and merges the resulting
// intent into the matching order under its lock. Misses are silently
// skipped; both observation paths go through here.
func (t *OrderTracker) applyTx(ctx context.Context, txm ledger.TxWithMeta) {
	if !ledger.IsSuccess(txm.Meta.TransactionResult) {
		// Failed applies never touch offer objects; the pending
		// promotion step handles their result codes.
		return
	}

	intent := ClassifyTx(txm, t.cfg.Key.Wallet)
	if intent.Type == IntentUnknown || intent.OrderID == 0 {
		return
	}

	t.mu.RLock()
	o, ok := t.orders[intent.OrderID]
	t.mu.RUnlock()
	if !ok {
		slog.Debug("No tracked order for intent",
			slog.Int64("id", intent.OrderID),
			slog.String("intent", intent.Type.String()),
			slog.String("tx", intent.TxHash))
		return
	}

	if err := t.locks.Lock(ctx, intent.OrderID); err != nil {
		slog.Warn("Lock wait aborted", slog.Int64("id", intent.OrderID), slog.Any("error", err))
		return
	}
	defer t.locks.Release(intent.OrderID)

	// The per-order lock orders mutations across the two paths; the set
	// mutex keeps concurrent snapshot reads from seeing a torn write.
	t.mu.Lock()
	t.mergeIntent(o, intent)
	t.mu.Unlock()
}

// mergeIntent applies one classified transition. Must hold the order's
// lock. Values are derived absolutely from the transaction, so a second
// application of the same intent leaves the order unchanged.
func (t *OrderTracker) mergeIntent(o *domain.Order, intent Intent) {
	o.AppendTxn(intent.TxHash)

	if o.State.IsTerminal() {
		// A cancel submitted while a fill was landing still validates
		// after the offer is gone. The settled outcome stands; the late
		// transaction only contributes its hash.
		slog.Debug("Intent on settled order ignored",
			slog.Int64("id", o.ID),
			slog.String("intent", intent.Type.String()),
			slog.String("state", string(o.State)))
		return
	}

	switch intent.Type {
	case IntentCreateFinalized:
		if o.State == domain.StatePendingOpen {
			o.State = domain.StateOpen
		}

	case IntentPartialFill:
		remaining := remainingForSide(o.TradeType, intent.RemainingGets, intent.RemainingPays)
		filled := o.Amount.Sub(remaining)
		if filled.IsNegative() || filled.GreaterThan(o.Amount) {
			slog.Warn("Unresolvable fill amounts",
				slog.Int64("id", o.ID),
				slog.String("tx", intent.TxHash),
				slog.String("remaining", remaining.String()))
			o.State = domain.StateUnknown
			break
		}
		if filled.GreaterThan(o.FilledAmount) {
			delta := filled.Sub(o.FilledAmount)
			o.FilledAmount = filled
			o.AppendFill(domain.Fill{
				TxHash:      intent.TxHash,
				Amount:      delta,
				LedgerIndex: intent.LedgerIndex,
				Timestamp:   intent.Timestamp,
			})
		}
		o.State = domain.StatePartiallyFilled

	case IntentFullFill:
		prior := remainingForSide(o.TradeType, intent.PrevGets, intent.PrevPays)
		if prior.Equal(o.Amount) && o.FilledAmount.IsZero() {
			// The full requested amount was still resting when matching
			// removed the offer: found expired or unfunded, nothing filled.
			o.State = domain.StateOfferExpiredOrUnfunded
			break
		}
		if o.Amount.GreaterThan(o.FilledAmount) {
			o.AppendFill(domain.Fill{
				TxHash:      intent.TxHash,
				Amount:      o.Amount.Sub(o.FilledAmount),
				LedgerIndex: intent.LedgerIndex,
				Timestamp:   intent.Timestamp,
			})
		}
		o.FilledAmount = o.Amount
		o.State = domain.StateFilled

	case IntentCancelFinalized:
		o.State = domain.StateCanceled
	}

	t.touch(o, intent.LedgerIndex, intent.Timestamp)
}

// touch advances the order's update markers, never backwards.
func (t *OrderTracker) touch(o *domain.Order, ledgerIndex int64, ts time.Time) {
	if ledgerIndex > o.UpdatedAtLedgerIndex {
		o.UpdatedAtLedgerIndex = ledgerIndex
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	if ts.After(o.UpdatedAt) {
		o.UpdatedAt = ts
	}
}

// pollLoop is the poll path: each cycle checks liveness, promotes stale
// pending orders, replays missed history and persists the set, then
// sleeps. Every sub-step is isolated so one failure never prevents the
// loop from reaching its sleep.
func (t *OrderTracker) pollLoop(ctx context.Context) {
	defer t.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		t.pollCycle(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(t.cfg.PollInterval):
		}
	}
}

func (t *OrderTracker) pollCycle(ctx context.Context) {
	live := t.guardRPC("ensure_connected", func() error {
		return t.client.EnsureConnected(ctx)
	})

	if live {
		t.promotePending(ctx)
		t.catchUpHistory(ctx)
	}

	if err := t.SaveInflightOrders(ctx); err != nil {
		slog.Warn("Persist failed, retrying next pass",
			slog.String("wallet", t.cfg.Key.Wallet),
			slog.Any("error", err))
	}

	t.locks.Reset()
}

// guardRPC runs one RPC sub-step through the circuit breaker. Returns
// whether the step succeeded.
func (t *OrderTracker) guardRPC(op string, fn func() error) bool {
	if !t.breaker.Allow() {
		slog.Debug("Sub-step skipped, breaker open",
			slog.String("op", op),
			slog.String("wallet", t.cfg.Key.Wallet))
		return false
	}
	if err := fn(); err != nil {
		t.breaker.RecordFailure()
		slog.Warn("Poll sub-step failed",
			slog.String("op", op),
			slog.String("wallet", t.cfg.Key.Wallet),
			slog.Any("error", err))
		return false
	}
	t.breaker.RecordSuccess()
	return true
}

// promotePending resolves orders stuck in PENDING_OPEN/PENDING_CANCEL
// whose submitting transaction is old enough relative to the current
// validated height: fetch by hash and promote on the engine result.
func (t *OrderTracker) promotePending(ctx context.Context) {
	var current int64
	ok := t.guardRPC("current_ledger", func() error {
		var err error
		current, err = t.client.CurrentLedgerIndex(ctx)
		return err
	})
	if !ok {
		return
	}

	type pendingRef struct {
		o    *domain.Order
		hash string
	}
	var pending []pendingRef
	t.mu.RLock()
	for _, o := range t.orders {
		if o.State != domain.StatePendingOpen && o.State != domain.StatePendingCancel {
			continue
		}
		if o.SubmitHash() == "" || current-o.UpdatedAtLedgerIndex < t.cfg.PendingLedgerThreshold {
			continue
		}
		pending = append(pending, pendingRef{o: o, hash: o.SubmitHash()})
	}
	t.mu.RUnlock()

	for _, p := range pending {
		o, hash := p.o, p.hash

		var txm *ledger.TxWithMeta
		ok := t.guardRPC("tx", func() error {
			var err error
			txm, err = t.client.Tx(ctx, hash)
			return err
		})
		if !ok || txm == nil || !txm.Validated {
			continue
		}

		if err := t.locks.Lock(ctx, o.ID); err != nil {
			return
		}
		t.mu.Lock()
		t.promoteOnResult(o, txm)
		t.mu.Unlock()
		t.locks.Release(o.ID)
	}
}

// promoteOnResult advances a pending order from its submitting
// transaction's engine result. Must hold the order's lock.
func (t *OrderTracker) promoteOnResult(o *domain.Order, txm *ledger.TxWithMeta) {
	// The pending snapshot is taken before the lock; a push-path delta
	// may have resolved the order in between.
	if o.State != domain.StatePendingOpen && o.State != domain.StatePendingCancel {
		return
	}

	code := txm.Meta.TransactionResult

	switch {
	case ledger.IsSuccess(code):
		switch o.State {
		case domain.StatePendingOpen:
			o.State = domain.StateOpen
		case domain.StatePendingCancel:
			o.State = domain.StateCanceled
		}
	case ledger.IsOfferDead(code):
		o.State = domain.StateOfferExpiredOrUnfunded
	case ledger.IsFailed(code):
		o.State = domain.StateFailed
	default:
		return
	}

	o.AppendTxn(txm.Tx.Hash)
	t.touch(o, txm.LedgerIndex, ledger.CloseTime(txm.Tx.Date))

	slog.Info("Pending order promoted",
		slog.Int64("id", o.ID),
		slog.String("result", code),
		slog.String("state", string(o.State)))
}

// catchUpHistory replays the wallet's validated history from the newest
// point any tracked order has seen. This is what recovers transactions
// missed while disconnected or before the subscription was established.
func (t *OrderTracker) catchUpHistory(ctx context.Context) {
	minLedger := t.minLedgerIndex()
	if minLedger < 0 {
		// Nothing tracked; fetching from height 0 would replay the
		// wallet's entire life for no one.
		return
	}

	var txs []ledger.TxWithMeta
	ok := t.guardRPC("account_tx", func() error {
		var err error
		txs, err = t.client.AccountTx(ctx, t.cfg.Key.Wallet, minLedger)
		return err
	})
	if !ok {
		return
	}

	for _, txm := range txs {
		t.applyTx(ctx, txm)
	}
}

// minLedgerIndex returns max(updatedAtLedgerIndex) over tracked orders,
// or -1 when the set is empty.
func (t *OrderTracker) minLedgerIndex() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.orders) == 0 {
		return -1
	}
	var max int64
	for _, o := range t.orders {
		if o.UpdatedAtLedgerIndex > max {
			max = o.UpdatedAtLedgerIndex
		}
	}
	return max
}
