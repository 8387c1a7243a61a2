package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderState is the lifecycle state of a tracked order.
type OrderState string

const (
	StatePendingOpen            OrderState = "PENDING_OPEN"
	StateOpen                   OrderState = "OPEN"
	StatePartiallyFilled        OrderState = "PARTIALLY_FILLED"
	StatePendingCancel          OrderState = "PENDING_CANCEL"
	StateCanceled               OrderState = "CANCELED"
	StateFilled                 OrderState = "FILLED"
	StateOfferExpiredOrUnfunded OrderState = "OFFER_EXPIRED_OR_UNFUNDED"
	StateFailed                 OrderState = "FAILED"
	StateUnknown                OrderState = "UNKNOWN"
)

// IsInflight reports whether the state still expects ledger activity.
func (s OrderState) IsInflight() bool {
	switch s {
	case StatePendingOpen, StateOpen, StatePartiallyFilled, StatePendingCancel:
		return true
	}
	return false
}

// IsTerminal reports whether the state is final for this subsystem.
// Terminal orders are retained and stay queryable, never deleted here.
func (s OrderState) IsTerminal() bool {
	switch s {
	case StateCanceled, StateFilled, StateOfferExpiredOrUnfunded, StateFailed:
		return true
	}
	return false
}

// TradeType is the side of the tracked order.
type TradeType string

const (
	TradeBuy  TradeType = "BUY"
	TradeSell TradeType = "SELL"
)

// OrderType is the order style requested by the submission layer.
type OrderType string

const (
	OrderLimit      OrderType = "LIMIT"
	OrderLimitMaker OrderType = "LIMIT_MAKER"
)

// Fill is one partial or complete fill derived from a classified
// ledger transaction.
type Fill struct {
	TxHash      string          `json:"tx_hash"`
	Amount      decimal.Decimal `json:"amount"`
	LedgerIndex int64           `json:"ledger_index"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Order is one resting limit order on the ledger order book. ID is the
// account sequence number the ledger assigned to the creating
// transaction; the ledger has no separate order identifier.
type Order struct {
	ID       int64  `json:"id"`
	MarketID string `json:"market_id"`

	Price        decimal.Decimal `json:"price"`
	Amount       decimal.Decimal `json:"amount"`
	FilledAmount decimal.Decimal `json:"filled_amount"`

	State     OrderState `json:"state"`
	TradeType TradeType  `json:"trade_type"`
	OrderType OrderType  `json:"order_type"`

	CreatedAt            time.Time `json:"created_at"`
	CreatedAtLedgerIndex int64     `json:"created_at_ledger_index"`
	UpdatedAt            time.Time `json:"updated_at"`
	UpdatedAtLedgerIndex int64     `json:"updated_at_ledger_index"`

	// AssociatedTxns is append-only and holds each hash at most once,
	// regardless of how many times the transaction is observed.
	AssociatedTxns  []string `json:"associated_txns"`
	AssociatedFills []Fill   `json:"associated_fills"`
}

// HasTxn reports whether the transaction hash was already observed.
func (o *Order) HasTxn(hash string) bool {
	for _, h := range o.AssociatedTxns {
		if h == hash {
			return true
		}
	}
	return false
}

// AppendTxn records a transaction hash once. Returns false if the hash
// was empty or already present.
func (o *Order) AppendTxn(hash string) bool {
	if hash == "" || o.HasTxn(hash) {
		return false
	}
	o.AssociatedTxns = append(o.AssociatedTxns, hash)
	return true
}

// AppendFill records a fill once, keyed by tx hash.
func (o *Order) AppendFill(f Fill) bool {
	for _, existing := range o.AssociatedFills {
		if existing.TxHash == f.TxHash {
			return false
		}
	}
	o.AssociatedFills = append(o.AssociatedFills, f)
	return true
}

// SubmitHash returns the hash of the submitting transaction (the first
// associated txn), or "" if none was recorded yet.
func (o *Order) SubmitHash() string {
	if len(o.AssociatedTxns) == 0 {
		return ""
	}
	return o.AssociatedTxns[0]
}

// Clone returns a deep copy safe to hand outside the tracker.
func (o *Order) Clone() *Order {
	c := *o
	c.AssociatedTxns = append([]string(nil), o.AssociatedTxns...)
	c.AssociatedFills = append([]Fill(nil), o.AssociatedFills...)
	return &c
}

// InflightOrders is the authoritative in-memory order set for one
// (chain, network, wallet).
type InflightOrders map[int64]*Order
