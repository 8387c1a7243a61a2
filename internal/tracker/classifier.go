package tracker

import (
	"time"

	"dextrack/internal/domain"
	"dextrack/internal/ledger"

	"github.com/shopspring/decimal"
)

// IntentType is the lifecycle transition a transaction implies for one
// tracked order.
type IntentType int

const (
	IntentUnknown IntentType = iota
	IntentCreateFinalized
	IntentPartialFill
	IntentFullFill
	IntentCancelFinalized
)

func (t IntentType) String() string {
	switch t {
	case IntentCreateFinalized:
		return "CREATE_FINALIZED"
	case IntentPartialFill:
		return "PARTIAL_FILL"
	case IntentFullFill:
		return "FULL_FILL"
	case IntentCancelFinalized:
		return "CANCEL_FINALIZED"
	default:
		return "UNKNOWN"
	}
}

// Intent is a typed lifecycle transition tied to a specific order id.
type Intent struct {
	Type        IntentType
	OrderID     int64
	TxHash      string
	LedgerIndex int64
	Timestamp   time.Time

	// RemainingGets/RemainingPays are the modified offer's remaining
	// counter amounts after the transaction (partial fill only).
	RemainingGets ledger.Amount
	RemainingPays ledger.Amount

	// PrevGets/PrevPays are the deleted offer's amounts just before
	// deletion (full fill only); used to tell a matched offer from one
	// found expired or unfunded during matching.
	PrevGets ledger.Amount
	PrevPays ledger.Amount
}

// ClassifyTx maps a raw transaction plus its metadata to an intent for
// the owner wallet. Only offer-create and offer-cancel transactions
// carry intents; the scan over the ledger-object deltas returns on the
// first match, so a transaction touching several tracked offers
// classifies only the first. Offer sequence numbers are scoped per
// account, so deltas on other accounts' offers are skipped; an empty
// owner disables the filter.
func ClassifyTx(txm ledger.TxWithMeta, owner string) Intent {
	base := Intent{
		Type:        IntentUnknown,
		TxHash:      txm.Tx.Hash,
		LedgerIndex: txm.LedgerIndex,
		Timestamp:   ledger.CloseTime(txm.Tx.Date),
	}

	switch txm.Tx.TransactionType {
	case ledger.TxOfferCreate:
		return classifyOfferCreate(txm, owner, base)
	case ledger.TxOfferCancel:
		if owner != "" && txm.Tx.Account != owner {
			return base
		}
		base.Type = IntentCancelFinalized
		base.OrderID = txm.Tx.OfferSequence
		return base
	default:
		return base
	}
}

func classifyOfferCreate(txm ledger.TxWithMeta, owner string, base Intent) Intent {
	for _, node := range txm.Meta.AffectedNodes {
		if n := node.ModifiedNode; n != nil && n.LedgerEntryType == ledger.EntryOffer && offerBelongsTo(n, owner) && offerAmountsChanged(n) {
			base.Type = IntentPartialFill
			base.OrderID = offerSequence(n)
			if n.FinalFields != nil {
				base.RemainingGets = n.FinalFields.TakerGets
				base.RemainingPays = n.FinalFields.TakerPays
			}
			return base
		}
		if n := node.DeletedNode; n != nil && n.LedgerEntryType == ledger.EntryOffer && offerBelongsTo(n, owner) {
			base.Type = IntentFullFill
			base.OrderID = offerSequence(n)
			base.PrevGets, base.PrevPays = offerPriorAmounts(n)
			return base
		}
	}

	if owner != "" && txm.Tx.Account != owner {
		// Another account's create that never touched one of the owner's
		// resting offers.
		return base
	}

	// Only a fresh offer object appeared: the create finalized without
	// touching any resting offer.
	base.Type = IntentCreateFinalized
	base.OrderID = txm.Tx.Sequence
	return base
}

// offerBelongsTo reports whether the delta's offer is owned by the
// wallet. Deltas that omit the owning account are kept; the sequence
// lookup no-ops on a miss.
func offerBelongsTo(n *ledger.NodeDelta, owner string) bool {
	if owner == "" {
		return true
	}
	for _, f := range []*ledger.OfferFields{n.FinalFields, n.NewFields, n.PreviousFields} {
		if f != nil && f.Account != "" {
			return f.Account == owner
		}
	}
	return true
}

// offerAmountsChanged reports whether the modification actually moved
// the offer's counter amounts, as opposed to bookkeeping-only changes.
func offerAmountsChanged(n *ledger.NodeDelta) bool {
	if n.PreviousFields == nil {
		return false
	}
	return !n.PreviousFields.TakerGets.IsZero() || !n.PreviousFields.TakerPays.IsZero()
}

// offerSequence extracts the offer's pre-transaction sequence number;
// modification and deletion never change it.
func offerSequence(n *ledger.NodeDelta) int64 {
	if n.FinalFields != nil && n.FinalFields.Sequence != 0 {
		return n.FinalFields.Sequence
	}
	if n.PreviousFields != nil && n.PreviousFields.Sequence != 0 {
		return n.PreviousFields.Sequence
	}
	return 0
}

// offerPriorAmounts returns the deleted offer's remaining amounts just
// before deletion, preferring the explicit previous values.
func offerPriorAmounts(n *ledger.NodeDelta) (gets, pays ledger.Amount) {
	if n.PreviousFields != nil && (!n.PreviousFields.TakerGets.IsZero() || !n.PreviousFields.TakerPays.IsZero()) {
		return n.PreviousFields.TakerGets, n.PreviousFields.TakerPays
	}
	if n.FinalFields != nil {
		return n.FinalFields.TakerGets, n.FinalFields.TakerPays
	}
	return
}

// remainingForSide picks the offer-side remaining amount that counts
// against the tracked order's own base amount. The gets/pays fields on
// the ledger offer are fixed regardless of which side the tracked
// wallet is on: a buy order still has its base amount to receive in
// TakerPays, a sell order its base amount to give in TakerGets.
func remainingForSide(tradeType domain.TradeType, gets, pays ledger.Amount) decimal.Decimal {
	if tradeType == domain.TradeBuy {
		return pays.Value
	}
	return gets.Value
}
