package tracker

import (
	"testing"

	"dextrack/internal/domain"
	"dextrack/internal/ledger"

	"github.com/shopspring/decimal"
)

func amt(value string) ledger.Amount {
	v, err := decimal.NewFromString(value)
	if err != nil {
		panic(err)
	}
	return ledger.Amount{Currency: "USD", Issuer: "rIssuer", Value: v}
}

func offerCreateTx(hash string, seq int64, nodes ...ledger.AffectedNode) ledger.TxWithMeta {
	return ledger.TxWithMeta{
		Tx: ledger.Transaction{
			Hash:            hash,
			TransactionType: ledger.TxOfferCreate,
			Account:         "rTaker",
			Sequence:        seq,
		},
		Meta:        ledger.Meta{AffectedNodes: nodes, TransactionResult: ledger.ResultSuccess},
		Validated:   true,
		LedgerIndex: 7000,
	}
}

func modifiedOffer(seq int64, finalGets, finalPays, prevGets string) ledger.AffectedNode {
	return ledger.AffectedNode{ModifiedNode: &ledger.NodeDelta{
		LedgerEntryType: ledger.EntryOffer,
		FinalFields:     &ledger.OfferFields{Sequence: seq, TakerGets: amt(finalGets), TakerPays: amt(finalPays)},
		PreviousFields:  &ledger.OfferFields{TakerGets: amt(prevGets)},
	}}
}

func deletedOffer(seq int64, prevGets, prevPays string) ledger.AffectedNode {
	return ledger.AffectedNode{DeletedNode: &ledger.NodeDelta{
		LedgerEntryType: ledger.EntryOffer,
		FinalFields:     &ledger.OfferFields{Sequence: seq},
		PreviousFields:  &ledger.OfferFields{TakerGets: amt(prevGets), TakerPays: amt(prevPays)},
	}}
}

func createdOffer(seq int64) ledger.AffectedNode {
	return ledger.AffectedNode{CreatedNode: &ledger.NodeDelta{
		LedgerEntryType: ledger.EntryOffer,
		NewFields:       &ledger.OfferFields{Sequence: seq, TakerGets: amt("100"), TakerPays: amt("50")},
	}}
}

func TestClassifyTx_ModifiedOfferIsPartialFill(t *testing.T) {
	txm := offerCreateTx("TX1", 555, modifiedOffer(100, "60", "30", "100"))

	intent := ClassifyTx(txm, "rWallet")

	if intent.Type != IntentPartialFill {
		t.Fatalf("expected PARTIAL_FILL, got %s", intent.Type)
	}
	if intent.OrderID != 100 {
		t.Errorf("target should be the modified offer's sequence, got %d", intent.OrderID)
	}
	if !intent.RemainingGets.Value.Equal(decimal.NewFromInt(60)) {
		t.Errorf("remaining gets = %s, want 60", intent.RemainingGets.Value)
	}
	if intent.TxHash != "TX1" {
		t.Errorf("hash = %s", intent.TxHash)
	}
}

func TestClassifyTx_DeletedOfferIsFullFill(t *testing.T) {
	txm := offerCreateTx("TX2", 556, deletedOffer(100, "60", "30"))

	intent := ClassifyTx(txm, "rWallet")

	if intent.Type != IntentFullFill {
		t.Fatalf("expected FULL_FILL, got %s", intent.Type)
	}
	if intent.OrderID != 100 {
		t.Errorf("target = %d, want 100", intent.OrderID)
	}
	if !intent.PrevGets.Value.Equal(decimal.NewFromInt(60)) {
		t.Errorf("prior gets = %s, want 60", intent.PrevGets.Value)
	}
}

func TestClassifyTx_CreatedOnlyIsCreateFinalized(t *testing.T) {
	txm := offerCreateTx("TX3", 557, createdOffer(557))

	intent := ClassifyTx(txm, "rTaker")

	if intent.Type != IntentCreateFinalized {
		t.Fatalf("expected CREATE_FINALIZED, got %s", intent.Type)
	}
	if intent.OrderID != 557 {
		t.Errorf("target should be the transaction's own sequence, got %d", intent.OrderID)
	}
}

func TestClassifyTx_FirstMatchingDeltaWins(t *testing.T) {
	// A transaction touching two offers classifies only the first delta.
	txm := offerCreateTx("TX4", 558,
		modifiedOffer(100, "60", "30", "100"),
		deletedOffer(200, "10", "5"),
	)

	intent := ClassifyTx(txm, "rWallet")

	if intent.Type != IntentPartialFill || intent.OrderID != 100 {
		t.Fatalf("expected first delta (PARTIAL_FILL on 100), got %s on %d", intent.Type, intent.OrderID)
	}
}

func TestClassifyTx_ModifiedWithoutAmountChangeIsSkipped(t *testing.T) {
	// Bookkeeping-only modifications don't imply a fill.
	node := ledger.AffectedNode{ModifiedNode: &ledger.NodeDelta{
		LedgerEntryType: ledger.EntryOffer,
		FinalFields:     &ledger.OfferFields{Sequence: 100, TakerGets: amt("100"), TakerPays: amt("50")},
	}}
	txm := offerCreateTx("TX5", 559, node, createdOffer(559))

	intent := ClassifyTx(txm, "rTaker")

	if intent.Type != IntentCreateFinalized {
		t.Fatalf("expected CREATE_FINALIZED, got %s", intent.Type)
	}
}

func TestClassifyTx_OfferCancel(t *testing.T) {
	txm := ledger.TxWithMeta{
		Tx: ledger.Transaction{
			Hash:            "TX6",
			TransactionType: ledger.TxOfferCancel,
			Account:         "rWallet",
			Sequence:        600,
			OfferSequence:   200,
		},
		Meta:        ledger.Meta{TransactionResult: ledger.ResultSuccess},
		Validated:   true,
		LedgerIndex: 7001,
	}

	intent := ClassifyTx(txm, "rWallet")

	if intent.Type != IntentCancelFinalized {
		t.Fatalf("expected CANCEL_FINALIZED, got %s", intent.Type)
	}
	if intent.OrderID != 200 {
		t.Errorf("target should be the declared offer sequence, got %d", intent.OrderID)
	}
}

func TestClassifyTx_OtherTransactionTypesAreUnknown(t *testing.T) {
	txm := ledger.TxWithMeta{
		Tx:   ledger.Transaction{Hash: "TX7", TransactionType: "Payment", Sequence: 700},
		Meta: ledger.Meta{TransactionResult: ledger.ResultSuccess},
	}

	intent := ClassifyTx(txm, "rWallet")

	if intent.Type != IntentUnknown {
		t.Fatalf("expected UNKNOWN, got %s", intent.Type)
	}
	if intent.OrderID != 0 {
		t.Errorf("UNKNOWN intents carry no target id, got %d", intent.OrderID)
	}
}

func TestRemainingForSide(t *testing.T) {
	gets := amt("60")
	pays := amt("30")

	// A sell order's base amount still to give lives in TakerGets, a
	// buy order's base amount still to receive in TakerPays, no matter
	// which side crossed it.
	if got := remainingForSide(domain.TradeSell, gets, pays); !got.Equal(decimal.NewFromInt(60)) {
		t.Errorf("sell remaining = %s, want 60", got)
	}
	if got := remainingForSide(domain.TradeBuy, gets, pays); !got.Equal(decimal.NewFromInt(30)) {
		t.Errorf("buy remaining = %s, want 30", got)
	}
}

func TestClassifyTx_OtherAccountsOfferSkipped(t *testing.T) {
	// Offer sequences are scoped per account: a colliding sequence on
	// another wallet's offer must not produce an intent.
	node := deletedOffer(100, "60", "30")
	node.DeletedNode.FinalFields.Account = "rSomeoneElse"
	txm := offerCreateTx("TX8", 560, node)

	intent := ClassifyTx(txm, "rWallet")

	if intent.Type != IntentUnknown {
		t.Fatalf("expected UNKNOWN for a foreign offer delta, got %s", intent.Type)
	}
}

func TestClassifyTx_OwnedOfferDeltaStillClassified(t *testing.T) {
	node := modifiedOffer(100, "60", "30", "100")
	node.ModifiedNode.FinalFields.Account = "rWallet"
	txm := offerCreateTx("TX9", 561, node)

	intent := ClassifyTx(txm, "rWallet")

	if intent.Type != IntentPartialFill || intent.OrderID != 100 {
		t.Fatalf("expected PARTIAL_FILL on 100, got %s on %d", intent.Type, intent.OrderID)
	}
}

func TestClassifyTx_ForeignCancelIgnored(t *testing.T) {
	txm := ledger.TxWithMeta{
		Tx: ledger.Transaction{
			Hash:            "TX10",
			TransactionType: ledger.TxOfferCancel,
			Account:         "rSomeoneElse",
			Sequence:        700,
			OfferSequence:   100,
		},
		Meta:      ledger.Meta{TransactionResult: ledger.ResultSuccess},
		Validated: true,
	}

	intent := ClassifyTx(txm, "rWallet")

	if intent.Type != IntentUnknown {
		t.Fatalf("expected UNKNOWN for another account's cancel, got %s", intent.Type)
	}
}

func TestClassifyTx_ForeignCreateWithoutOurOffersIsUnknown(t *testing.T) {
	txm := offerCreateTx("TX11", 562, createdOffer(562))

	intent := ClassifyTx(txm, "rWallet")

	if intent.Type != IntentUnknown {
		t.Fatalf("another taker's untouching create should be UNKNOWN, got %s", intent.Type)
	}
	if intent.OrderID != 0 {
		t.Errorf("no target expected, got %d", intent.OrderID)
	}
}
