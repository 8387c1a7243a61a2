package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Transaction types that carry order-lifecycle intents.
const (
	TxOfferCreate = "OfferCreate"
	TxOfferCancel = "OfferCancel"
)

// Ledger entry type of a resting order object.
const EntryOffer = "Offer"

// ResultSuccess is the successful-apply engine result: the transaction
// was applied as intended, not merely included.
const ResultSuccess = "tesSUCCESS"

// IsSuccess reports whether the result code indicates a successful apply.
func IsSuccess(code string) bool {
	return code == ResultSuccess
}

// IsOfferDead reports whether the result code means the offer died
// without matching: unfunded at apply time, expired, or killed.
func IsOfferDead(code string) bool {
	switch code {
	case "tecUNFUNDED_OFFER", "tecEXPIRED", "tecKILLED":
		return true
	}
	return false
}

// IsFailed reports whether a returned result code is any failed apply
// other than the offer-dead family.
func IsFailed(code string) bool {
	return code != "" && !IsSuccess(code) && !IsOfferDead(code)
}

// Amount is a normalized ledger amount. Native amounts arrive on the
// wire as a bare drops string, issued amounts as an object; both decode
// into this struct.
type Amount struct {
	Currency string          `json:"currency"`
	Issuer   string          `json:"issuer,omitempty"`
	Value    decimal.Decimal `json:"value"`
}

const nativeCurrency = "XRP"

// dropsPerNative converts native integer drops to whole units.
var dropsPerNative = decimal.New(1, 6)

func (a *Amount) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "\"") {
		var drops string
		if err := json.Unmarshal(data, &drops); err != nil {
			return err
		}
		v, err := decimal.NewFromString(drops)
		if err != nil {
			return fmt.Errorf("invalid native amount %q: %w", drops, err)
		}
		a.Currency = nativeCurrency
		a.Issuer = ""
		a.Value = v.Div(dropsPerNative)
		return nil
	}

	var obj struct {
		Currency string `json:"currency"`
		Issuer   string `json:"issuer"`
		Value    string `json:"value"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	v, err := decimal.NewFromString(obj.Value)
	if err != nil {
		return fmt.Errorf("invalid issued amount %q: %w", obj.Value, err)
	}
	a.Currency = obj.Currency
	a.Issuer = obj.Issuer
	a.Value = v
	return nil
}

func (a Amount) MarshalJSON() ([]byte, error) {
	if a.Currency == nativeCurrency && a.Issuer == "" {
		return json.Marshal(a.Value.Mul(dropsPerNative).StringFixed(0))
	}
	return json.Marshal(struct {
		Currency string `json:"currency"`
		Issuer   string `json:"issuer,omitempty"`
		Value    string `json:"value"`
	}{a.Currency, a.Issuer, a.Value.String()})
}

// IsZero reports whether the amount carries no value (absent field).
func (a Amount) IsZero() bool {
	return a.Currency == "" && a.Value.IsZero()
}

// Transaction is the submitted side of a ledger transaction, as
// returned by tx/account_tx and delivered on the subscription stream.
type Transaction struct {
	Hash            string `json:"hash"`
	TransactionType string `json:"TransactionType"`
	Account         string `json:"Account"`
	Sequence        int64  `json:"Sequence"`
	// OfferSequence is the offer being cancelled on OfferCancel.
	OfferSequence int64  `json:"OfferSequence,omitempty"`
	TakerGets     Amount `json:"TakerGets,omitempty"`
	TakerPays     Amount `json:"TakerPays,omitempty"`
	Flags         uint32 `json:"Flags,omitempty"`
	// Date is seconds since the ledger epoch (2000-01-01 UTC).
	Date int64 `json:"date,omitempty"`
}

// OfferFields are the order-relevant fields of an offer ledger object
// inside an AffectedNodes delta.
type OfferFields struct {
	Account   string `json:"Account,omitempty"`
	Sequence  int64  `json:"Sequence,omitempty"`
	TakerGets Amount `json:"TakerGets,omitempty"`
	TakerPays Amount `json:"TakerPays,omitempty"`
}

// NodeDelta is the record of one ledger object created, modified or
// deleted by a transaction, with its before/after field values.
type NodeDelta struct {
	LedgerEntryType string       `json:"LedgerEntryType"`
	LedgerIndex     string       `json:"LedgerIndex,omitempty"`
	NewFields       *OfferFields `json:"NewFields,omitempty"`
	FinalFields     *OfferFields `json:"FinalFields,omitempty"`
	PreviousFields  *OfferFields `json:"PreviousFields,omitempty"`
}

// AffectedNode wraps one delta; exactly one of the three is set.
type AffectedNode struct {
	CreatedNode  *NodeDelta `json:"CreatedNode,omitempty"`
	ModifiedNode *NodeDelta `json:"ModifiedNode,omitempty"`
	DeletedNode  *NodeDelta `json:"DeletedNode,omitempty"`
}

// Meta is the application metadata of a validated transaction.
type Meta struct {
	AffectedNodes     []AffectedNode `json:"AffectedNodes"`
	TransactionResult string         `json:"TransactionResult"`
}

// TxWithMeta pairs a transaction with its metadata and the ledger it
// validated in.
type TxWithMeta struct {
	Tx          Transaction `json:"tx"`
	Meta        Meta        `json:"meta"`
	Validated   bool        `json:"validated"`
	LedgerIndex int64       `json:"ledger_index"`
}

// ledgerEpoch is 2000-01-01T00:00:00 UTC, the zero of on-ledger time.
var ledgerEpoch = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// CloseTime converts an on-ledger date to wall time.
func CloseTime(date int64) time.Time {
	if date == 0 {
		return time.Time{}
	}
	return ledgerEpoch.Add(time.Duration(date) * time.Second)
}
