// Package ledger holds the account model and the balance integrity rules
// every debit posting must satisfy.
package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Account is a balance snapshot of a customer or office account.
type Account struct {
	AccountNo        string
	GLNum            string
	CurrencyCode     string
	CurrentBalance   decimal.Decimal
	AvailableBalance decimal.Decimal
	UpdatedAt        time.Time
}

// DebitRequest is a transient request to validate a proposed debit. It is
// created per validation call and never persisted.
type DebitRequest struct {
	Account Account
	Amount  decimal.Decimal
}

// RejectReason enumerates why a proposed debit was refused.
type RejectReason string

const (
	ReasonInsufficientBalance      RejectReason = "INSUFFICIENT_BALANCE"
	ReasonNegativeLiabilityBalance RejectReason = "NEGATIVE_LIABILITY_BALANCE"
	ReasonNegativeAssetBalance     RejectReason = "NEGATIVE_ASSET_BALANCE"
)

// ValidationResult is the immutable outcome of a debit validation. Reason is
// set only when Valid is false. A rejection is a routine negative answer for
// the caller to display, not an error.
type ValidationResult struct {
	Valid            bool
	Reason           RejectReason
	AvailableBalance decimal.Decimal
	RequestedAmount  decimal.Decimal
}

// Entry is a posted ledger movement retained for audit.
type Entry struct {
	ID        int64
	AccountNo string
	Amount    decimal.Decimal
	Direction string
	Narrative string
	PostedBy  string
	PostedAt  time.Time
}

// ErrAccountNotFound indicates the account number is unknown.
var ErrAccountNotFound = errors.New("ledger: account not found")

// ErrNegativeAmount indicates a debit request with a negative amount.
var ErrNegativeAmount = errors.New("ledger: amount must not be negative")
