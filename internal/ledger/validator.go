package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/meridian-cbs/meridian/internal/gl"
)

// ValidateDebit decides whether a proposed debit may be committed against the
// supplied balance snapshot. Rules apply in order and the first failing rule
// wins:
//
//  1. amount above available balance is refused outright
//  2. liability accounts may never project below zero
//  3. asset accounts may project below zero only when overdraft-eligible
//
// The function is pure: it holds no reservation and performs no writes. A
// caller committing the debit later must re-validate inside the transaction
// that performs the write, or hold a row lock across both.
//
// For overdraft accounts the available balance already nets the credit limit,
// so no separate limit is consulted here.
func ValidateDebit(account Account, amount decimal.Decimal) (ValidationResult, error) {
	if amount.IsNegative() {
		return ValidationResult{}, ErrNegativeAmount
	}
	side, err := gl.Classify(account.GLNum)
	if err != nil {
		return ValidationResult{}, err
	}

	result := ValidationResult{
		AvailableBalance: account.AvailableBalance,
		RequestedAmount:  amount,
	}

	if amount.GreaterThan(account.AvailableBalance) {
		result.Reason = ReasonInsufficientBalance
		return result, nil
	}

	projected := account.AvailableBalance.Sub(amount)
	if projected.IsNegative() {
		switch side {
		case gl.SideLiability:
			result.Reason = ReasonNegativeLiabilityBalance
			return result, nil
		case gl.SideAsset:
			if !gl.IsOverdraftEligible(account.AccountNo) {
				result.Reason = ReasonNegativeAssetBalance
				return result, nil
			}
		}
	}

	result.Valid = true
	return result, nil
}
