// Package gl classifies accounts from their general-ledger numbering scheme.
package gl

import "errors"

// Side identifies which side of the balance sheet a GL number belongs to.
type Side string

const (
	SideLiability Side = "LIABILITY"
	SideAsset     Side = "ASSET"
)

// ErrUnclassifiableGL indicates a GL number outside the chart of accounts.
// This is a configuration defect, never a silently defaulted value.
var ErrUnclassifiableGL = errors.New("gl: unclassifiable gl number")

const (
	// productTypePos is the 1-based position in the account number that
	// encodes the product type.
	productTypePos = 9
	// productTypeOverdraft marks overdraft/credit-eligible products.
	productTypeOverdraft = '5'
)

// Classify resolves a GL number to its balance-sheet side. The leading digit
// carries the classification: 1 for liabilities, 2 for assets.
func Classify(glNum string) (Side, error) {
	if glNum == "" {
		return "", ErrUnclassifiableGL
	}
	switch glNum[0] {
	case '1':
		return SideLiability, nil
	case '2':
		return SideAsset, nil
	default:
		return "", ErrUnclassifiableGL
	}
}

// IsOverdraftEligible reports whether the account number encodes an
// overdraft/credit product. The contract is positional: only the character at
// productTypePos participates, so account-number format changes are absorbed
// here and nowhere else.
func IsOverdraftEligible(accountNo string) bool {
	if len(accountNo) < productTypePos {
		return false
	}
	return accountNo[productTypePos-1] == productTypeOverdraft
}

// IsCustomerAccount reports whether the GL number denotes a customer-owned
// account rather than an office account.
func IsCustomerAccount(glNum string) bool {
	return len(glNum) >= 2 && glNum[1] == '1'
}
