package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridian-cbs/meridian/internal/gl"
)

func liabilityAccount(available string) Account {
	return Account{
		AccountNo:        "0100000012345678",
		GLNum:            "110200031",
		CurrencyCode:     "USD",
		CurrentBalance:   decimal.RequireFromString(available),
		AvailableBalance: decimal.RequireFromString(available),
	}
}

func assetAccount(available string, overdraft bool) Account {
	accountNo := "0200000087654321"
	if overdraft {
		accountNo = "0200000054321987"
	}
	return Account{
		AccountNo:        accountNo,
		GLNum:            "204300011",
		CurrencyCode:     "USD",
		CurrentBalance:   decimal.RequireFromString(available),
		AvailableBalance: decimal.RequireFromString(available),
	}
}

func TestValidateDebitLiabilityBoundary(t *testing.T) {
	account := liabilityAccount("1000.00")

	result, err := ValidateDebit(account, decimal.RequireFromString("1000.00"))
	require.NoError(t, err)
	require.True(t, result.Valid, "projected zero balance must be allowed")
	require.Empty(t, result.Reason)

	result, err = ValidateDebit(account, decimal.RequireFromString("1000.01"))
	require.NoError(t, err)
	require.False(t, result.Valid)
	require.Equal(t, ReasonInsufficientBalance, result.Reason,
		"the available-balance check fires before the projection rules")
}

func TestValidateDebitRuleOrdering(t *testing.T) {
	// 600 over 500 trips both the insufficient-balance check and the
	// negative-projection rule; the first rule must win.
	account := assetAccount("500.00", false)

	result, err := ValidateDebit(account, decimal.RequireFromString("600.00"))
	require.NoError(t, err)
	require.False(t, result.Valid)
	require.Equal(t, ReasonInsufficientBalance, result.Reason)
}

func TestValidateDebitInsufficientRegardlessOfType(t *testing.T) {
	amount := decimal.RequireFromString("10.00")
	for _, account := range []Account{
		liabilityAccount("5.00"),
		assetAccount("5.00", false),
		assetAccount("5.00", true),
	} {
		result, err := ValidateDebit(account, amount)
		require.NoError(t, err)
		require.False(t, result.Valid)
		require.Equal(t, ReasonInsufficientBalance, result.Reason)
	}
}

func TestValidateDebitOverdraftWithinLimit(t *testing.T) {
	// For overdraft products the available balance already nets the
	// credit line, so a debit past the current balance is still valid as
	// long as it stays within the available headroom.
	account := assetAccount("600.00", true)
	account.CurrentBalance = decimal.RequireFromString("100.00")

	result, err := ValidateDebit(account, decimal.RequireFromString("550.00"))
	require.NoError(t, err)
	require.True(t, result.Valid)
}

func TestValidateDebitOverdraftExhausted(t *testing.T) {
	account := assetAccount("0.00", true)

	result, err := ValidateDebit(account, decimal.RequireFromString("5000.00"))
	require.NoError(t, err)
	require.False(t, result.Valid)
	require.Equal(t, ReasonInsufficientBalance, result.Reason)
}

func TestValidateDebitResultEchoesInputs(t *testing.T) {
	account := liabilityAccount("250.50")
	amount := decimal.RequireFromString("300.00")

	result, err := ValidateDebit(account, amount)
	require.NoError(t, err)
	require.False(t, result.Valid)
	require.True(t, result.AvailableBalance.Equal(account.AvailableBalance))
	require.True(t, result.RequestedAmount.Equal(amount))
}

func TestValidateDebitNegativeAmount(t *testing.T) {
	_, err := ValidateDebit(liabilityAccount("100.00"), decimal.RequireFromString("-1.00"))
	require.ErrorIs(t, err, ErrNegativeAmount)
}

func TestValidateDebitUnclassifiableGL(t *testing.T) {
	account := liabilityAccount("100.00")
	account.GLNum = "910200031"

	_, err := ValidateDebit(account, decimal.RequireFromString("1.00"))
	require.ErrorIs(t, err, gl.ErrUnclassifiableGL)
}

func TestValidateDebitZeroAmount(t *testing.T) {
	result, err := ValidateDebit(assetAccount("0.00", false), decimal.Zero)
	require.NoError(t, err)
	require.True(t, result.Valid)
}
