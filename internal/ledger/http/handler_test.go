package ledgerhttp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridian-cbs/meridian/internal/gl"
	"github.com/meridian-cbs/meridian/internal/ledger"
)

type stubLedgerService struct {
	validateFn func(ctx context.Context, accountNo string, amount decimal.Decimal) (ledger.ValidationResult, error)
	postFn     func(ctx context.Context, in ledger.PostDebitInput) (ledger.ValidationResult, error)
}

func (s *stubLedgerService) ValidateDebit(ctx context.Context, accountNo string, amount decimal.Decimal) (ledger.ValidationResult, error) {
	return s.validateFn(ctx, accountNo, amount)
}

func (s *stubLedgerService) PostDebit(ctx context.Context, in ledger.PostDebitInput) (ledger.ValidationResult, error) {
	return s.postFn(ctx, in)
}

func newTestRouter(svc ledgerService) chi.Router {
	handler := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), svc)
	r := chi.NewRouter()
	handler.MountRoutes(r)
	return r
}

func postJSON(router chi.Router, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestValidateDebitRejectionEchoesReason(t *testing.T) {
	svc := &stubLedgerService{
		validateFn: func(ctx context.Context, accountNo string, amount decimal.Decimal) (ledger.ValidationResult, error) {
			require.Equal(t, "0100000012345678", accountNo)
			require.True(t, amount.Equal(decimal.RequireFromString("600.00")))
			return ledger.ValidationResult{
				Reason:           ledger.ReasonInsufficientBalance,
				AvailableBalance: decimal.RequireFromString("500.00"),
				RequestedAmount:  amount,
			}, nil
		},
	}
	router := newTestRouter(svc)

	rr := postJSON(router, "/ledger/validate-debit", `{"accountNo":"0100000012345678","amount":"600.00"}`)
	require.Equal(t, http.StatusOK, rr.Code, "a rejection is a routine answer, not an error status")

	var resp validationResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.False(t, resp.IsValid)
	require.Equal(t, "INSUFFICIENT_BALANCE", resp.Reason)
	require.Equal(t, "500", resp.AvailableBalance)
	require.Equal(t, "600", resp.RequestedAmount)
}

func TestValidateDebitValidOmitsReason(t *testing.T) {
	svc := &stubLedgerService{
		validateFn: func(ctx context.Context, accountNo string, amount decimal.Decimal) (ledger.ValidationResult, error) {
			return ledger.ValidationResult{
				Valid:            true,
				AvailableBalance: decimal.RequireFromString("1000.00"),
				RequestedAmount:  amount,
			}, nil
		},
	}
	router := newTestRouter(svc)

	rr := postJSON(router, "/ledger/validate-debit", `{"accountNo":"0100000012345678","amount":"100.00"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NotContains(t, rr.Body.String(), `"reason"`)
}

func TestPostDebitPassesActor(t *testing.T) {
	var got ledger.PostDebitInput
	svc := &stubLedgerService{
		postFn: func(ctx context.Context, in ledger.PostDebitInput) (ledger.ValidationResult, error) {
			got = in
			return ledger.ValidationResult{Valid: true}, nil
		},
	}
	router := newTestRouter(svc)

	rr := postJSON(router, "/ledger/debits",
		`{"accountNo":"0100000012345678","amount":"25.00","narrative":"fee reversal","userId":"teller-7"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "teller-7", got.Actor)
	require.Equal(t, "fee reversal", got.Narrative)
}

func TestPostDebitRequiresUserID(t *testing.T) {
	svc := &stubLedgerService{}
	router := newTestRouter(svc)

	rr := postJSON(router, "/ledger/debits", `{"accountNo":"0100000012345678","amount":"25.00"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestDebitErrorMapping(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"account missing", ledger.ErrAccountNotFound, http.StatusNotFound},
		{"negative amount", ledger.ErrNegativeAmount, http.StatusBadRequest},
		{"bad gl config", gl.ErrUnclassifiableGL, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubLedgerService{
				validateFn: func(ctx context.Context, accountNo string, amount decimal.Decimal) (ledger.ValidationResult, error) {
					return ledger.ValidationResult{}, tc.err
				},
			}
			router := newTestRouter(svc)
			rr := postJSON(router, "/ledger/validate-debit", `{"accountNo":"0100000012345678","amount":"1.00"}`)
			require.Equal(t, tc.wantCode, rr.Code)
		})
	}
}

func TestDebitBadAmount(t *testing.T) {
	router := newTestRouter(&stubLedgerService{})
	rr := postJSON(router, "/ledger/validate-debit", `{"accountNo":"0100000012345678","amount":"ten"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}
