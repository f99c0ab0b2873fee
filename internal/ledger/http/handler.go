// Package ledgerhttp exposes the debit validation and posting endpoints used
// by teller-facing clients. Validation mirrors the library call exactly so
// the UI can preview a rejection before attempting to post.
package ledgerhttp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/meridian-cbs/meridian/internal/gl"
	"github.com/meridian-cbs/meridian/internal/ledger"
	"github.com/meridian-cbs/meridian/internal/platform/httpx"
)

const (
	postRateLimit = 60
	postRateWin   = time.Minute
)

type ledgerService interface {
	ValidateDebit(ctx context.Context, accountNo string, amount decimal.Decimal) (ledger.ValidationResult, error)
	PostDebit(ctx context.Context, in ledger.PostDebitInput) (ledger.ValidationResult, error)
}

// Handler wires HTTP endpoints for debit validation and posting.
type Handler struct {
	logger   *slog.Logger
	service  ledgerService
	validate *validator.Validate
}

// NewHandler constructs a ledger HTTP handler.
func NewHandler(logger *slog.Logger, service ledgerService) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		validate: validator.New(),
	}
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/ledger", func(r chi.Router) {
		r.Post("/validate-debit", h.validateDebit)
		r.Group(func(r chi.Router) {
			r.Use(httprate.Limit(postRateLimit, postRateWin, httprate.WithKeyFuncs(httprate.KeyByIP)))
			r.Post("/debits", h.postDebit)
		})
	})
}

type debitRequest struct {
	AccountNo string `json:"accountNo" validate:"required"`
	Amount    string `json:"amount" validate:"required"`
	Narrative string `json:"narrative"`
	UserID    string `json:"userId"`
}

type validationResponse struct {
	IsValid          bool   `json:"isValid"`
	Reason           string `json:"reason,omitempty"`
	AvailableBalance string `json:"availableBalance"`
	RequestedAmount  string `json:"requestedAmount"`
}

func (h *Handler) validateDebit(w http.ResponseWriter, r *http.Request) {
	req, amount, ok := h.decodeDebit(w, r)
	if !ok {
		return
	}
	result, err := h.service.ValidateDebit(r.Context(), req.AccountNo, amount)
	if err != nil {
		h.respondDebitError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, buildValidationResponse(result))
}

func (h *Handler) postDebit(w http.ResponseWriter, r *http.Request) {
	req, amount, ok := h.decodeDebit(w, r)
	if !ok {
		return
	}
	if req.UserID == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "userId is required")
		return
	}
	result, err := h.service.PostDebit(r.Context(), ledger.PostDebitInput{
		AccountNo: req.AccountNo,
		Amount:    amount,
		Narrative: req.Narrative,
		Actor:     req.UserID,
	})
	if err != nil {
		h.respondDebitError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, buildValidationResponse(result))
}

func (h *Handler) decodeDebit(w http.ResponseWriter, r *http.Request) (debitRequest, decimal.Decimal, bool) {
	var req debitRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request body")
		return req, decimal.Decimal{}, false
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "accountNo and amount are required")
		return req, decimal.Decimal{}, false
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "amount must be a decimal number")
		return req, decimal.Decimal{}, false
	}
	return req, amount, true
}

func (h *Handler) respondDebitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ledger.ErrNegativeAmount):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, gl.ErrUnclassifiableGL):
		// Configuration defect: the account's GL number is outside the
		// chart of accounts. Operator intervention required.
		h.logger.Error("unclassifiable gl number", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Configuration Error", err.Error())
	default:
		h.logger.Error("debit request", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func buildValidationResponse(result ledger.ValidationResult) validationResponse {
	return validationResponse{
		IsValid:          result.Valid,
		Reason:           string(result.Reason),
		AvailableBalance: result.AvailableBalance.String(),
		RequestedAmount:  result.RequestedAmount.String(),
	}
}
