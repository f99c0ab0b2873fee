package ledger

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian-cbs/meridian/internal/shared"
)

// Service exposes debit validation and the live posting path.
type Service struct {
	repo   Repository
	audit  *shared.AuditLogger
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs a Service instance.
func NewService(repo Repository, audit *shared.AuditLogger, logger *slog.Logger) *Service {
	return &Service{
		repo:   repo,
		audit:  audit,
		logger: logger,
		now:    time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// PostDebitInput bundles parameters for committing a debit.
type PostDebitInput struct {
	AccountNo string
	Amount    decimal.Decimal
	Narrative string
	Actor     string
}

// Validate ensures the posting input is coherent.
func (in PostDebitInput) Validate() error {
	if strings.TrimSpace(in.AccountNo) == "" {
		return errors.New("ledger: account number required")
	}
	if in.Amount.IsNegative() {
		return ErrNegativeAmount
	}
	if strings.TrimSpace(in.Actor) == "" {
		return errors.New("ledger: actor required")
	}
	return nil
}

// ValidateDebit loads the account snapshot and runs the balance rules. It is
// a read-only check for display purposes; the answer may go stale the moment
// it is returned.
func (s *Service) ValidateDebit(ctx context.Context, accountNo string, amount decimal.Decimal) (ValidationResult, error) {
	account, err := s.repo.GetAccount(ctx, accountNo)
	if err != nil {
		return ValidationResult{}, err
	}
	return ValidateDebit(account, amount)
}

// PostDebit commits a debit after re-validating against a locked account row,
// closing the gap between check and commit. A failed rule returns the
// rejection in the result; only infrastructure problems surface as errors.
func (s *Service) PostDebit(ctx context.Context, in PostDebitInput) (ValidationResult, error) {
	if err := in.Validate(); err != nil {
		return ValidationResult{}, err
	}
	var (
		result  ValidationResult
		entryID int64
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		account, err := tx.GetAccountForUpdate(ctx, in.AccountNo)
		if err != nil {
			return err
		}
		result, err = ValidateDebit(account, in.Amount)
		if err != nil {
			return err
		}
		if !result.Valid {
			return nil
		}
		if err := tx.ApplyDebit(ctx, in.AccountNo, in.Amount); err != nil {
			return err
		}
		entryID, err = tx.InsertEntry(ctx, Entry{
			AccountNo: in.AccountNo,
			Amount:    in.Amount,
			Direction: "DR",
			Narrative: in.Narrative,
			PostedBy:  in.Actor,
			PostedAt:  s.now(),
		})
		return err
	})
	if err != nil {
		return ValidationResult{}, err
	}
	if result.Valid && s.audit != nil {
		if err := s.audit.Record(ctx, shared.AuditLog{
			Actor:    in.Actor,
			Action:   "ledger.debit.posted",
			Entity:   "ledger_entry",
			EntityID: strconv.FormatInt(entryID, 10),
			Meta: map[string]any{
				"account_no": in.AccountNo,
				"amount":     in.Amount.String(),
			},
			At: s.now(),
		}); err != nil && s.logger != nil {
			s.logger.Warn("audit debit posting", slog.Any("error", err))
		}
	}
	return result, nil
}
