package eod

import (
	"context"
	"log/slog"
	"time"

	"github.com/meridian-cbs/meridian/internal/shared"
)

// DateController owns the ledger's business date. The date moves forward
// exactly one calendar day per completed cycle and is never rolled back
// automatically.
type DateController struct {
	store  Store
	audit  *shared.AuditLogger
	logger *slog.Logger
}

// NewDateController constructs a DateController.
func NewDateController(store Store, audit *shared.AuditLogger, logger *slog.Logger) *DateController {
	return &DateController{store: store, audit: audit, logger: logger}
}

// Current returns the ledger's business date.
func (c *DateController) Current(ctx context.Context) (time.Time, error) {
	return c.store.CurrentDate(ctx)
}

// Advance moves the business date past the completed cycle and opens fresh
// PENDING runs for the new date. Calling it twice for the same cycle fails
// with ErrAlreadyAdvanced and leaves the date untouched.
func (c *DateController) Advance(ctx context.Context, from time.Time, actor string) (time.Time, error) {
	next, err := c.store.AdvanceDate(ctx, from)
	if err != nil {
		return time.Time{}, err
	}
	if c.logger != nil {
		c.logger.Info("business date advanced",
			slog.String("from", from.Format(DateLayout)),
			slog.String("to", next.Format(DateLayout)))
	}
	if c.audit != nil {
		if err := c.audit.Record(ctx, shared.AuditLog{
			Actor:    actor,
			Action:   "eod.date.advanced",
			Entity:   "system_date",
			EntityID: next.Format(DateLayout),
			Meta:     map[string]any{"from": from.Format(DateLayout)},
		}); err != nil && c.logger != nil {
			c.logger.Warn("audit date advance", slog.Any("error", err))
		}
	}
	return next, nil
}

// DateLayout is the civil date format used on the wire and in audit rows.
const DateLayout = "2006-01-02"
