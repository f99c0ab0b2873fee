package report

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-cbs/meridian/internal/platform/httpx"
)

// Handler serves the rendered EOD report documents. The download is a side
// channel: availability lags the reports job by however long rendering took.
type Handler struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewHandler constructs a report download handler.
func NewHandler(pool *pgxpool.Pool, logger *slog.Logger) *Handler {
	return &Handler{pool: pool, logger: logger}
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/eod/reports/{date}", h.download)
}

func (h *Handler) download(w http.ResponseWriter, r *http.Request) {
	date, err := time.Parse("2006-01-02", chi.URLParam(r, "date"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "date must be YYYY-MM-DD")
		return
	}

	var (
		contentType string
		document    []byte
	)
	err = h.pool.QueryRow(r.Context(), `
		SELECT content_type, document FROM eod_report_documents WHERE report_date = $1`,
		date).Scan(&contentType, &document)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpx.RespondError(w, fmt.Errorf("%w: report not yet rendered for this date", httpx.ErrNotFound))
			return
		}
		h.logger.Error("load eod report", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="eod-`+date.Format("2006-01-02")+`.pdf"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(document)
}
