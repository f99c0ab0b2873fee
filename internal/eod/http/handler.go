// Package eodhttp exposes the EOD pipeline status and execution endpoints
// consumed by the operations UI. The response shapes are a fixed contract:
// the UI is a pure renderer of server-reported state.
package eodhttp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/singleflight"

	"github.com/meridian-cbs/meridian/internal/eod"
	"github.com/meridian-cbs/meridian/internal/platform/cache"
	"github.com/meridian-cbs/meridian/internal/platform/httpx"
	"github.com/meridian-cbs/meridian/internal/shared"
)

const (
	statusCacheKey   = "eod:status"
	executeRateLimit = 30
	executeRateWin   = time.Minute
)

type eodService interface {
	Status(ctx context.Context) (eod.StatusSnapshot, error)
	Execute(ctx context.Context, jobNumber int, actor string) (eod.ExecuteResult, error)
}

// Handler wires HTTP endpoints for the EOD cycle.
type Handler struct {
	logger      *slog.Logger
	service     eodService
	statusCache *cache.Snapshot
	idempotency *shared.IdempotencyStore
	validate    *validator.Validate
	group       singleflight.Group
}

// NewHandler constructs an EOD HTTP handler. Cache and idempotency store may
// be nil; the handler degrades to uncached, unguarded behaviour.
func NewHandler(logger *slog.Logger, service eodService, statusCache *cache.Snapshot, idempotency *shared.IdempotencyStore) *Handler {
	return &Handler{
		logger:      logger,
		service:     service,
		statusCache: statusCache,
		idempotency: idempotency,
		validate:    validator.New(),
	}
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/eod", func(r chi.Router) {
		r.Get("/status", h.status)
		r.Group(func(r chi.Router) {
			r.Use(httprate.Limit(executeRateLimit, executeRateWin, httprate.WithKeyFuncs(httprate.KeyByIP)))
			r.Post("/jobs/{jobNumber}/execute", h.execute)
		})
	})
}

type jobStatusResponse struct {
	JobNumber        int    `json:"jobNumber"`
	JobName          string `json:"jobName"`
	Status           string `json:"status"`
	ExecutionTime    string `json:"executionTime,omitempty"`
	RecordsProcessed int64  `json:"recordsProcessed"`
	ErrorMessage     string `json:"errorMessage,omitempty"`
	CanExecute       bool   `json:"canExecute"`
}

type statusResponse struct {
	SystemDate string              `json:"systemDate"`
	Jobs       []jobStatusResponse `json:"jobs"`
}

type executeRequest struct {
	UserID string `json:"userId" validate:"required"`
}

type executeResponse struct {
	Success          bool   `json:"success"`
	JobName          string `json:"jobName"`
	RecordsProcessed int64  `json:"recordsProcessed"`
	Message          string `json:"message"`
	SystemDate       string `json:"systemDate"`
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	if payload, ok := h.statusCache.Get(r.Context(), statusCacheKey); ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload)
		return
	}

	// Collapse concurrent polls into one snapshot build.
	resultCh := h.group.DoChan(statusCacheKey, func() (any, error) {
		snapshot, err := h.service.Status(context.WithoutCancel(r.Context()))
		if err != nil {
			return nil, err
		}
		return json.Marshal(buildStatusResponse(snapshot))
	})
	select {
	case <-r.Context().Done():
		httpx.Problem(w, http.StatusServiceUnavailable, "Request Cancelled", "")
		return
	case res := <-resultCh:
		if res.Err != nil {
			h.logger.Error("eod status", slog.Any("error", res.Err))
			httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
			return
		}
		payload := res.Val.([]byte)
		if err := h.statusCache.Set(r.Context(), statusCacheKey, payload); err != nil {
			h.logger.Warn("cache eod status", slog.Any("error", err))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload)
	}
}

func (h *Handler) execute(w http.ResponseWriter, r *http.Request) {
	jobNumber, err := strconv.Atoi(chi.URLParam(r, "jobNumber"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "job number must be numeric")
		return
	}

	var req executeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "userId is required")
		return
	}

	idemKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if idemKey != "" && h.idempotency != nil {
		if err := h.idempotency.CheckAndInsert(r.Context(), idemKey, "eod"); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				httpx.Problem(w, http.StatusConflict, "Duplicate Request", "this execution was already submitted")
				return
			}
			h.logger.Error("idempotency check", slog.Any("error", err))
			httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
			return
		}
	}

	result, err := h.service.Execute(r.Context(), jobNumber, req.UserID)
	if err != nil {
		// Release the key so the operator can retry once the gate opens.
		if idemKey != "" && h.idempotency != nil {
			if delErr := h.idempotency.Delete(r.Context(), idemKey); delErr != nil {
				h.logger.Warn("release idempotency key", slog.Any("error", delErr))
			}
		}
		switch {
		case errors.Is(err, eod.ErrUnknownJob):
			httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
		case errors.Is(err, eod.ErrGateNotSatisfied), errors.Is(err, eod.ErrInvalidTransition):
			httpx.Problem(w, http.StatusConflict, "Gate Not Satisfied", err.Error())
		default:
			h.logger.Error("execute eod job", slog.Int("job", jobNumber), slog.Any("error", err))
			httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		}
		return
	}

	if err := h.statusCache.Invalidate(r.Context(), statusCacheKey); err != nil {
		h.logger.Warn("invalidate status cache", slog.Any("error", err))
	}

	httpx.JSON(w, http.StatusOK, executeResponse{
		Success:          result.Success,
		JobName:          result.JobName,
		RecordsProcessed: result.RecordsProcessed,
		Message:          result.Message,
		SystemDate:       result.SystemDate.Format(eod.DateLayout),
	})
}

func buildStatusResponse(snapshot eod.StatusSnapshot) statusResponse {
	resp := statusResponse{
		SystemDate: snapshot.SystemDate.Format(eod.DateLayout),
		Jobs:       make([]jobStatusResponse, 0, len(snapshot.Jobs)),
	}
	for _, job := range snapshot.Jobs {
		row := jobStatusResponse{
			JobNumber:        job.JobNumber,
			JobName:          job.JobName,
			Status:           string(job.Status),
			RecordsProcessed: job.RecordsProcessed,
			ErrorMessage:     job.ErrorMessage,
			CanExecute:       job.CanExecute,
		}
		if job.ExecutedAt != nil {
			row.ExecutionTime = job.ExecutedAt.UTC().Format(time.RFC3339)
		}
		resp.Jobs = append(resp.Jobs, row)
	}
	return resp
}
