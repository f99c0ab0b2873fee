package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-cbs/meridian/internal/eod"
	"github.com/meridian-cbs/meridian/report"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeRenderEODReport renders the completed day's report to PDF.
	TaskTypeRenderEODReport = "report:render_eod"
)

// RenderEODReportPayload identifies the processing date to render.
type RenderEODReportPayload struct {
	ProcessingDate string `json:"processing_date"`
}

// NewRenderEODReportTask constructs an Asynq task.
func NewRenderEODReportTask(payload RenderEODReportPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeRenderEODReport, data), nil
}

// Scheduler enqueues report rendering after the reports job completes. It
// implements the orchestrator's ReportScheduler port.
type Scheduler struct {
	client *asynq.Client
}

// NewScheduler wraps an asynq client.
func NewScheduler(client *asynq.Client) *Scheduler {
	return &Scheduler{client: client}
}

// ScheduleRender enqueues the render task for the given date.
func (s *Scheduler) ScheduleRender(ctx context.Context, date time.Time) error {
	task, err := NewRenderEODReportTask(RenderEODReportPayload{
		ProcessingDate: date.UTC().Format(eod.DateLayout),
	})
	if err != nil {
		return err
	}
	_, err = s.client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault), asynq.MaxRetry(3))
	return err
}

// RenderEODReportJob processes TaskTypeRenderEODReport tasks: it builds the
// report HTML from the stored data rows, renders it to PDF, and stores the
// document. Rendering is best effort relative to the EOD cycle; a failure
// here never reopens the reports job.
type RenderEODReportJob struct {
	pool    *pgxpool.Pool
	builder *report.Builder
	client  *report.Client
	logger  *slog.Logger
}

// NewRenderEODReportJob constructs the handler.
func NewRenderEODReportJob(pool *pgxpool.Pool, builder *report.Builder, client *report.Client, logger *slog.Logger) *RenderEODReportJob {
	return &RenderEODReportJob{pool: pool, builder: builder, client: client, logger: logger}
}

// Handle renders and stores the PDF for the payload's date.
func (j *RenderEODReportJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload RenderEODReportPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	date, err := time.Parse(eod.DateLayout, payload.ProcessingDate)
	if err != nil {
		return asynq.SkipRetry
	}

	html, err := j.builder.BuildHTML(ctx, date)
	if err != nil {
		return err
	}
	pdf, err := j.client.RenderHTML(ctx, html)
	if err != nil {
		return err
	}
	if _, err := j.pool.Exec(ctx, `
		INSERT INTO eod_report_documents (report_date, content_type, document)
		VALUES ($1, 'application/pdf', $2)
		ON CONFLICT (report_date) DO UPDATE SET document = EXCLUDED.document, rendered_at = NOW()`,
		dateParam(date), pdf); err != nil {
		return err
	}
	if j.logger != nil {
		j.logger.Info("eod report rendered",
			slog.String("date", payload.ProcessingDate),
			slog.Int("bytes", len(pdf)))
	}
	return nil
}
