package report

import (
	"context"
	"fmt"
	"html/template"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Line is one GL row of the end-of-day report.
type Line struct {
	GLNum       string
	Side        string
	DebitTotal  decimal.Decimal
	CreditTotal decimal.Decimal
}

// Builder assembles the EOD report HTML from the stored data rows.
type Builder struct {
	pool    *pgxpool.Pool
	printer *message.Printer
}

// NewBuilder constructs a Builder.
func NewBuilder(pool *pgxpool.Pool) *Builder {
	return &Builder{
		pool:    pool,
		printer: message.NewPrinter(language.English),
	}
}

var reportTemplate = template.Must(template.New("eod").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>End of Day Report {{.Date}}</title></head>
<body>
<h1>End of Day Report &mdash; {{.Date}}</h1>
<table border="1" cellspacing="0" cellpadding="4">
<tr><th>GL Number</th><th>Side</th><th>Debits</th><th>Credits</th></tr>
{{range .Rows}}<tr><td>{{.GLNum}}</td><td>{{.Side}}</td><td align="right">{{.Debits}}</td><td align="right">{{.Credits}}</td></tr>
{{end}}<tr><th colspan="2">Total</th><th align="right">{{.TotalDebits}}</th><th align="right">{{.TotalCredits}}</th></tr>
</table>
</body>
</html>`))

type reportRow struct {
	GLNum   string
	Side    string
	Debits  string
	Credits string
}

type reportData struct {
	Date         string
	Rows         []reportRow
	TotalDebits  string
	TotalCredits string
}

// Lines loads the report data rows for a date.
func (b *Builder) Lines(ctx context.Context, date time.Time) ([]Line, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT gl_num, side, debit_total::text, credit_total::text
		FROM eod_reports
		WHERE report_date = $1
		ORDER BY gl_num`, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []Line
	for rows.Next() {
		var (
			line    Line
			debits  string
			credits string
		)
		if err := rows.Scan(&line.GLNum, &line.Side, &debits, &credits); err != nil {
			return nil, err
		}
		if line.DebitTotal, err = decimal.NewFromString(debits); err != nil {
			return nil, fmt.Errorf("report: parse debit total: %w", err)
		}
		if line.CreditTotal, err = decimal.NewFromString(credits); err != nil {
			return nil, fmt.Errorf("report: parse credit total: %w", err)
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// BuildHTML renders the report for a date as a standalone HTML document.
func (b *Builder) BuildHTML(ctx context.Context, date time.Time) (string, error) {
	lines, err := b.Lines(ctx, date)
	if err != nil {
		return "", err
	}
	return b.renderHTML(date, lines)
}

func (b *Builder) renderHTML(date time.Time, lines []Line) (string, error) {
	data := reportData{Date: date.UTC().Format("2006-01-02")}
	totalDebits := decimal.Zero
	totalCredits := decimal.Zero
	for _, line := range lines {
		data.Rows = append(data.Rows, reportRow{
			GLNum:   line.GLNum,
			Side:    line.Side,
			Debits:  b.formatAmount(line.DebitTotal),
			Credits: b.formatAmount(line.CreditTotal),
		})
		totalDebits = totalDebits.Add(line.DebitTotal)
		totalCredits = totalCredits.Add(line.CreditTotal)
	}
	data.TotalDebits = b.formatAmount(totalDebits)
	data.TotalCredits = b.formatAmount(totalCredits)

	var buf strings.Builder
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// formatAmount renders a two-decimal grouped amount from the decimal's own
// digits. Going through float64 would lose precision above 2^53.
func (b *Builder) formatAmount(d decimal.Decimal) string {
	fixed := d.Round(2).StringFixed(2)
	sign := ""
	if rest, ok := strings.CutPrefix(fixed, "-"); ok {
		sign, fixed = "-", rest
	}
	whole, frac, _ := strings.Cut(fixed, ".")
	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		// Past int64 the amount prints ungrouped rather than wrong.
		return sign + whole + "." + frac
	}
	return sign + b.printer.Sprintf("%d", units) + "." + frac
}
