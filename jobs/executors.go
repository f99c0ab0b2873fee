// Package jobs provides the concrete executors behind the EOD registry
// bindings plus the asynq plumbing for deferred report rendering.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/meridian-cbs/meridian/internal/eod"
	"github.com/meridian-cbs/meridian/internal/ledger"
	"github.com/meridian-cbs/meridian/internal/platform/db"
)

// Executors owns the database-backed accounting work invoked by the
// orchestrator. Every executor is idempotent for a given processing date: a
// retry after a mid-run crash re-derives the same end state.
type Executors struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewExecutors constructs the executor set.
func NewExecutors(pool *pgxpool.Pool, logger *slog.Logger) *Executors {
	return &Executors{pool: pool, logger: logger}
}

// Map binds each registry binding to its executor.
func (e *Executors) Map() map[string]eod.Executor {
	return map[string]eod.Executor{
		eod.BindingPostTransactions:  eod.ExecutorFunc(e.PostDatedTransactions),
		eod.BindingRecomputeBalances: eod.ExecutorFunc(e.RecomputeBalances),
		eod.BindingAccrueInterest:    eod.ExecutorFunc(e.AccrueInterest),
		eod.BindingApplyCharges:      eod.ExecutorFunc(e.ApplyCharges),
		eod.BindingRollGL:            eod.ExecutorFunc(e.RollGeneralLedger),
		eod.BindingValidateGL:        eod.ExecutorFunc(e.ValidateGLIntegrity),
		eod.BindingBuildStatements:   eod.ExecutorFunc(e.BuildStatements),
		eod.BindingGenerateReports:   eod.ExecutorFunc(e.GenerateReports),
		eod.BindingAdvanceDate:       eod.ExecutorFunc(e.SealLedgerDay),
	}
}

// PostDatedTransactions posts every transaction queued for the processing
// date. Debits pass through the balance validator against the running balance
// the batch has produced so far, seeded from the locked account rows; rejected
// transactions are marked with the rejection reason and do not move money.
func (e *Executors) PostDatedTransactions(ctx context.Context, date time.Time) (int64, error) {
	var posted int64
	err := db.WithTx(ctx, e.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT t.id, t.account_no, t.amount::text, t.direction, t.narrative,
			       a.gl_num, a.current_balance::text, a.available_balance::text
			FROM transactions t
			JOIN accounts a ON a.account_no = t.account_no
			WHERE t.value_date = $1 AND t.status = 'QUEUED'
			ORDER BY t.id
			FOR UPDATE OF t, a`, dateParam(date))
		if err != nil {
			return err
		}
		pending, err := collectQueued(rows)
		if err != nil {
			return err
		}
		decisions, err := decidePostings(pending)
		if err != nil {
			return err
		}
		for _, dec := range decisions {
			if dec.rejected {
				if _, err := tx.Exec(ctx, `
					UPDATE transactions SET status = 'REJECTED', reject_reason = $2, posted_at = NOW()
					WHERE id = $1`, dec.txn.id, string(dec.reason)); err != nil {
					return err
				}
				continue
			}
			if err := applyMovement(ctx, tx, dec.txn, date); err != nil {
				return err
			}
			posted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return posted, nil
}

// RecomputeBalances re-derives every account's balances from the day's
// posted movements.
func (e *Executors) RecomputeBalances(ctx context.Context, date time.Time) (int64, error) {
	return e.execCount(ctx, `
		UPDATE accounts a
		SET current_balance = s.balance,
		    available_balance = s.balance + a.credit_line,
		    updated_at = NOW()
		FROM (
			SELECT account_no,
			       SUM(CASE WHEN direction = 'CR' THEN amount ELSE -amount END) AS balance
			FROM gl_movements
			WHERE processing_date <= $1
			GROUP BY account_no
		) s
		WHERE a.account_no = s.account_no`, dateParam(date))
}

// AccrueInterest writes one accrual row per interest-bearing account.
func (e *Executors) AccrueInterest(ctx context.Context, date time.Time) (int64, error) {
	return e.execCount(ctx, `
		INSERT INTO interest_accruals (account_no, accrual_date, amount)
		SELECT a.account_no, $1, ROUND(a.current_balance * p.daily_rate, 2)
		FROM accounts a
		JOIN interest_plans p ON p.product_code = SUBSTRING(a.account_no FROM 9 FOR 1)
		WHERE a.current_balance <> 0
		ON CONFLICT (account_no, accrual_date) DO UPDATE
		SET amount = EXCLUDED.amount`, dateParam(date))
}

// ApplyCharges raises fee movements from the fee schedule.
func (e *Executors) ApplyCharges(ctx context.Context, date time.Time) (int64, error) {
	return e.execCount(ctx, `
		INSERT INTO gl_movements (account_no, gl_num, amount, direction, processing_date, narrative)
		SELECT f.account_no, a.gl_num, f.amount, 'DR', $1, 'Charge: ' || f.description
		FROM fee_schedule f
		JOIN accounts a ON a.account_no = f.account_no
		WHERE f.charge_date = $1
		  AND NOT EXISTS (
			SELECT 1 FROM gl_movements m
			WHERE m.account_no = f.account_no
			  AND m.processing_date = $1
			  AND m.narrative = 'Charge: ' || f.description
		  )`, dateParam(date))
}

// RollGeneralLedger aggregates the day's movements into per-GL balances.
func (e *Executors) RollGeneralLedger(ctx context.Context, date time.Time) (int64, error) {
	return e.execCount(ctx, `
		INSERT INTO gl_balances (gl_num, balance_date, debit_total, credit_total)
		SELECT gl_num, $1,
		       COALESCE(SUM(amount) FILTER (WHERE direction = 'DR'), 0),
		       COALESCE(SUM(amount) FILTER (WHERE direction = 'CR'), 0)
		FROM gl_movements
		WHERE processing_date = $1
		GROUP BY gl_num
		ON CONFLICT (gl_num, balance_date) DO UPDATE
		SET debit_total = EXCLUDED.debit_total,
		    credit_total = EXCLUDED.credit_total`, dateParam(date))
}

// ValidateGLIntegrity checks that the day's debits equal its credits. An
// imbalance records an exception row and fails the job so the operator sees
// it before statements and reports run.
func (e *Executors) ValidateGLIntegrity(ctx context.Context, date time.Time) (int64, error) {
	var debits, credits string
	err := e.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(debit_total), 0)::text, COALESCE(SUM(credit_total), 0)::text
		FROM gl_balances WHERE balance_date = $1`, dateParam(date)).Scan(&debits, &credits)
	if err != nil {
		return 0, err
	}
	dr, err := decimal.NewFromString(debits)
	if err != nil {
		return 0, err
	}
	cr, err := decimal.NewFromString(credits)
	if err != nil {
		return 0, err
	}
	if !dr.Equal(cr) {
		if _, err := e.pool.Exec(ctx, `
			INSERT INTO gl_exceptions (balance_date, debit_total, credit_total, detected_at)
			VALUES ($1, $2, $3, NOW())`, dateParam(date), dr, cr); err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("general ledger out of balance: debits %s, credits %s", dr, cr)
	}
	var count int64
	if err := e.pool.QueryRow(ctx, `SELECT COUNT(*) FROM gl_balances WHERE balance_date = $1`, dateParam(date)).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// BuildStatements materialises statement lines from the day's movements.
func (e *Executors) BuildStatements(ctx context.Context, date time.Time) (int64, error) {
	return e.execCount(ctx, `
		INSERT INTO statement_lines (account_no, statement_date, narrative, amount, direction)
		SELECT account_no, $1, narrative, amount, direction
		FROM gl_movements
		WHERE processing_date = $1
		ON CONFLICT DO NOTHING`, dateParam(date))
}

// GenerateReports computes the EOD report data rows. The job is complete
// once these rows exist; PDF rendering is a deferred follow-up.
func (e *Executors) GenerateReports(ctx context.Context, date time.Time) (int64, error) {
	return e.execCount(ctx, `
		INSERT INTO eod_reports (report_date, gl_num, side, debit_total, credit_total)
		SELECT b.balance_date, b.gl_num,
		       CASE WHEN LEFT(b.gl_num, 1) = '1' THEN 'LIABILITY' ELSE 'ASSET' END,
		       b.debit_total, b.credit_total
		FROM gl_balances b
		WHERE b.balance_date = $1
		ON CONFLICT (report_date, gl_num) DO UPDATE
		SET debit_total = EXCLUDED.debit_total,
		    credit_total = EXCLUDED.credit_total`, dateParam(date))
}

// SealLedgerDay marks the day's movements immutable ahead of the date
// advance performed by the orchestrator's completion hook.
func (e *Executors) SealLedgerDay(ctx context.Context, date time.Time) (int64, error) {
	return e.execCount(ctx, `
		UPDATE gl_movements SET sealed = TRUE
		WHERE processing_date = $1 AND NOT sealed`, dateParam(date))
}

func (e *Executors) execCount(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := e.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type queuedTransaction struct {
	id        int64
	direction string
	narrative string
	amount    decimal.Decimal
	account   ledger.Account
}

type postingDecision struct {
	txn      queuedTransaction
	rejected bool
	reason   ledger.RejectReason
}

// decidePostings walks the day's queued transactions in order, validating
// each debit against the balance left by the transactions decided before it.
// The account rows carry the pre-batch snapshot; later entries for the same
// account must see the running balance, not the snapshot.
func decidePostings(pending []queuedTransaction) ([]postingDecision, error) {
	balances := make(map[string]ledger.Account, len(pending))
	for _, txn := range pending {
		if _, ok := balances[txn.account.AccountNo]; !ok {
			balances[txn.account.AccountNo] = txn.account
		}
	}
	out := make([]postingDecision, 0, len(pending))
	for _, txn := range pending {
		account := balances[txn.account.AccountNo]
		if txn.direction == "DR" {
			result, err := ledger.ValidateDebit(account, txn.amount)
			if err != nil {
				return nil, fmt.Errorf("validate transaction %d: %w", txn.id, err)
			}
			if !result.Valid {
				out = append(out, postingDecision{txn: txn, rejected: true, reason: result.Reason})
				continue
			}
			account.CurrentBalance = account.CurrentBalance.Sub(txn.amount)
			account.AvailableBalance = account.AvailableBalance.Sub(txn.amount)
		} else {
			account.CurrentBalance = account.CurrentBalance.Add(txn.amount)
			account.AvailableBalance = account.AvailableBalance.Add(txn.amount)
		}
		balances[txn.account.AccountNo] = account
		out = append(out, postingDecision{txn: txn})
	}
	return out, nil
}

func collectQueued(rows pgx.Rows) ([]queuedTransaction, error) {
	defer rows.Close()
	var out []queuedTransaction
	for rows.Next() {
		var (
			txn       queuedTransaction
			amount    string
			current   string
			available string
		)
		if err := rows.Scan(&txn.id, &txn.account.AccountNo, &amount, &txn.direction, &txn.narrative,
			&txn.account.GLNum, &current, &available); err != nil {
			return nil, err
		}
		var err error
		if txn.amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("jobs: parse transaction amount: %w", err)
		}
		if txn.account.CurrentBalance, err = decimal.NewFromString(current); err != nil {
			return nil, fmt.Errorf("jobs: parse current balance: %w", err)
		}
		if txn.account.AvailableBalance, err = decimal.NewFromString(available); err != nil {
			return nil, fmt.Errorf("jobs: parse available balance: %w", err)
		}
		out = append(out, txn)
	}
	return out, rows.Err()
}

func applyMovement(ctx context.Context, tx pgx.Tx, txn queuedTransaction, date time.Time) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO gl_movements (account_no, gl_num, amount, direction, processing_date, narrative)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		txn.account.AccountNo, txn.account.GLNum, txn.amount, txn.direction, dateParam(date), txn.narrative); err != nil {
		return err
	}
	sign := "-"
	if txn.direction == "CR" {
		sign = "+"
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(`
		UPDATE accounts
		SET current_balance = current_balance %s $2,
		    available_balance = available_balance %s $2,
		    updated_at = NOW()
		WHERE account_no = $1`, sign, sign), txn.account.AccountNo, txn.amount); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `
		UPDATE transactions SET status = 'POSTED', posted_at = NOW() WHERE id = $1`, txn.id)
	return err
}

func dateParam(t time.Time) pgtype.Date {
	y, m, d := t.UTC().Date()
	return pgtype.Date{Time: time.Date(y, m, d, 0, 0, 0, 0, time.UTC), Valid: true}
}
