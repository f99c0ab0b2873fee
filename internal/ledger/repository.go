package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repository defines ledger data access.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	GetAccount(ctx context.Context, accountNo string) (Account, error)
}

// TxRepository defines operations within a posting transaction.
type TxRepository interface {
	// GetAccountForUpdate locks the account row so the validated balance
	// cannot go stale before the debit commits.
	GetAccountForUpdate(ctx context.Context, accountNo string) (Account, error)
	ApplyDebit(ctx context.Context, accountNo string, amount decimal.Decimal) error
	InsertEntry(ctx context.Context, entry Entry) (int64, error)
}

// Ensure implementation
var _ Repository = (*pgRepository)(nil)
var _ TxRepository = (*pgTxRepository)(nil)

type pgRepository struct {
	pool *pgxpool.Pool
}

type pgTxRepository struct {
	tx pgx.Tx
}

// NewRepository constructs a Postgres-backed ledger repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

// WithTx executes fn inside a repeatable-read transaction.
func (r *pgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("ledger: repository not initialised")
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if err := fn(ctx, &pgTxRepository{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger: commit tx: %w", err)
	}
	return nil
}

const accountColumns = `account_no, gl_num, currency_code, current_balance::text, available_balance::text, updated_at`

func (r *pgRepository) GetAccount(ctx context.Context, accountNo string) (Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE account_no = $1`
	return scanAccount(r.pool.QueryRow(ctx, query, accountNo))
}

func (r *pgTxRepository) GetAccountForUpdate(ctx context.Context, accountNo string) (Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE account_no = $1 FOR UPDATE`
	return scanAccount(r.tx.QueryRow(ctx, query, accountNo))
}

func (r *pgTxRepository) ApplyDebit(ctx context.Context, accountNo string, amount decimal.Decimal) error {
	tag, err := r.tx.Exec(ctx, `
		UPDATE accounts
		SET current_balance = current_balance - $2,
		    available_balance = available_balance - $2,
		    updated_at = NOW()
		WHERE account_no = $1`, accountNo, amount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (r *pgTxRepository) InsertEntry(ctx context.Context, entry Entry) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `
		INSERT INTO ledger_entries (account_no, amount, direction, narrative, posted_by, posted_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING id`,
		entry.AccountNo, entry.Amount, entry.Direction, entry.Narrative, entry.PostedBy,
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

func scanAccount(row pgx.Row) (Account, error) {
	var (
		acct      Account
		current   string
		available string
	)
	err := row.Scan(&acct.AccountNo, &acct.GLNum, &acct.CurrencyCode, &current, &available, &acct.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, err
	}
	if acct.CurrentBalance, err = decimal.NewFromString(current); err != nil {
		return Account{}, fmt.Errorf("ledger: parse current balance: %w", err)
	}
	if acct.AvailableBalance, err = decimal.NewFromString(available); err != nil {
		return Account{}, fmt.Errorf("ledger: parse available balance: %w", err)
	}
	return acct, nil
}
