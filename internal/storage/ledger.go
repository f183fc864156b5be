package storage

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"loanledger/internal/core"
	"loanledger/internal/loans"
	applog "loanledger/internal/log"
)

// Entry is a posted ledger entry. Debits carry a negative amount.
type Entry struct {
	ID             string
	IdempotencyKey string
	AccountID      string
	CategoryID     string
	Amount         decimal.Decimal
	Memo           string
	Date           time.Time
}

// SQLiteLedger keeps account balances, ledger entries and per-user categories in the
// same database as the loans.
type SQLiteLedger struct {
	db  *sql.DB
	now func() time.Time
}

var (
	_ loans.LedgerGateway    = (*SQLiteLedger)(nil)
	_ loans.CategoryResolver = (*SQLiteLedger)(nil)
)

func NewSQLiteLedger(db *sql.DB) *SQLiteLedger {
	return &SQLiteLedger{db: db, now: time.Now}
}

// OpenAccount creates the account or resets its owner and balance.
func (l *SQLiteLedger) OpenAccount(ctx context.Context, accountID, userID string, opening decimal.Decimal) error {
	_, err := l.db.ExecContext(ctx, `INSERT INTO accounts (id, user_id, balance) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET user_id = excluded.user_id, balance = excluded.balance`,
		accountID, userID, opening)
	if err != nil {
		return core.Infra(fmt.Errorf("open account %s: %w", accountID, err))
	}
	return nil
}

func (l *SQLiteLedger) GetAccountBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := l.db.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = ?`, accountID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("%w: account %s", core.ErrNotFound, accountID)
	}
	if err != nil {
		return decimal.Zero, core.Infra(fmt.Errorf("get account balance: %w", err))
	}
	return balance, nil
}

func (l *SQLiteLedger) PostDebit(ctx context.Context, e loans.LedgerEntry) (string, error) {
	return l.post(ctx, e, e.Amount.Neg())
}

func (l *SQLiteLedger) PostCredit(ctx context.Context, e loans.LedgerEntry) (string, error) {
	return l.post(ctx, e, e.Amount)
}

func (l *SQLiteLedger) FindEntry(ctx context.Context, idempotencyKey string) (string, error) {
	var id string
	err := l.db.QueryRowContext(ctx, `SELECT id FROM ledger_entries WHERE idempotency_key = ?`, idempotencyKey).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) || idempotencyKey == "" {
		return "", fmt.Errorf("%w: ledger entry %q", core.ErrNotFound, idempotencyKey)
	}
	if err != nil {
		return "", core.Infra(fmt.Errorf("find ledger entry: %w", err))
	}
	return id, nil
}

// post records the entry and moves the account balance in one transaction. A repeated
// idempotency key returns the entry recorded the first time.
func (l *SQLiteLedger) post(ctx context.Context, e loans.LedgerEntry, signed decimal.Decimal) (string, error) {
	if !e.Amount.IsPositive() {
		return "", fmt.Errorf("%w: entry amount must be positive", core.ErrInvalidArgument)
	}

	var (
		entryID string
		replay  bool
	)
	err := inTx(ctx, l.db, func(tx *sql.Tx) error {
		if e.IdempotencyKey != "" {
			err := tx.QueryRowContext(ctx, `SELECT id FROM ledger_entries WHERE idempotency_key = ?`,
				e.IdempotencyKey).Scan(&entryID)
			if err == nil {
				replay = true
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("look up idempotency key: %w", err)
			}
		}

		var balance decimal.Decimal
		err := tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = ?`, e.AccountID).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: account %s", core.ErrNotFound, e.AccountID)
		}
		if err != nil {
			return fmt.Errorf("read account balance: %w", err)
		}

		entryID = uuid.NewString()
		date := e.Date
		if date.IsZero() {
			date = l.now()
		}
		var key sql.NullString
		if e.IdempotencyKey != "" {
			key = sql.NullString{String: e.IdempotencyKey, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO ledger_entries
			(id, idempotency_key, account_id, user_id, category_id, amount, memo, entry_date, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			entryID, key, e.AccountID, e.UserID, e.CategoryID, signed, e.Memo,
			formatTime(date), formatTime(l.now())); err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE accounts SET balance = ? WHERE id = ?`,
			balance.Add(signed), e.AccountID); err != nil {
			return fmt.Errorf("update account balance: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	if replay {
		slog.InfoContext(ctx, "Ledger entry replayed",
			applog.FieldComponent, applog.ComponentLedger,
			"idempotency_key", e.IdempotencyKey,
			"entry_id", entryID)
	}
	return entryID, nil
}

// GetOrCreateLoanPaymentCategory returns the user's loan payment category id,
// creating it on first use.
func (l *SQLiteLedger) GetOrCreateLoanPaymentCategory(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("%w: user id is required", core.ErrInvalidArgument)
	}

	var id string
	err := inTx(ctx, l.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO categories (id, user_id, name) VALUES (?, ?, ?)
			ON CONFLICT(user_id, name) DO NOTHING`,
			uuid.NewString(), userID, loans.PaymentCategoryName); err != nil {
			return fmt.Errorf("create category: %w", err)
		}
		if err := tx.QueryRowContext(ctx, `SELECT id FROM categories WHERE user_id = ? AND name = ?`,
			userID, loans.PaymentCategoryName).Scan(&id); err != nil {
			return fmt.Errorf("read category: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Entries returns the entries posted to accountID in posting order.
func (l *SQLiteLedger) Entries(ctx context.Context, accountID string) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT id, COALESCE(idempotency_key, ''), account_id,
		category_id, amount, memo, entry_date
		FROM ledger_entries WHERE account_id = ? ORDER BY created_at, rowid`, accountID)
	if err != nil {
		return nil, core.Infra(fmt.Errorf("list ledger entries: %w", err))
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e    Entry
			date string
		)
		if err := rows.Scan(&e.ID, &e.IdempotencyKey, &e.AccountID, &e.CategoryID, &e.Amount, &e.Memo, &date); err != nil {
			return nil, core.Infra(fmt.Errorf("scan ledger entry: %w", err))
		}
		var tp timeParser
		e.Date = tp.parse(date)
		if tp.err != nil {
			return nil, core.Infra(tp.err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, core.Infra(fmt.Errorf("iterate ledger entries: %w", err))
	}
	return out, nil
}

// SeedAccounts opens the accounts listed in path, one "account_id user_id
// opening_balance" line each. Accounts that already exist keep their balance. A
// missing file seeds nothing.
func (l *SQLiteLedger) SeedAccounts(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()

	seeded := 0
	sc := bufio.NewScanner(f)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return seeded, fmt.Errorf("%s line %d: expected 3 fields, got %d", path, n, len(fields))
		}
		balance, err := decimal.NewFromString(fields[2])
		if err != nil {
			return seeded, fmt.Errorf("%s line %d: %w", path, n, err)
		}
		res, err := l.db.ExecContext(ctx, `INSERT INTO accounts (id, user_id, balance) VALUES (?, ?, ?)
			ON CONFLICT(id) DO NOTHING`, fields[0], fields[1], balance)
		if err != nil {
			return seeded, core.Infra(fmt.Errorf("seed account %s: %w", fields[0], err))
		}
		if affected, _ := res.RowsAffected(); affected == 1 {
			seeded++
		}
	}
	if err := sc.Err(); err != nil {
		return seeded, fmt.Errorf("read seed file: %w", err)
	}
	return seeded, nil
}
