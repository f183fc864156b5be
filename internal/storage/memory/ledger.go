package memory

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"loanledger/internal/core"
	"loanledger/internal/loans"
)

// Entry is a posted ledger entry.
type Entry struct {
	ID             string
	IdempotencyKey string
	AccountID      string
	CategoryID     string
	Amount         decimal.Decimal // negative for debits
	Memo           string
	Date           time.Time
}

type account struct {
	userID  string
	balance decimal.Decimal
}

// Ledger is an in-memory account ledger and category store.
type Ledger struct {
	mu         sync.Mutex
	accounts   map[string]*account
	entries    []Entry
	byKey      map[string]int
	categories map[string]string
}

var (
	_ loans.LedgerGateway    = (*Ledger)(nil)
	_ loans.CategoryResolver = (*Ledger)(nil)
)

func NewLedger() *Ledger {
	return &Ledger{
		accounts:   make(map[string]*account),
		byKey:      make(map[string]int),
		categories: make(map[string]string),
	}
}

// NewLedgerFromFile seeds accounts from base/seed_accounts.txt, one
// "account_id user_id opening_balance" line per account. A missing file yields an
// empty ledger.
func NewLedgerFromFile(base string) (*Ledger, error) {
	l := NewLedger()
	for i, line := range readLines(filepath.Join(base, "seed_accounts.txt")) {
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("seed_accounts.txt line %d: expected 3 fields, got %d", i+1, len(fields))
		}
		balance, err := decimal.NewFromString(fields[2])
		if err != nil {
			return nil, fmt.Errorf("seed_accounts.txt line %d: %w", i+1, err)
		}
		l.OpenAccount(fields[0], fields[1], balance)
	}
	return l, nil
}

// OpenAccount creates or resets an account with the given opening balance.
func (l *Ledger) OpenAccount(accountID, userID string, opening decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[accountID] = &account{userID: userID, balance: opening}
}

func (l *Ledger) GetAccountBalance(_ context.Context, accountID string) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[accountID]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: account %s", core.ErrNotFound, accountID)
	}
	return a.balance, nil
}

func (l *Ledger) PostDebit(_ context.Context, e loans.LedgerEntry) (string, error) {
	return l.post(e, e.Amount.Neg())
}

func (l *Ledger) PostCredit(_ context.Context, e loans.LedgerEntry) (string, error) {
	return l.post(e, e.Amount)
}

func (l *Ledger) FindEntry(_ context.Context, idempotencyKey string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.byKey[idempotencyKey]
	if !ok || idempotencyKey == "" {
		return "", fmt.Errorf("%w: ledger entry %q", core.ErrNotFound, idempotencyKey)
	}
	return l.entries[i].ID, nil
}

func (l *Ledger) post(e loans.LedgerEntry, signed decimal.Decimal) (string, error) {
	if !e.Amount.IsPositive() {
		return "", fmt.Errorf("%w: entry amount must be positive", core.ErrInvalidArgument)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if e.IdempotencyKey != "" {
		if i, ok := l.byKey[e.IdempotencyKey]; ok {
			return l.entries[i].ID, nil
		}
	}
	a, ok := l.accounts[e.AccountID]
	if !ok {
		return "", fmt.Errorf("%w: account %s", core.ErrNotFound, e.AccountID)
	}
	entry := Entry{
		ID:             uuid.NewString(),
		IdempotencyKey: e.IdempotencyKey,
		AccountID:      e.AccountID,
		CategoryID:     e.CategoryID,
		Amount:         signed,
		Memo:           e.Memo,
		Date:           e.Date,
	}
	a.balance = a.balance.Add(signed)
	l.entries = append(l.entries, entry)
	if e.IdempotencyKey != "" {
		l.byKey[e.IdempotencyKey] = len(l.entries) - 1
	}
	return entry.ID, nil
}

// GetOrCreateLoanPaymentCategory returns the user's loan payment category id,
// creating it on first use.
func (l *Ledger) GetOrCreateLoanPaymentCategory(_ context.Context, userID string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("%w: user id is required", core.ErrInvalidArgument)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if id, ok := l.categories[userID]; ok {
		return id, nil
	}
	id := uuid.NewString()
	l.categories[userID] = id
	return id, nil
}

// Entries returns a copy of every posted entry in posting order.
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

func readLines(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out
}
