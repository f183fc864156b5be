package backend

import (
	"context"
	"time"

	"loanledger/internal/cache"
	"loanledger/internal/loans"
)

// CleanupFunc releases the resources held by a backend.
type CleanupFunc func() error

// BackendResult holds the ports a backend provides to the loans service.
type BackendResult struct {
	Repository loans.LoanRepository
	Ledger     loans.LedgerGateway
	// Categories is the cached resolver; CategoryCache must be registered with a
	// cache.Manager to have its expired entries dropped.
	Categories    loans.CategoryResolver
	CategoryCache cache.Cleaner
	// Ping checks the backend is reachable; nil for in-process backends.
	Ping    func(ctx context.Context) error
	Cleanup CleanupFunc
}

// Close runs the cleanup function, if any.
func (r *BackendResult) Close() error {
	if r == nil || r.Cleanup == nil {
		return nil
	}
	return r.Cleanup()
}

// Factory creates backends based on configuration
type Factory interface {
	CreateBackend(ctx context.Context, config Config) (*BackendResult, error)
}

// Config holds configuration for backend creation
type Config struct {
	Type BackendType

	// SQLite specific
	SQLiteDBPath string

	// Directory holding seed_accounts.txt, read by both backends
	DataDirectory string

	CategoryCacheSize int
	CategoryCacheTTL  time.Duration
}

// BackendType represents the type of backend
type BackendType string

const (
	SQLiteBackend BackendType = "sqlite"
	MemoryBackend BackendType = "memory"
)

// String implements fmt.Stringer
func (bt BackendType) String() string {
	return string(bt)
}

// IsValid returns true if the backend type is valid
func (bt BackendType) IsValid() bool {
	switch bt {
	case SQLiteBackend, MemoryBackend:
		return true
	default:
		return false
	}
}
