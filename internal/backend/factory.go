package backend

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"loanledger/internal/cache"
	"loanledger/internal/loans"
	applog "loanledger/internal/log"
	"loanledger/internal/storage"
	"loanledger/internal/storage/memory"
)

const seedFile = "seed_accounts.txt"

// DefaultFactory implements the Factory interface
type DefaultFactory struct {
	logger *slog.Logger
}

// NewFactory creates a new backend factory
func NewFactory(logger *slog.Logger) Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultFactory{
		logger: logger.With(applog.FieldComponent, applog.ComponentBackend),
	}
}

// CreateBackend implements Factory.CreateBackend
func (f *DefaultFactory) CreateBackend(ctx context.Context, config Config) (*BackendResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	var (
		result *BackendResult
		err    error
	)
	switch config.Type {
	case SQLiteBackend:
		result, err = f.createSQLiteBackend(ctx, config)
	case MemoryBackend:
		result, err = f.createMemoryBackend(config)
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}
	if err != nil {
		return nil, err
	}

	f.cacheCategories(result, config)
	return result, nil
}

func (f *DefaultFactory) createSQLiteBackend(ctx context.Context, config Config) (*BackendResult, error) {
	db, err := storage.Open(ctx, config.SQLiteDBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize SQLite database: %w", err)
	}

	ledger := storage.NewSQLiteLedger(db)
	seeded, err := ledger.SeedAccounts(ctx, filepath.Join(dataDir(config), seedFile))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to seed accounts: %w", err)
	}

	f.logger.Info("Initialized SQLite backend",
		"db_path", config.SQLiteDBPath,
		"accounts_seeded", seeded)

	return &BackendResult{
		Repository: storage.NewSQLiteRepository(db),
		Ledger:     ledger,
		Categories: ledger,
		Ping:       db.PingContext,
		Cleanup:    db.Close,
	}, nil
}

func (f *DefaultFactory) createMemoryBackend(config Config) (*BackendResult, error) {
	dir := dataDir(config)
	ledger, err := memory.NewLedgerFromFile(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load memory ledger: %w", err)
	}

	f.logger.Info("Initialized memory backend", "data_directory", dir)

	return &BackendResult{
		Repository: memory.NewStore(),
		Ledger:     ledger,
		Categories: ledger,
	}, nil
}

func (f *DefaultFactory) cacheCategories(result *BackendResult, config Config) {
	size, ttl := config.cacheSettings()
	cached, lru := cache.NewCachedCategories(result.Categories, size, ttl)
	result.Categories = cached
	result.CategoryCache = lru
}

func dataDir(config Config) string {
	if config.DataDirectory == "" {
		return "data"
	}
	return config.DataDirectory
}

var _ loans.CategoryResolver = (*cache.CachedCategories)(nil)
