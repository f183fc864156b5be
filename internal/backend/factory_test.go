package backend

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"loanledger/internal/config"
)

func writeSeed(t *testing.T, dir string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, seedFile), []byte("acc-1 u1 250.00\n"), 0o644); err != nil {
		t.Fatalf("write seed: %v", err)
	}
}

func TestCreateBackend(t *testing.T) {
	for _, typ := range GetBackendTypes() {
		t.Run(typ.String(), func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()
			writeSeed(t, dir)

			res, err := NewFactory(nil).CreateBackend(ctx, Config{
				Type:          typ,
				SQLiteDBPath:  filepath.Join(dir, "loans.db"),
				DataDirectory: dir,
			})
			if err != nil {
				t.Fatalf("CreateBackend: %v", err)
			}
			defer res.Close()

			if res.Repository == nil || res.Ledger == nil || res.Categories == nil || res.CategoryCache == nil {
				t.Fatalf("incomplete backend: %+v", res)
			}
			if res.Ping != nil {
				if err := res.Ping(ctx); err != nil {
					t.Fatalf("Ping: %v", err)
				}
			} else if typ == SQLiteBackend {
				t.Fatalf("sqlite backend without Ping")
			}
			bal, err := res.Ledger.GetAccountBalance(ctx, "acc-1")
			if err != nil || !bal.Equal(decimal.RequireFromString("250")) {
				t.Fatalf("seeded balance = %s, %v", bal, err)
			}
			c1, err := res.Categories.GetOrCreateLoanPaymentCategory(ctx, "u1")
			if err != nil {
				t.Fatalf("category: %v", err)
			}
			c2, _ := res.Categories.GetOrCreateLoanPaymentCategory(ctx, "u1")
			if c1 != c2 {
				t.Fatalf("category changed between calls: %q %q", c1, c2)
			}
		})
	}
}

func TestCreateBackend_Invalid(t *testing.T) {
	ctx := context.Background()
	f := NewFactory(nil)
	if _, err := f.CreateBackend(ctx, Config{Type: "sheets"}); err == nil {
		t.Fatalf("unknown backend accepted")
	}
	if _, err := f.CreateBackend(ctx, Config{Type: SQLiteBackend}); err == nil {
		t.Fatalf("sqlite backend without a path accepted")
	}
}

func TestFromAppConfig(t *testing.T) {
	cfg, err := FromAppConfig(&config.Config{
		DataBackend:       "sqlite",
		SQLiteDBPath:      "/tmp/x.db",
		CategoryCacheSize: 10,
		CategoryCacheTTL:  time.Minute,
	})
	if err != nil {
		t.Fatalf("FromAppConfig: %v", err)
	}
	if cfg.Type != SQLiteBackend || cfg.SQLiteDBPath != "/tmp/x.db" || cfg.CategoryCacheSize != 10 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if _, err := FromAppConfig(&config.Config{DataBackend: "nope"}); err == nil {
		t.Fatalf("invalid backend accepted")
	}
	if _, err := FromAppConfig(nil); err == nil {
		t.Fatalf("nil config accepted")
	}
}
