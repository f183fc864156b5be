package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time { return f.t }

func newTestLRU(maxSize int, ttl time.Duration) (*LRUCache[string], *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
	c := NewLRUCache[string](maxSize, ttl)
	c.now = clock.now
	return c, clock
}

func TestLRUCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c, _ := newTestLRU(2, time.Hour)
	c.Set("a", "1")
	c.Set("b", "2")
	if _, ok := c.Get("a"); !ok {
		t.Fatalf("a should be cached")
	}
	c.Set("c", "3")

	if _, ok := c.Get("b"); ok {
		t.Fatalf("b should have been evicted")
	}
	for _, k := range []string{"a", "c"} {
		if _, ok := c.Get(k); !ok {
			t.Fatalf("%s should still be cached", k)
		}
	}
	if c.Size() != 2 {
		t.Fatalf("size = %d, want 2", c.Size())
	}
}

func TestLRUCache_TTL(t *testing.T) {
	c, clock := newTestLRU(10, time.Minute)
	c.Set("a", "1")
	clock.t = clock.t.Add(30 * time.Second)
	c.Set("b", "2")

	clock.t = clock.t.Add(45 * time.Second)
	if _, ok := c.Get("a"); ok {
		t.Fatalf("a should have expired")
	}
	if v, ok := c.Get("b"); !ok || v != "2" {
		t.Fatalf("b = %q, %v; want 2, true", v, ok)
	}

	clock.t = clock.t.Add(time.Minute)
	if n := c.CleanExpired(); n != 1 {
		t.Fatalf("CleanExpired = %d, want 1", n)
	}
	if c.Size() != 0 {
		t.Fatalf("size = %d, want 0", c.Size())
	}
}

func TestLRUCache_OverwriteAndDelete(t *testing.T) {
	c, _ := newTestLRU(2, time.Hour)
	c.Set("a", "1")
	c.Set("a", "2")
	if v, _ := c.Get("a"); v != "2" {
		t.Fatalf("a = %q, want 2", v)
	}
	if c.Size() != 1 {
		t.Fatalf("size = %d, want 1", c.Size())
	}
	c.Delete("a")
	c.Delete("missing")
	if _, ok := c.Get("a"); ok {
		t.Fatalf("a should be gone")
	}
}

func TestManager_CleanNow(t *testing.T) {
	c1, clock1 := newTestLRU(10, time.Minute)
	c2, _ := newTestLRU(10, time.Hour)
	c1.Set("x", "1")
	c1.Set("y", "2")
	c2.Set("z", "3")
	clock1.t = clock1.t.Add(2 * time.Minute)

	m := NewManager()
	m.Register(c1)
	m.Register(c2)
	if n := m.CleanNow(); n != 2 {
		t.Fatalf("CleanNow = %d, want 2", n)
	}

	m.StartCleanup(time.Millisecond)
	m.Stop()
	m.Stop()
}

type countingResolver struct {
	calls int
	err   error
}

func (r *countingResolver) GetOrCreateLoanPaymentCategory(_ context.Context, userID string) (string, error) {
	r.calls++
	if r.err != nil {
		return "", r.err
	}
	return "cat-" + userID, nil
}

func TestCachedCategories(t *testing.T) {
	ctx := context.Background()
	next := &countingResolver{}
	cc, lru := NewCachedCategories(next, 10, time.Hour)

	for i := 0; i < 3; i++ {
		id, err := cc.GetOrCreateLoanPaymentCategory(ctx, "u1")
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if id != "cat-u1" {
			t.Fatalf("id = %q, want cat-u1", id)
		}
	}
	if next.calls != 1 {
		t.Fatalf("resolver called %d times, want 1", next.calls)
	}
	if lru.Size() != 1 {
		t.Fatalf("cache size = %d, want 1", lru.Size())
	}

	cc.Invalidate("u1")
	if _, err := cc.GetOrCreateLoanPaymentCategory(ctx, "u1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if next.calls != 2 {
		t.Fatalf("resolver called %d times, want 2", next.calls)
	}
}

func TestCachedCategories_ErrorsNotCached(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	next := &countingResolver{err: boom}
	cc, lru := NewCachedCategories(next, 10, time.Hour)

	if _, err := cc.GetOrCreateLoanPaymentCategory(ctx, "u1"); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if lru.Size() != 0 {
		t.Fatalf("failed lookup was cached")
	}
	next.err = nil
	if id, err := cc.GetOrCreateLoanPaymentCategory(ctx, "u1"); err != nil || id != "cat-u1" {
		t.Fatalf("got %q, %v", id, err)
	}
}
