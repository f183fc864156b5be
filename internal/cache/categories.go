package cache

import (
	"context"
	"time"
)

// CategoryResolver resolves the ledger category for a user's loan payments.
type CategoryResolver interface {
	GetOrCreateLoanPaymentCategory(ctx context.Context, userID string) (string, error)
}

// CachedCategories memoizes category ids per user. Failures are not cached.
type CachedCategories struct {
	next  CategoryResolver
	cache Cache[string]
}

// NewCachedCategories wraps next with an LRU cache of maxUsers entries.
func NewCachedCategories(next CategoryResolver, maxUsers int, ttl time.Duration) (*CachedCategories, *LRUCache[string]) {
	lru := NewLRUCache[string](maxUsers, ttl)
	return &CachedCategories{next: next, cache: lru}, lru
}

func (c *CachedCategories) GetOrCreateLoanPaymentCategory(ctx context.Context, userID string) (string, error) {
	if id, ok := c.cache.Get(userID); ok {
		return id, nil
	}
	id, err := c.next.GetOrCreateLoanPaymentCategory(ctx, userID)
	if err != nil {
		return "", err
	}
	c.cache.Set(userID, id)
	return id, nil
}

// Invalidate drops the cached category of userID.
func (c *CachedCategories) Invalidate(userID string) {
	c.cache.Delete(userID)
}
