// Package ristretto provides an in-process L1 cache for model pricing rows.
package ristretto

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/relaydev/agentrun/internal/domain/pricing"
	"github.com/relaydev/agentrun/internal/port/database"
)

// pricingTTL bounds staleness of cached pricing rows. Pricing changes are
// rare and versioned, so a short TTL is purely a refresh cadence.
const pricingTTL = 10 * time.Minute

// PricingCache wraps a database.Store with a ristretto-backed cache for
// GetModelPricing. All other Store methods pass through untouched.
type PricingCache struct {
	database.Store
	c *ristretto.Cache[string, *pricing.ModelPricing]
}

// NewPricingCache creates a pricing cache in front of the given store.
// maxCostBytes is the maximum total size of cached values in bytes.
func NewPricingCache(store database.Store, maxCostBytes int64) (*PricingCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, *pricing.ModelPricing]{
		NumCounters: maxCostBytes / 100 * 10, // ~10x expected items
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &PricingCache{Store: store, c: c}, nil
}

// GetModelPricing serves from cache when possible, falling back to the
// store and populating the cache on miss. Misses for unknown models are not
// negatively cached; the supervisor already treats absent pricing as
// "no estimate".
func (p *PricingCache) GetModelPricing(ctx context.Context, provider, model string) (*pricing.ModelPricing, error) {
	key := provider + "/" + model
	if row, ok := p.c.Get(key); ok {
		return row, nil
	}

	row, err := p.Store.GetModelPricing(ctx, provider, model)
	if err != nil {
		return nil, err
	}
	p.c.SetWithTTL(key, row, 1, pricingTTL)
	return row, nil
}

// Close shuts down the cache and releases resources.
func (p *PricingCache) Close() {
	p.c.Close()
}
