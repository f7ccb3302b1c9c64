// Package oracle models the price-feed boundary. The accounting core never
// fetches prices itself: every operation receives a PriceSet assembled by
// the shell from the latest oracle updates, together with the operation's
// versioned timestamp.
package oracle

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrPriceMissing is returned when an operation needs a price the set does
// not carry.
var ErrPriceMissing = errors.New("oracle: price not available")

// PriceSet is an immutable snapshot of asset prices as of a timestamp.
type PriceSet struct {
	prices map[string]decimal.Decimal
	asOf   time.Time
}

func NewPriceSet(asOf time.Time) *PriceSet {
	return &PriceSet{
		prices: make(map[string]decimal.Decimal),
		asOf:   asOf,
	}
}

// With adds a price and returns the set for chaining in tests and the shell.
func (ps *PriceSet) With(assetID string, price decimal.Decimal) *PriceSet {
	ps.prices[assetID] = price
	return ps
}

// Price returns the price for assetID.
func (ps *PriceSet) Price(assetID string) (decimal.Decimal, error) {
	p, ok := ps.prices[assetID]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: %s", ErrPriceMissing, assetID)
	}
	return p, nil
}

// AsOf returns the snapshot timestamp.
func (ps *PriceSet) AsOf() time.Time {
	return ps.asOf
}

// priceEntry tracks the latest accepted update per asset.
type priceEntry struct {
	price     decimal.Decimal
	sequence  int64
	timestamp int64 // epoch microseconds
}

// Cache holds the latest oracle price per asset. Price updates carry their
// own sequence numbers; stale or duplicate sequences are ignored (gaps are
// tolerated, unlike operation sequences).
//
// Not thread-safe — only accessed from the single-writer processor.
type Cache struct {
	entries map[string]*priceEntry
}

func NewCache() *Cache {
	return &Cache{entries: make(map[string]*priceEntry)}
}

// Update records a price update. Returns false if the update was stale.
func (c *Cache) Update(assetID string, price decimal.Decimal, sequence, timestampUs int64) bool {
	cur := c.entries[assetID]
	if cur != nil && sequence <= cur.sequence {
		return false
	}
	c.entries[assetID] = &priceEntry{price: price, sequence: sequence, timestamp: timestampUs}
	return true
}

// Snapshot assembles a PriceSet of all cached prices as of the given time.
func (c *Cache) Snapshot(asOf time.Time) *PriceSet {
	ps := NewPriceSet(asOf)
	for asset, e := range c.entries {
		ps.With(asset, e.price)
	}
	return ps
}

// Latest returns the cached price for assetID.
func (c *Cache) Latest(assetID string) (decimal.Decimal, bool) {
	e := c.entries[assetID]
	if e == nil {
		return decimal.Decimal{}, false
	}
	return e.price, true
}

// Restore loads a cached entry during snapshot recovery.
func (c *Cache) Restore(assetID string, price decimal.Decimal, sequence, timestampUs int64) {
	c.entries[assetID] = &priceEntry{price: price, sequence: sequence, timestamp: timestampUs}
}

// Entries returns the cache contents for snapshotting, keyed by asset.
func (c *Cache) Entries() map[string]PriceRecord {
	out := make(map[string]PriceRecord, len(c.entries))
	for k, e := range c.entries {
		out[k] = PriceRecord{Price: e.price, Sequence: e.sequence, TimestampUs: e.timestamp}
	}
	return out
}

// PriceRecord is the serializable form of a cache entry.
type PriceRecord struct {
	Price       decimal.Decimal `json:"price"`
	Sequence    int64           `json:"sequence"`
	TimestampUs int64           `json:"timestamp_us"`
}
