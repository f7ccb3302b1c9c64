package engine

import (
	"fmt"
	"time"

	"PoolLedger/internal/market"
	"PoolLedger/internal/oracle"
	"PoolLedger/internal/pool"
)

// Poke explicitly advances borrowing accrual for every pool backing a
// market without any settlement. Keepers poke idle markets so the lazy
// accrual never falls too far behind the quoted rate.
func (e *Engine) Poke(marketID string, prices *oracle.PriceSet, now time.Time) error {
	m := e.markets.Get(marketID)
	if m == nil {
		return fmt.Errorf("%w: %s", ErrMarketNotFound, marketID)
	}
	return e.touchBackingPools(m, prices, now)
}

// UpsertMarket registers or replaces a market definition.
func (e *Engine) UpsertMarket(m *market.Market) error {
	if err := m.ValidateConfig(); err != nil {
		return fmt.Errorf("%w: %v", ErrEssentialConfigNotSet, err)
	}
	for _, poolID := range m.BackingPools {
		if e.pools[poolID] == nil {
			return fmt.Errorf("%w: %s", ErrPoolNotFound, poolID)
		}
	}
	e.markets.Add(m)
	return nil
}

// UpsertPool registers a pool or replaces an existing pool's config.
// State (liquidity, shares, exposure) survives a config update.
func (e *Engine) UpsertPool(id, depositToken string, cfg pool.Config) {
	if p := e.pools[id]; p != nil {
		p.Config = cfg
		return
	}
	e.AddPool(pool.New(id, depositToken, cfg, e.cfg.DustThreshold))
}
