// Package pool owns one liquidity pool's accounting: multi-token liquidity
// balances, LP share supply, per-market borrowing state, and the AUM/NAV
// valuations. Pools never mutate themselves in response to trading — all
// exposure and balance changes are driven by the engine.
package pool

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"PoolLedger/internal/numeric"
	"PoolLedger/internal/oracle"
)

// AdlConfig holds a pool's per-market auto-deleverage thresholds.
type AdlConfig struct {
	// ReserveRate is the fraction of notional the pool must reserve.
	ReserveRate decimal.Decimal `json:"reserve_rate"`
	// TriggerRate is the uncapped PnL ratio above which a position
	// becomes ADL-eligible.
	TriggerRate decimal.Decimal `json:"trigger_rate"`
	// MaxPnlRate caps realized PnL on ADL fills and the display valuation.
	MaxPnlRate decimal.Decimal `json:"max_pnl_rate"`
}

// Config is the pool's operator-set configuration.
type Config struct {
	Curve            numeric.BorrowingCurve
	LiquidityCapUsd  decimal.Decimal
	LiquidityFeeRate decimal.Decimal
	// IsDraining excludes the pool from new exposure allocation.
	IsDraining bool
	// Adl maps marketID → thresholds. A pool cannot back a market it has
	// no ADL config for.
	Adl map[string]AdlConfig
}

// MarketState is the pool's borrowing and exposure state for one market.
type MarketState struct {
	IsLong                   bool
	TotalSize                decimal.Decimal
	AverageEntryPrice        decimal.Decimal
	CumulatedBorrowingPerUsd decimal.Decimal
	LastUpdate               time.Time
	// Inherited marks exposure received via reallocation: such pools value
	// their utilization at the live mark price instead of the entry basis.
	Inherited bool
}

// Pool is one settlement-asset's worth of backing liquidity.
type Pool struct {
	ID string
	// DepositToken is the token LPs add and redeem in.
	DepositToken string

	Config Config

	liquidity     map[string]decimal.Decimal // token → amount
	shareSupply   decimal.Decimal
	shareBalances map[string]decimal.Decimal // LP id → shares

	markets map[string]*MarketState

	// dust is the threshold below which a balance entry is removed.
	dust decimal.Decimal
}

// New creates an empty pool. dust is the residual-balance threshold below
// which entries are treated as fully closed.
func New(id, depositToken string, cfg Config, dust decimal.Decimal) *Pool {
	return &Pool{
		ID:            id,
		DepositToken:  depositToken,
		Config:        cfg,
		liquidity:     make(map[string]decimal.Decimal),
		shareBalances: make(map[string]decimal.Decimal),
		markets:       make(map[string]*MarketState),
		dust:          dust,
	}
}

// AdlFor returns the pool's ADL thresholds for a market.
func (p *Pool) AdlFor(marketID string) (AdlConfig, error) {
	cfg, ok := p.Config.Adl[marketID]
	if !ok {
		return AdlConfig{}, fmt.Errorf("pool %s: no adl config for market %s", p.ID, marketID)
	}
	return cfg, nil
}

// EnsureMarket returns the pool's state for a market, creating it on first
// touch.
func (p *Pool) EnsureMarket(marketID string, isLong bool, now time.Time) *MarketState {
	ms := p.markets[marketID]
	if ms == nil {
		ms = &MarketState{
			IsLong:                   isLong,
			TotalSize:                decimal.Zero,
			AverageEntryPrice:        decimal.Zero,
			CumulatedBorrowingPerUsd: decimal.Zero,
			LastUpdate:               now,
		}
		p.markets[marketID] = ms
	}
	return ms
}

// Market returns the pool's state for a market or nil.
func (p *Pool) Market(marketID string) *MarketState {
	return p.markets[marketID]
}

// MarketIDs returns the markets this pool currently has state for, sorted.
func (p *Pool) MarketIDs() []string {
	ids := make([]string, 0, len(p.markets))
	for id := range p.markets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// --- Liquidity balances ---

// Liquidity returns the pool's balance of token.
func (p *Pool) Liquidity(token string) decimal.Decimal {
	return p.liquidity[token]
}

// Tokens returns the tokens the pool currently holds, sorted.
func (p *Pool) Tokens() []string {
	ts := make([]string, 0, len(p.liquidity))
	for t := range p.liquidity {
		ts = append(ts, t)
	}
	sort.Strings(ts)
	return ts
}

// Credit adds amount of token to the pool's liquidity.
func (p *Pool) Credit(token string, amount decimal.Decimal) {
	if !amount.IsPositive() {
		return
	}
	p.liquidity[token] = p.liquidity[token].Add(amount)
}

// Debit removes up to amount of token and returns what was actually
// removed. The balance is clipped at zero — a shortfall is the caller's to
// report, never an error here.
func (p *Pool) Debit(token string, amount decimal.Decimal) decimal.Decimal {
	if !amount.IsPositive() {
		return decimal.Zero
	}
	bal := p.liquidity[token]
	applied := numeric.Min(bal, amount)
	rest := bal.Sub(applied)
	if rest.LessThanOrEqual(p.dust) && rest.IsPositive() {
		// Sweep dust into the payout rather than stranding it.
		applied = bal
		rest = decimal.Zero
	}
	if rest.IsZero() {
		delete(p.liquidity, token)
	} else {
		p.liquidity[token] = rest
	}
	return applied
}

// --- Valuation ---

// MarkPrices maps marketID → current mark price; assembled by the engine
// from the injected PriceSet before any pool valuation.
type MarkPrices map[string]decimal.Decimal

// traderPnlUsd returns the unrealized PnL owed to traders for one market,
// positive when traders are in profit.
func (ms *MarketState) traderPnlUsd(mark decimal.Decimal) decimal.Decimal {
	if !ms.TotalSize.IsPositive() {
		return decimal.Zero
	}
	diff := mark.Sub(ms.AverageEntryPrice)
	if !ms.IsLong {
		diff = diff.Neg()
	}
	return diff.Mul(ms.TotalSize)
}

// EntryNotionalUsd is TotalSize × AverageEntryPrice.
func (ms *MarketState) EntryNotionalUsd() decimal.Decimal {
	return ms.TotalSize.Mul(ms.AverageEntryPrice)
}

// AumUsd values the pool for settlement: token balances at oracle prices
// minus UNCAPPED unrealized PnL owed to traders.
func (p *Pool) AumUsd(tokens *oracle.PriceSet, marks MarkPrices) (decimal.Decimal, error) {
	aum := decimal.Zero
	for _, t := range p.Tokens() {
		price, err := tokens.Price(t)
		if err != nil {
			return decimal.Decimal{}, err
		}
		aum = aum.Add(p.liquidity[t].Mul(price))
	}
	for _, id := range p.MarketIDs() {
		ms := p.markets[id]
		if !ms.TotalSize.IsPositive() {
			continue
		}
		mark, ok := marks[id]
		if !ok {
			return decimal.Decimal{}, fmt.Errorf("pool %s: %w for market %s", p.ID, oracle.ErrPriceMissing, id)
		}
		aum = aum.Sub(ms.traderPnlUsd(mark))
	}
	return aum, nil
}

// EstimatedAumUsd is the display-only valuation: each market's trader PnL
// contribution is capped at maxPnlRate × notional-at-entry. Used for LP
// share NAV quoting, never for settlement.
func (p *Pool) EstimatedAumUsd(tokens *oracle.PriceSet, marks MarkPrices) (decimal.Decimal, error) {
	aum := decimal.Zero
	for _, t := range p.Tokens() {
		price, err := tokens.Price(t)
		if err != nil {
			return decimal.Decimal{}, err
		}
		aum = aum.Add(p.liquidity[t].Mul(price))
	}
	for _, id := range p.MarketIDs() {
		ms := p.markets[id]
		if !ms.TotalSize.IsPositive() {
			continue
		}
		mark, ok := marks[id]
		if !ok {
			return decimal.Decimal{}, fmt.Errorf("pool %s: %w for market %s", p.ID, oracle.ErrPriceMissing, id)
		}
		pnl := ms.traderPnlUsd(mark)
		if adl, ok := p.Config.Adl[id]; ok && pnl.IsPositive() {
			pnl = numeric.Min(pnl, adl.MaxPnlRate.Mul(ms.EntryNotionalUsd()))
		}
		aum = aum.Sub(pnl)
	}
	return aum, nil
}

// NavPrice returns estimated AUM per share. An empty pool quotes 1.
func (p *Pool) NavPrice(tokens *oracle.PriceSet, marks MarkPrices) (decimal.Decimal, error) {
	if !p.shareSupply.IsPositive() {
		return numeric.One, nil
	}
	aum, err := p.EstimatedAumUsd(tokens, marks)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if aum.IsNegative() {
		aum = decimal.Zero
	}
	return aum.Div(p.shareSupply), nil
}

// ReservedUsd returns the reserve requirement for one market's exposure.
// Pools holding the original cost basis reserve against the entry price;
// pools that inherited exposure via reallocation reserve against the live
// mark. This asymmetry is deliberate and must be preserved.
func (p *Pool) ReservedUsd(marketID string, mark decimal.Decimal) decimal.Decimal {
	ms := p.markets[marketID]
	if ms == nil || !ms.TotalSize.IsPositive() {
		return decimal.Zero
	}
	adl, ok := p.Config.Adl[marketID]
	if !ok {
		return decimal.Zero
	}
	ref := ms.AverageEntryPrice
	if ms.Inherited {
		ref = mark
	}
	return ms.TotalSize.Mul(ref).Mul(adl.ReserveRate)
}

// TotalReservedUsd sums reserve requirements across every market the pool
// backs.
func (p *Pool) TotalReservedUsd(marks MarkPrices) decimal.Decimal {
	total := decimal.Zero
	for _, id := range p.MarketIDs() {
		mark := marks[id]
		total = total.Add(p.ReservedUsd(id, mark))
	}
	return total
}

// --- Borrowing accrual ---

// Touch lazily advances the market's cumulated borrowing per USD to now.
// aumUsd and mark must be valued with the same injected prices the caller
// uses for the rest of the operation. Touching twice at the same timestamp
// is a no-op.
func (p *Pool) Touch(marketID string, aumUsd, mark decimal.Decimal, now time.Time) {
	ms := p.markets[marketID]
	if ms == nil {
		return
	}
	elapsed := int64(now.Sub(ms.LastUpdate) / time.Second)
	if elapsed <= 0 {
		return
	}
	if ms.TotalSize.IsPositive() {
		u := numeric.Utilization(p.ReservedUsd(marketID, mark), aumUsd)
		apy := p.Config.Curve.Apy(u)
		ms.CumulatedBorrowingPerUsd = ms.CumulatedBorrowingPerUsd.Add(numeric.Accrual(apy, elapsed))
	}
	ms.LastUpdate = now
}

// --- Exposure mutation (engine only) ---

// IncreaseExposure adds size at price to the market's exposure, blending
// the average entry price.
func (p *Pool) IncreaseExposure(marketID string, isLong bool, size, price decimal.Decimal, now time.Time) {
	ms := p.EnsureMarket(marketID, isLong, now)
	ms.AverageEntryPrice = numeric.WeightedBlend(ms.TotalSize, ms.AverageEntryPrice, size, price)
	ms.TotalSize = ms.TotalSize.Add(size)
}

// InheritExposure adds size received via reallocation, priced at the live
// mark, and flags the state so utilization values it at mark from then on.
func (p *Pool) InheritExposure(marketID string, isLong bool, size, mark decimal.Decimal, now time.Time) {
	ms := p.EnsureMarket(marketID, isLong, now)
	ms.AverageEntryPrice = numeric.WeightedBlend(ms.TotalSize, ms.AverageEntryPrice, size, mark)
	ms.TotalSize = ms.TotalSize.Add(size)
	ms.Inherited = true
}

// ReduceExposure removes size from the market's exposure. A market whose
// size falls to dust resets its entry basis entirely.
func (p *Pool) ReduceExposure(marketID string, size decimal.Decimal) {
	ms := p.markets[marketID]
	if ms == nil {
		return
	}
	ms.TotalSize = numeric.SubClamped(ms.TotalSize, size)
	if ms.TotalSize.LessThanOrEqual(p.dust) {
		ms.TotalSize = decimal.Zero
		ms.AverageEntryPrice = decimal.Zero
		ms.Inherited = false
	}
}

// --- LP share accounting ---

// ShareSupply returns total outstanding shares.
func (p *Pool) ShareSupply() decimal.Decimal {
	return p.shareSupply
}

// Shares returns an LP's share balance.
func (p *Pool) Shares(lp string) decimal.Decimal {
	return p.shareBalances[lp]
}

// Mint issues shares to an LP.
func (p *Pool) Mint(lp string, shares decimal.Decimal) {
	if !shares.IsPositive() {
		return
	}
	p.shareBalances[lp] = p.shareBalances[lp].Add(shares)
	p.shareSupply = p.shareSupply.Add(shares)
}

// Burn destroys shares held by an LP. Returns an error if the LP holds
// fewer than requested.
func (p *Pool) Burn(lp string, shares decimal.Decimal) error {
	bal := p.shareBalances[lp]
	if bal.LessThan(shares) {
		return fmt.Errorf("pool %s: lp %s holds %s shares, burn %s requested", p.ID, lp, bal, shares)
	}
	rest := bal.Sub(shares)
	if rest.LessThanOrEqual(p.dust) {
		delete(p.shareBalances, lp)
		// Residual dust shares leave supply with the holder entry removed.
		p.shareSupply = numeric.SubClamped(p.shareSupply, bal)
	} else {
		p.shareBalances[lp] = rest
		p.shareSupply = p.shareSupply.Sub(shares)
	}
	return nil
}

// --- Snapshot support ---

// Snapshot is the serializable pool state.
type Snapshot struct {
	ID            string                       `json:"id"`
	DepositToken  string                       `json:"deposit_token"`
	Liquidity     map[string]decimal.Decimal   `json:"liquidity"`
	ShareSupply   decimal.Decimal              `json:"share_supply"`
	ShareBalances map[string]decimal.Decimal   `json:"share_balances"`
	Markets       map[string]MarketStateRecord `json:"markets"`
}

// MarketStateRecord is the serializable form of MarketState.
type MarketStateRecord struct {
	IsLong                   bool            `json:"is_long"`
	TotalSize                decimal.Decimal `json:"total_size"`
	AverageEntryPrice        decimal.Decimal `json:"average_entry_price"`
	CumulatedBorrowingPerUsd decimal.Decimal `json:"cumulated_borrowing_per_usd"`
	LastUpdateUs             int64           `json:"last_update_us"`
	Inherited                bool            `json:"inherited"`
}

// Snapshot captures the pool's mutable state.
func (p *Pool) Snapshot() Snapshot {
	snap := Snapshot{
		ID:            p.ID,
		DepositToken:  p.DepositToken,
		Liquidity:     make(map[string]decimal.Decimal, len(p.liquidity)),
		ShareSupply:   p.shareSupply,
		ShareBalances: make(map[string]decimal.Decimal, len(p.shareBalances)),
		Markets:       make(map[string]MarketStateRecord, len(p.markets)),
	}
	for t, v := range p.liquidity {
		snap.Liquidity[t] = v
	}
	for lp, v := range p.shareBalances {
		snap.ShareBalances[lp] = v
	}
	for id, ms := range p.markets {
		snap.Markets[id] = MarketStateRecord{
			IsLong:                   ms.IsLong,
			TotalSize:                ms.TotalSize,
			AverageEntryPrice:        ms.AverageEntryPrice,
			CumulatedBorrowingPerUsd: ms.CumulatedBorrowingPerUsd,
			LastUpdateUs:             ms.LastUpdate.UnixMicro(),
			Inherited:                ms.Inherited,
		}
	}
	return snap
}

// Restore replaces the pool's mutable state from a snapshot.
func (p *Pool) Restore(snap Snapshot) {
	p.liquidity = make(map[string]decimal.Decimal, len(snap.Liquidity))
	for t, v := range snap.Liquidity {
		p.liquidity[t] = v
	}
	p.shareSupply = snap.ShareSupply
	p.shareBalances = make(map[string]decimal.Decimal, len(snap.ShareBalances))
	for lp, v := range snap.ShareBalances {
		p.shareBalances[lp] = v
	}
	p.markets = make(map[string]*MarketState, len(snap.Markets))
	for id, r := range snap.Markets {
		p.markets[id] = &MarketState{
			IsLong:                   r.IsLong,
			TotalSize:                r.TotalSize,
			AverageEntryPrice:        r.AverageEntryPrice,
			CumulatedBorrowingPerUsd: r.CumulatedBorrowingPerUsd,
			LastUpdate:               time.UnixMicro(r.LastUpdateUs),
			Inherited:                r.Inherited,
		}
	}
}
