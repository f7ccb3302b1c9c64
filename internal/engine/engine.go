// Package engine is the accounting core. Every operation is a pure
// function of (state, request, prices, now): prices and timestamps are
// injected by the caller, never read from the clock or a feed, so a
// replayed event stream always reproduces the same state.
package engine

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"PoolLedger/internal/account"
	"PoolLedger/internal/market"
	"PoolLedger/internal/numeric"
	"PoolLedger/internal/oracle"
	"PoolLedger/internal/pool"
)

// Config carries engine-wide tunables.
type Config struct {
	// DustThreshold is the residual below which balances and leg sizes
	// are treated as fully closed.
	DustThreshold decimal.Decimal
}

// DefaultDustThreshold matches the exponent the external custody layer
// truncates at.
func DefaultDustThreshold() decimal.Decimal {
	return decimal.New(1, -6)
}

// Engine binds the market registry, the pools and the account store and
// applies operations to them. It is single-writer: the serialized
// processor is the only caller of its mutating methods.
type Engine struct {
	markets  *market.Registry
	pools    map[string]*pool.Pool
	accounts *account.Store

	strategy CollateralStrategy
	fees     FeeRouter
	swapper  Swapper
	port     TransferPort

	cfg Config
	log zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithSwapper installs the venue used for withdraw-time token conversion.
func WithSwapper(s Swapper) Option { return func(e *Engine) { e.swapper = s } }

// WithTransferPort installs the custody boundary adapter.
func WithTransferPort(p TransferPort) Option { return func(e *Engine) { e.port = p } }

// WithStrategy overrides the collateral debit order.
func WithStrategy(s CollateralStrategy) Option { return func(e *Engine) { e.strategy = s } }

func New(markets *market.Registry, fees FeeRouter, cfg Config, log zerolog.Logger, opts ...Option) *Engine {
	if cfg.DustThreshold.IsZero() {
		cfg.DustThreshold = DefaultDustThreshold()
	}
	e := &Engine{
		markets:  markets,
		pools:    make(map[string]*pool.Pool),
		accounts: account.NewStore(cfg.DustThreshold),
		strategy: SortedDebitOrder{},
		fees:     fees,
		port:     NopTransferPort{},
		cfg:      cfg,
		log:      log.With().Str("component", "engine").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddPool registers a pool with the engine.
func (e *Engine) AddPool(p *pool.Pool) {
	e.pools[p.ID] = p
}

// Pool returns a registered pool or nil.
func (e *Engine) Pool(id string) *pool.Pool {
	return e.pools[id]
}

// Markets exposes the registry for the query side.
func (e *Engine) Markets() *market.Registry { return e.markets }

// Accounts exposes the account store for the query side and snapshotter.
func (e *Engine) Accounts() *account.Store { return e.accounts }

// Dust returns the configured dust threshold.
func (e *Engine) Dust() decimal.Decimal { return e.cfg.DustThreshold }

// Ledger party paths used in movements and journal rows.
func accountParty(id string) string { return "account:" + id }
func poolParty(id string) string    { return "pool:" + id }

const (
	feeParty      = "fees"
	externalParty = "external"
)

// --- Pricing helpers ---

// markFor returns the market's current mark price from the injected set.
func (e *Engine) markFor(m *market.Market, prices *oracle.PriceSet) (decimal.Decimal, error) {
	return prices.Price(m.Config.OracleAssetID)
}

// marksFor assembles marketID → mark for every market the pool has state
// for, required before any pool valuation.
func (e *Engine) marksFor(p *pool.Pool, prices *oracle.PriceSet) (pool.MarkPrices, error) {
	marks := make(pool.MarkPrices)
	for _, id := range p.MarketIDs() {
		m := e.markets.Get(id)
		if m == nil {
			return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, id)
		}
		mark, err := e.markFor(m, prices)
		if err != nil {
			return nil, err
		}
		marks[id] = mark
	}
	return marks, nil
}

// touchBackingPools lazily accrues borrowing on every pool backing the
// market, valuing each pool's AUM with the same injected prices.
func (e *Engine) touchBackingPools(m *market.Market, prices *oracle.PriceSet, now time.Time) error {
	mark, err := e.markFor(m, prices)
	if err != nil {
		return err
	}
	for _, poolID := range m.BackingPools {
		p := e.pools[poolID]
		if p == nil {
			return fmt.Errorf("%w: %s", ErrPoolNotFound, poolID)
		}
		if p.Market(m.ID) == nil {
			continue
		}
		marks, err := e.marksFor(p, prices)
		if err != nil {
			return err
		}
		aum, err := p.AumUsd(prices, marks)
		if err != nil {
			return err
		}
		p.Touch(m.ID, aum, mark, now)
	}
	return nil
}

// touchAccountMarkets accrues borrowing for every market the account has
// exposure in. Used by withdraw and liquidation, which value the whole
// account.
func (e *Engine) touchAccountMarkets(acct *account.Account, prices *oracle.PriceSet, now time.Time) error {
	for _, marketID := range acct.MarketIDs() {
		m := e.markets.Get(marketID)
		if m == nil {
			return fmt.Errorf("%w: %s", ErrMarketNotFound, marketID)
		}
		if err := e.touchBackingPools(m, prices, now); err != nil {
			return err
		}
	}
	return nil
}

// --- Margin ---

// legPnlUsd is the trader's unrealized PnL on one leg, signed from the
// trader's point of view.
func legPnlUsd(m *market.Market, leg *account.PoolLeg, mark decimal.Decimal) decimal.Decimal {
	return mark.Sub(leg.EntryPrice).Mul(leg.Size).Mul(m.SideSign())
}

// legBorrowingFeeUsd is the fee accrued on the leg since its last
// settlement, valued at the live mark.
func (e *Engine) legBorrowingFeeUsd(leg *account.PoolLeg, marketID string, mark decimal.Decimal) decimal.Decimal {
	p := e.pools[leg.PoolID]
	if p == nil {
		return decimal.Zero
	}
	ms := p.Market(marketID)
	if ms == nil {
		return decimal.Zero
	}
	owed := ms.CumulatedBorrowingPerUsd.Sub(leg.EntryBorrowingPerUsd).Mul(leg.Size).Mul(mark)
	return numeric.ClampFloor(owed)
}

// MarginSummary is the account-wide margin picture at one price set.
type MarginSummary struct {
	CollateralUsd    decimal.Decimal
	UnrealizedPnlUsd decimal.Decimal
	BorrowingFeeUsd  decimal.Decimal
	EntryNotionalUsd decimal.Decimal
	MarkNotionalUsd  decimal.Decimal
	InitialUsd       decimal.Decimal // required initial margin
	MaintenanceUsd   decimal.Decimal // required maintenance margin
}

// Balance is collateral plus uncapped unrealized PnL minus pending
// borrowing fees.
func (s MarginSummary) Balance() decimal.Decimal {
	return s.CollateralUsd.Add(s.UnrealizedPnlUsd).Sub(s.BorrowingFeeUsd)
}

// InitialSafe reports whether the account clears the entry-priced initial
// margin requirement.
func (s MarginSummary) InitialSafe() bool {
	return !s.Balance().LessThan(s.InitialUsd)
}

// MaintenanceSafe reports whether the account clears the mark-priced
// maintenance requirement.
func (s MarginSummary) MaintenanceSafe() bool {
	return !s.Balance().LessThan(s.MaintenanceUsd)
}

// margin computes the account-wide summary. Initial margin is measured on
// entry notional so a mark rally alone never unlocks extra withdrawals;
// maintenance is measured on mark notional.
func (e *Engine) margin(acct *account.Account, prices *oracle.PriceSet) (MarginSummary, error) {
	sum := MarginSummary{CollateralUsd: collateralValueUsd(acct, prices)}
	for _, marketID := range acct.MarketIDs() {
		m := e.markets.Get(marketID)
		if m == nil {
			return MarginSummary{}, fmt.Errorf("%w: %s", ErrMarketNotFound, marketID)
		}
		mark, err := e.markFor(m, prices)
		if err != nil {
			return MarginSummary{}, err
		}
		for _, leg := range acct.Position(marketID).Legs {
			entryNotional := leg.Size.Mul(leg.EntryPrice)
			markNotional := leg.Size.Mul(mark)
			sum.UnrealizedPnlUsd = sum.UnrealizedPnlUsd.Add(legPnlUsd(m, leg, mark))
			sum.BorrowingFeeUsd = sum.BorrowingFeeUsd.Add(e.legBorrowingFeeUsd(leg, marketID, mark))
			sum.EntryNotionalUsd = sum.EntryNotionalUsd.Add(entryNotional)
			sum.MarkNotionalUsd = sum.MarkNotionalUsd.Add(markNotional)
			sum.InitialUsd = sum.InitialUsd.Add(entryNotional.Mul(m.Config.InitialMarginRate))
			sum.MaintenanceUsd = sum.MaintenanceUsd.Add(markNotional.Mul(m.Config.MaintenanceMarginRate))
		}
	}
	return sum, nil
}

// Margin exposes the account margin picture to the query side.
func (e *Engine) Margin(accountID string, prices *oracle.PriceSet) (MarginSummary, error) {
	acct := e.accounts.Get(accountID)
	if acct == nil {
		return MarginSummary{}, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	return e.margin(acct, prices)
}

// --- Rollback guard ---

// guard snapshots the account and the pools an operation may mutate so a
// solvency failure mid-settlement restores them. Operations either commit
// or leave no observable change.
type guard struct {
	e         *Engine
	accountID string
	acct      *account.Account // deep copy, nil if the account did not exist
	pools     map[string]pool.Snapshot
}

func (e *Engine) begin(accountID string, poolIDs ...string) *guard {
	g := &guard{e: e, accountID: accountID, pools: make(map[string]pool.Snapshot, len(poolIDs))}
	if accountID != "" {
		if acct := e.accounts.Get(accountID); acct != nil {
			g.acct = acct.Clone()
		}
	}
	for _, id := range poolIDs {
		if p := e.pools[id]; p != nil {
			if _, done := g.pools[id]; !done {
				g.pools[id] = p.Snapshot()
			}
		}
	}
	return g
}

// rollback restores every guarded entity and returns err for convenience.
func (g *guard) rollback(err error) error {
	if g.accountID != "" {
		g.e.accounts.Replace(g.accountID, g.acct)
	}
	for id, snap := range g.pools {
		g.e.pools[id].Restore(snap)
	}
	return err
}
