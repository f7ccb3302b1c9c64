package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"PoolLedger/internal/oracle"
)

// AdlRequest force-closes a position's over-profitable legs to protect
// the backing pools. Invoked by a privileged keeper, not the trader.
type AdlRequest struct {
	AccountID string
	MarketID  string
}

// IsDeleverageAllowed reports whether any leg's uncapped PnL ratio
// exceeds its backing pool's ADL trigger. The predicate is per leg:
// profit concentration in one pool is actionable even while the
// aggregate position is moderate.
func (e *Engine) IsDeleverageAllowed(accountID, marketID string, prices *oracle.PriceSet) (bool, error) {
	acct := e.accounts.Get(accountID)
	if acct == nil {
		return false, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	pos := acct.Position(marketID)
	if pos == nil {
		return false, nil
	}
	m := e.markets.Get(marketID)
	if m == nil {
		return false, fmt.Errorf("%w: %s", ErrMarketNotFound, marketID)
	}
	mark, err := e.markFor(m, prices)
	if err != nil {
		return false, err
	}
	for _, leg := range pos.Legs {
		ok, err := e.legTriggersAdl(marketID, leg.PoolID, legPnlUsd(m, leg, mark), leg.Size.Mul(leg.EntryPrice))
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) legTriggersAdl(marketID, poolID string, pnlUsd, entryNotionalUsd decimal.Decimal) (bool, error) {
	p := e.pools[poolID]
	if p == nil {
		return false, fmt.Errorf("%w: %s", ErrPoolNotFound, poolID)
	}
	adl, err := p.AdlFor(marketID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrEssentialConfigNotSet, err)
	}
	if !entryNotionalUsd.IsPositive() || !pnlUsd.IsPositive() {
		return false, nil
	}
	return pnlUsd.Div(entryNotionalUsd).GreaterThan(adl.TriggerRate), nil
}

// FillAdl force-closes every trigger-eligible leg in full, with realized
// PnL capped at maxPnlRate times the leg's entry notional. Beyond the
// cap the fill follows the same settlement path as a voluntary close.
func (e *Engine) FillAdl(req AdlRequest, prices *oracle.PriceSet, now time.Time) (*CloseResult, error) {
	m := e.markets.Get(req.MarketID)
	if m == nil {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, req.MarketID)
	}
	if err := m.ValidateConfig(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEssentialConfigNotSet, err)
	}
	acct := e.accounts.Get(req.AccountID)
	if acct == nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, req.AccountID)
	}
	pos := acct.Position(req.MarketID)
	if pos == nil {
		return nil, fmt.Errorf("%w: no position in %s", ErrAdlNotEligible, req.MarketID)
	}
	mark, err := e.markFor(m, prices)
	if err != nil {
		return nil, err
	}
	settlePrice, err := prices.Price(m.Config.SettlementToken)
	if err != nil {
		return nil, err
	}

	g := e.begin(req.AccountID, m.BackingPools...)
	if err := e.touchBackingPools(m, prices, now); err != nil {
		return nil, g.rollback(err)
	}

	var (
		settlements []LegSettlement
		movements   []Movement
		closed      decimal.Decimal
	)
	for _, leg := range pos.Legs {
		entryNotional := leg.Size.Mul(leg.EntryPrice)
		eligible, err := e.legTriggersAdl(req.MarketID, leg.PoolID, legPnlUsd(m, leg, mark), entryNotional)
		if err != nil {
			return nil, g.rollback(err)
		}
		if !eligible {
			continue
		}
		p := e.pools[leg.PoolID]
		adl, _ := p.AdlFor(req.MarketID)
		cap := adl.MaxPnlRate.Mul(entryNotional)
		st, mv := e.settleLegClose(acct, m, leg, leg.Size, mark, settlePrice, &cap, prices)
		settlements = append(settlements, st)
		movements = append(movements, mv...)
		closed = closed.Add(st.ClosedSize)
	}
	if len(settlements) == 0 {
		return nil, g.rollback(fmt.Errorf("%w: no leg above trigger for %s/%s",
			ErrAdlNotEligible, req.AccountID, req.MarketID))
	}
	acct.Compact()
	e.accounts.Sweep()

	e.log.Info().Str("account", req.AccountID).Str("market", req.MarketID).
		Stringer("closed", closed).Int("legs", len(settlements)).Msg("position auto-deleveraged")
	return &CloseResult{
		AccountID:   req.AccountID,
		MarketID:    req.MarketID,
		Size:        closed,
		MarkPrice:   mark,
		Settlements: settlements,
		Movements:   movements,
	}, nil
}
