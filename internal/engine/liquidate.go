package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"PoolLedger/internal/account"
	"PoolLedger/internal/numeric"
	"PoolLedger/internal/oracle"
)

// LiquidateRequest force-closes every leg of an account that has fallen
// below maintenance margin.
type LiquidateRequest struct {
	AccountID string
}

// waterfall threads one running remaining-margin value through the
// liquidation steps. Each charge is clipped to what remains; once
// exhausted, later steps in the sequence receive nothing.
type waterfall struct {
	remainingUsd decimal.Decimal
}

// charge consumes up to usd from the remaining margin and reports the
// applied and unmet portions.
func (w *waterfall) charge(usd decimal.Decimal) (applied, shortfall decimal.Decimal) {
	applied = numeric.Min(usd, w.remainingUsd)
	applied = numeric.ClampFloor(applied)
	w.remainingUsd = w.remainingUsd.Sub(applied)
	return applied, usd.Sub(applied)
}

// credit returns margin to the pot (trader profit realized during the
// waterfall).
func (w *waterfall) credit(usd decimal.Decimal) {
	w.remainingUsd = w.remainingUsd.Add(usd)
}

// Liquidate settles every position of a maintenance-unsafe account. The
// waterfall order per leg is PnL transfer, then borrowing fee, then
// liquidation fee; each step is clipped by the remaining margin and a
// clipped step is a distinct settlement outcome, never an error.
func (e *Engine) Liquidate(req LiquidateRequest, prices *oracle.PriceSet, now time.Time) (*LiquidateResult, error) {
	acct := e.accounts.Get(req.AccountID)
	if acct == nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, req.AccountID)
	}

	g := e.begin(req.AccountID, e.accountPoolIDs(acct)...)
	if err := e.touchAccountMarkets(acct, prices, now); err != nil {
		return nil, g.rollback(err)
	}
	sum, err := e.margin(acct, prices)
	if err != nil {
		return nil, g.rollback(err)
	}
	if sum.MaintenanceSafe() {
		return nil, g.rollback(fmt.Errorf("%w: balance %s above maintenance %s",
			ErrSafePositionAccount, sum.Balance(), sum.MaintenanceUsd))
	}

	w := &waterfall{remainingUsd: sum.CollateralUsd}
	var (
		settlements []LegSettlement
		movements   []Movement
	)
	for _, marketID := range acct.MarketIDs() {
		m := e.markets.Get(marketID)
		mark, err := e.markFor(m, prices)
		if err != nil {
			return nil, g.rollback(err)
		}
		settlePrice, err := prices.Price(m.Config.SettlementToken)
		if err != nil {
			return nil, g.rollback(err)
		}
		token := m.Config.SettlementToken

		for _, leg := range acct.Position(marketID).Legs {
			p := e.pools[leg.PoolID]
			if p == nil {
				return nil, g.rollback(fmt.Errorf("%w: %s", ErrPoolNotFound, leg.PoolID))
			}
			size := leg.Size
			st := LegSettlement{PoolID: leg.PoolID, ClosedSize: size}

			pnlUsd := legPnlUsd(m, leg, mark)
			st.PnlUsd = pnlUsd
			switch {
			case pnlUsd.IsPositive():
				want := pnlUsd.Div(settlePrice)
				applied := p.Debit(token, want)
				st.PnlShortfallUsd = want.Sub(applied).Mul(settlePrice)
				if applied.IsPositive() {
					acct.CreditCollateral(token, applied)
					w.credit(applied.Mul(settlePrice))
					movements = append(movements, Movement{
						Kind: MovePnlToAccount, Token: token, Amount: applied,
						Debit: poolParty(p.ID), Credit: accountParty(acct.ID),
					})
				}
			case pnlUsd.IsNegative():
				appliedUsd, clipped := w.charge(pnlUsd.Neg())
				paid, uncovered := chargeCollateralUsd(acct, e.strategy, prices, appliedUsd)
				st.PnlShortfallUsd = clipped.Add(uncovered)
				w.credit(uncovered) // the pot never exceeds what collateral covers
				for _, ta := range paid {
					p.Credit(ta.Token, ta.Amount)
					movements = append(movements, Movement{
						Kind: MovePnlToPool, Token: ta.Token, Amount: ta.Amount,
						Debit: accountParty(acct.ID), Credit: poolParty(p.ID),
					})
				}
			}

			feeUsd := e.legBorrowingFeeUsd(leg, marketID, mark)
			appliedUsd, _ := w.charge(feeUsd)
			st.BorrowingFeeUsd = appliedUsd
			if appliedUsd.IsPositive() {
				paid, uncovered := chargeCollateralUsd(acct, e.strategy, prices, appliedUsd)
				w.credit(uncovered)
				st.BorrowingFeeUsd = appliedUsd.Sub(uncovered)
				for _, ta := range paid {
					e.fees.RouteFee(MoveBorrowingFee, ta.Token, ta.Amount)
					movements = append(movements, Movement{
						Kind: MoveBorrowingFee, Token: ta.Token, Amount: ta.Amount,
						Debit: accountParty(acct.ID), Credit: feeParty,
					})
				}
			}

			liqFeeUsd := m.Config.LiquidationFeeRate.Mul(size).Mul(mark)
			appliedUsd, _ = w.charge(liqFeeUsd)
			st.LiquidationFeeUsd = appliedUsd
			if appliedUsd.IsPositive() {
				paid, uncovered := chargeCollateralUsd(acct, e.strategy, prices, appliedUsd)
				w.credit(uncovered)
				st.LiquidationFeeUsd = appliedUsd.Sub(uncovered)
				for _, ta := range paid {
					e.fees.RouteFee(MoveLiquidationFee, ta.Token, ta.Amount)
					movements = append(movements, Movement{
						Kind: MoveLiquidationFee, Token: ta.Token, Amount: ta.Amount,
						Debit: accountParty(acct.ID), Credit: feeParty,
					})
				}
			}

			p.ReduceExposure(marketID, size)
			account.ZeroLeg(leg)
			settlements = append(settlements, st)
		}
	}
	acct.Compact()

	var residual []TokenAmount
	for _, t := range acct.CollateralTokens() {
		residual = append(residual, TokenAmount{Token: t, Amount: acct.Collateral(t)})
	}
	e.accounts.Sweep()

	e.log.Info().Str("account", req.AccountID).
		Stringer("margin_balance", sum.Balance()).Stringer("maintenance", sum.MaintenanceUsd).
		Int("legs", len(settlements)).Msg("account liquidated")
	return &LiquidateResult{
		AccountID:          req.AccountID,
		MarginBalanceUsd:   sum.Balance(),
		MaintenanceUsd:     sum.MaintenanceUsd,
		Settlements:        settlements,
		ResidualCollateral: residual,
		Movements:          movements,
	}, nil
}
