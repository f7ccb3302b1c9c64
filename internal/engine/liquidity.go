package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"PoolLedger/internal/oracle"
	"PoolLedger/internal/pool"
)

// LiquidityRequest adds or removes LP liquidity in the pool's deposit
// token. For removals Amount is a share count.
type LiquidityRequest struct {
	PoolID    string
	AccountID string
	Amount    decimal.Decimal
}

// AddLiquidity mints shares at the capped NAV for the deposit net of the
// liquidity fee.
func (e *Engine) AddLiquidity(req LiquidityRequest, prices *oracle.PriceSet, now time.Time) (*LiquidityResult, error) {
	p := e.pools[req.PoolID]
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, req.PoolID)
	}
	if !req.Amount.IsPositive() {
		return nil, ErrZeroAmount
	}
	token := p.DepositToken
	tokenPrice, err := prices.Price(token)
	if err != nil {
		return nil, err
	}

	g := e.begin("", req.PoolID)
	marks, err := e.touchPool(p, prices, now)
	if err != nil {
		return nil, g.rollback(err)
	}
	nav, err := p.NavPrice(prices, marks)
	if err != nil {
		return nil, g.rollback(err)
	}
	if !nav.IsPositive() {
		return nil, g.rollback(fmt.Errorf("%w: pool %s nav is zero", ErrInsufficientLiquidity, req.PoolID))
	}

	fee := req.Amount.Mul(p.Config.LiquidityFeeRate)
	net := req.Amount.Sub(fee)
	shares := net.Mul(tokenPrice).Div(nav)
	if !shares.IsPositive() {
		return nil, g.rollback(ErrZeroAmount)
	}
	if err := e.port.TransferIn(poolParty(req.PoolID), token, req.Amount); err != nil {
		return nil, g.rollback(fmt.Errorf("transfer in: %w", err))
	}
	p.Credit(token, net)
	p.Mint(req.AccountID, shares)
	movements := []Movement{{
		Kind: MoveLiquidityAdd, Token: token, Amount: net,
		Debit: externalParty, Credit: poolParty(req.PoolID),
	}}
	if fee.IsPositive() {
		e.fees.RouteFee(MoveLiquidityFee, token, fee)
		movements = append(movements, Movement{
			Kind: MoveLiquidityFee, Token: token, Amount: fee,
			Debit: externalParty, Credit: feeParty,
		})
	}

	e.log.Debug().Str("pool", req.PoolID).Str("lp", req.AccountID).
		Stringer("amount", req.Amount).Stringer("shares", shares).Stringer("nav", nav).
		Msg("liquidity added")
	return &LiquidityResult{
		PoolID:    req.PoolID,
		AccountID: req.AccountID,
		Token:     token,
		Amount:    net,
		Shares:    shares,
		NavPrice:  nav,
		FeeUsd:    fee.Mul(tokenPrice),
		Movements: movements,
	}, nil
}

// RemoveLiquidity burns shares and pays out at the capped NAV, refusing
// redemptions that would leave the pool below its reserve requirement.
func (e *Engine) RemoveLiquidity(req LiquidityRequest, prices *oracle.PriceSet, now time.Time) (*LiquidityResult, error) {
	p := e.pools[req.PoolID]
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, req.PoolID)
	}
	if !req.Amount.IsPositive() {
		return nil, ErrZeroAmount
	}
	if p.Shares(req.AccountID).LessThan(req.Amount) {
		return nil, fmt.Errorf("%w: lp %s holds %s shares", ErrInsufficientLiquidity, req.AccountID, p.Shares(req.AccountID))
	}
	token := p.DepositToken
	tokenPrice, err := prices.Price(token)
	if err != nil {
		return nil, err
	}

	g := e.begin("", req.PoolID)
	marks, err := e.touchPool(p, prices, now)
	if err != nil {
		return nil, g.rollback(err)
	}
	nav, err := p.NavPrice(prices, marks)
	if err != nil {
		return nil, g.rollback(err)
	}

	grossTokens := req.Amount.Mul(nav).Div(tokenPrice)
	fee := grossTokens.Mul(p.Config.LiquidityFeeRate)
	netTokens := grossTokens.Sub(fee)

	aum, err := p.AumUsd(prices, marks)
	if err != nil {
		return nil, g.rollback(err)
	}
	postAum := aum.Sub(grossTokens.Mul(tokenPrice))
	if postAum.LessThan(p.TotalReservedUsd(marks)) {
		return nil, g.rollback(fmt.Errorf("%w: post-redemption aum %s below reserve %s",
			ErrInsufficientLiquidity, postAum, p.TotalReservedUsd(marks)))
	}
	if p.Liquidity(token).LessThan(grossTokens) {
		return nil, g.rollback(fmt.Errorf("%w: pool holds %s %s, redemption needs %s",
			ErrInsufficientLiquidity, p.Liquidity(token), token, grossTokens))
	}

	if err := p.Burn(req.AccountID, req.Amount); err != nil {
		return nil, g.rollback(fmt.Errorf("%w: %v", ErrInsufficientLiquidity, err))
	}
	p.Debit(token, grossTokens)
	if err := e.port.TransferOut(accountParty(req.AccountID), token, netTokens); err != nil {
		return nil, g.rollback(fmt.Errorf("transfer out: %w", err))
	}
	movements := []Movement{{
		Kind: MoveLiquidityOut, Token: token, Amount: netTokens,
		Debit: poolParty(req.PoolID), Credit: externalParty,
	}}
	if fee.IsPositive() {
		e.fees.RouteFee(MoveLiquidityFee, token, fee)
		movements = append(movements, Movement{
			Kind: MoveLiquidityFee, Token: token, Amount: fee,
			Debit: poolParty(req.PoolID), Credit: feeParty,
		})
	}

	e.log.Debug().Str("pool", req.PoolID).Str("lp", req.AccountID).
		Stringer("shares", req.Amount).Stringer("paid", netTokens).Stringer("nav", nav).
		Msg("liquidity removed")
	return &LiquidityResult{
		PoolID:    req.PoolID,
		AccountID: req.AccountID,
		Token:     token,
		Amount:    netTokens,
		Shares:    req.Amount,
		NavPrice:  nav,
		FeeUsd:    fee.Mul(tokenPrice),
		Movements: movements,
	}, nil
}

// touchPool accrues borrowing for every market the pool backs and
// returns the mark set used for the valuation.
func (e *Engine) touchPool(p *pool.Pool, prices *oracle.PriceSet, now time.Time) (pool.MarkPrices, error) {
	marks, err := e.marksFor(p, prices)
	if err != nil {
		return nil, err
	}
	for _, marketID := range p.MarketIDs() {
		aum, err := p.AumUsd(prices, marks)
		if err != nil {
			return nil, err
		}
		p.Touch(marketID, aum, marks[marketID], now)
	}
	return marks, nil
}
