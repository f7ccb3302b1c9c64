package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"PoolLedger/internal/account"
	"PoolLedger/internal/oracle"
)

// DepositRequest adds collateral to a position account, creating the
// account on first use.
type DepositRequest struct {
	AccountID string
	Token     string
	Amount    decimal.Decimal
}

// WithdrawRequest removes collateral. SwapTo optionally converts the
// payout into another token; a failed swap falls back to paying Token.
type WithdrawRequest struct {
	AccountID string
	Token     string
	Amount    decimal.Decimal
	SwapTo    string
}

// Deposit credits collateral. The external transfer is accepted before
// the ledger credit so a custody failure never mints phantom collateral.
func (e *Engine) Deposit(req DepositRequest, prices *oracle.PriceSet, now time.Time) (*TransferResult, error) {
	if !req.Amount.IsPositive() {
		return nil, ErrZeroAmount
	}
	if err := e.port.TransferIn(accountParty(req.AccountID), req.Token, req.Amount); err != nil {
		return nil, fmt.Errorf("transfer in: %w", err)
	}
	acct := e.accounts.GetOrCreate(req.AccountID)
	acct.CreditCollateral(req.Token, req.Amount)

	e.log.Debug().Str("account", req.AccountID).Str("token", req.Token).
		Stringer("amount", req.Amount).Msg("collateral deposited")
	return &TransferResult{
		AccountID: req.AccountID,
		Token:     req.Token,
		Amount:    req.Amount,
		Movements: []Movement{{
			Kind: MoveDeposit, Token: req.Token, Amount: req.Amount,
			Debit: externalParty, Credit: accountParty(req.AccountID),
		}},
	}, nil
}

// Withdraw settles pending borrowing fees, debits the requested amount
// and re-checks the entry-priced initial margin requirement. The payout
// leaves through the transfer port, optionally swapped.
func (e *Engine) Withdraw(req WithdrawRequest, prices *oracle.PriceSet, now time.Time) (*TransferResult, error) {
	if !req.Amount.IsPositive() {
		return nil, ErrZeroAmount
	}
	acct := e.accounts.Get(req.AccountID)
	if acct == nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, req.AccountID)
	}

	g := e.begin(req.AccountID, e.accountPoolIDs(acct)...)
	if err := e.touchAccountMarkets(acct, prices, now); err != nil {
		return nil, g.rollback(err)
	}

	movements, _, err := e.settleAccountBorrowing(acct, prices)
	if err != nil {
		return nil, g.rollback(err)
	}

	if acct.Collateral(req.Token).LessThan(req.Amount) {
		return nil, g.rollback(fmt.Errorf("%w: %s %s requested, %s held",
			ErrInsufficientCollateralUsd, req.Amount, req.Token, acct.Collateral(req.Token)))
	}
	// The debit sweeps any sub-dust residue along with the request; the
	// swept total is what leaves the ledger.
	applied := acct.DebitCollateral(req.Token, req.Amount)

	sum, err := e.margin(acct, prices)
	if err != nil {
		return nil, g.rollback(err)
	}
	if !sum.InitialSafe() {
		return nil, g.rollback(fmt.Errorf("%w: balance %s below initial margin %s",
			ErrUnsafePositionAccount, sum.Balance(), sum.InitialUsd))
	}

	paid, err := e.payOut(accountParty(req.AccountID), req.Token, applied, req.SwapTo)
	if err != nil {
		return nil, g.rollback(err)
	}
	movements = append(movements, Movement{
		Kind: MoveWithdraw, Token: req.Token, Amount: applied,
		Debit: accountParty(req.AccountID), Credit: externalParty,
	})
	e.accounts.Sweep()

	e.log.Debug().Str("account", req.AccountID).Str("token", req.Token).
		Stringer("amount", applied).Msg("collateral withdrawn")
	return &TransferResult{
		AccountID: req.AccountID,
		Token:     req.Token,
		Amount:    applied,
		Paid:      paid,
		Movements: movements,
	}, nil
}

// accountPoolIDs returns every pool backing any market the account has a
// position in.
func (e *Engine) accountPoolIDs(acct *account.Account) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, marketID := range acct.MarketIDs() {
		m := e.markets.Get(marketID)
		if m == nil {
			continue
		}
		for _, poolID := range m.BackingPools {
			if !seen[poolID] {
				seen[poolID] = true
				ids = append(ids, poolID)
			}
		}
	}
	return ids
}

// settleAccountBorrowing charges every leg's accrued borrowing fee
// against collateral and resets the legs' entry borrowing markers.
// Returns ErrInsufficientCollateralUsd if collateral cannot cover.
func (e *Engine) settleAccountBorrowing(acct *account.Account, prices *oracle.PriceSet) ([]Movement, decimal.Decimal, error) {
	var movements []Movement
	totalUsd := decimal.Zero
	for _, marketID := range acct.MarketIDs() {
		m := e.markets.Get(marketID)
		if m == nil {
			return nil, decimal.Zero, fmt.Errorf("%w: %s", ErrMarketNotFound, marketID)
		}
		mark, err := e.markFor(m, prices)
		if err != nil {
			return nil, decimal.Zero, err
		}
		for _, leg := range acct.Position(marketID).Legs {
			feeUsd := e.legBorrowingFeeUsd(leg, marketID, mark)
			if !feeUsd.IsPositive() {
				continue
			}
			paid, shortfall := chargeCollateralUsd(acct, e.strategy, prices, feeUsd)
			if shortfall.GreaterThan(e.cfg.DustThreshold) {
				return nil, decimal.Zero, fmt.Errorf("%w: borrowing fee %s uncovered by %s",
					ErrInsufficientCollateralUsd, feeUsd, shortfall)
			}
			for _, ta := range paid {
				e.fees.RouteFee(MoveBorrowingFee, ta.Token, ta.Amount)
				movements = append(movements, Movement{
					Kind: MoveBorrowingFee, Token: ta.Token, Amount: ta.Amount,
					Debit: accountParty(acct.ID), Credit: feeParty,
				})
			}
			if p := e.pools[leg.PoolID]; p != nil {
				if ms := p.Market(marketID); ms != nil {
					leg.EntryBorrowingPerUsd = ms.CumulatedBorrowingPerUsd
				}
			}
			totalUsd = totalUsd.Add(feeUsd)
		}
	}
	return movements, totalUsd, nil
}

// payOut sends tokens through the transfer port, converting via the swap
// venue when requested. A failed swap is recoverable: the payout falls
// back to the original token.
func (e *Engine) payOut(party, token string, amount decimal.Decimal, swapTo string) ([]TokenAmount, error) {
	outToken, outAmount := token, amount
	if swapTo != "" && swapTo != token && e.swapper != nil {
		converted, err := e.swapper.Swap(token, swapTo, amount)
		if err != nil {
			e.log.Warn().Err(err).Str("token_in", token).Str("token_out", swapTo).
				Msg("swap failed, paying original token")
		} else {
			outToken, outAmount = swapTo, converted
		}
	}
	if err := e.port.TransferOut(party, outToken, outAmount); err != nil {
		return nil, fmt.Errorf("transfer out: %w", err)
	}
	return []TokenAmount{{Token: outToken, Amount: outAmount}}, nil
}
