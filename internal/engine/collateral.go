package engine

import (
	"sort"

	"github.com/shopspring/decimal"

	"PoolLedger/internal/account"
	"PoolLedger/internal/numeric"
	"PoolLedger/internal/oracle"
)

// CollateralStrategy decides the order in which an account's collateral
// tokens are drawn down when a USD-denominated charge is settled.
type CollateralStrategy interface {
	DebitOrder(tokens []string) []string
}

// Swapper converts a token amount into another token on behalf of a
// withdrawing party. Implementations call out to an external venue;
// a failed swap is recoverable and the caller falls back to paying the
// original token.
type Swapper interface {
	Swap(tokenIn, tokenOut string, amountIn decimal.Decimal) (decimal.Decimal, error)
}

// FeeRouter receives protocol fees as they are settled. Distribution to
// stakers, referrers and the treasury happens outside the ledger.
type FeeRouter interface {
	RouteFee(kind, token string, amount decimal.Decimal)
}

// TransferPort moves tokens across the ledger boundary, crediting or
// debiting the external custody layer.
type TransferPort interface {
	TransferIn(party, token string, amount decimal.Decimal) error
	TransferOut(party, token string, amount decimal.Decimal) error
}

// SortedDebitOrder draws collateral tokens in lexicographic order, which
// keeps charge settlement deterministic across replicas.
type SortedDebitOrder struct{}

func (SortedDebitOrder) DebitOrder(tokens []string) []string {
	out := make([]string, len(tokens))
	copy(out, tokens)
	sort.Strings(out)
	return out
}

// NopTransferPort accepts every transfer without side effects. Used when
// custody is reconciled asynchronously from the journal.
type NopTransferPort struct{}

func (NopTransferPort) TransferIn(string, string, decimal.Decimal) error  { return nil }
func (NopTransferPort) TransferOut(string, string, decimal.Decimal) error { return nil }

// CollectFees is a FeeRouter that accumulates routed fees per token.
type CollectFees struct {
	totals map[string]decimal.Decimal
}

func NewCollectFees() *CollectFees {
	return &CollectFees{totals: make(map[string]decimal.Decimal)}
}

func (c *CollectFees) RouteFee(_, token string, amount decimal.Decimal) {
	c.totals[token] = c.totals[token].Add(amount)
}

// Total returns the accumulated fee balance for a token.
func (c *CollectFees) Total(token string) decimal.Decimal { return c.totals[token] }

// chargeCollateralUsd draws a USD-denominated amount from the account's
// collateral tokens in strategy order, converting at oracle prices. It
// returns the token amounts actually debited and the USD value that
// could not be covered.
func chargeCollateralUsd(acct *account.Account, strategy CollateralStrategy, prices *oracle.PriceSet, usd decimal.Decimal) (paid []TokenAmount, shortfallUsd decimal.Decimal) {
	remaining := usd
	for _, token := range strategy.DebitOrder(acct.CollateralTokens()) {
		if !remaining.IsPositive() {
			break
		}
		price, err := prices.Price(token)
		if err != nil || !price.IsPositive() {
			continue
		}
		balance := acct.Collateral(token)
		wantTokens := remaining.Div(price)
		take := numeric.Min(wantTokens, balance)
		if !take.IsPositive() {
			continue
		}
		// The debit can sweep a sub-dust residue on top of take; journal
		// what actually left the account so the tracker stays in step.
		applied := acct.DebitCollateral(token, take)
		paid = append(paid, TokenAmount{Token: token, Amount: applied})
		remaining = numeric.SubClamped(remaining, applied.Mul(price))
	}
	return paid, remaining
}

// collateralValueUsd values every collateral balance at oracle prices.
// Tokens with no quote are valued at zero rather than failing the whole
// operation.
func collateralValueUsd(acct *account.Account, prices *oracle.PriceSet) decimal.Decimal {
	total := decimal.Zero
	for _, token := range acct.CollateralTokens() {
		price, err := prices.Price(token)
		if err != nil {
			continue
		}
		total = total.Add(acct.Collateral(token).Mul(price))
	}
	return total
}
