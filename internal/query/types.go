package query

import "github.com/shopspring/decimal"

// CollateralBalance is one token balance of a position account.
type CollateralBalance struct {
	AccountID    string          `json:"account_id"`
	Token        string          `json:"token"`
	Amount       decimal.Decimal `json:"amount"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

// PositionLegResponse is one pool leg of an open position.
type PositionLegResponse struct {
	AccountID            string          `json:"account_id"`
	MarketID             string          `json:"market_id"`
	PoolID               string          `json:"pool_id"`
	Size                 decimal.Decimal `json:"size"`
	EntryPrice           decimal.Decimal `json:"entry_price"`
	EntryBorrowingPerUsd decimal.Decimal `json:"entry_borrowing_per_usd"`
	AsOfSequence         int64           `json:"as_of_sequence"`
}

// ActiveAccountsResponse is a deterministic page of accounts holding
// open positions.
type ActiveAccountsResponse struct {
	AccountIDs   []string `json:"account_ids"`
	Offset       int      `json:"offset"`
	Limit        int      `json:"limit"`
	AsOfSequence int64    `json:"as_of_sequence"`
}

// MarketStateResponse is one pool's exposure slice for a market.
type MarketStateResponse struct {
	PoolID                   string          `json:"pool_id"`
	MarketID                 string          `json:"market_id"`
	IsLong                   bool            `json:"is_long"`
	TotalSize                decimal.Decimal `json:"total_size"`
	AverageEntryPrice        decimal.Decimal `json:"average_entry_price"`
	CumulatedBorrowingPerUsd decimal.Decimal `json:"cumulated_borrowing_per_usd"`
	LastUpdateUs             int64           `json:"last_update_us"`
	Inherited                bool            `json:"inherited"`
	AsOfSequence             int64           `json:"as_of_sequence"`
}

// PoolAumResponse carries both AUM readings: the uncapped value used
// for settlement and the capped estimate used for NAV pricing.
type PoolAumResponse struct {
	PoolID          string          `json:"pool_id"`
	DepositToken    string          `json:"deposit_token"`
	AumUsd          decimal.Decimal `json:"aum_usd"`
	EstimatedAumUsd decimal.Decimal `json:"estimated_aum_usd"`
	NavPrice        decimal.Decimal `json:"nav_price"`
	ShareSupply     decimal.Decimal `json:"share_supply"`
	AsOfSequence    int64           `json:"as_of_sequence"`
}

// MarginResponse is the account-wide margin picture at current prices.
type MarginResponse struct {
	AccountID        string          `json:"account_id"`
	CollateralUsd    decimal.Decimal `json:"collateral_usd"`
	UnrealizedPnlUsd decimal.Decimal `json:"unrealized_pnl_usd"`
	BorrowingFeeUsd  decimal.Decimal `json:"borrowing_fee_usd"`
	MarginBalanceUsd decimal.Decimal `json:"margin_balance_usd"`
	EntryNotionalUsd decimal.Decimal `json:"entry_notional_usd"`
	MarkNotionalUsd  decimal.Decimal `json:"mark_notional_usd"`
	InitialUsd       decimal.Decimal `json:"initial_margin_usd"`
	MaintenanceUsd   decimal.Decimal `json:"maintenance_margin_usd"`
	InitialSafe      bool            `json:"initial_safe"`
	MaintenanceSafe  bool            `json:"maintenance_safe"`
	AsOfSequence     int64           `json:"as_of_sequence"`
}

// AdlEligibilityResponse answers a keeper preflight for an ADL fill.
type AdlEligibilityResponse struct {
	AccountID    string `json:"account_id"`
	MarketID     string `json:"market_id"`
	Eligible     bool   `json:"eligible"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// JournalHistoryEntry is one settled ledger row for history queries.
type JournalHistoryEntry struct {
	EntryID     string `json:"entry_id"`
	BatchID     string `json:"batch_id"`
	EventRef    string `json:"event_ref"`
	Sequence    int64  `json:"sequence"`
	Kind        string `json:"kind"`
	Token       string `json:"token"`
	Amount      string `json:"amount"`
	DebitParty  string `json:"debit_party"`
	CreditParty string `json:"credit_party"`
	TimestampUs int64  `json:"timestamp_us"`
}

// PoolBalancePoint is one point of a pool's balance history.
type PoolBalancePoint struct {
	PoolID      string `json:"pool_id"`
	Token       string `json:"token"`
	Balance     string `json:"balance"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

// IntegrityReport is the result of the admin integrity check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedTokens []UnbalancedToken `json:"unbalanced_tokens,omitempty"`
}

// UnbalancedToken is a token whose projected balances do not sum to zero.
type UnbalancedToken struct {
	Token     string `json:"token"`
	Imbalance string `json:"imbalance"`
}
