package engine

import "github.com/shopspring/decimal"

// Movement kinds. Each movement is a single-token transfer between two
// ledger parties and maps one-to-one onto a journal entry pair.
const (
	MoveDeposit        = "deposit"
	MoveWithdraw       = "withdraw"
	MovePnlToAccount   = "pnl_pool_to_account"
	MovePnlToPool      = "pnl_account_to_pool"
	MoveBorrowingFee   = "borrowing_fee"
	MovePositionFee    = "position_fee"
	MoveLiquidationFee = "liquidation_fee"
	MoveLiquidityFee   = "liquidity_fee"
	MoveReallocation   = "reallocation_transfer"
	MoveLiquidityAdd   = "liquidity_add"
	MoveLiquidityOut   = "liquidity_remove"
)

// Movement is a settled single-token transfer produced by an operation.
// Debit and Credit are ledger party paths, e.g. "account:alice",
// "pool:blue-chip", "fees", "external".
type Movement struct {
	Kind   string          `json:"kind"`
	Token  string          `json:"token"`
	Amount decimal.Decimal `json:"amount"`
	Debit  string          `json:"debit"`
	Credit string          `json:"credit"`
}

// TokenAmount pairs a token symbol with a quantity of it.
type TokenAmount struct {
	Token  string          `json:"token"`
	Amount decimal.Decimal `json:"amount"`
}

// LegFill describes the per-pool outcome of an open allocation.
type LegFill struct {
	PoolID      string          `json:"poolId"`
	Size        decimal.Decimal `json:"size"`
	EntryPrice  decimal.Decimal `json:"entryPrice"`
	ReservedUsd decimal.Decimal `json:"reservedUsd"`
}

// OpenResult reports a completed position open.
type OpenResult struct {
	AccountID      string          `json:"accountId"`
	MarketID       string          `json:"marketId"`
	Size           decimal.Decimal `json:"size"`
	MarkPrice      decimal.Decimal `json:"markPrice"`
	PositionFeeUsd decimal.Decimal `json:"positionFeeUsd"`
	Fills          []LegFill       `json:"fills"`
	Movements      []Movement      `json:"movements"`
}

// LegSettlement describes the per-pool outcome of a close, liquidation
// or ADL fill. PnlUsd is signed from the trader's point of view.
// Shortfall fields report USD value that could not be settled because
// the paying side ran out of balance.
type LegSettlement struct {
	PoolID            string          `json:"poolId"`
	ClosedSize        decimal.Decimal `json:"closedSize"`
	PnlUsd            decimal.Decimal `json:"pnlUsd"`
	PnlShortfallUsd   decimal.Decimal `json:"pnlShortfallUsd,omitempty"`
	BorrowingFeeUsd   decimal.Decimal `json:"borrowingFeeUsd"`
	PositionFeeUsd    decimal.Decimal `json:"positionFeeUsd"`
	LiquidationFeeUsd decimal.Decimal `json:"liquidationFeeUsd,omitempty"`
}

// CloseResult reports a completed close, liquidation or ADL fill.
type CloseResult struct {
	AccountID   string          `json:"accountId"`
	MarketID    string          `json:"marketId"`
	Size        decimal.Decimal `json:"size"`
	MarkPrice   decimal.Decimal `json:"markPrice"`
	Settlements []LegSettlement `json:"settlements"`
	Withdrawn   []TokenAmount   `json:"withdrawn,omitempty"`
	Movements   []Movement      `json:"movements"`
}

// LiquidateResult reports a completed account liquidation.
type LiquidateResult struct {
	AccountID          string          `json:"accountId"`
	MarginBalanceUsd   decimal.Decimal `json:"marginBalanceUsd"`
	MaintenanceUsd     decimal.Decimal `json:"maintenanceUsd"`
	Settlements        []LegSettlement `json:"settlements"`
	ResidualCollateral []TokenAmount   `json:"residualCollateral,omitempty"`
	Movements          []Movement      `json:"movements"`
}

// TransferResult reports a deposit or withdrawal.
type TransferResult struct {
	AccountID string          `json:"accountId"`
	Token     string          `json:"token"`
	Amount    decimal.Decimal `json:"amount"`
	Paid      []TokenAmount   `json:"paid,omitempty"`
	Movements []Movement      `json:"movements"`
}

// ReallocateResult reports a position reallocation between two pools.
type ReallocateResult struct {
	AccountID       string          `json:"accountId"`
	MarketID        string          `json:"marketId"`
	FromPool        string          `json:"fromPool"`
	ToPool          string          `json:"toPool"`
	Size            decimal.Decimal `json:"size"`
	TransferUsd     decimal.Decimal `json:"transferUsd"`
	ResidueUsd      decimal.Decimal `json:"residueUsd,omitempty"`
	BorrowingFeeUsd decimal.Decimal `json:"borrowingFeeUsd"`
	Movements       []Movement      `json:"movements"`
}

// LiquidityResult reports an LP add or remove.
type LiquidityResult struct {
	PoolID    string          `json:"poolId"`
	AccountID string          `json:"accountId"`
	Token     string          `json:"token"`
	Amount    decimal.Decimal `json:"amount"`
	Shares    decimal.Decimal `json:"shares"`
	NavPrice  decimal.Decimal `json:"navPrice"`
	FeeUsd    decimal.Decimal `json:"feeUsd"`
	Movements []Movement      `json:"movements"`
}
