package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"PoolLedger/internal/event"
	"PoolLedger/internal/market"
	"PoolLedger/internal/pool"
)

// ParseRawEvent converts a RawEvent into a typed event.Event. The shell
// validates and parses here; the core only ever sees typed events.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch eventType {
	case "CollateralDeposit":
		return parseCollateralDeposit(raw.Data)
	case "CollateralWithdraw":
		return parseCollateralWithdraw(raw.Data)
	case "PositionOpen":
		return parsePositionOpen(raw.Data)
	case "PositionClose":
		return parsePositionClose(raw.Data)
	case "LiquidateAccount":
		return parseLiquidateAccount(raw.Data)
	case "AdlFill":
		return parseAdlFill(raw.Data)
	case "PositionReallocate":
		return parsePositionReallocate(raw.Data)
	case "LiquidityAdd":
		return parseLiquidityAdd(raw.Data)
	case "LiquidityRemove":
		return parseLiquidityRemove(raw.Data)
	case "OraclePriceUpdate":
		return parseOraclePriceUpdate(raw.Data)
	case "MarketPoke":
		return parseMarketPoke(raw.Data)
	case "MarketConfigUpdate":
		return parseMarketConfigUpdate(raw.Data)
	case "PoolConfigUpdate":
		return parsePoolConfigUpdate(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// ParseStoredEvent decodes an event-log payload back into its typed
// event for replay. Stored payloads are the marshalled typed structs,
// not the upstream wire format.
func ParseStoredEvent(eventType string, payload []byte) (event.Event, error) {
	var evt event.Event
	switch eventType {
	case "CollateralDeposit":
		evt = &event.CollateralDeposit{}
	case "CollateralWithdraw":
		evt = &event.CollateralWithdraw{}
	case "PositionOpen":
		evt = &event.PositionOpen{}
	case "PositionClose":
		evt = &event.PositionClose{}
	case "LiquidateAccount":
		evt = &event.LiquidateAccount{}
	case "AdlFill":
		evt = &event.AdlFill{}
	case "PositionReallocate":
		evt = &event.PositionReallocate{}
	case "LiquidityAdd":
		evt = &event.LiquidityAdd{}
	case "LiquidityRemove":
		evt = &event.LiquidityRemove{}
	case "OraclePriceUpdate":
		evt = &event.OraclePriceUpdate{}
	case "MarketPoke":
		evt = &event.MarketPoke{}
	case "MarketConfigUpdate":
		evt = &event.MarketConfigUpdate{}
	case "PoolConfigUpdate":
		evt = &event.PoolConfigUpdate{}
	default:
		return nil, fmt.Errorf("unknown stored event type: %s", eventType)
	}
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode stored %s: %w", eventType, err)
	}
	return evt, nil
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Amounts and
// sizes arrive as JSON strings or numbers; decimal handles both.

type collateralDepositJSON struct {
	DepositID   string          `json:"deposit_id"`
	AccountID   string          `json:"account_id"`
	Token       string          `json:"token"`
	Amount      decimal.Decimal `json:"amount"`
	Sequence    int64           `json:"sequence"`
	TimestampUs int64           `json:"timestamp_us"`
}

func parseCollateralDeposit(data []byte) (*event.CollateralDeposit, error) {
	var j collateralDepositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CollateralDeposit: %w", err)
	}
	depositID, err := uuid.Parse(j.DepositID)
	if err != nil {
		return nil, fmt.Errorf("parse deposit_id: %w", err)
	}
	return &event.CollateralDeposit{
		DepositID: depositID,
		AccountID: j.AccountID,
		Token:     j.Token,
		Amount:    j.Amount,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs).UTC(),
	}, nil
}

type collateralWithdrawJSON struct {
	WithdrawalID string          `json:"withdrawal_id"`
	AccountID    string          `json:"account_id"`
	Token        string          `json:"token"`
	Amount       decimal.Decimal `json:"amount"`
	SwapTo       string          `json:"swap_to,omitempty"`
	Sequence     int64           `json:"sequence"`
	TimestampUs  int64           `json:"timestamp_us"`
}

func parseCollateralWithdraw(data []byte) (*event.CollateralWithdraw, error) {
	var j collateralWithdrawJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CollateralWithdraw: %w", err)
	}
	withdrawalID, err := uuid.Parse(j.WithdrawalID)
	if err != nil {
		return nil, fmt.Errorf("parse withdrawal_id: %w", err)
	}
	return &event.CollateralWithdraw{
		WithdrawalID: withdrawalID,
		AccountID:    j.AccountID,
		Token:        j.Token,
		Amount:       j.Amount,
		SwapTo:       j.SwapTo,
		Sequence:     j.Sequence,
		Timestamp:    time.UnixMicro(j.TimestampUs).UTC(),
	}, nil
}

type positionOpenJSON struct {
	OrderID     string          `json:"order_id"`
	AccountID   string          `json:"account_id"`
	Market      string          `json:"market"`
	Size        decimal.Decimal `json:"size"`
	Sequence    int64           `json:"sequence"`
	TimestampUs int64           `json:"timestamp_us"`
}

func parsePositionOpen(data []byte) (*event.PositionOpen, error) {
	var j positionOpenJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PositionOpen: %w", err)
	}
	orderID, err := uuid.Parse(j.OrderID)
	if err != nil {
		return nil, fmt.Errorf("parse order_id: %w", err)
	}
	return &event.PositionOpen{
		OrderID:   orderID,
		AccountID: j.AccountID,
		Market:    j.Market,
		Size:      j.Size,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs).UTC(),
	}, nil
}

type positionCloseJSON struct {
	OrderID            string          `json:"order_id"`
	AccountID          string          `json:"account_id"`
	Market             string          `json:"market"`
	Size               decimal.Decimal `json:"size"`
	WithdrawProfit     bool            `json:"withdraw_profit,omitempty"`
	WithdrawAllIfEmpty bool            `json:"withdraw_all_if_empty,omitempty"`
	SwapTo             string          `json:"swap_to,omitempty"`
	Sequence           int64           `json:"sequence"`
	TimestampUs        int64           `json:"timestamp_us"`
}

func parsePositionClose(data []byte) (*event.PositionClose, error) {
	var j positionCloseJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PositionClose: %w", err)
	}
	orderID, err := uuid.Parse(j.OrderID)
	if err != nil {
		return nil, fmt.Errorf("parse order_id: %w", err)
	}
	return &event.PositionClose{
		OrderID:            orderID,
		AccountID:          j.AccountID,
		Market:             j.Market,
		Size:               j.Size,
		WithdrawProfit:     j.WithdrawProfit,
		WithdrawAllIfEmpty: j.WithdrawAllIfEmpty,
		SwapTo:             j.SwapTo,
		Sequence:           j.Sequence,
		Timestamp:          time.UnixMicro(j.TimestampUs).UTC(),
	}, nil
}

type liquidateAccountJSON struct {
	LiquidationID string `json:"liquidation_id"`
	AccountID     string `json:"account_id"`
	Sequence      int64  `json:"sequence"`
	TimestampUs   int64  `json:"timestamp_us"`
}

func parseLiquidateAccount(data []byte) (*event.LiquidateAccount, error) {
	var j liquidateAccountJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse LiquidateAccount: %w", err)
	}
	liquidationID, err := uuid.Parse(j.LiquidationID)
	if err != nil {
		return nil, fmt.Errorf("parse liquidation_id: %w", err)
	}
	return &event.LiquidateAccount{
		LiquidationID: liquidationID,
		AccountID:     j.AccountID,
		Sequence:      j.Sequence,
		Timestamp:     time.UnixMicro(j.TimestampUs).UTC(),
	}, nil
}

type adlFillJSON struct {
	FillID      string `json:"fill_id"`
	AccountID   string `json:"account_id"`
	Market      string `json:"market"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseAdlFill(data []byte) (*event.AdlFill, error) {
	var j adlFillJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse AdlFill: %w", err)
	}
	fillID, err := uuid.Parse(j.FillID)
	if err != nil {
		return nil, fmt.Errorf("parse fill_id: %w", err)
	}
	return &event.AdlFill{
		FillID:    fillID,
		AccountID: j.AccountID,
		Market:    j.Market,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs).UTC(),
	}, nil
}

type positionReallocateJSON struct {
	TransferID  string          `json:"transfer_id"`
	AccountID   string          `json:"account_id"`
	Market      string          `json:"market"`
	FromPool    string          `json:"from_pool"`
	ToPool      string          `json:"to_pool"`
	Size        decimal.Decimal `json:"size"`
	Sequence    int64           `json:"sequence"`
	TimestampUs int64           `json:"timestamp_us"`
}

func parsePositionReallocate(data []byte) (*event.PositionReallocate, error) {
	var j positionReallocateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PositionReallocate: %w", err)
	}
	transferID, err := uuid.Parse(j.TransferID)
	if err != nil {
		return nil, fmt.Errorf("parse transfer_id: %w", err)
	}
	return &event.PositionReallocate{
		TransferID: transferID,
		AccountID:  j.AccountID,
		Market:     j.Market,
		FromPool:   j.FromPool,
		ToPool:     j.ToPool,
		Size:       j.Size,
		Sequence:   j.Sequence,
		Timestamp:  time.UnixMicro(j.TimestampUs).UTC(),
	}, nil
}

type liquidityAddJSON struct {
	OrderID     string          `json:"order_id"`
	PoolID      string          `json:"pool_id"`
	AccountID   string          `json:"account_id"`
	Amount      decimal.Decimal `json:"amount"`
	Sequence    int64           `json:"sequence"`
	TimestampUs int64           `json:"timestamp_us"`
}

func parseLiquidityAdd(data []byte) (*event.LiquidityAdd, error) {
	var j liquidityAddJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse LiquidityAdd: %w", err)
	}
	orderID, err := uuid.Parse(j.OrderID)
	if err != nil {
		return nil, fmt.Errorf("parse order_id: %w", err)
	}
	return &event.LiquidityAdd{
		OrderID:   orderID,
		PoolID:    j.PoolID,
		AccountID: j.AccountID,
		Amount:    j.Amount,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs).UTC(),
	}, nil
}

type liquidityRemoveJSON struct {
	OrderID     string          `json:"order_id"`
	PoolID      string          `json:"pool_id"`
	AccountID   string          `json:"account_id"`
	Shares      decimal.Decimal `json:"shares"`
	Sequence    int64           `json:"sequence"`
	TimestampUs int64           `json:"timestamp_us"`
}

func parseLiquidityRemove(data []byte) (*event.LiquidityRemove, error) {
	var j liquidityRemoveJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse LiquidityRemove: %w", err)
	}
	orderID, err := uuid.Parse(j.OrderID)
	if err != nil {
		return nil, fmt.Errorf("parse order_id: %w", err)
	}
	return &event.LiquidityRemove{
		OrderID:   orderID,
		PoolID:    j.PoolID,
		AccountID: j.AccountID,
		Shares:    j.Shares,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs).UTC(),
	}, nil
}

type oraclePriceJSON struct {
	AssetID          string          `json:"asset_id"`
	Price            decimal.Decimal `json:"price"`
	PriceSequence    int64           `json:"price_sequence"`
	PriceTimestampUs int64           `json:"price_timestamp_us"`
}

func parseOraclePriceUpdate(data []byte) (*event.OraclePriceUpdate, error) {
	var j oraclePriceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse OraclePriceUpdate: %w", err)
	}
	return &event.OraclePriceUpdate{
		AssetID:        j.AssetID,
		Price:          j.Price,
		PriceSequence:  j.PriceSequence,
		PriceTimestamp: j.PriceTimestampUs,
	}, nil
}

type marketPokeJSON struct {
	PokeID      string `json:"poke_id"`
	Market      string `json:"market"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseMarketPoke(data []byte) (*event.MarketPoke, error) {
	var j marketPokeJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse MarketPoke: %w", err)
	}
	pokeID, err := uuid.Parse(j.PokeID)
	if err != nil {
		return nil, fmt.Errorf("parse poke_id: %w", err)
	}
	return &event.MarketPoke{
		PokeID:    pokeID,
		Market:    j.Market,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs).UTC(),
	}, nil
}

type marketConfigJSON struct {
	UpdateID     string        `json:"update_id"`
	Market       string        `json:"market"`
	IsLong       bool          `json:"is_long"`
	BackingPools []string      `json:"backing_pools"`
	Config       market.Config `json:"config"`
	Sequence     int64         `json:"sequence"`
	TimestampUs  int64         `json:"timestamp_us"`
}

func parseMarketConfigUpdate(data []byte) (*event.MarketConfigUpdate, error) {
	var j marketConfigJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse MarketConfigUpdate: %w", err)
	}
	updateID, err := uuid.Parse(j.UpdateID)
	if err != nil {
		return nil, fmt.Errorf("parse update_id: %w", err)
	}
	return &event.MarketConfigUpdate{
		UpdateID:     updateID,
		Market:       j.Market,
		IsLong:       j.IsLong,
		BackingPools: j.BackingPools,
		Config:       j.Config,
		Sequence:     j.Sequence,
		Timestamp:    time.UnixMicro(j.TimestampUs).UTC(),
	}, nil
}

type poolConfigJSON struct {
	UpdateID     string      `json:"update_id"`
	PoolID       string      `json:"pool_id"`
	DepositToken string      `json:"deposit_token"`
	Config       pool.Config `json:"config"`
	Sequence     int64       `json:"sequence"`
	TimestampUs  int64       `json:"timestamp_us"`
}

func parsePoolConfigUpdate(data []byte) (*event.PoolConfigUpdate, error) {
	var j poolConfigJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PoolConfigUpdate: %w", err)
	}
	updateID, err := uuid.Parse(j.UpdateID)
	if err != nil {
		return nil, fmt.Errorf("parse update_id: %w", err)
	}
	return &event.PoolConfigUpdate{
		UpdateID:     updateID,
		PoolID:       j.PoolID,
		DepositToken: j.DepositToken,
		Config:       j.Config,
		Sequence:     j.Sequence,
		Timestamp:    time.UnixMicro(j.TimestampUs).UTC(),
	}, nil
}
