package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LiquidityAdd deposits pool tokens and mints shares at the capped NAV.
type LiquidityAdd struct {
	OrderID   uuid.UUID // Idempotency key
	PoolID    string
	AccountID string
	Amount    decimal.Decimal // Deposit tokens
	Sequence  int64
	Timestamp time.Time // Versioned input timestamp (NOT wall-clock)
}

func (l *LiquidityAdd) IdempotencyKey() string {
	return l.OrderID.String()
}

func (l *LiquidityAdd) EventType() EventType {
	return EventTypeLiquidityAdd
}

func (l *LiquidityAdd) MarketID() *string {
	return nil // Pool-scoped, not market-scoped
}

func (l *LiquidityAdd) SourceSequence() int64 {
	return l.Sequence
}

func (l *LiquidityAdd) EventTime() time.Time {
	return l.Timestamp
}

// LiquidityRemove burns shares and pays out deposit tokens at the
// capped NAV, blocked while reserved exposure needs the liquidity.
type LiquidityRemove struct {
	OrderID   uuid.UUID // Idempotency key
	PoolID    string
	AccountID string
	Shares    decimal.Decimal
	Sequence  int64
	Timestamp time.Time
}

func (l *LiquidityRemove) IdempotencyKey() string {
	return l.OrderID.String()
}

func (l *LiquidityRemove) EventType() EventType {
	return EventTypeLiquidityRemove
}

func (l *LiquidityRemove) MarketID() *string {
	return nil
}

func (l *LiquidityRemove) SourceSequence() int64 {
	return l.Sequence
}

func (l *LiquidityRemove) EventTime() time.Time {
	return l.Timestamp
}
