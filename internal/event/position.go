package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PositionOpen increases a position, allocated across the market's
// backing pools. Idempotency key: order_id (UUID from order gateway).
type PositionOpen struct {
	OrderID   uuid.UUID // Idempotency key
	AccountID string
	Market    string
	Size      decimal.Decimal
	Sequence  int64
	Timestamp time.Time // Versioned input timestamp (NOT wall-clock)
}

func (p *PositionOpen) IdempotencyKey() string {
	return p.OrderID.String()
}

func (p *PositionOpen) EventType() EventType {
	return EventTypePositionOpen
}

func (p *PositionOpen) MarketID() *string {
	m := p.Market
	return &m
}

func (p *PositionOpen) SourceSequence() int64 {
	return p.Sequence
}

func (p *PositionOpen) EventTime() time.Time {
	return p.Timestamp
}

// PositionClose reduces a position proportionally across its legs.
type PositionClose struct {
	OrderID            uuid.UUID // Idempotency key
	AccountID          string
	Market             string
	Size               decimal.Decimal
	WithdrawProfit     bool
	WithdrawAllIfEmpty bool
	SwapTo             string
	Sequence           int64
	Timestamp          time.Time
}

func (p *PositionClose) IdempotencyKey() string {
	return p.OrderID.String()
}

func (p *PositionClose) EventType() EventType {
	return EventTypePositionClose
}

func (p *PositionClose) MarketID() *string {
	m := p.Market
	return &m
}

func (p *PositionClose) SourceSequence() int64 {
	return p.Sequence
}

func (p *PositionClose) EventTime() time.Time {
	return p.Timestamp
}

// PositionReallocate moves part of a leg from one backing pool to
// another, settling the moved size's unrealized PnL pool-to-pool.
type PositionReallocate struct {
	TransferID uuid.UUID // Idempotency key
	AccountID  string
	Market     string
	FromPool   string
	ToPool     string
	Size       decimal.Decimal
	Sequence   int64
	Timestamp  time.Time
}

func (r *PositionReallocate) IdempotencyKey() string {
	return r.TransferID.String()
}

func (r *PositionReallocate) EventType() EventType {
	return EventTypePositionReallocate
}

func (r *PositionReallocate) MarketID() *string {
	m := r.Market
	return &m
}

func (r *PositionReallocate) SourceSequence() int64 {
	return r.Sequence
}

func (r *PositionReallocate) EventTime() time.Time {
	return r.Timestamp
}
