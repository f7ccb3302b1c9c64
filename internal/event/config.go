package event

import (
	"time"

	"github.com/google/uuid"

	"PoolLedger/internal/market"
	"PoolLedger/internal/pool"
)

// MarketConfigUpdate creates or replaces a market's trading parameters.
// Side and backing pool order are fixed on first creation.
type MarketConfigUpdate struct {
	UpdateID     uuid.UUID // Idempotency key
	Market       string
	IsLong       bool
	BackingPools []string
	Config       market.Config
	Sequence     int64
	Timestamp    time.Time // Versioned input timestamp (NOT wall-clock)
}

func (u *MarketConfigUpdate) IdempotencyKey() string {
	return u.UpdateID.String()
}

func (u *MarketConfigUpdate) EventType() EventType {
	return EventTypeMarketConfigUpdate
}

func (u *MarketConfigUpdate) MarketID() *string {
	m := u.Market
	return &m
}

func (u *MarketConfigUpdate) SourceSequence() int64 {
	return u.Sequence
}

func (u *MarketConfigUpdate) EventTime() time.Time {
	return u.Timestamp
}

// PoolConfigUpdate creates or reconfigures a liquidity pool. Updates to
// an existing pool replace config only; state is never reset.
type PoolConfigUpdate struct {
	UpdateID     uuid.UUID // Idempotency key
	PoolID       string
	DepositToken string
	Config       pool.Config
	Sequence     int64
	Timestamp    time.Time
}

func (u *PoolConfigUpdate) IdempotencyKey() string {
	return u.UpdateID.String()
}

func (u *PoolConfigUpdate) EventType() EventType {
	return EventTypePoolConfigUpdate
}

func (u *PoolConfigUpdate) MarketID() *string {
	return nil
}

func (u *PoolConfigUpdate) SourceSequence() int64 {
	return u.Sequence
}

func (u *PoolConfigUpdate) EventTime() time.Time {
	return u.Timestamp
}
