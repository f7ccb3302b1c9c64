package event

import (
	"time"

	"github.com/google/uuid"
)

// LiquidateAccount asks the core to liquidate an account the keeper
// found below maintenance margin. The core re-checks against its own
// prices; a safe account is a rejection, not a settlement.
type LiquidateAccount struct {
	LiquidationID uuid.UUID // Idempotency key
	AccountID     string
	Sequence      int64
	Timestamp     time.Time // Versioned input timestamp (NOT wall-clock)
}

func (l *LiquidateAccount) IdempotencyKey() string {
	return l.LiquidationID.String()
}

func (l *LiquidateAccount) EventType() EventType {
	return EventTypeLiquidateAccount
}

func (l *LiquidateAccount) MarketID() *string {
	return nil // Touches every market the account holds
}

func (l *LiquidateAccount) SourceSequence() int64 {
	return l.Sequence
}

func (l *LiquidateAccount) EventTime() time.Time {
	return l.Timestamp
}

// AdlFill force-closes the eligible legs of a profitable position with
// realized PnL capped per leg by the backing pool's ADL config.
type AdlFill struct {
	FillID    uuid.UUID // Idempotency key
	AccountID string
	Market    string
	Sequence  int64
	Timestamp time.Time
}

func (a *AdlFill) IdempotencyKey() string {
	return a.FillID.String()
}

func (a *AdlFill) EventType() EventType {
	return EventTypeAdlFill
}

func (a *AdlFill) MarketID() *string {
	m := a.Market
	return &m
}

func (a *AdlFill) SourceSequence() int64 {
	return a.Sequence
}

func (a *AdlFill) EventTime() time.Time {
	return a.Timestamp
}
