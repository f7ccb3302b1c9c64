package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CollateralDeposit credits collateral after an on-chain transfer has
// been confirmed upstream. Idempotency key: deposit_id.
type CollateralDeposit struct {
	DepositID uuid.UUID // Idempotency key
	AccountID string
	Token     string
	Amount    decimal.Decimal
	Sequence  int64
	Timestamp time.Time // Versioned input timestamp (NOT wall-clock)
}

func (d *CollateralDeposit) IdempotencyKey() string {
	return d.DepositID.String()
}

func (d *CollateralDeposit) EventType() EventType {
	return EventTypeCollateralDeposit
}

func (d *CollateralDeposit) MarketID() *string {
	return nil // Global event
}

func (d *CollateralDeposit) SourceSequence() int64 {
	return d.Sequence
}

func (d *CollateralDeposit) EventTime() time.Time {
	return d.Timestamp
}

// CollateralWithdraw requests a collateral payout. SwapTo, when set,
// asks for the payout in that token instead of the withdrawn one.
type CollateralWithdraw struct {
	WithdrawalID uuid.UUID // Idempotency key
	AccountID    string
	Token        string
	Amount       decimal.Decimal
	SwapTo       string // Optional target token
	Sequence     int64
	Timestamp    time.Time
}

func (w *CollateralWithdraw) IdempotencyKey() string {
	return w.WithdrawalID.String()
}

func (w *CollateralWithdraw) EventType() EventType {
	return EventTypeCollateralWithdraw
}

func (w *CollateralWithdraw) MarketID() *string {
	return nil
}

func (w *CollateralWithdraw) SourceSequence() int64 {
	return w.Sequence
}

func (w *CollateralWithdraw) EventTime() time.Time {
	return w.Timestamp
}
