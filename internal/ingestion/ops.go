package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"PoolLedger/internal/event"
	"PoolLedger/internal/market"
	"PoolLedger/internal/pool"
)

// OpsService injects operations arriving over the HTTP API into the
// core's event channel. Meant for admin tooling and low-volume flows;
// high-throughput producers go through NATS.
type OpsService struct {
	eventChan chan<- event.Event
}

func NewOpsService(eventChan chan<- event.Event) *OpsService {
	return &OpsService{eventChan: eventChan}
}

func (s *OpsService) send(ctx context.Context, evt event.Event) error {
	select {
	case s.eventChan <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// API-injected events have no upstream sequencer, so the injection
// timestamp doubles as the source sequence.
func apiSequence() int64 { return time.Now().UnixMicro() }

func (s *OpsService) Deposit(ctx context.Context, accountID, token string, amount decimal.Decimal) (uuid.UUID, error) {
	if !amount.IsPositive() {
		return uuid.Nil, fmt.Errorf("amount must be positive")
	}
	id := uuid.New()
	return id, s.send(ctx, &event.CollateralDeposit{
		DepositID: id,
		AccountID: accountID,
		Token:     token,
		Amount:    amount,
		Sequence:  apiSequence(),
		Timestamp: time.Now().UTC(),
	})
}

func (s *OpsService) Withdraw(ctx context.Context, accountID, token, swapTo string, amount decimal.Decimal) (uuid.UUID, error) {
	if !amount.IsPositive() {
		return uuid.Nil, fmt.Errorf("amount must be positive")
	}
	id := uuid.New()
	return id, s.send(ctx, &event.CollateralWithdraw{
		WithdrawalID: id,
		AccountID:    accountID,
		Token:        token,
		Amount:       amount,
		SwapTo:       swapTo,
		Sequence:     apiSequence(),
		Timestamp:    time.Now().UTC(),
	})
}

func (s *OpsService) OpenPosition(ctx context.Context, accountID, marketID string, size decimal.Decimal) (uuid.UUID, error) {
	if !size.IsPositive() {
		return uuid.Nil, fmt.Errorf("size must be positive")
	}
	id := uuid.New()
	return id, s.send(ctx, &event.PositionOpen{
		OrderID:   id,
		AccountID: accountID,
		Market:    marketID,
		Size:      size,
		Sequence:  apiSequence(),
		Timestamp: time.Now().UTC(),
	})
}

func (s *OpsService) ClosePosition(ctx context.Context, accountID, marketID string, size decimal.Decimal, withdrawProfit, withdrawAllIfEmpty bool, swapTo string) (uuid.UUID, error) {
	if !size.IsPositive() {
		return uuid.Nil, fmt.Errorf("size must be positive")
	}
	id := uuid.New()
	return id, s.send(ctx, &event.PositionClose{
		OrderID:            id,
		AccountID:          accountID,
		Market:             marketID,
		Size:               size,
		WithdrawProfit:     withdrawProfit,
		WithdrawAllIfEmpty: withdrawAllIfEmpty,
		SwapTo:             swapTo,
		Sequence:           apiSequence(),
		Timestamp:          time.Now().UTC(),
	})
}

func (s *OpsService) Liquidate(ctx context.Context, accountID string) (uuid.UUID, error) {
	id := uuid.New()
	return id, s.send(ctx, &event.LiquidateAccount{
		LiquidationID: id,
		AccountID:     accountID,
		Sequence:      apiSequence(),
		Timestamp:     time.Now().UTC(),
	})
}

func (s *OpsService) AdlFill(ctx context.Context, accountID, marketID string) (uuid.UUID, error) {
	id := uuid.New()
	return id, s.send(ctx, &event.AdlFill{
		FillID:    id,
		AccountID: accountID,
		Market:    marketID,
		Sequence:  apiSequence(),
		Timestamp: time.Now().UTC(),
	})
}

func (s *OpsService) Reallocate(ctx context.Context, accountID, marketID, fromPool, toPool string, size decimal.Decimal) (uuid.UUID, error) {
	if !size.IsPositive() {
		return uuid.Nil, fmt.Errorf("size must be positive")
	}
	id := uuid.New()
	return id, s.send(ctx, &event.PositionReallocate{
		TransferID: id,
		AccountID:  accountID,
		Market:     marketID,
		FromPool:   fromPool,
		ToPool:     toPool,
		Size:       size,
		Sequence:   apiSequence(),
		Timestamp:  time.Now().UTC(),
	})
}

func (s *OpsService) AddLiquidity(ctx context.Context, poolID, accountID string, amount decimal.Decimal) (uuid.UUID, error) {
	if !amount.IsPositive() {
		return uuid.Nil, fmt.Errorf("amount must be positive")
	}
	id := uuid.New()
	return id, s.send(ctx, &event.LiquidityAdd{
		OrderID:   id,
		PoolID:    poolID,
		AccountID: accountID,
		Amount:    amount,
		Sequence:  apiSequence(),
		Timestamp: time.Now().UTC(),
	})
}

func (s *OpsService) RemoveLiquidity(ctx context.Context, poolID, accountID string, shares decimal.Decimal) (uuid.UUID, error) {
	if !shares.IsPositive() {
		return uuid.Nil, fmt.Errorf("shares must be positive")
	}
	id := uuid.New()
	return id, s.send(ctx, &event.LiquidityRemove{
		OrderID:   id,
		PoolID:    poolID,
		AccountID: accountID,
		Shares:    shares,
		Sequence:  apiSequence(),
		Timestamp: time.Now().UTC(),
	})
}

func (s *OpsService) Poke(ctx context.Context, marketID string) (uuid.UUID, error) {
	id := uuid.New()
	return id, s.send(ctx, &event.MarketPoke{
		PokeID:    id,
		Market:    marketID,
		Sequence:  apiSequence(),
		Timestamp: time.Now().UTC(),
	})
}

func (s *OpsService) UpsertMarket(ctx context.Context, marketID string, isLong bool, backingPools []string, cfg market.Config) (uuid.UUID, error) {
	id := uuid.New()
	return id, s.send(ctx, &event.MarketConfigUpdate{
		UpdateID:     id,
		Market:       marketID,
		IsLong:       isLong,
		BackingPools: backingPools,
		Config:       cfg,
		Sequence:     apiSequence(),
		Timestamp:    time.Now().UTC(),
	})
}

func (s *OpsService) UpsertPool(ctx context.Context, poolID, depositToken string, cfg pool.Config) (uuid.UUID, error) {
	id := uuid.New()
	return id, s.send(ctx, &event.PoolConfigUpdate{
		UpdateID:     id,
		PoolID:       poolID,
		DepositToken: depositToken,
		Config:       cfg,
		Sequence:     apiSequence(),
		Timestamp:    time.Now().UTC(),
	})
}
