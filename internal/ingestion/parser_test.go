package ingestion

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"PoolLedger/internal/event"
)

func TestParseCollateralDeposit(t *testing.T) {
	raw := RawEvent{
		Subject: "pool.ops.deposit.acct-1",
		Data: []byte(`{
			"deposit_id": "a3bb189e-8bf9-3888-9912-ace4e6543002",
			"account_id": "acct-1",
			"token": "USDC",
			"amount": "2500.50",
			"sequence": 42,
			"timestamp_us": 1700000000000000
		}`),
	}

	evt, err := ParseRawEvent(raw, "CollateralDeposit")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	dep, ok := evt.(*event.CollateralDeposit)
	if !ok {
		t.Fatalf("expected *event.CollateralDeposit, got %T", evt)
	}
	if dep.AccountID != "acct-1" {
		t.Errorf("account_id = %s", dep.AccountID)
	}
	if !dep.Amount.Equal(decimal.RequireFromString("2500.50")) {
		t.Errorf("amount = %s", dep.Amount)
	}
	if dep.SourceSequence() != 42 {
		t.Errorf("sequence = %d", dep.SourceSequence())
	}
	if got := dep.EventTime(); !got.Equal(time.UnixMicro(1700000000000000)) {
		t.Errorf("timestamp = %v", got)
	}
}

func TestParsePositionOpen_NumericSize(t *testing.T) {
	raw := RawEvent{
		Data: []byte(`{
			"order_id": "a3bb189e-8bf9-3888-9912-ace4e6543002",
			"account_id": "acct-1",
			"market": "btc-usd",
			"size": 0.25,
			"sequence": 7,
			"timestamp_us": 1700000000000000
		}`),
	}

	evt, err := ParseRawEvent(raw, "PositionOpen")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	open := evt.(*event.PositionOpen)
	if !open.Size.Equal(decimal.RequireFromString("0.25")) {
		t.Errorf("size = %s", open.Size)
	}
	if open.MarketID() == nil || *open.MarketID() != "btc-usd" {
		t.Errorf("market = %v", open.MarketID())
	}
}

func TestParseOraclePriceUpdate(t *testing.T) {
	raw := RawEvent{
		Data: []byte(`{
			"asset_id": "BTC",
			"price": "65000.125",
			"price_sequence": 991,
			"price_timestamp_us": 1700000000000000
		}`),
	}

	evt, err := ParseRawEvent(raw, "OraclePriceUpdate")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	price := evt.(*event.OraclePriceUpdate)
	if price.AssetID != "BTC" {
		t.Errorf("asset_id = %s", price.AssetID)
	}
	if price.IdempotencyKey() != "BTC:price:991" {
		t.Errorf("idempotency key = %s", price.IdempotencyKey())
	}
}

func TestParseRawEvent_BadUUID(t *testing.T) {
	raw := RawEvent{
		Data: []byte(`{"deposit_id": "not-a-uuid", "account_id": "a", "token": "USDC", "amount": "1"}`),
	}
	if _, err := ParseRawEvent(raw, "CollateralDeposit"); err == nil {
		t.Fatal("expected error for malformed deposit_id")
	}
}

func TestParseRawEvent_UnknownType(t *testing.T) {
	if _, err := ParseRawEvent(RawEvent{Data: []byte(`{}`)}, "FundingEpochSettle"); err == nil {
		t.Fatal("expected error for unknown event type")
	}
}

func TestParseStoredEvent_RoundTrip(t *testing.T) {
	orig := &event.PositionClose{
		OrderID:        uuid.New(),
		AccountID:      "acct-9",
		Market:         "eth-usd",
		Size:           decimal.RequireFromString("1.5"),
		WithdrawProfit: true,
		SwapTo:         "USDT",
		Sequence:       100,
		Timestamp:      time.UnixMicro(1700000000000000).UTC(),
	}

	payload, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	evt, err := ParseStoredEvent(orig.EventType().String(), payload)
	if err != nil {
		t.Fatalf("parse stored: %v", err)
	}

	got, ok := evt.(*event.PositionClose)
	if !ok {
		t.Fatalf("expected *event.PositionClose, got %T", evt)
	}
	if got.OrderID != orig.OrderID || got.AccountID != orig.AccountID || !got.Size.Equal(orig.Size) {
		t.Errorf("round trip mismatch: %+v vs %+v", got, orig)
	}
	if !got.WithdrawProfit || got.SwapTo != "USDT" {
		t.Errorf("flags lost in round trip: %+v", got)
	}
}

func TestDefaultSubjects_CoverAllOperationTypes(t *testing.T) {
	want := map[string]bool{
		"CollateralDeposit":  false,
		"CollateralWithdraw": false,
		"PositionOpen":       false,
		"PositionClose":      false,
		"LiquidateAccount":   false,
		"AdlFill":            false,
		"PositionReallocate": false,
		"MarketPoke":         false,
		"LiquidityAdd":       false,
		"LiquidityRemove":    false,
		"OraclePriceUpdate":  false,
		"MarketConfigUpdate": false,
		"PoolConfigUpdate":   false,
	}

	for _, cfg := range DefaultSubjects() {
		if _, ok := want[cfg.EventType]; !ok {
			t.Errorf("unexpected subject event type %s", cfg.EventType)
			continue
		}
		want[cfg.EventType] = true
	}
	for typ, seen := range want {
		if !seen {
			t.Errorf("no subject configured for %s", typ)
		}
	}
}
