package persistence_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"PoolLedger/internal/core"
	"PoolLedger/internal/journal"
	"PoolLedger/internal/persistence"
	"PoolLedger/internal/testutil"
)

// ============================================================================
// Test: event log round trip against a real Postgres
// ============================================================================

func TestEventLog_WriteAndLoad(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	if err := persistence.NewMigrator(db, "../../migrations", zerolog.Nop()).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	writer := persistence.NewEventLogWriter(db)
	mkt := "btc-usd"
	ts := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	events := []persistence.EventRow{
		{
			Sequence:       0,
			EventType:      "collateral_deposit",
			IdempotencyKey: uuid.NewString(),
			Payload:        []byte(`{"amount":"1000"}`),
			StateHash:      []byte{1},
			PrevHash:       []byte{0},
			Timestamp:      ts,
		},
		{
			Sequence:       1,
			EventType:      "position_open",
			IdempotencyKey: uuid.NewString(),
			MarketID:       &mkt,
			Payload:        []byte(`{"size":"1"}`),
			StateHash:      []byte{2},
			PrevHash:       []byte{1},
			Timestamp:      ts.Add(time.Second),
			SourceSequence: 0,
		},
	}
	if err := writer.WriteEventBatch(ctx, db, events); err != nil {
		t.Fatalf("write events: %v", err)
	}
	// Retried batches must not duplicate rows.
	if err := writer.WriteEventBatch(ctx, db, events); err != nil {
		t.Fatalf("rewrite events: %v", err)
	}

	sm := persistence.NewSnapshotManager(db)
	rows, err := sm.LoadEventsFrom(ctx, 0, 10)
	if err != nil {
		t.Fatalf("load events: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[1].MarketID == nil || *rows[1].MarketID != mkt {
		t.Errorf("market id not round-tripped: %v", rows[1].MarketID)
	}
	if seq, err := sm.GetLatestSequence(ctx); err != nil || seq != 1 {
		t.Errorf("latest sequence = %d (%v), want 1", seq, err)
	}

	checker := persistence.NewPostgresIdempotencyChecker(db)
	dup, err := checker.IsDuplicate("collateral_deposit", events[0].IdempotencyKey)
	if err != nil {
		t.Fatalf("idempotency lookup: %v", err)
	}
	if !dup {
		t.Error("stored event not reported as duplicate")
	}
	dup, err = checker.IsDuplicate("collateral_deposit", uuid.NewString())
	if err != nil {
		t.Fatalf("idempotency lookup: %v", err)
	}
	if dup {
		t.Error("unknown key reported as duplicate")
	}

	keys, err := checker.RecentKeys(ctx, 10)
	if err != nil {
		t.Fatalf("recent keys: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("recent keys = %d, want 2", len(keys))
	}
}

func TestJournal_WriteBatch(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	if err := persistence.NewMigrator(db, "../../migrations", zerolog.Nop()).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	writer := persistence.NewEventLogWriter(db)
	rows := []persistence.JournalRow{
		{
			EntryID:     uuid.NewString(),
			BatchID:     uuid.NewString(),
			EventRef:    "collateral_deposit",
			Sequence:    0,
			Kind:        "deposit",
			Token:       "USDC",
			Amount:      "1000.5",
			DebitParty:  "external",
			CreditParty: "account:trader-1",
			Timestamp:   time.Now().UnixMicro(),
		},
	}
	if err := writer.WriteJournalBatch(ctx, db, rows); err != nil {
		t.Fatalf("write journal: %v", err)
	}

	var amount string
	err := db.QueryRowContext(ctx,
		"SELECT amount FROM event_log.journal WHERE entry_id = $1", rows[0].EntryID,
	).Scan(&amount)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	got, err := decimal.NewFromString(amount)
	if err != nil {
		t.Fatalf("parse amount: %v", err)
	}
	testutil.RequireDecimalEqual(t, decimal.RequireFromString("1000.5"), got,
		decimal.New(1, -9), "journal amount")
}

// ============================================================================
// Test: snapshot manager round trip
// ============================================================================

func TestSnapshotManager_SaveLoadVerify(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	if err := persistence.NewMigrator(db, "../../migrations", zerolog.Nop()).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	sm := persistence.NewSnapshotManager(db)
	if snap, err := sm.LoadLatestSnapshot(ctx); err != nil || snap != nil {
		t.Fatalf("empty table: snap=%v err=%v", snap, err)
	}

	snap := &core.SnapshotState{
		Sequence: 42,
		Balances: []journal.BalanceRecord{
			{Party: "account:trader-1", Token: "USDC", Balance: decimal.RequireFromString("1000")},
			{Party: "external", Token: "USDC", Balance: decimal.RequireFromString("-1000")},
		},
		SequenceState:   map[string]int64{"global": 3},
		IdempotencyKeys: []string{uuid.NewString()},
	}
	snap.StateHash[0] = 7

	if err := sm.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := sm.MarkVerified(ctx, snap.Sequence); err != nil {
		t.Fatalf("mark verified: %v", err)
	}

	loaded, err := sm.LoadLatestSnapshot(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded == nil || loaded.Sequence != 42 {
		t.Fatalf("loaded = %+v", loaded)
	}
	if loaded.StateHash != snap.StateHash {
		t.Errorf("state hash not round-tripped")
	}
	if len(loaded.Balances) != 2 || !loaded.Balances[0].Balance.Equal(snap.Balances[0].Balance) {
		t.Errorf("balances not round-tripped: %+v", loaded.Balances)
	}
	if len(loaded.IdempotencyKeys) != 1 {
		t.Errorf("idempotency keys not round-tripped")
	}
}
