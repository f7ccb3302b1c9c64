package journal_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"PoolLedger/internal/engine"
	"PoolLedger/internal/journal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// ============================================================================
// Test: FromMovements
// ============================================================================

func TestFromMovements_BuildsBalancedBatch(t *testing.T) {
	moves := []engine.Movement{
		{Kind: "deposit", Token: "USDC", Amount: dec("1000"), Debit: "external", Credit: "account:alice"},
		{Kind: "borrowing_fee", Token: "USDC", Amount: dec("1.25"), Debit: "account:alice", Credit: "fees"},
	}

	b, err := journal.FromMovements("dep-1", 7, 1_700_000_000_000_000, moves)
	if err != nil {
		t.Fatalf("FromMovements: %v", err)
	}

	if len(b.Entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(b.Entries))
	}
	if b.EventRef != "dep-1" || b.Sequence != 7 {
		t.Errorf("batch header mismatch: ref=%q seq=%d", b.EventRef, b.Sequence)
	}
	for i, e := range b.Entries {
		if e.BatchID != b.BatchID {
			t.Errorf("entry %d has batch_id %s, want %s", i, e.BatchID, b.BatchID)
		}
		if e.Sequence != 7 || e.Timestamp != 1_700_000_000_000_000 {
			t.Errorf("entry %d header mismatch", i)
		}
	}
	if b.Entries[0].Kind != "deposit" || b.Entries[1].Kind != "borrowing_fee" {
		t.Errorf("entry kinds out of order: %s, %s", b.Entries[0].Kind, b.Entries[1].Kind)
	}
}

func TestFromMovements_DropsZeroAmounts(t *testing.T) {
	moves := []engine.Movement{
		{Kind: "pnl", Token: "USDC", Amount: decimal.Zero, Debit: "pool:main", Credit: "account:alice"},
		{Kind: "close", Token: "USDC", Amount: dec("50"), Debit: "account:alice", Credit: "external"},
	}

	b, err := journal.FromMovements("close-1", 8, 1, moves)
	if err != nil {
		t.Fatalf("FromMovements: %v", err)
	}
	if len(b.Entries) != 1 {
		t.Fatalf("got %d entries, want 1 (zero movement dropped)", len(b.Entries))
	}
	if b.Entries[0].Kind != "close" {
		t.Errorf("surviving entry kind = %q, want %q", b.Entries[0].Kind, "close")
	}
}

func TestFromMovements_RejectsNegativeAmount(t *testing.T) {
	moves := []engine.Movement{
		{Kind: "pnl", Token: "USDC", Amount: dec("-10"), Debit: "pool:main", Credit: "account:alice"},
	}

	if _, err := journal.FromMovements("bad-1", 9, 1, moves); err == nil {
		t.Fatal("expected error for negative movement amount")
	}
}

func TestFromMovements_EmptyBatchForStateOnlyEvents(t *testing.T) {
	b, err := journal.FromMovements("poke-1", 10, 1, nil)
	if err != nil {
		t.Fatalf("FromMovements: %v", err)
	}
	if len(b.Entries) != 0 {
		t.Errorf("got %d entries, want 0", len(b.Entries))
	}
}

// ============================================================================
// Test: Batch.Validate
// ============================================================================

func TestValidate_SameDebitCreditParty(t *testing.T) {
	id := uuid.New()
	b := &journal.Batch{
		BatchID: id,
		Entries: []journal.Entry{
			{EntryID: uuid.New(), BatchID: id, Token: "USDC", Amount: dec("5"), Debit: "account:alice", Credit: "account:alice"},
		},
	}
	if err := b.Validate(); err == nil {
		t.Fatal("expected error for self-transfer entry")
	}
}

func TestValidate_MismatchedBatchID(t *testing.T) {
	b := &journal.Batch{
		BatchID: uuid.New(),
		Entries: []journal.Entry{
			{EntryID: uuid.New(), BatchID: uuid.New(), Token: "USDC", Amount: dec("5"), Debit: "account:alice", Credit: "fees"},
		},
	}
	if err := b.Validate(); err == nil {
		t.Fatal("expected error for foreign batch_id")
	}
}

func TestValidate_EmptyToken(t *testing.T) {
	id := uuid.New()
	b := &journal.Batch{
		BatchID: id,
		Entries: []journal.Entry{
			{EntryID: uuid.New(), BatchID: id, Amount: dec("5"), Debit: "account:alice", Credit: "fees"},
		},
	}
	if err := b.Validate(); err == nil {
		t.Fatal("expected error for empty token")
	}
}

// ============================================================================
// Test: PartyKind / IsExternal
// ============================================================================

func TestPartyKind(t *testing.T) {
	cases := map[string]string{
		"account:alice": "account",
		"pool:main":     "pool",
		"fees":          "fees",
		"external":      "external",
	}
	for party, want := range cases {
		if got := journal.PartyKind(party); got != want {
			t.Errorf("PartyKind(%q) = %q, want %q", party, got, want)
		}
	}
}

func TestIsExternal(t *testing.T) {
	if !journal.IsExternal("external") {
		t.Error("external party should be external")
	}
	if journal.IsExternal("account:alice") {
		t.Error("account party should not be external")
	}
}

// ============================================================================
// Test: Tracker
// ============================================================================

func applyMoves(t *testing.T, tr *journal.Tracker, ref string, seq int64, moves []engine.Movement) {
	t.Helper()
	b, err := journal.FromMovements(ref, seq, 1, moves)
	if err != nil {
		t.Fatalf("FromMovements: %v", err)
	}
	if err := tr.Apply(b); err != nil {
		t.Fatalf("Apply: %v", err)
	}
}

func TestTracker_DepositCreditsReceiver(t *testing.T) {
	tr := journal.NewTracker()
	applyMoves(t, tr, "dep-1", 1, []engine.Movement{
		{Kind: "deposit", Token: "USDC", Amount: dec("1000"), Debit: "external", Credit: "account:alice"},
	})

	if got := tr.Balance("account:alice", "USDC"); !got.Equal(dec("1000")) {
		t.Errorf("account balance = %s, want 1000", got)
	}
	if got := tr.Balance("external", "USDC"); !got.Equal(dec("-1000")) {
		t.Errorf("external balance = %s, want -1000", got)
	}
}

func TestTracker_GlobalZeroSum(t *testing.T) {
	tr := journal.NewTracker()
	applyMoves(t, tr, "dep-1", 1, []engine.Movement{
		{Kind: "deposit", Token: "USDC", Amount: dec("1000"), Debit: "external", Credit: "account:alice"},
	})
	applyMoves(t, tr, "add-1", 2, []engine.Movement{
		{Kind: "liquidity_add", Token: "USDC", Amount: dec("250"), Debit: "account:alice", Credit: "pool:main"},
	})
	applyMoves(t, tr, "fee-1", 3, []engine.Movement{
		{Kind: "borrowing_fee", Token: "USDC", Amount: dec("0.75"), Debit: "account:alice", Credit: "fees"},
	})

	if err := tr.ValidateGlobalZero(); err != nil {
		t.Errorf("ValidateGlobalZero: %v", err)
	}
	if err := tr.ValidateInternalNonNegative(); err != nil {
		t.Errorf("ValidateInternalNonNegative: %v", err)
	}
}

func TestTracker_ExternalMayGoNegative(t *testing.T) {
	tr := journal.NewTracker()
	applyMoves(t, tr, "dep-1", 1, []engine.Movement{
		{Kind: "deposit", Token: "wBTC", Amount: dec("2"), Debit: "external", Credit: "account:bob"},
	})

	// External owes the ledger and that is fine.
	if err := tr.ValidateInternalNonNegative(); err != nil {
		t.Errorf("ValidateInternalNonNegative: %v", err)
	}
}

func TestTracker_DetectsInternalNegative(t *testing.T) {
	tr := journal.NewTracker()
	applyMoves(t, tr, "bad-1", 1, []engine.Movement{
		{Kind: "withdraw", Token: "USDC", Amount: dec("10"), Debit: "account:alice", Credit: "external"},
	})

	if err := tr.ValidateInternalNonNegative(); err == nil {
		t.Error("expected non-negative violation for overdrawn account")
	}
}

func TestTracker_SnapshotRestoreRoundTrip(t *testing.T) {
	tr := journal.NewTracker()
	applyMoves(t, tr, "dep-1", 1, []engine.Movement{
		{Kind: "deposit", Token: "USDC", Amount: dec("500"), Debit: "external", Credit: "account:alice"},
		{Kind: "deposit", Token: "wETH", Amount: dec("3"), Debit: "external", Credit: "account:bob"},
	})

	snap := tr.Snapshot()
	if len(snap) != 4 {
		t.Fatalf("snapshot has %d records, want 4", len(snap))
	}
	// Sorted by party then token.
	if snap[0].Party != "account:alice" || snap[1].Party != "account:bob" {
		t.Errorf("snapshot order wrong: %s, %s", snap[0].Party, snap[1].Party)
	}

	restored := journal.NewTracker()
	restored.Restore(snap)
	if got := restored.Balance("account:bob", "wETH"); !got.Equal(dec("3")) {
		t.Errorf("restored balance = %s, want 3", got)
	}
	if err := restored.ValidateGlobalZero(); err != nil {
		t.Errorf("restored tracker not zero-sum: %v", err)
	}
}

func TestTracker_SnapshotSkipsZeroBalances(t *testing.T) {
	tr := journal.NewTracker()
	applyMoves(t, tr, "dep-1", 1, []engine.Movement{
		{Kind: "deposit", Token: "USDC", Amount: dec("100"), Debit: "external", Credit: "account:alice"},
	})
	applyMoves(t, tr, "wd-1", 2, []engine.Movement{
		{Kind: "withdraw", Token: "USDC", Amount: dec("100"), Debit: "account:alice", Credit: "external"},
	})

	if len(tr.Snapshot()) != 0 {
		t.Errorf("snapshot should skip zeroed balances, got %d records", len(tr.Snapshot()))
	}
}
