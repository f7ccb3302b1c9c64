// Package journal turns settled engine movements into balanced
// double-entry batches and tracks per-party running balances.
package journal

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Entry is a single double-entry journal row. Debit and Credit are
// ledger party paths ("account:<id>", "pool:<id>", "fees", "external");
// Amount is always positive and moves from the debit party to the
// credit party.
type Entry struct {
	EntryID   uuid.UUID
	BatchID   uuid.UUID
	EventRef  string // Idempotency key of source event
	Sequence  int64  // Global event sequence
	Kind      string // Movement kind from the engine
	Token     string
	Amount    decimal.Decimal
	Debit     string
	Credit    string
	Timestamp int64 // Versioned input timestamp (epoch microseconds)
}

// Batch groups the entries settled by one event.
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Entries   []Entry
}

// Validate ensures the batch is well-formed. Each entry is a balanced
// transfer by construction (one positive amount from debit party to
// credit party), so Σ debits == Σ credits holds per entry; multi-leg
// settlements are multiple entries under one batch_id.
func (b *Batch) Validate() error {
	for _, e := range b.Entries {
		if !e.Amount.IsPositive() {
			return fmt.Errorf("entry %s has non-positive amount: %s", e.EntryID, e.Amount)
		}
		if e.BatchID != b.BatchID {
			return fmt.Errorf("entry %s has mismatched batch_id", e.EntryID)
		}
		if e.Debit == e.Credit {
			return fmt.Errorf("entry %s has same debit and credit party", e.EntryID)
		}
		if e.Token == "" {
			return fmt.Errorf("entry %s has empty token", e.EntryID)
		}
	}
	return nil
}

// IsExternal reports whether the party path crosses the ledger boundary.
// External parties may carry negative balances; everything inside the
// ledger must not.
func IsExternal(party string) bool {
	return party == "external"
}

// PartyKind returns the namespace of a party path ("account", "pool",
// "fees" or "external").
func PartyKind(party string) string {
	if i := strings.IndexByte(party, ':'); i >= 0 {
		return party[:i]
	}
	return party
}
