package journal

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// PartyToken keys one party's balance in one token.
type PartyToken struct {
	Party string
	Token string
}

// Tracker maintains in-memory per-party token balances derived from
// applied batches. The ledger is zero-sum: every entry subtracts from
// the debit (paying) party and adds to the credit (receiving) party,
// so the global total per token stays zero.
type Tracker struct {
	balances map[PartyToken]decimal.Decimal
}

func NewTracker() *Tracker {
	return &Tracker{balances: make(map[PartyToken]decimal.Decimal)}
}

// Apply applies a validated batch to the running balances.
func (t *Tracker) Apply(b *Batch) error {
	if err := b.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}
	for _, e := range b.Entries {
		dk := PartyToken{Party: e.Debit, Token: e.Token}
		ck := PartyToken{Party: e.Credit, Token: e.Token}
		t.balances[dk] = t.balances[dk].Sub(e.Amount)
		t.balances[ck] = t.balances[ck].Add(e.Amount)
	}
	return nil
}

// Balance returns the current balance for one party and token.
func (t *Tracker) Balance(party, token string) decimal.Decimal {
	return t.balances[PartyToken{Party: party, Token: token}]
}

// GlobalTotals sums all balances per token. Every total must be zero
// for a zero-sum ledger.
func (t *Tracker) GlobalTotals() map[string]decimal.Decimal {
	totals := make(map[string]decimal.Decimal)
	for k, v := range t.balances {
		totals[k.Token] = totals[k.Token].Add(v)
	}
	return totals
}

// ValidateGlobalZero verifies the ledger is zero-sum per token.
func (t *Tracker) ValidateGlobalZero() error {
	for token, total := range t.GlobalTotals() {
		if !total.IsZero() {
			return fmt.Errorf("global balance for %s is non-zero: %s", token, total)
		}
	}
	return nil
}

// ValidateInternalNonNegative verifies that no party inside the ledger
// boundary carries a negative balance. External parties are exempt:
// they absorb the mirror image of everything that flowed in.
func (t *Tracker) ValidateInternalNonNegative() error {
	for k, v := range t.balances {
		if IsExternal(k.Party) {
			continue
		}
		if v.IsNegative() {
			return fmt.Errorf("party %s has negative %s balance: %s", k.Party, k.Token, v)
		}
	}
	return nil
}

// Snapshot returns all non-zero balances sorted by party then token,
// for deterministic digests and projections.
func (t *Tracker) Snapshot() []BalanceRecord {
	out := make([]BalanceRecord, 0, len(t.balances))
	for k, v := range t.balances {
		if v.IsZero() {
			continue
		}
		out = append(out, BalanceRecord{Party: k.Party, Token: k.Token, Balance: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Party != out[j].Party {
			return out[i].Party < out[j].Party
		}
		return out[i].Token < out[j].Token
	})
	return out
}

// Restore replaces the tracker contents with the given records.
func (t *Tracker) Restore(records []BalanceRecord) {
	t.balances = make(map[PartyToken]decimal.Decimal, len(records))
	for _, r := range records {
		t.balances[PartyToken{Party: r.Party, Token: r.Token}] = r.Balance
	}
}

// BalanceRecord is one party's balance in one token.
type BalanceRecord struct {
	Party   string          `json:"party"`
	Token   string          `json:"token"`
	Balance decimal.Decimal `json:"balance"`
}
