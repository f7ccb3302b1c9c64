// Package account is the position-side ledger: per-account collateral
// balances (one per deposit token, USD-normalized amounts) and per-market
// position records split into pool legs. Only the engine mutates accounts.
package account

import (
	"sort"

	"github.com/shopspring/decimal"

	"PoolLedger/internal/numeric"
)

// PoolLeg is the portion of a position's size backed by one pool.
// A leg with zero size carries zero entry price and zero entry borrowing
// and is conceptually absent.
type PoolLeg struct {
	PoolID               string          `json:"pool_id"`
	Size                 decimal.Decimal `json:"size"`
	EntryPrice           decimal.Decimal `json:"entry_price"`
	EntryBorrowingPerUsd decimal.Decimal `json:"entry_borrowing_per_usd"`
}

// Position is one market's legs, ordered by the market's backing pool list.
type Position struct {
	MarketID string     `json:"market_id"`
	Legs     []*PoolLeg `json:"legs"`
}

// TotalSize sums the position's legs.
func (pos *Position) TotalSize() decimal.Decimal {
	total := decimal.Zero
	for _, leg := range pos.Legs {
		total = total.Add(leg.Size)
	}
	return total
}

// Leg returns the leg backed by poolID, or nil.
func (pos *Position) Leg(poolID string) *PoolLeg {
	for _, leg := range pos.Legs {
		if leg.PoolID == poolID {
			return leg
		}
	}
	return nil
}

// EnsureLeg returns the leg backed by poolID, appending an empty one if
// the position has none.
func (pos *Position) EnsureLeg(poolID string) *PoolLeg {
	if leg := pos.Leg(poolID); leg != nil {
		return leg
	}
	leg := &PoolLeg{
		PoolID:               poolID,
		Size:                 decimal.Zero,
		EntryPrice:           decimal.Zero,
		EntryBorrowingPerUsd: decimal.Zero,
	}
	pos.Legs = append(pos.Legs, leg)
	return leg
}

// Account is keyed by a position identifier. Created on first deposit or
// first open; logically destroyed when collaterals and positions are both
// empty.
type Account struct {
	ID          string
	collaterals map[string]decimal.Decimal // token → USD-normalized amount
	positions   map[string]*Position       // marketID → position

	dust decimal.Decimal
}

// New creates an empty account. dust is the threshold below which residual
// balances are treated as fully closed.
func New(id string, dust decimal.Decimal) *Account {
	return &Account{
		ID:          id,
		collaterals: make(map[string]decimal.Decimal),
		positions:   make(map[string]*Position),
		dust:        dust,
	}
}

// --- Collateral ---

// Collateral returns the account's balance of token.
func (a *Account) Collateral(token string) decimal.Decimal {
	return a.collaterals[token]
}

// CollateralTokens returns the held tokens, sorted for deterministic
// iteration.
func (a *Account) CollateralTokens() []string {
	ts := make([]string, 0, len(a.collaterals))
	for t := range a.collaterals {
		ts = append(ts, t)
	}
	sort.Strings(ts)
	return ts
}

// CreditCollateral adds amount of token. Amounts are never negative; a
// non-positive credit is ignored.
func (a *Account) CreditCollateral(token string, amount decimal.Decimal) {
	if !amount.IsPositive() {
		return
	}
	a.collaterals[token] = a.collaterals[token].Add(amount)
}

// DebitCollateral removes up to amount of token, returning what was
// actually removed. The entry is deleted once it rounds to dust.
func (a *Account) DebitCollateral(token string, amount decimal.Decimal) decimal.Decimal {
	if !amount.IsPositive() {
		return decimal.Zero
	}
	bal := a.collaterals[token]
	applied := numeric.Min(bal, amount)
	rest := bal.Sub(applied)
	if rest.LessThanOrEqual(a.dust) {
		applied = bal
		delete(a.collaterals, token)
	} else {
		a.collaterals[token] = rest
	}
	return applied
}

// --- Positions ---

// Position returns the account's position in marketID, or nil.
func (a *Account) Position(marketID string) *Position {
	return a.positions[marketID]
}

// EnsurePosition returns the account's position in marketID, creating an
// empty one if absent.
func (a *Account) EnsurePosition(marketID string) *Position {
	pos := a.positions[marketID]
	if pos == nil {
		pos = &Position{MarketID: marketID}
		a.positions[marketID] = pos
	}
	return pos
}

// MarketIDs returns markets with a position entry, sorted.
func (a *Account) MarketIDs() []string {
	ids := make([]string, 0, len(a.positions))
	for id := range a.positions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ZeroLeg resets a leg to the conceptually-absent state.
func ZeroLeg(leg *PoolLeg) {
	leg.Size = decimal.Zero
	leg.EntryPrice = decimal.Zero
	leg.EntryBorrowingPerUsd = decimal.Zero
}

// Compact removes zero legs and empty market entries. Called by the engine
// after every settlement so the invariant "a leg at size 0 is absent"
// holds between operations.
func (a *Account) Compact() {
	for id, pos := range a.positions {
		kept := pos.Legs[:0]
		for _, leg := range pos.Legs {
			if leg.Size.LessThanOrEqual(a.dust) {
				continue
			}
			kept = append(kept, leg)
		}
		pos.Legs = kept
		if len(pos.Legs) == 0 {
			delete(a.positions, id)
		}
	}
}

func clonePosition(pos *Position) *Position {
	cp := &Position{MarketID: pos.MarketID, Legs: make([]*PoolLeg, len(pos.Legs))}
	for i, leg := range pos.Legs {
		l := *leg
		cp.Legs[i] = &l
	}
	return cp
}

// Clone returns a deep copy. The engine clones affected accounts before
// a settlement so a solvency failure mid-operation can restore them.
func (a *Account) Clone() *Account {
	c := New(a.ID, a.dust)
	for t, v := range a.collaterals {
		c.collaterals[t] = v
	}
	for id, pos := range a.positions {
		c.positions[id] = clonePosition(pos)
	}
	return c
}

// IsEmpty reports whether the account holds neither collateral nor any
// position.
func (a *Account) IsEmpty() bool {
	return len(a.collaterals) == 0 && len(a.positions) == 0
}

// --- Store ---

// Store holds all accounts keyed by position identifier.
type Store struct {
	accounts map[string]*Account
	dust     decimal.Decimal
}

func NewStore(dust decimal.Decimal) *Store {
	return &Store{
		accounts: make(map[string]*Account),
		dust:     dust,
	}
}

// Get returns the account or nil.
func (s *Store) Get(id string) *Account {
	return s.accounts[id]
}

// GetOrCreate returns the account, creating it on first use.
func (s *Store) GetOrCreate(id string) *Account {
	a := s.accounts[id]
	if a == nil {
		a = New(id, s.dust)
		s.accounts[id] = a
	}
	return a
}

// Sweep drops accounts that have become empty. Called after settlements.
func (s *Store) Sweep() {
	for id, a := range s.accounts {
		if a.IsEmpty() {
			delete(s.accounts, id)
		}
	}
}

// Replace swaps the stored account for id, or removes the entry when a
// is nil. Used by the engine's rollback path.
func (s *Store) Replace(id string, a *Account) {
	if a == nil {
		delete(s.accounts, id)
		return
	}
	s.accounts[id] = a
}

// ActiveIDs returns identifiers of accounts holding at least one open
// position, sorted, windowed by offset/limit. limit <= 0 means no limit.
func (s *Store) ActiveIDs(offset, limit int) []string {
	ids := make([]string, 0, len(s.accounts))
	for id, a := range s.accounts {
		if len(a.positions) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if offset >= len(ids) {
		return nil
	}
	ids = ids[offset:]
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}
	return ids
}

// All returns every account, sorted by id. Used by snapshotting and the
// liquidation scanner.
func (s *Store) All() []*Account {
	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*Account, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.accounts[id])
	}
	return out
}

// Restore inserts an account rebuilt from a snapshot.
func (s *Store) Restore(a *Account) {
	a.dust = s.dust
	s.accounts[a.ID] = a
}

// Snapshot support -----------------------------------------------------------

// Record is the serializable account state.
type Record struct {
	ID          string                     `json:"id"`
	Collaterals map[string]decimal.Decimal `json:"collaterals"`
	Positions   []*Position                `json:"positions"`
}

// Snapshot captures the account state. Positions are deep-copied so the
// record stays frozen while the engine keeps settling.
func (a *Account) Snapshot() Record {
	rec := Record{
		ID:          a.ID,
		Collaterals: make(map[string]decimal.Decimal, len(a.collaterals)),
	}
	for t, v := range a.collaterals {
		rec.Collaterals[t] = v
	}
	for _, id := range a.MarketIDs() {
		rec.Positions = append(rec.Positions, clonePosition(a.positions[id]))
	}
	return rec
}

// FromRecord rebuilds an account from its serialized form. The record's
// positions are deep-copied so a restore never shares state with the
// record's producer.
func FromRecord(rec Record, dust decimal.Decimal) *Account {
	a := New(rec.ID, dust)
	for t, v := range rec.Collaterals {
		a.collaterals[t] = v
	}
	for _, pos := range rec.Positions {
		a.positions[pos.MarketID] = clonePosition(pos)
	}
	return a
}
