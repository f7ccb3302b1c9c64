package engine

import (
	"sort"

	"PoolLedger/internal/account"
	"PoolLedger/internal/pool"
)

// Snapshot is the serializable engine state: every pool's mutable state
// and every account. Market and pool configuration is not part of the
// snapshot; it is re-applied from config events on restore.
type Snapshot struct {
	Pools    []pool.Snapshot  `json:"pools"`
	Accounts []account.Record `json:"accounts"`
}

// Snapshot captures the full mutable state in deterministic order.
func (e *Engine) Snapshot() Snapshot {
	ids := make([]string, 0, len(e.pools))
	for id := range e.pools {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	snap := Snapshot{Pools: make([]pool.Snapshot, 0, len(ids))}
	for _, id := range ids {
		snap.Pools = append(snap.Pools, e.pools[id].Snapshot())
	}
	for _, a := range e.accounts.All() {
		snap.Accounts = append(snap.Accounts, a.Snapshot())
	}
	return snap
}

// RestoreSnapshot replaces the engine's mutable state. Pools referenced
// by the snapshot must already be registered with their configuration.
func (e *Engine) RestoreSnapshot(snap Snapshot) {
	for _, ps := range snap.Pools {
		if p := e.pools[ps.ID]; p != nil {
			p.Restore(ps)
		}
	}
	for _, rec := range snap.Accounts {
		e.accounts.Restore(account.FromRecord(rec, e.cfg.DustThreshold))
	}
}
