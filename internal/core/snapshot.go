package core

import (
	"PoolLedger/internal/engine"
	"PoolLedger/internal/journal"
	"PoolLedger/internal/oracle"
)

// SnapshotState holds the serializable in-memory state for restore.
// Market and pool configuration is not captured here; on warm restart
// the bootstrap replays config events before restoring the snapshot,
// then replays everything after the snapshot sequence.
type SnapshotState struct {
	Sequence        int64
	StateHash       [32]byte
	Engine          engine.Snapshot
	Balances        []journal.BalanceRecord
	Prices          map[string]oracle.PriceRecord
	SequenceState   map[string]int64
	IdempotencyKeys []string
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *Core) CreateSnapshotState() *SnapshotState {
	return &SnapshotState{
		Sequence:        c.sequence - 1, // Last processed sequence
		StateHash:       c.hasher.GetPrevHash(),
		Engine:          c.engine.Snapshot(),
		Balances:        c.tracker.Snapshot(),
		Prices:          c.prices.Entries(),
		SequenceState:   c.sequenceValidator.Export(),
		IdempotencyKeys: c.idempotency.ExportKeys(100_000),
	}
}

// RestoreFromSnapshot restores the core's in-memory state. Pools and
// markets referenced by the engine snapshot must already be registered.
func (c *Core) RestoreFromSnapshot(snap *SnapshotState) {
	c.sequence = snap.Sequence + 1 // Next sequence to assign
	c.hasher.SetPrevHash(snap.StateHash)
	c.engine.RestoreSnapshot(snap.Engine)
	c.tracker.Restore(snap.Balances)
	for asset, rec := range snap.Prices {
		c.prices.Restore(asset, rec.Price, rec.Sequence, rec.TimestampUs)
	}
	for partition, nextSeq := range snap.SequenceState {
		c.sequenceValidator.SetExpectedSequence(partition, nextSeq)
	}
	c.idempotency.WarmFromKeys(snap.IdempotencyKeys)
}

// WarmLRU loads recent idempotency keys into the dedup cache so the
// replay window avoids cold-path DB lookups.
func (c *Core) WarmLRU(keys []string) {
	c.idempotency.WarmFromKeys(keys)
}

// GetSequence returns the next global sequence number to assign.
func (c *Core) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *Core) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// Engine exposes the settlement engine for read-side margin queries.
func (c *Core) Engine() *engine.Engine {
	return c.engine
}

// Tracker exposes the journal balance tracker.
func (c *Core) Tracker() *journal.Tracker {
	return c.tracker
}

// Prices exposes the oracle price cache.
func (c *Core) Prices() *oracle.Cache {
	return c.prices
}
