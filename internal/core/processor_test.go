package core_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"PoolLedger/internal/core"
	"PoolLedger/internal/engine"
	"PoolLedger/internal/event"
	"PoolLedger/internal/market"
	"PoolLedger/internal/numeric"
	"PoolLedger/internal/pool"
)

// --- Test helpers ---

const (
	testMarket = "btc-usd"
	testPool   = "main"
	testToken  = "USDC"
	testFeed   = "BTC"
	trader     = "trader-1"
	lpOne      = "lp-1"
)

var t0 = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func ts(seq int64) time.Time {
	return t0.Add(time.Duration(seq) * time.Second)
}

// newTestCore creates a Core with buffered channels and no DB checker.
func newTestCore() (*core.Core, chan core.CoreOutput, chan core.CoreOutput) {
	persistChan := make(chan core.CoreOutput, 1024)
	projChan := make(chan core.CoreOutput, 1024)
	eng := engine.New(market.NewRegistry(), engine.NewCollectFees(), engine.Config{}, zerolog.Nop())
	c := core.NewCore(0, eng, persistChan, projChan, nil, nil)
	return c, persistChan, projChan
}

// seqs tracks per-partition source sequences the way upstream feeds do.
type seqs struct {
	global int64
	market int64
	price  map[string]int64
}

func newSeqs() *seqs {
	return &seqs{price: make(map[string]int64)}
}

func (s *seqs) nextGlobal() int64 {
	v := s.global
	s.global++
	return v
}

func (s *seqs) nextMarket() int64 {
	v := s.market
	s.market++
	return v
}

func (s *seqs) nextPrice(asset string) int64 {
	s.price[asset]++
	return s.price[asset]
}

func poolConfigUpdate(s *seqs) *event.PoolConfigUpdate {
	return &event.PoolConfigUpdate{
		UpdateID:     uuid.New(),
		PoolID:       testPool,
		DepositToken: testToken,
		Config: pool.Config{
			Curve:            numeric.BorrowingCurve{BaseApy: dec("0.10"), K: dec("10"), B: dec("7")},
			LiquidityCapUsd:  dec("2000000"),
			LiquidityFeeRate: dec("0.0001"),
			Adl: map[string]pool.AdlConfig{
				testMarket: {
					ReserveRate: dec("0.80"),
					TriggerRate: dec("0.45"),
					MaxPnlRate:  dec("0.50"),
				},
			},
		},
		Sequence:  s.nextGlobal(),
		Timestamp: t0,
	}
}

func marketConfigUpdate(s *seqs) *event.MarketConfigUpdate {
	return &event.MarketConfigUpdate{
		UpdateID:     uuid.New(),
		Market:       testMarket,
		IsLong:       true,
		BackingPools: []string{testPool},
		Config: market.Config{
			PositionFeeRate:       dec("0.001"),
			LiquidationFeeRate:    dec("0.01"),
			InitialMarginRate:     dec("0.10"),
			MaintenanceMarginRate: dec("0.05"),
			LotSize:               dec("0.0001"),
			OracleAssetID:         testFeed,
			SettlementToken:       testToken,
		},
		Sequence:  s.nextMarket(),
		Timestamp: t0,
	}
}

func priceUpdate(s *seqs, asset, price string) *event.OraclePriceUpdate {
	return &event.OraclePriceUpdate{
		AssetID:        asset,
		Price:          dec(price),
		PriceSequence:  s.nextPrice(asset),
		PriceTimestamp: t0.UnixMicro(),
	}
}

func liquidityAdd(s *seqs, amount string) *event.LiquidityAdd {
	return &event.LiquidityAdd{
		OrderID:   uuid.New(),
		PoolID:    testPool,
		AccountID: lpOne,
		Amount:    dec(amount),
		Sequence:  s.nextGlobal(),
		Timestamp: t0,
	}
}

func deposit(s *seqs, amount string) *event.CollateralDeposit {
	seq := s.nextGlobal()
	return &event.CollateralDeposit{
		DepositID: uuid.New(),
		AccountID: trader,
		Token:     testToken,
		Amount:    dec(amount),
		Sequence:  seq,
		Timestamp: ts(seq),
	}
}

func open(s *seqs, size string) *event.PositionOpen {
	seq := s.nextMarket()
	return &event.PositionOpen{
		OrderID:   uuid.New(),
		AccountID: trader,
		Market:    testMarket,
		Size:      dec(size),
		Sequence:  seq,
		Timestamp: ts(seq),
	}
}

func closePosition(s *seqs, size string) *event.PositionClose {
	seq := s.nextMarket()
	return &event.PositionClose{
		OrderID:   uuid.New(),
		AccountID: trader,
		Market:    testMarket,
		Size:      dec(size),
		Sequence:  seq,
		Timestamp: ts(seq),
	}
}

// bootstrap registers the pool and market and prices both feeds.
func bootstrap(t *testing.T, c *core.Core, s *seqs) {
	t.Helper()
	for _, evt := range []event.Event{
		poolConfigUpdate(s),
		priceUpdate(s, testFeed, "50000"),
		priceUpdate(s, testToken, "1"),
		marketConfigUpdate(s),
	} {
		if err := c.ProcessEvent(evt); err != nil {
			t.Fatalf("bootstrap %s: %v", evt.EventType(), err)
		}
	}
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

func mustProcess(t *testing.T, c *core.Core, evt event.Event) {
	t.Helper()
	if err := c.ProcessEvent(evt); err != nil {
		t.Fatalf("ProcessEvent %s: %v", evt.EventType(), err)
	}
}

// ============================================================================
// Test: Deposits and journal batches
// ============================================================================

func TestDeposit_EmitsBalancedBatch(t *testing.T) {
	c, persistCh, _ := newTestCore()
	s := newSeqs()
	bootstrap(t, c, s)
	drainOutputs(persistCh)

	mustProcess(t, c, deposit(s, "100000"))

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}

	batch := outputs[0].Batch
	if len(batch.Entries) != 1 {
		t.Fatalf("expected 1 journal entry, got %d", len(batch.Entries))
	}
	e := batch.Entries[0]
	if e.Kind != engine.MoveDeposit {
		t.Errorf("expected kind %q, got %q", engine.MoveDeposit, e.Kind)
	}
	if e.Debit != "external" || e.Credit != "account:"+trader {
		t.Errorf("unexpected parties: debit=%s credit=%s", e.Debit, e.Credit)
	}
	if !e.Amount.Equal(dec("100000")) {
		t.Errorf("expected amount 100000, got %s", e.Amount)
	}

	if got := c.Tracker().Balance("account:"+trader, testToken); !got.Equal(dec("100000")) {
		t.Errorf("tracker balance = %s, want 100000", got)
	}
	if err := c.Tracker().ValidateGlobalZero(); err != nil {
		t.Errorf("ledger not zero-sum: %v", err)
	}
}

func TestOpen_RoutesPositionFee(t *testing.T) {
	c, persistCh, _ := newTestCore()
	s := newSeqs()
	bootstrap(t, c, s)
	mustProcess(t, c, liquidityAdd(s, "1000000"))
	mustProcess(t, c, deposit(s, "100000"))
	drainOutputs(persistCh)

	mustProcess(t, c, open(s, "1"))

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}

	// 100 liquidity fee from seeding plus 50 position fee (10 bps on
	// 1 BTC at 50000).
	if got := c.Tracker().Balance("fees", testToken); !got.Equal(dec("150")) {
		t.Errorf("fee balance = %s, want 150", got)
	}
	if got := c.Tracker().Balance("account:"+trader, testToken); !got.Equal(dec("99950")) {
		t.Errorf("trader balance = %s, want 99950", got)
	}
}

func TestRejectedOperation_EmitsNoOutput(t *testing.T) {
	c, persistCh, _ := newTestCore()
	s := newSeqs()
	bootstrap(t, c, s)
	mustProcess(t, c, liquidityAdd(s, "1000000"))
	mustProcess(t, c, deposit(s, "100"))
	drainOutputs(persistCh)

	// 1 BTC needs 5000 margin; the account has 100.
	if err := c.ProcessEvent(open(s, "1")); err == nil {
		t.Fatal("expected solvency rejection, got nil")
	}

	if outputs := drainOutputs(persistCh); len(outputs) != 0 {
		t.Fatalf("expected no outputs for rejected op, got %d", len(outputs))
	}
	if got := c.Tracker().Balance("account:"+trader, testToken); !got.Equal(dec("100")) {
		t.Errorf("trader balance changed on rejection: %s", got)
	}
}

// ============================================================================
// Test: Idempotency and sequencing
// ============================================================================

func TestIdempotency_DuplicateDeposit_Ignored(t *testing.T) {
	c, persistCh, _ := newTestCore()
	s := newSeqs()
	bootstrap(t, c, s)
	drainOutputs(persistCh)

	evt := deposit(s, "1000")
	mustProcess(t, c, evt)
	mustProcess(t, c, evt) // Redelivery of the same event

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	if got := c.Tracker().Balance("account:"+trader, testToken); !got.Equal(dec("1000")) {
		t.Errorf("duplicate applied: balance = %s", got)
	}
}

func TestSequenceValidation_GapRejected(t *testing.T) {
	c, persistCh, _ := newTestCore()
	s := newSeqs()
	bootstrap(t, c, s)
	drainOutputs(persistCh)

	mustProcess(t, c, deposit(s, "1000"))

	gapped := deposit(s, "1000")
	gapped.Sequence += 5
	if err := c.ProcessEvent(gapped); err == nil {
		t.Fatal("expected sequence gap error, got nil")
	}
}

func TestOraclePrice_StaleIgnored(t *testing.T) {
	c, persistCh, _ := newTestCore()
	s := newSeqs()
	bootstrap(t, c, s)
	drainOutputs(persistCh)

	stale := &event.OraclePriceUpdate{
		AssetID:        testFeed,
		Price:          dec("49000"),
		PriceSequence:  1, // Already seen during bootstrap
		PriceTimestamp: t0.UnixMicro(),
	}
	mustProcess(t, c, stale)

	if outputs := drainOutputs(persistCh); len(outputs) != 0 {
		t.Fatalf("stale price produced %d outputs", len(outputs))
	}
	if got, _ := c.Prices().Latest(testFeed); !got.Equal(dec("50000")) {
		t.Errorf("stale price applied: %s", got)
	}
}

func TestOraclePrice_GapTolerated(t *testing.T) {
	c, persistCh, _ := newTestCore()
	s := newSeqs()
	bootstrap(t, c, s)
	drainOutputs(persistCh)

	jumped := &event.OraclePriceUpdate{
		AssetID:        testFeed,
		Price:          dec("51000"),
		PriceSequence:  900, // Feed dropped ticks
		PriceTimestamp: ts(1).UnixMicro(),
	}
	mustProcess(t, c, jumped)

	if got, _ := c.Prices().Latest(testFeed); !got.Equal(dec("51000")) {
		t.Errorf("gapped price not applied: %s", got)
	}
}

// ============================================================================
// Test: Hash chain and envelopes
// ============================================================================

func TestStateHashChain_Deterministic(t *testing.T) {
	run := func() ([32]byte, int64) {
		c, persistCh, _ := newTestCore()
		s := newSeqs()
		bootstrap(t, c, s)
		mustProcess(t, c, liquidityAdd(s, "1000000"))
		mustProcess(t, c, deposit(s, "100000"))
		mustProcess(t, c, open(s, "1"))
		mustProcess(t, c, closePosition(s, "1"))
		drainOutputs(persistCh)
		return c.GetStateHash(), c.GetSequence()
	}

	// UUIDs differ between runs, so idempotency keys differ, but the
	// digest covers only party balances: replays with fresh keys must
	// still converge when the settled amounts match.
	hashA, seqA := run()
	hashB, seqB := run()
	if seqA != seqB {
		t.Fatalf("sequence mismatch: %d vs %d", seqA, seqB)
	}
	if hashA != hashB {
		t.Errorf("state hash diverged across identical runs")
	}
}

func TestEnvelope_HasCorrectFields(t *testing.T) {
	c, persistCh, _ := newTestCore()
	s := newSeqs()
	bootstrap(t, c, s)
	startSeq := c.GetSequence()
	drainOutputs(persistCh)

	evt := deposit(s, "500")
	mustProcess(t, c, evt)

	outputs := drainOutputs(persistCh)
	env := outputs[0].Envelope
	if env.Sequence != startSeq {
		t.Errorf("sequence = %d, want %d", env.Sequence, startSeq)
	}
	if env.EventType != event.EventTypeCollateralDeposit {
		t.Errorf("event type = %v", env.EventType)
	}
	if env.IdempotencyKey != evt.IdempotencyKey() {
		t.Errorf("idempotency key mismatch")
	}
	if !env.Timestamp.Equal(evt.Timestamp) {
		t.Errorf("timestamp = %v, want %v", env.Timestamp, evt.Timestamp)
	}
	if env.StateHash == env.PrevHash {
		t.Errorf("state hash did not advance")
	}
	if env.StateHash != c.GetStateHash() {
		t.Errorf("envelope hash is not the chain tip")
	}
	if len(env.Payload) == 0 {
		t.Errorf("payload not recorded")
	}
}

func TestProjectionChannel_DropsOnFull(t *testing.T) {
	persistChan := make(chan core.CoreOutput, 1024)
	projChan := make(chan core.CoreOutput, 1) // Tiny buffer, never drained
	eng := engine.New(market.NewRegistry(), engine.NewCollectFees(), engine.Config{}, zerolog.Nop())
	c := core.NewCore(0, eng, persistChan, projChan, nil, nil)

	s := newSeqs()
	bootstrap(t, c, s)
	for i := 0; i < 3; i++ {
		mustProcess(t, c, deposit(s, "10"))
	}

	// Persist channel must see everything even though projections dropped.
	if got := len(drainOutputs(persistChan)); got < 4 {
		t.Errorf("persist outputs = %d, want event log complete", got)
	}
	if got := len(drainOutputs(projChan)); got != 1 {
		t.Errorf("projection outputs = %d, want 1 (rest dropped)", got)
	}
}

// ============================================================================
// Test: Snapshot / restore
// ============================================================================

func TestSnapshotRestore_ResumesChain(t *testing.T) {
	c, persistCh, _ := newTestCore()
	s := newSeqs()
	bootstrap(t, c, s)
	mustProcess(t, c, liquidityAdd(s, "1000000"))
	mustProcess(t, c, deposit(s, "100000"))
	mustProcess(t, c, open(s, "1"))
	drainOutputs(persistCh)

	snap := c.CreateSnapshotState()

	// A fresh process replays config to register pools and markets,
	// then restores the snapshot over it.
	restored, restoredPersist, _ := newTestCore()
	cs := newSeqs()
	mustProcess(t, restored, poolConfigUpdate(cs))
	mustProcess(t, restored, marketConfigUpdate(cs))
	drainOutputs(restoredPersist)
	restored.RestoreFromSnapshot(snap)

	if restored.GetSequence() != c.GetSequence() {
		t.Fatalf("sequence = %d, want %d", restored.GetSequence(), c.GetSequence())
	}
	if restored.GetStateHash() != c.GetStateHash() {
		t.Fatalf("restored chain tip differs")
	}

	// Both cores settle the same close and must stay in lockstep.
	closeEvt := closePosition(s, "1")
	mustProcess(t, c, closeEvt)
	mustProcess(t, restored, closeEvt)

	if restored.GetStateHash() != c.GetStateHash() {
		t.Errorf("chains diverged after restore")
	}
	if got := restored.Tracker().Balance("account:"+trader, testToken); !got.Equal(c.Tracker().Balance("account:"+trader, testToken)) {
		t.Errorf("balances diverged after restore")
	}
}
