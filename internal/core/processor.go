package core

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"PoolLedger/internal/engine"
	"PoolLedger/internal/event"
	"PoolLedger/internal/journal"
	"PoolLedger/internal/market"
	"PoolLedger/internal/observability"
	"PoolLedger/internal/oracle"
)

// Core is the single-threaded deterministic event processor. It owns
// the settlement engine, the oracle price cache and the journal
// balance tracker; everything downstream sees only CoreOutput.
type Core struct {
	sequence          int64
	hasher            *StateHasher
	engine            *engine.Engine
	prices            *oracle.Cache
	tracker           *journal.Tracker
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Batch      *journal.Batch
	StateDelta []byte
}

func NewCore(
	startSequence int64,
	eng *engine.Engine,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) *Core {
	return &Core{
		sequence:          startSequence,
		hasher:            NewStateHasher(),
		engine:            eng,
		prices:            oracle.NewCache(),
		tracker:           journal.NewTracker(),
		idempotency:       NewIdempotencyChecker(1_000_000, dbChecker),
		sequenceValidator: NewSequenceValidator(),
		metrics:           metrics,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}
}

// ProcessEvent is the main processing pipeline
func (c *Core) ProcessEvent(evt event.Event) error {
	return c.process(evt, false)
}

// ReplayEvent re-applies a stored event during recovery. The dedup
// lookup is skipped (a replayed event is in the log by definition) and
// nothing is re-emitted downstream.
func (c *Core) ReplayEvent(evt event.Event) error {
	return c.process(evt, true)
}

func (c *Core) process(evt event.Event, replay bool) error {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	isDuplicate := false
	if !replay {
		isDuplicate = c.idempotency.IsDuplicate(eventType, idempotencyKey)
	}

	// Step 2: Sequence validation. Oracle feeds tolerate gaps; every
	// other stream is strict per partition.
	if priceEvt, ok := evt.(*event.OraclePriceUpdate); ok {
		if stale := c.sequenceValidator.ValidatePriceSequence(priceEvt.AssetID, priceEvt.PriceSequence); stale {
			return nil
		}
	} else {
		partition := c.getPartition(evt)
		if err := c.sequenceValidator.ValidateSequence(partition, evt.SourceSequence(), isDuplicate); err != nil {
			return fmt.Errorf("sequence validation failed: %w", err)
		}
	}

	if isDuplicate {
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "duplicate").Inc()
		}
		return nil
	}

	// Step 3: Dispatch to the engine. Validation and solvency errors
	// are deterministic rejections: no state changed (the engine rolls
	// back), no envelope is written.
	moves, err := c.dispatch(evt)
	if err != nil {
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, rejectReason(err)).Inc()
		}
		return fmt.Errorf("dispatch failed: %w", err)
	}

	// Step 4: Build the journal batch. State-only events (price
	// updates, pokes, config) produce no entries but still get an
	// envelope in the event log.
	timestampUs := evt.EventTime().UnixMicro()
	batch, err := journal.FromMovements(idempotencyKey, c.sequence, timestampUs, moves)
	if err != nil {
		panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
	}

	if len(batch.Entries) > 0 {
		if err := c.tracker.Apply(batch); err != nil {
			panic(fmt.Sprintf("FATAL: apply batch: %v", err))
		}
	}

	// Step 5: State digest and hash chain
	hashStart := time.Now()
	stateDigest := c.computeStateDigest(batch)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)
	if c.metrics != nil {
		c.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		panic(fmt.Sprintf("FATAL: marshal %s payload: %v", eventType, err))
	}

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		MarketID:       evt.MarketID(),
		Timestamp:      evt.EventTime(),
		SourceSequence: evt.SourceSequence(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	output := CoreOutput{
		Envelope:   envelope,
		Batch:      batch,
		StateDelta: stateDigest,
	}
	c.sequence++

	// Step 6: Post-checks
	if err := c.postCheckInvariants(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	// Step 7: Emit. Persistence uses a blocking send so the core
	// stalls until the writer drains and no event is lost. Projections
	// use a non-blocking send and rebuild from the log if they drop.
	if !replay {
		c.persistChan <- output

		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}

	// Step 8: Mark as processed (add to LRU)
	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	if c.metrics != nil {
		c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
		for _, e := range batch.Entries {
			c.metrics.CoreJournals.WithLabelValues(e.Kind).Inc()
		}
	}

	return nil
}

// dispatch routes one event to its engine operation and returns the
// settled movements.
func (c *Core) dispatch(evt event.Event) ([]engine.Movement, error) {
	now := evt.EventTime()
	prices := c.prices.Snapshot(now)

	switch e := evt.(type) {
	case *event.OraclePriceUpdate:
		c.prices.Update(e.AssetID, e.Price, e.PriceSequence, e.PriceTimestamp)
		return nil, nil

	case *event.MarketPoke:
		return nil, c.engine.Poke(e.Market, prices, now)

	case *event.CollateralDeposit:
		res, err := c.engine.Deposit(engine.DepositRequest{
			AccountID: e.AccountID,
			Token:     e.Token,
			Amount:    e.Amount,
		}, prices, now)
		if err != nil {
			return nil, err
		}
		return res.Movements, nil

	case *event.CollateralWithdraw:
		res, err := c.engine.Withdraw(engine.WithdrawRequest{
			AccountID: e.AccountID,
			Token:     e.Token,
			Amount:    e.Amount,
			SwapTo:    e.SwapTo,
		}, prices, now)
		if err != nil {
			return nil, err
		}
		return res.Movements, nil

	case *event.PositionOpen:
		res, err := c.engine.Open(engine.OpenRequest{
			AccountID: e.AccountID,
			MarketID:  e.Market,
			Size:      e.Size,
		}, prices, now)
		if err != nil {
			return nil, err
		}
		if c.metrics != nil {
			c.metrics.PositionsOpened.WithLabelValues(e.Market).Inc()
		}
		return res.Movements, nil

	case *event.PositionClose:
		res, err := c.engine.Close(engine.CloseRequest{
			AccountID:          e.AccountID,
			MarketID:           e.Market,
			Size:               e.Size,
			WithdrawProfit:     e.WithdrawProfit,
			WithdrawAllIfEmpty: e.WithdrawAllIfEmpty,
			SwapTo:             e.SwapTo,
		}, prices, now)
		if err != nil {
			return nil, err
		}
		if c.metrics != nil {
			c.metrics.PositionsClosed.WithLabelValues(e.Market).Inc()
		}
		return res.Movements, nil

	case *event.LiquidateAccount:
		res, err := c.engine.Liquidate(engine.LiquidateRequest{
			AccountID: e.AccountID,
		}, prices, now)
		if err != nil {
			return nil, err
		}
		if c.metrics != nil {
			outcome := "closed"
			for _, st := range res.Settlements {
				if st.PnlShortfallUsd.IsPositive() {
					outcome = "shortfall"
					c.metrics.LiquidationShortfall.WithLabelValues(st.PoolID).Inc()
				}
			}
			c.metrics.LiquidationsSettled.WithLabelValues(outcome).Inc()
		}
		return res.Movements, nil

	case *event.AdlFill:
		res, err := c.engine.FillAdl(engine.AdlRequest{
			AccountID: e.AccountID,
			MarketID:  e.Market,
		}, prices, now)
		if err != nil {
			if c.metrics != nil && errors.Is(err, engine.ErrAdlNotEligible) {
				c.metrics.AdlRejected.WithLabelValues(e.Market).Inc()
			}
			return nil, err
		}
		if c.metrics != nil {
			c.metrics.AdlFills.WithLabelValues(e.Market).Inc()
		}
		return res.Movements, nil

	case *event.PositionReallocate:
		res, err := c.engine.Reallocate(engine.ReallocateRequest{
			AccountID: e.AccountID,
			MarketID:  e.Market,
			FromPool:  e.FromPool,
			ToPool:    e.ToPool,
			Size:      e.Size,
		}, prices, now)
		if err != nil {
			return nil, err
		}
		if c.metrics != nil {
			c.metrics.Reallocations.WithLabelValues(e.Market).Inc()
		}
		return res.Movements, nil

	case *event.LiquidityAdd:
		res, err := c.engine.AddLiquidity(engine.LiquidityRequest{
			PoolID:    e.PoolID,
			AccountID: e.AccountID,
			Amount:    e.Amount,
		}, prices, now)
		if err != nil {
			return nil, err
		}
		if c.metrics != nil {
			c.metrics.LiquidityAdded.WithLabelValues(e.PoolID).Inc()
		}
		return res.Movements, nil

	case *event.LiquidityRemove:
		res, err := c.engine.RemoveLiquidity(engine.LiquidityRequest{
			PoolID:    e.PoolID,
			AccountID: e.AccountID,
			Amount:    e.Shares,
		}, prices, now)
		if err != nil {
			return nil, err
		}
		if c.metrics != nil {
			c.metrics.LiquidityRemoved.WithLabelValues(e.PoolID).Inc()
		}
		return res.Movements, nil

	case *event.MarketConfigUpdate:
		return nil, c.engine.UpsertMarket(&market.Market{
			ID:           e.Market,
			IsLong:       e.IsLong,
			BackingPools: e.BackingPools,
			Config:       e.Config,
		})

	case *event.PoolConfigUpdate:
		c.engine.UpsertPool(e.PoolID, e.DepositToken, e.Config)
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown event type: %T", evt)
	}
}

// getPartition determines partition key for sequence validation
func (c *Core) getPartition(evt event.Event) string {
	if marketID := evt.MarketID(); marketID != nil {
		return fmt.Sprintf("market:%s", *marketID)
	}
	return "global"
}

// computeStateDigest creates canonical bytes for the state hash: the
// post-apply balance of every party the batch touched, sorted by
// party path then token, each field length-prefixed.
func (c *Core) computeStateDigest(batch *journal.Batch) []byte {
	touched := make(map[journal.PartyToken]bool)
	if batch != nil {
		for _, e := range batch.Entries {
			touched[journal.PartyToken{Party: e.Debit, Token: e.Token}] = true
			touched[journal.PartyToken{Party: e.Credit, Token: e.Token}] = true
		}
	}

	keys := make([]journal.PartyToken, 0, len(touched))
	for k := range touched {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Party != keys[j].Party {
			return keys[i].Party < keys[j].Party
		}
		return keys[i].Token < keys[j].Token
	})

	digest := make([]byte, 0, len(keys)*64)
	for _, k := range keys {
		balance := c.tracker.Balance(k.Party, k.Token).String()
		digest = appendField(digest, k.Party)
		digest = appendField(digest, k.Token)
		digest = appendField(digest, balance)
	}
	return digest
}

// appendField writes a fixed 4-byte length prefix so fields of any size
// frame unambiguously.
func appendField(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, []byte(s)...)
}

// postCheckInvariants validates ledger invariants after application.
// The zero-sum check runs every event (cheap); the internal
// non-negative sweep runs periodically since it walks every balance.
func (c *Core) postCheckInvariants() error {
	if err := c.tracker.ValidateGlobalZero(); err != nil {
		return err
	}
	if c.sequence > 0 && c.sequence%1000 == 0 {
		if err := c.tracker.ValidateInternalNonNegative(); err != nil {
			return err
		}
	}
	return nil
}

func rejectReason(err error) string {
	switch {
	case engine.IsValidation(err):
		return "validation"
	case engine.IsSolvency(err):
		return "solvency"
	default:
		return "error"
	}
}
