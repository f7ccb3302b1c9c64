// Package projection maintains the Postgres read models. The worker is
// fed from the core's non-blocking projection channel, so it may miss
// outputs under load; every table it owns can be rebuilt from the
// event log.
package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"PoolLedger/internal/core"
	"PoolLedger/internal/event"
	"PoolLedger/internal/journal"
	"PoolLedger/internal/observability"
)

const workerID = "main"

// Worker folds core outputs into the projections schema.
type Worker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	log       zerolog.Logger
	lastSeq   int64
}

func NewWorker(db *sql.DB, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, log zerolog.Logger) *Worker {
	return &Worker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		log:       log,
	}
}

// Run consumes core outputs until the context is cancelled or the
// channel closes. Failures are logged and skipped; the affected rows
// are recovered by the next Rebuild.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-w.inputChan:
			if !ok {
				return nil
			}

			start := time.Now()
			if err := w.apply(ctx, output); err != nil {
				w.log.Warn().
					Int64("sequence", output.Envelope.Sequence).
					Err(err).
					Msg("projection update failed, table is stale until rebuild")
				continue
			}
			w.lastSeq = output.Envelope.Sequence

			if w.metrics != nil {
				w.metrics.ProjectionUpdateDur.WithLabelValues("all").Observe(time.Since(start).Seconds())
			}
		}
	}
}

// LastSequence returns the last applied event sequence.
func (w *Worker) LastSequence() int64 { return w.lastSeq }

func (w *Worker) apply(ctx context.Context, output core.CoreOutput) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	seq := output.Envelope.Sequence
	tsUs := output.Envelope.Timestamp.UnixMicro()

	if output.Batch != nil {
		for _, e := range output.Batch.Entries {
			if err := w.applyEntry(ctx, tx, e, seq, tsUs); err != nil {
				return fmt.Errorf("entry %s: %w", e.EntryID, err)
			}
		}
	}

	if isPositionEvent(output.Envelope.EventType) {
		if err := w.recordPositionEvent(ctx, tx, output.Envelope); err != nil {
			return fmt.Errorf("position history: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, workerID, seq); err != nil {
		return fmt.Errorf("watermark: %w", err)
	}

	return tx.Commit()
}

// applyEntry folds one journal row into the balance projection. The
// debit party pays, the credit party receives. Pool parties additionally
// get a history row carrying their new balance.
func (w *Worker) applyEntry(ctx context.Context, tx *sql.Tx, e journal.Entry, seq, tsUs int64) error {
	amount := e.Amount.String()

	var debitBalance string
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO projections.balances (party, token, balance, last_sequence)
		VALUES ($1, $2, -$3::numeric, $4)
		ON CONFLICT (party, token)
		DO UPDATE SET balance = projections.balances.balance - $3::numeric, last_sequence = $4
		RETURNING balance
	`, e.Debit, e.Token, amount, seq).Scan(&debitBalance); err != nil {
		return err
	}

	var creditBalance string
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO projections.balances (party, token, balance, last_sequence)
		VALUES ($1, $2, $3::numeric, $4)
		ON CONFLICT (party, token)
		DO UPDATE SET balance = projections.balances.balance + $3::numeric, last_sequence = $4
		RETURNING balance
	`, e.Credit, e.Token, amount, seq).Scan(&creditBalance); err != nil {
		return err
	}

	if err := w.recordPoolHistory(ctx, tx, e.Debit, e.Token, debitBalance, seq, tsUs); err != nil {
		return err
	}
	return w.recordPoolHistory(ctx, tx, e.Credit, e.Token, creditBalance, seq, tsUs)
}

func (w *Worker) recordPoolHistory(ctx context.Context, tx *sql.Tx, party, token, balance string, seq, tsUs int64) error {
	if journal.PartyKind(party) != "pool" {
		return nil
	}
	poolID := strings.TrimPrefix(party, "pool:")
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.pool_balance_history (pool_id, token, balance, sequence, timestamp)
		VALUES ($1, $2, $3::numeric, $4, $5)
	`, poolID, token, balance, seq, tsUs)
	return err
}

func (w *Worker) recordPositionEvent(ctx context.Context, tx *sql.Tx, env *event.EventEnvelope) error {
	var ref struct {
		AccountID string `json:"AccountID"`
	}
	if err := json.Unmarshal(env.Payload, &ref); err != nil {
		return fmt.Errorf("payload account_id: %w", err)
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.position_history (sequence, account_id, market_id, event_type, payload, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (sequence) DO NOTHING
	`, env.Sequence, ref.AccountID, env.MarketID, env.EventType.String(), env.Payload, env.Timestamp.UnixMicro())
	return err
}

func isPositionEvent(t event.EventType) bool {
	switch t {
	case event.EventTypePositionOpen,
		event.EventTypePositionClose,
		event.EventTypeLiquidateAccount,
		event.EventTypeAdlFill,
		event.EventTypePositionReallocate:
		return true
	default:
		return false
	}
}

// Rebuild truncates every projection table and refills it from the
// event log inside one transaction.
func Rebuild(ctx context.Context, db *sql.DB, log zerolog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	truncates := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.pool_balance_history`,
		`TRUNCATE projections.position_history`,
		`DELETE FROM projections.watermark WHERE worker_id = '` + workerID + `'`,
	}
	for _, stmt := range truncates {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate: %w", err)
		}
	}

	// Credits add, debits subtract.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (party, token, balance, last_sequence)
		SELECT party, token, SUM(delta), MAX(sequence)
		FROM (
			SELECT credit_party AS party, token, amount AS delta, sequence FROM event_log.journal
			UNION ALL
			SELECT debit_party AS party, token, -amount AS delta, sequence FROM event_log.journal
		) moves
		GROUP BY party, token
	`); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.pool_balance_history (pool_id, token, balance, sequence, timestamp)
		SELECT substring(party FROM 6), token,
		       SUM(delta) OVER (PARTITION BY party, token ORDER BY sequence, side),
		       sequence, timestamp
		FROM (
			SELECT credit_party AS party, token, amount AS delta, sequence, timestamp, 1 AS side
			FROM event_log.journal WHERE credit_party LIKE 'pool:%'
			UNION ALL
			SELECT debit_party, token, -amount, sequence, timestamp, 2
			FROM event_log.journal WHERE debit_party LIKE 'pool:%'
		) moves
	`); err != nil {
		return fmt.Errorf("rebuild pool history: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.position_history (sequence, account_id, market_id, event_type, payload, timestamp)
		SELECT e.sequence,
		       e.payload->>'AccountID',
		       e.market_id,
		       e.event_type,
		       e.payload,
		       (EXTRACT(EPOCH FROM e.timestamp) * 1e6)::bigint
		FROM event_log.events e
		WHERE e.event_type IN ('PositionOpen', 'PositionClose', 'LiquidateAccount', 'AdlFill', 'PositionReallocate')
	`); err != nil {
		return fmt.Errorf("rebuild position history: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		SELECT $1, COALESCE(MAX(sequence), 0), NOW() FROM event_log.events
	`, workerID); err != nil {
		return fmt.Errorf("rebuild watermark: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	log.Info().Msg("projection rebuild complete")
	return nil
}
