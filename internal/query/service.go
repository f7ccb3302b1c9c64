// Package query serves the read paths. Hot queries (collaterals,
// positions, margin, pool AUM) read the live engine state through a
// StateView so they always reflect the last applied event; history and
// admin queries read Postgres projections and the event log.
package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"PoolLedger/internal/core"
	"PoolLedger/internal/engine"
	"PoolLedger/internal/pool"
)

// ErrNotFound marks lookups for accounts, pools or markets the engine
// does not know.
var ErrNotFound = errors.New("query: not found")

// StateView serializes read access against the single-writer core loop.
// View runs fn while no event is being applied.
type StateView interface {
	View(fn func(c *core.Core) error) error
}

// Service answers read requests from live state and projections.
type Service struct {
	state StateView
	db    *sql.DB
}

func NewService(state StateView, db *sql.DB) *Service {
	return &Service{state: state, db: db}
}

// --- Hot queries (live engine state) ---

// ListAccountCollaterals returns every token balance the account holds.
func (s *Service) ListAccountCollaterals(accountID string) ([]CollateralBalance, error) {
	var out []CollateralBalance
	err := s.state.View(func(c *core.Core) error {
		acct := c.Engine().Accounts().Get(accountID)
		if acct == nil {
			return fmt.Errorf("%w: account %s", ErrNotFound, accountID)
		}
		asOf := c.GetSequence() - 1
		for _, token := range acct.CollateralTokens() {
			out = append(out, CollateralBalance{
				AccountID:    accountID,
				Token:        token,
				Amount:       acct.Collateral(token),
				AsOfSequence: asOf,
			})
		}
		return nil
	})
	return out, err
}

// ListAccountPositions returns the account's open pool legs, ordered by
// market then by the market's backing pool order.
func (s *Service) ListAccountPositions(accountID string) ([]PositionLegResponse, error) {
	var out []PositionLegResponse
	err := s.state.View(func(c *core.Core) error {
		acct := c.Engine().Accounts().Get(accountID)
		if acct == nil {
			return fmt.Errorf("%w: account %s", ErrNotFound, accountID)
		}
		asOf := c.GetSequence() - 1
		for _, marketID := range acct.MarketIDs() {
			for _, leg := range acct.Position(marketID).Legs {
				out = append(out, PositionLegResponse{
					AccountID:            accountID,
					MarketID:             marketID,
					PoolID:               leg.PoolID,
					Size:                 leg.Size,
					EntryPrice:           leg.EntryPrice,
					EntryBorrowingPerUsd: leg.EntryBorrowingPerUsd,
					AsOfSequence:         asOf,
				})
			}
		}
		return nil
	})
	return out, err
}

// ListActivePositionIDs pages through accounts with open positions in a
// stable order, so a sweep over all pages visits each account once.
func (s *Service) ListActivePositionIDs(offset, limit int) (*ActiveAccountsResponse, error) {
	resp := &ActiveAccountsResponse{Offset: offset, Limit: limit}
	err := s.state.View(func(c *core.Core) error {
		resp.AccountIDs = c.Engine().Accounts().ActiveIDs(offset, limit)
		resp.AsOfSequence = c.GetSequence() - 1
		return nil
	})
	return resp, err
}

// MarketState returns one pool's exposure slice for a market.
func (s *Service) MarketState(poolID, marketID string) (*MarketStateResponse, error) {
	var resp *MarketStateResponse
	err := s.state.View(func(c *core.Core) error {
		p := c.Engine().Pool(poolID)
		if p == nil {
			return fmt.Errorf("%w: pool %s", ErrNotFound, poolID)
		}
		ms := p.Market(marketID)
		if ms == nil {
			return fmt.Errorf("%w: pool %s has no state for market %s", ErrNotFound, poolID, marketID)
		}
		resp = &MarketStateResponse{
			PoolID:                   poolID,
			MarketID:                 marketID,
			IsLong:                   ms.IsLong,
			TotalSize:                ms.TotalSize,
			AverageEntryPrice:        ms.AverageEntryPrice,
			CumulatedBorrowingPerUsd: ms.CumulatedBorrowingPerUsd,
			LastUpdateUs:             ms.LastUpdate.UnixMicro(),
			Inherited:                ms.Inherited,
			AsOfSequence:             c.GetSequence() - 1,
		}
		return nil
	})
	return resp, err
}

// PoolAum values the pool at the latest cached prices. AumUsd is the
// uncapped settlement value; EstimatedAumUsd caps per-market trader PnL
// and prices the NAV.
func (s *Service) PoolAum(poolID string) (*PoolAumResponse, error) {
	var resp *PoolAumResponse
	err := s.state.View(func(c *core.Core) error {
		p := c.Engine().Pool(poolID)
		if p == nil {
			return fmt.Errorf("%w: pool %s", ErrNotFound, poolID)
		}

		prices := c.Prices().Snapshot(time.Now().UTC())
		marks, err := poolMarks(c, p)
		if err != nil {
			return err
		}

		aum, err := p.AumUsd(prices, marks)
		if err != nil {
			return fmt.Errorf("aum: %w", err)
		}
		estimated, err := p.EstimatedAumUsd(prices, marks)
		if err != nil {
			return fmt.Errorf("estimated aum: %w", err)
		}
		nav, err := p.NavPrice(prices, marks)
		if err != nil {
			return fmt.Errorf("nav: %w", err)
		}

		resp = &PoolAumResponse{
			PoolID:          poolID,
			DepositToken:    p.DepositToken,
			AumUsd:          aum,
			EstimatedAumUsd: estimated,
			NavPrice:        nav,
			ShareSupply:     p.ShareSupply(),
			AsOfSequence:    c.GetSequence() - 1,
		}
		return nil
	})
	return resp, err
}

// Margin returns the account-wide margin picture at the latest cached
// prices.
func (s *Service) Margin(accountID string) (*MarginResponse, error) {
	var resp *MarginResponse
	err := s.state.View(func(c *core.Core) error {
		prices := c.Prices().Snapshot(time.Now().UTC())
		sum, err := c.Engine().Margin(accountID, prices)
		if err != nil {
			if errors.Is(err, engine.ErrAccountNotFound) {
				return fmt.Errorf("%w: account %s", ErrNotFound, accountID)
			}
			return err
		}
		resp = &MarginResponse{
			AccountID:        accountID,
			CollateralUsd:    sum.CollateralUsd,
			UnrealizedPnlUsd: sum.UnrealizedPnlUsd,
			BorrowingFeeUsd:  sum.BorrowingFeeUsd,
			MarginBalanceUsd: sum.Balance(),
			EntryNotionalUsd: sum.EntryNotionalUsd,
			MarkNotionalUsd:  sum.MarkNotionalUsd,
			InitialUsd:       sum.InitialUsd,
			MaintenanceUsd:   sum.MaintenanceUsd,
			InitialSafe:      sum.InitialSafe(),
			MaintenanceSafe:  sum.MaintenanceSafe(),
			AsOfSequence:     c.GetSequence() - 1,
		}
		return nil
	})
	return resp, err
}

// AdlEligibility is a keeper preflight: it reports whether an ADL fill
// for the account's position in the market would be accepted right now.
func (s *Service) AdlEligibility(accountID, marketID string) (*AdlEligibilityResponse, error) {
	var resp *AdlEligibilityResponse
	err := s.state.View(func(c *core.Core) error {
		prices := c.Prices().Snapshot(time.Now().UTC())
		eligible, err := c.Engine().IsDeleverageAllowed(accountID, marketID, prices)
		if err != nil {
			if errors.Is(err, engine.ErrAccountNotFound) || errors.Is(err, engine.ErrMarketNotFound) {
				return fmt.Errorf("%w: %v", ErrNotFound, err)
			}
			return err
		}
		resp = &AdlEligibilityResponse{
			AccountID:    accountID,
			MarketID:     marketID,
			Eligible:     eligible,
			AsOfSequence: c.GetSequence() - 1,
		}
		return nil
	})
	return resp, err
}

// poolMarks resolves each of the pool's markets to its oracle mark.
func poolMarks(c *core.Core, p *pool.Pool) (pool.MarkPrices, error) {
	marks := pool.MarkPrices{}
	for _, marketID := range p.MarketIDs() {
		m := c.Engine().Markets().Get(marketID)
		if m == nil {
			return nil, fmt.Errorf("%w: market %s", ErrNotFound, marketID)
		}
		price, ok := c.Prices().Latest(m.Config.OracleAssetID)
		if !ok {
			return nil, fmt.Errorf("no price for asset %s", m.Config.OracleAssetID)
		}
		marks[marketID] = price
	}
	return marks, nil
}

// --- History queries (projections + event log) ---

// AccountJournal pages the account's settled ledger rows, newest first.
func (s *Service) AccountJournal(ctx context.Context, accountID string, limit int, afterSequence *int64) ([]JournalHistoryEntry, error) {
	party := "account:" + accountID

	q := `
		SELECT entry_id, batch_id, event_ref, sequence, kind, token,
		       amount, debit_party, credit_party, timestamp
		FROM event_log.journal
		WHERE (debit_party = $1 OR credit_party = $1)
	`
	args := []interface{}{party}
	argIdx := 2

	if afterSequence != nil {
		q += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}
	q += fmt.Sprintf(" ORDER BY sequence DESC LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.EntryID, &e.BatchID, &e.EventRef, &e.Sequence, &e.Kind,
			&e.Token, &e.Amount, &e.DebitParty, &e.CreditParty, &e.TimestampUs,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PoolBalanceHistory returns the pool's balance trail, newest first.
func (s *Service) PoolBalanceHistory(ctx context.Context, poolID string, limit int) ([]PoolBalancePoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pool_id, token, balance, sequence, timestamp
		FROM projections.pool_balance_history
		WHERE pool_id = $1
		ORDER BY sequence DESC
		LIMIT $2
	`, poolID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []PoolBalancePoint
	for rows.Next() {
		var p PoolBalancePoint
		if err := rows.Scan(&p.PoolID, &p.Token, &p.Balance, &p.Sequence, &p.TimestampUs); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// ProjectionWatermark returns the last event sequence projections have
// applied, 0 when none.
func (s *Service) ProjectionWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

// --- Admin ---

// VerifyIntegrity checks the stored hash chain and the zero-sum
// invariant over projected balances.
func (s *Service) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := s.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// External is the boundary party, the sum over all parties per token
	// must be exactly zero.
	balanceRows, err := s.db.QueryContext(ctx, `
		SELECT token, SUM(balance) AS total
		FROM projections.balances
		GROUP BY token
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var token, total string
		if err := balanceRows.Scan(&token, &total); err != nil {
			return nil, err
		}
		imbalance, err := decimal.NewFromString(total)
		if err != nil {
			return nil, fmt.Errorf("parse imbalance for %s: %w", token, err)
		}
		report.UnbalancedTokens = append(report.UnbalancedTokens, UnbalancedToken{
			Token:     token,
			Imbalance: imbalance.String(),
		})
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedTokens) == 0
	return report, nil
}
