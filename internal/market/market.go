// Package market holds the immutable market definitions: side, the fixed
// ordered list of backing pools, and trading-fee / risk-limit configuration.
// Markets are read-only configuration from the engine's point of view.
package market

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Config holds the per-market trading and risk parameters.
type Config struct {
	PositionFeeRate       decimal.Decimal `json:"position_fee_rate"`
	LiquidationFeeRate    decimal.Decimal `json:"liquidation_fee_rate"`
	InitialMarginRate     decimal.Decimal `json:"initial_margin_rate"`
	MaintenanceMarginRate decimal.Decimal `json:"maintenance_margin_rate"`
	LotSize               decimal.Decimal `json:"lot_size"`
	OracleAssetID         string          `json:"oracle_asset_id"`
	// SettlementToken is the token pool↔trader PnL settles in.
	SettlementToken string `json:"settlement_token"`
	// OpenInterestCapUsd bounds aggregate open notional for the market.
	// Zero means uncapped.
	OpenInterestCapUsd decimal.Decimal `json:"open_interest_cap_usd"`
}

// Market is one tradable perpetual market. Side and backing pool order are
// fixed at creation.
type Market struct {
	ID           string
	IsLong       bool
	BackingPools []string // pool IDs, allocation order
	Config       Config
}

// SideSign returns +1 for a long market, −1 for a short market.
func (m *Market) SideSign() decimal.Decimal {
	if m.IsLong {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(-1)
}

// ValidateConfig checks that every parameter an operation depends on is set.
func (m *Market) ValidateConfig() error {
	switch {
	case len(m.BackingPools) == 0:
		return fmt.Errorf("market %s: no backing pools", m.ID)
	case !m.Config.LotSize.IsPositive():
		return fmt.Errorf("market %s: lot size not set", m.ID)
	case m.Config.OracleAssetID == "":
		return fmt.Errorf("market %s: oracle asset not set", m.ID)
	case m.Config.SettlementToken == "":
		return fmt.Errorf("market %s: settlement token not set", m.ID)
	case !m.Config.InitialMarginRate.IsPositive():
		return fmt.Errorf("market %s: initial margin rate not set", m.ID)
	case !m.Config.MaintenanceMarginRate.IsPositive():
		return fmt.Errorf("market %s: maintenance margin rate not set", m.ID)
	case m.Config.PositionFeeRate.IsNegative():
		return fmt.Errorf("market %s: negative position fee rate", m.ID)
	case m.Config.LiquidationFeeRate.IsNegative():
		return fmt.Errorf("market %s: negative liquidation fee rate", m.ID)
	}
	return nil
}

// Registry is the fixed set of markets, keyed by ID, with deterministic
// iteration order preserved from registration.
type Registry struct {
	markets map[string]*Market
	order   []string
}

func NewRegistry() *Registry {
	return &Registry{markets: make(map[string]*Market)}
}

// Add registers a market. Re-registering an ID replaces its config but
// keeps its original iteration position.
func (r *Registry) Add(m *Market) {
	if _, ok := r.markets[m.ID]; !ok {
		r.order = append(r.order, m.ID)
	}
	r.markets[m.ID] = m
}

// Get returns the market or nil.
func (r *Registry) Get(id string) *Market {
	return r.markets[id]
}

// IDs returns market IDs in registration order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
