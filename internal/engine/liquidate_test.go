package engine_test

import (
	"errors"
	"testing"

	"PoolLedger/internal/engine"
)

// liqFixture opens 1 BTC at 50,000 against a single seeded pool with the
// given collateral, ready for the price to move against the trader.
func liqFixture(t *testing.T, collateral string) *fixture {
	t.Helper()
	f := newFixture(t, poolSpec{id: poolA, capUsd: "2000000"})
	f.seed(poolA, "1000000") // aum 999,900
	f.deposit(collateral)
	f.open("1", "50000") // 50 USDC position fee
	return f
}

func (f *fixture) liquidate(mark string) (*engine.LiquidateResult, error) {
	f.t.Helper()
	return f.eng.Liquidate(engine.LiquidateRequest{AccountID: trader}, f.prices(mark), f.t0)
}

// ============================================================================
// Three liquidation regimes: fully solvent, fee clipped, insolvent
// ============================================================================

func TestLiquidate_FullySolvent(t *testing.T) {
	f := liqFixture(t, "5050") // 5,000 after open fee

	// Balance 1,000 against maintenance 2,300 at mark 46,000.
	res, err := f.liquidate("46000")
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	st := res.Settlements[0]
	if !st.PnlUsd.Equal(dec("-4000")) || !st.PnlShortfallUsd.IsZero() {
		t.Errorf("pnl: got %s shortfall %s, want -4000 / 0", st.PnlUsd, st.PnlShortfallUsd)
	}
	if !st.LiquidationFeeUsd.Equal(dec("460")) {
		t.Errorf("liquidation fee: got %s, want 460", st.LiquidationFeeUsd)
	}
	// Pool received the full loss.
	if got := f.eng.Pool(poolA).Liquidity(usdc); !got.Equal(dec("1003900")) {
		t.Errorf("pool liquidity: got %s, want 1003900", got)
	}
	// 5,000 − 4,000 − 460 stays with the account.
	if got := f.collateral(); !got.Equal(dec("540")) {
		t.Errorf("residual collateral: got %s, want 540", got)
	}
	if ms := f.eng.Pool(poolA).Market(mktBtc); !ms.TotalSize.IsZero() {
		t.Errorf("exposure survived liquidation: %s", ms.TotalSize)
	}
}

func TestLiquidate_FeeClippedByRemainingMargin(t *testing.T) {
	f := liqFixture(t, "5050") // 5,000 after open fee

	// Loss 4,550 leaves 450 of margin; the 454.50 liquidation fee clips.
	res, err := f.liquidate("45450")
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	st := res.Settlements[0]
	if !st.PnlShortfallUsd.IsZero() {
		t.Errorf("pnl shortfall: got %s, want 0", st.PnlShortfallUsd)
	}
	if !st.LiquidationFeeUsd.Equal(dec("450")) {
		t.Errorf("clipped liquidation fee: got %s, want 450", st.LiquidationFeeUsd)
	}
	// Collateral exhausted to exactly zero; the empty account is swept.
	if f.eng.Accounts().Get(trader) != nil {
		t.Error("exhausted account not swept")
	}
	if got := f.eng.Pool(poolA).Liquidity(usdc); !got.Equal(dec("1004450")) {
		t.Errorf("pool liquidity: got %s, want 1004450", got)
	}
}

func TestLiquidate_InsolventPoolAbsorbsLoss(t *testing.T) {
	f := liqFixture(t, "5050") // 5,000 after open fee

	// Loss 6,000 against 5,000 of collateral: margin is negative.
	res, err := f.liquidate("44000")
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if !res.MarginBalanceUsd.Equal(dec("-1000")) {
		t.Errorf("margin balance: got %s, want -1000", res.MarginBalanceUsd)
	}
	st := res.Settlements[0]
	if !st.PnlShortfallUsd.Equal(dec("1000")) {
		t.Errorf("pool absorbed shortfall: got %s, want 1000", st.PnlShortfallUsd)
	}
	if !st.LiquidationFeeUsd.IsZero() || !st.BorrowingFeeUsd.IsZero() {
		t.Errorf("fees charged past exhausted margin: liq %s borrow %s",
			st.LiquidationFeeUsd, st.BorrowingFeeUsd)
	}
	// Pool got everything the collateral could cover, nothing more.
	if got := f.eng.Pool(poolA).Liquidity(usdc); !got.Equal(dec("1004900")) {
		t.Errorf("pool liquidity: got %s, want 1004900", got)
	}
	if f.eng.Accounts().Get(trader) != nil {
		t.Error("insolvent account not swept")
	}
}

func TestLiquidate_SafeAccountRejected(t *testing.T) {
	f := liqFixture(t, "100000")

	_, err := f.liquidate("49000")
	if !errors.Is(err, engine.ErrSafePositionAccount) {
		t.Fatalf("err: got %v, want ErrSafePositionAccount", err)
	}
	// Untouched.
	if pos := f.eng.Accounts().Get(trader).Position(mktBtc); pos == nil {
		t.Error("position vanished from a rejected liquidation")
	}
}

// ============================================================================
// Auto-deleveraging
// ============================================================================

func TestAdl_CapsRealizedPnl(t *testing.T) {
	f := liqFixture(t, "10000")

	// PnL ratio 26,000 / 50,000 = 0.52 crosses the 0.45 trigger.
	ok, err := f.eng.IsDeleverageAllowed(trader, mktBtc, f.prices("76000"))
	if err != nil || !ok {
		t.Fatalf("eligibility: got %v, %v; want true", ok, err)
	}

	res, err := f.eng.FillAdl(engine.AdlRequest{
		AccountID: trader, MarketID: mktBtc,
	}, f.prices("76000"), f.t0)
	if err != nil {
		t.Fatalf("adl fill: %v", err)
	}
	st := res.Settlements[0]
	// Realized PnL capped at 0.50 × 50,000 entry notional.
	if !st.PnlUsd.Equal(dec("25000")) {
		t.Errorf("capped pnl: got %s, want 25000", st.PnlUsd)
	}
	// 10,000 − 50 open fee + 25,000 capped profit − 76 close fee.
	if got, want := f.collateral(), dec("34874"); !got.Equal(want) {
		t.Errorf("collateral: got %s, want %s", got, want)
	}
	if got := f.eng.Pool(poolA).Liquidity(usdc); !got.Equal(dec("974900")) {
		t.Errorf("pool liquidity: got %s, want 974900", got)
	}
	if pos := f.eng.Accounts().Get(trader).Position(mktBtc); pos != nil {
		t.Errorf("leg survived adl fill: %+v", pos)
	}
}

func TestAdl_BelowTriggerRejected(t *testing.T) {
	f := liqFixture(t, "10000")

	// Ratio 10,000 / 50,000 = 0.20 stays under the trigger.
	ok, err := f.eng.IsDeleverageAllowed(trader, mktBtc, f.prices("60000"))
	if err != nil || ok {
		t.Fatalf("eligibility: got %v, %v; want false", ok, err)
	}
	_, err = f.eng.FillAdl(engine.AdlRequest{
		AccountID: trader, MarketID: mktBtc,
	}, f.prices("60000"), f.t0)
	if !errors.Is(err, engine.ErrAdlNotEligible) {
		t.Fatalf("err: got %v, want ErrAdlNotEligible", err)
	}
}
