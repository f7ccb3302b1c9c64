package engine_test

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"PoolLedger/internal/engine"
	"PoolLedger/internal/market"
	"PoolLedger/internal/numeric"
	"PoolLedger/internal/oracle"
	"PoolLedger/internal/pool"
)

const (
	mktBtc  = "btc-usd"
	usdc    = "USDC"
	btcFeed = "BTC"
	trader  = "trader-1"
	lpOne   = "lp-1"
	poolA   = "pool-a"
	poolB   = "pool-b"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

type poolSpec struct {
	id       string
	capUsd   string
	draining bool
}

type fixture struct {
	t    *testing.T
	eng  *engine.Engine
	fees *engine.CollectFees
	t0   time.Time
}

// newFixture builds an engine with one long BTC market backed by the
// given pools, in order.
func newFixture(t *testing.T, pools ...poolSpec) *fixture {
	t.Helper()
	fees := engine.NewCollectFees()
	eng := engine.New(market.NewRegistry(), fees, engine.Config{}, zerolog.Nop())
	ids := make([]string, 0, len(pools))
	for _, ps := range pools {
		eng.UpsertPool(ps.id, usdc, pool.Config{
			Curve:            numeric.BorrowingCurve{BaseApy: dec("0.10"), K: dec("10"), B: dec("7")},
			LiquidityCapUsd:  dec(ps.capUsd),
			LiquidityFeeRate: dec("0.0001"),
			IsDraining:       ps.draining,
			Adl: map[string]pool.AdlConfig{
				mktBtc: {ReserveRate: dec("0.80"), TriggerRate: dec("0.45"), MaxPnlRate: dec("0.50")},
			},
		})
		ids = append(ids, ps.id)
	}
	err := eng.UpsertMarket(&market.Market{
		ID:           mktBtc,
		IsLong:       true,
		BackingPools: ids,
		Config: market.Config{
			PositionFeeRate:       dec("0.001"),
			LiquidationFeeRate:    dec("0.01"),
			InitialMarginRate:     dec("0.10"),
			MaintenanceMarginRate: dec("0.05"),
			LotSize:               dec("0.0001"),
			OracleAssetID:         btcFeed,
			SettlementToken:       usdc,
		},
	})
	if err != nil {
		t.Fatalf("register market: %v", err)
	}
	return &fixture{
		t:    t,
		eng:  eng,
		fees: fees,
		t0:   time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (f *fixture) pricesAt(mark string, at time.Time) *oracle.PriceSet {
	return oracle.NewPriceSet(at).With(usdc, dec("1")).With(btcFeed, dec(mark))
}

func (f *fixture) prices(mark string) *oracle.PriceSet {
	return f.pricesAt(mark, f.t0)
}

// seed adds LP liquidity; 1,000,000 gross nets 999,900 after the 1bp fee.
func (f *fixture) seed(poolID, amount string) {
	f.t.Helper()
	_, err := f.eng.AddLiquidity(engine.LiquidityRequest{
		PoolID: poolID, AccountID: lpOne, Amount: dec(amount),
	}, f.prices("50000"), f.t0)
	if err != nil {
		f.t.Fatalf("seed %s: %v", poolID, err)
	}
}

func (f *fixture) deposit(amount string) {
	f.t.Helper()
	_, err := f.eng.Deposit(engine.DepositRequest{
		AccountID: trader, Token: usdc, Amount: dec(amount),
	}, f.prices("50000"), f.t0)
	if err != nil {
		f.t.Fatalf("deposit: %v", err)
	}
}

func (f *fixture) open(size, mark string) *engine.OpenResult {
	f.t.Helper()
	res, err := f.eng.Open(engine.OpenRequest{
		AccountID: trader, MarketID: mktBtc, Size: dec(size),
	}, f.prices(mark), f.t0)
	if err != nil {
		f.t.Fatalf("open %s @ %s: %v", size, mark, err)
	}
	return res
}

func (f *fixture) collateral() decimal.Decimal {
	acct := f.eng.Accounts().Get(trader)
	if acct == nil {
		return decimal.Zero
	}
	return acct.Collateral(usdc)
}

func equalWithin(t *testing.T, got, want decimal.Decimal, tol, label string) {
	t.Helper()
	if !numeric.WithinTolerance(got, want, dec(tol)) {
		t.Errorf("%s: got %s, want %s", label, got, want)
	}
}

// ============================================================================
// Open / close
// ============================================================================

func TestOpenClose_RoundTripChargesOnlyFees(t *testing.T) {
	f := newFixture(t, poolSpec{id: poolA, capUsd: "2000000"})
	f.seed(poolA, "1000000")
	f.deposit("100000")

	f.open("1", "50000")
	_, err := f.eng.Close(engine.CloseRequest{
		AccountID: trader, MarketID: mktBtc, Size: dec("1"),
	}, f.prices("50000"), f.t0)
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	// Two position fees of 0.001 * 1 * 50,000, no PnL, no elapsed time.
	if got, want := f.collateral(), dec("99900"); !got.Equal(want) {
		t.Errorf("collateral: got %s, want %s", got, want)
	}
	if got := f.eng.Pool(poolA).Liquidity(usdc); !got.Equal(dec("999900")) {
		t.Errorf("pool liquidity: got %s, want 999900", got)
	}
	if ms := f.eng.Pool(poolA).Market(mktBtc); !ms.TotalSize.IsZero() {
		t.Errorf("pool exposure not flat: %s", ms.TotalSize)
	}
	if pos := f.eng.Accounts().Get(trader).Position(mktBtc); pos != nil {
		t.Errorf("position survived a full close: %+v", pos)
	}
	// LP fee 100 + position fees 50 + 50.
	if got := f.fees.Total(usdc); !got.Equal(dec("200")) {
		t.Errorf("routed fees: got %s, want 200", got)
	}
}

func TestOpen_AllocatesProportionallyToResidualCapacity(t *testing.T) {
	f := newFixture(t,
		poolSpec{id: poolA, capUsd: "1200000"},
		poolSpec{id: poolB, capUsd: "400000"},
	)
	f.seed(poolA, "400000")
	f.seed(poolB, "200000")
	f.deposit("100000")

	res := f.open("10", "50000")
	if len(res.Fills) != 2 {
		t.Fatalf("fills: got %d, want 2", len(res.Fills))
	}
	// Residual capacities 1.2M and 0.4M at unit cost 40,000 → 30:10 → 7.5 / 2.5.
	if !res.Fills[0].Size.Equal(dec("7.5")) || !res.Fills[1].Size.Equal(dec("2.5")) {
		t.Errorf("allocation: got %s / %s, want 7.5 / 2.5", res.Fills[0].Size, res.Fills[1].Size)
	}

	pos := f.eng.Accounts().Get(trader).Position(mktBtc)
	for _, leg := range pos.Legs {
		ms := f.eng.Pool(leg.PoolID).Market(mktBtc)
		if !ms.TotalSize.Equal(leg.Size) {
			t.Errorf("pool %s exposure %s != leg size %s", leg.PoolID, ms.TotalSize, leg.Size)
		}
	}
}

func TestOpen_DrainingPoolIsExcluded(t *testing.T) {
	f := newFixture(t,
		poolSpec{id: poolA, capUsd: "2000000"},
		poolSpec{id: poolB, capUsd: "2000000", draining: true},
	)
	f.seed(poolA, "1000000")
	f.seed(poolB, "1000000")
	f.deposit("100000")

	res := f.open("2", "50000")
	if len(res.Fills) != 1 || res.Fills[0].PoolID != poolA {
		t.Fatalf("draining pool received allocation: %+v", res.Fills)
	}
	if ms := f.eng.Pool(poolB).Market(mktBtc); ms != nil && !ms.TotalSize.IsZero() {
		t.Errorf("draining pool exposure: %s", ms.TotalSize)
	}
}

func TestOpen_MarketFullWithoutCapacity(t *testing.T) {
	f := newFixture(t, poolSpec{id: poolA, capUsd: "0"})
	f.seed(poolA, "1000000")
	f.deposit("100000")

	_, err := f.eng.Open(engine.OpenRequest{
		AccountID: trader, MarketID: mktBtc, Size: dec("1"),
	}, f.prices("50000"), f.t0)
	if !errors.Is(err, engine.ErrMarketFull) {
		t.Fatalf("err: got %v, want ErrMarketFull", err)
	}
}

func TestOpen_MarketFullWhenReserveExceedsAum(t *testing.T) {
	f := newFixture(t, poolSpec{id: poolA, capUsd: "2000000"})
	f.seed(poolA, "100000") // aum 99,990
	f.deposit("100000")

	// 3 BTC reserves 120,000, above 0.8 × aum.
	_, err := f.eng.Open(engine.OpenRequest{
		AccountID: trader, MarketID: mktBtc, Size: dec("3"),
	}, f.prices("50000"), f.t0)
	if !errors.Is(err, engine.ErrMarketFull) {
		t.Fatalf("err: got %v, want ErrMarketFull", err)
	}
	// Rejected atomically: no exposure, no fee charged.
	if ms := f.eng.Pool(poolA).Market(mktBtc); ms != nil && !ms.TotalSize.IsZero() {
		t.Errorf("exposure leaked: %s", ms.TotalSize)
	}
	if got := f.collateral(); !got.Equal(dec("100000")) {
		t.Errorf("collateral changed on rejected open: %s", got)
	}
}

func TestOpen_ZeroSize(t *testing.T) {
	f := newFixture(t, poolSpec{id: poolA, capUsd: "2000000"})
	f.seed(poolA, "1000000")
	f.deposit("100000")

	_, err := f.eng.Open(engine.OpenRequest{
		AccountID: trader, MarketID: mktBtc, Size: decimal.Zero,
	}, f.prices("50000"), f.t0)
	if !errors.Is(err, engine.ErrZeroAmount) {
		t.Fatalf("err: got %v, want ErrZeroAmount", err)
	}
}

func TestClose_RejectsOversizedClose(t *testing.T) {
	f := newFixture(t, poolSpec{id: poolA, capUsd: "2000000"})
	f.seed(poolA, "1000000")
	f.deposit("100000")
	f.open("1", "50000")

	_, err := f.eng.Close(engine.CloseRequest{
		AccountID: trader, MarketID: mktBtc, Size: dec("1.5"),
	}, f.prices("50000"), f.t0)
	if !errors.Is(err, engine.ErrInvalidCloseSize) {
		t.Fatalf("err: got %v, want ErrInvalidCloseSize", err)
	}
}

func TestClose_RealizesProfitFromPool(t *testing.T) {
	f := newFixture(t, poolSpec{id: poolA, capUsd: "2000000"})
	f.seed(poolA, "1000000")
	f.deposit("100000")
	f.open("1", "50000")

	res, err := f.eng.Close(engine.CloseRequest{
		AccountID: trader, MarketID: mktBtc, Size: dec("1"),
	}, f.prices("55000"), f.t0)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !res.Settlements[0].PnlUsd.Equal(dec("5000")) {
		t.Errorf("pnl: got %s, want 5000", res.Settlements[0].PnlUsd)
	}
	// 100,000 − 50 open fee + 5,000 profit − 55 close fee.
	if got, want := f.collateral(), dec("104895"); !got.Equal(want) {
		t.Errorf("collateral: got %s, want %s", got, want)
	}
	if got := f.eng.Pool(poolA).Liquidity(usdc); !got.Equal(dec("994900")) {
		t.Errorf("pool liquidity: got %s, want 994900", got)
	}
}

func TestClose_WithdrawAllIfEmptyDisbursesCollateral(t *testing.T) {
	f := newFixture(t, poolSpec{id: poolA, capUsd: "2000000"})
	f.seed(poolA, "1000000")
	f.deposit("100000")
	f.open("1", "50000")

	res, err := f.eng.Close(engine.CloseRequest{
		AccountID: trader, MarketID: mktBtc, Size: dec("1"), WithdrawAllIfEmpty: true,
	}, f.prices("50000"), f.t0)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(res.Withdrawn) != 1 || !res.Withdrawn[0].Amount.Equal(dec("99900")) {
		t.Fatalf("withdrawn: got %+v, want 99,900 USDC", res.Withdrawn)
	}
	if f.eng.Accounts().Get(trader) != nil {
		t.Error("empty account not swept after final disbursement")
	}
}

// ============================================================================
// Withdraw
// ============================================================================

func TestWithdraw_PaysOutWhenMarginAllows(t *testing.T) {
	f := newFixture(t, poolSpec{id: poolA, capUsd: "2000000"})
	f.seed(poolA, "1000000")
	f.deposit("60000")
	f.open("1", "50000")

	res, err := f.eng.Withdraw(engine.WithdrawRequest{
		AccountID: trader, Token: usdc, Amount: dec("54000"),
	}, f.prices("50000"), f.t0)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if len(res.Paid) != 1 || !res.Paid[0].Amount.Equal(dec("54000")) {
		t.Errorf("paid: got %+v", res.Paid)
	}
	if got, want := f.collateral(), dec("5950"); !got.Equal(want) {
		t.Errorf("collateral: got %s, want %s", got, want)
	}
}

func TestWithdraw_SubDustResidueSweptAndJournaled(t *testing.T) {
	f := newFixture(t, poolSpec{id: poolA, capUsd: "2000000"})
	f.deposit("100.0000005")

	// The 0.0000005 left behind is under the dust threshold, so the
	// debit sweeps it; the payout and the journal carry the swept total.
	res, err := f.eng.Withdraw(engine.WithdrawRequest{
		AccountID: trader, Token: usdc, Amount: dec("100"),
	}, f.prices("50000"), f.t0)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	swept := dec("100.0000005")
	if !res.Amount.Equal(swept) {
		t.Errorf("amount: got %s, want %s", res.Amount, swept)
	}
	if len(res.Paid) != 1 || !res.Paid[0].Amount.Equal(swept) {
		t.Errorf("paid: got %+v, want %s", res.Paid, swept)
	}
	mv := res.Movements[len(res.Movements)-1]
	if !mv.Amount.Equal(swept) {
		t.Errorf("journaled amount: got %s, want %s", mv.Amount, swept)
	}
	if got := f.collateral(); !got.IsZero() {
		t.Errorf("residue survived the sweep: %s", got)
	}
	if f.eng.Accounts().Get(trader) != nil {
		t.Error("emptied account not swept")
	}
}

func TestWithdraw_BlockedBelowInitialMargin(t *testing.T) {
	f := newFixture(t, poolSpec{id: poolA, capUsd: "2000000"})
	f.seed(poolA, "1000000")
	f.deposit("60000")
	f.open("1", "50000")

	// Balance would drop to 3,950 against an initial requirement of 5,000.
	_, err := f.eng.Withdraw(engine.WithdrawRequest{
		AccountID: trader, Token: usdc, Amount: dec("56000"),
	}, f.prices("50000"), f.t0)
	if !errors.Is(err, engine.ErrUnsafePositionAccount) {
		t.Fatalf("err: got %v, want ErrUnsafePositionAccount", err)
	}
	if got, want := f.collateral(), dec("59950"); !got.Equal(want) {
		t.Errorf("collateral after rejected withdraw: got %s, want %s", got, want)
	}
}

func TestWithdraw_InitialMarginUsesEntryNotionalNotMark(t *testing.T) {
	f := newFixture(t, poolSpec{id: poolA, capUsd: "2000000"})
	f.seed(poolA, "1000000")
	f.deposit("60000")
	f.open("1", "50000")

	// Mark doubles. A mark-based requirement would be 10,000 and block
	// this; the entry-based requirement stays 5,000 and the unrealized
	// profit raises the balance.
	_, err := f.eng.Withdraw(engine.WithdrawRequest{
		AccountID: trader, Token: usdc, Amount: dec("56000"),
	}, f.prices("100000"), f.t0)
	if err != nil {
		t.Fatalf("withdraw at doubled mark: %v", err)
	}
}

// ============================================================================
// Borrowing accrual
// ============================================================================

func TestBorrowing_SevenDayReferenceAccrual(t *testing.T) {
	f := newFixture(t, poolSpec{id: poolA, capUsd: "2000000"})
	f.seed(poolA, "1000000") // aum 999,900
	f.deposit("60000")

	entry := "50446.967045321962752277"
	size := dec("9.4281")
	f.open("9.4281", entry)

	t1 := f.t0.Add(7 * 24 * time.Hour)
	if err := f.eng.Poke(mktBtc, f.pricesAt(entry, t1), t1); err != nil {
		t.Fatalf("poke: %v", err)
	}

	sum, err := f.eng.Margin(trader, f.pricesAt(entry, t1))
	if err != nil {
		t.Fatalf("margin: %v", err)
	}
	wantFee := dec("0.002703729225668555").Mul(size).Mul(dec(entry))
	equalWithin(t, sum.BorrowingFeeUsd, wantFee, "0.000001", "7-day borrowing fee")

	// Accrual is idempotent at an unchanged timestamp.
	cum := f.eng.Pool(poolA).Market(mktBtc).CumulatedBorrowingPerUsd
	if err := f.eng.Poke(mktBtc, f.pricesAt(entry, t1), t1); err != nil {
		t.Fatalf("second poke: %v", err)
	}
	if got := f.eng.Pool(poolA).Market(mktBtc).CumulatedBorrowingPerUsd; !got.Equal(cum) {
		t.Errorf("second touch moved accrual: %s → %s", cum, got)
	}
}

func TestWithdraw_SettlesAccruedBorrowing(t *testing.T) {
	f := newFixture(t, poolSpec{id: poolA, capUsd: "2000000"})
	f.seed(poolA, "1000000")
	f.deposit("60000")

	entry := "50446.967045321962752277"
	size := dec("9.4281")
	f.open("9.4281", entry)
	openFee := dec("0.001").Mul(size).Mul(dec(entry))

	t1 := f.t0.Add(7 * 24 * time.Hour)
	res, err := f.eng.Withdraw(engine.WithdrawRequest{
		AccountID: trader, Token: usdc, Amount: dec("1000"),
	}, f.pricesAt(entry, t1), t1)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	borrowFee := dec("0.002703729225668555").Mul(size).Mul(dec(entry))
	want := dec("60000").Sub(openFee).Sub(borrowFee).Sub(dec("1000"))
	equalWithin(t, f.collateral(), want, "0.000001", "collateral after settled borrowing")
	if len(res.Movements) < 2 {
		t.Errorf("expected borrowing fee movement plus withdrawal, got %+v", res.Movements)
	}

	// The marker reset: nothing further is pending at the same instant.
	sum, err := f.eng.Margin(trader, f.pricesAt(entry, t1))
	if err != nil {
		t.Fatalf("margin: %v", err)
	}
	if !sum.BorrowingFeeUsd.IsZero() {
		t.Errorf("pending borrowing after settlement: %s", sum.BorrowingFeeUsd)
	}
}

// ============================================================================
// Deposit edge cases
// ============================================================================

func TestDeposit_ZeroAmount(t *testing.T) {
	f := newFixture(t, poolSpec{id: poolA, capUsd: "2000000"})
	_, err := f.eng.Deposit(engine.DepositRequest{
		AccountID: trader, Token: usdc, Amount: decimal.Zero,
	}, f.prices("50000"), f.t0)
	if !errors.Is(err, engine.ErrZeroAmount) {
		t.Fatalf("err: got %v, want ErrZeroAmount", err)
	}
}

func TestWithdraw_UnknownAccount(t *testing.T) {
	f := newFixture(t, poolSpec{id: poolA, capUsd: "2000000"})
	_, err := f.eng.Withdraw(engine.WithdrawRequest{
		AccountID: "nobody", Token: usdc, Amount: dec("1"),
	}, f.prices("50000"), f.t0)
	if !errors.Is(err, engine.ErrAccountNotFound) {
		t.Fatalf("err: got %v, want ErrAccountNotFound", err)
	}
}
