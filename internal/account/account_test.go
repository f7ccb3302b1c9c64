package account_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"PoolLedger/internal/account"
)

const usdc = "USDC"

var dust = decimal.New(1, -6)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func openLeg(a *account.Account, market, poolID, size, entry string) {
	leg := a.EnsurePosition(market).EnsureLeg(poolID)
	leg.Size = dec(size)
	leg.EntryPrice = dec(entry)
}

// ============================================================================
// Test: snapshot isolation
// ============================================================================

func TestSnapshot_FrozenAgainstLaterSettlement(t *testing.T) {
	a := account.New("trader-1", dust)
	a.CreditCollateral(usdc, dec("1000"))
	openLeg(a, "btc-usd", "main", "2", "50000")

	rec := a.Snapshot()

	// The account keeps settling after the capture.
	a.Position("btc-usd").Leg("main").Size = dec("0.5")
	a.DebitCollateral(usdc, dec("900"))

	if got := rec.Positions[0].Legs[0].Size; !got.Equal(dec("2")) {
		t.Errorf("snapshot leg size mutated: %s", got)
	}
	if got := rec.Collaterals[usdc]; !got.Equal(dec("1000")) {
		t.Errorf("snapshot collateral mutated: %s", got)
	}
}

func TestFromRecord_DetachedFromRecord(t *testing.T) {
	a := account.New("trader-1", dust)
	openLeg(a, "btc-usd", "main", "1", "50000")

	rec := a.Snapshot()
	restored := account.FromRecord(rec, dust)

	restored.Position("btc-usd").Leg("main").Size = dec("3")

	if got := rec.Positions[0].Legs[0].Size; !got.Equal(dec("1")) {
		t.Errorf("record leg mutated through restored account: %s", got)
	}
	if got := a.Position("btc-usd").Leg("main").Size; !got.Equal(dec("1")) {
		t.Errorf("source account mutated through restored account: %s", got)
	}
}

func TestClone_RollbackRestoresLegs(t *testing.T) {
	a := account.New("trader-1", dust)
	a.CreditCollateral(usdc, dec("500"))
	openLeg(a, "btc-usd", "main", "1", "50000")

	saved := a.Clone()
	a.Position("btc-usd").Leg("main").Size = dec("0.25")
	a.DebitCollateral(usdc, dec("500"))

	if got := saved.Position("btc-usd").Leg("main").Size; !got.Equal(dec("1")) {
		t.Errorf("clone leg mutated: %s", got)
	}
	if got := saved.Collateral(usdc); !got.Equal(dec("500")) {
		t.Errorf("clone collateral mutated: %s", got)
	}
}
