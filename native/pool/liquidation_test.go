package pool

import (
	"errors"
	"math/big"
	"testing"

	"lendpool/native/repayments"
)

func TestRequestMarginCallGuards(t *testing.T) {
	env := newPoolTestEnv(t)
	env.activatePool(t)

	if err := env.engine.RequestMarginCall(env.liquidator, "pool-1"); !errors.Is(err, ErrNotLender) {
		t.Fatalf("err = %v, want ErrNotLender", err)
	}
	// 2 WETH at 2000 covers the ideal ratio comfortably.
	if err := env.engine.RequestMarginCall(env.lender, "pool-1"); !errors.Is(err, ErrRatioNotBreached) {
		t.Fatalf("err = %v, want ErrRatioNotBreached", err)
	}

	env.oracle.price = pricePoint(1000)
	if err := env.engine.RequestMarginCall(env.lender, "pool-1"); err != nil {
		t.Fatalf("margin call: %v", err)
	}
	stored := env.state.pools["pool-1"]
	if want := int64(2_000 + 86_400); stored.Vars.MarginCallEndTime != want {
		t.Fatalf("margin call end = %d, want %d", stored.Vars.MarginCallEndTime, want)
	}
	if err := env.engine.RequestMarginCall(env.lenderTwo, "pool-1"); !errors.Is(err, ErrMarginCallActive) {
		t.Fatalf("err = %v, want ErrMarginCallActive", err)
	}
}

func TestCurrentCollateralRatio(t *testing.T) {
	env := newPoolTestEnv(t)
	env.activatePool(t)
	env.engine.SetTimestamp(2_100)

	ratio, err := env.engine.CurrentCollateralRatio("pool-1")
	if err != nil {
		t.Fatalf("ratio: %v", err)
	}
	principal, interest, err := env.repay.Outstanding("pool-1")
	if err != nil {
		t.Fatalf("outstanding: %v", err)
	}
	debt := new(big.Int).Add(principal, interest)
	want := mulDivFloor(units(4_000), ratioScale, debt)
	if ratio.Cmp(want) != 0 {
		t.Fatalf("ratio = %s, want %s", ratio, want)
	}
}

func TestDepositCollateralClearsMarginCall(t *testing.T) {
	env := newPoolTestEnv(t)
	env.activatePool(t)

	env.oracle.price = pricePoint(1000)
	if err := env.engine.RequestMarginCall(env.lender, "pool-1"); err != nil {
		t.Fatalf("margin call: %v", err)
	}

	// 2 more WETH at 1000 lifts the ratio back above 3x.
	env.fund(env.borrower, "WETH", units(2))
	if err := env.engine.DepositCollateral(env.borrower, "pool-1", units(2), false); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	stored := env.state.pools["pool-1"]
	if stored.Vars.MarginCallEndTime != 0 {
		t.Fatalf("margin call not cleared: end = %d", stored.Vars.MarginCallEndTime)
	}

	env.engine.SetTimestamp(2_000 + 86_401)
	_, err := env.engine.LiquidatePool(env.liquidator, "pool-1", false, false, true)
	if !errors.Is(err, ErrNotLiquidatable) {
		t.Fatalf("err = %v, want ErrNotLiquidatable", err)
	}
}

func TestLiquidateRejectsHealthyPool(t *testing.T) {
	env := newPoolTestEnv(t)
	env.activatePool(t)
	env.engine.SetTimestamp(2_100)

	_, err := env.engine.LiquidatePool(env.liquidator, "pool-1", false, false, true)
	if !errors.Is(err, ErrNotLiquidatable) {
		t.Fatalf("err = %v, want ErrNotLiquidatable", err)
	}
}

func TestLiquidateFullAfterMissedInstalment(t *testing.T) {
	env := newPoolTestEnv(t)
	env.activatePool(t)

	// First instalment deadline plus one second, zero grace.
	env.engine.SetTimestamp(2_000 + 1_000_001)
	principal, interest, err := env.repay.Outstanding("pool-1")
	if err != nil {
		t.Fatalf("outstanding: %v", err)
	}
	debt := new(big.Int).Add(principal, interest)

	env.fund(env.liquidator, "USDC", units(2_000))
	receipt, err := env.engine.LiquidatePool(env.liquidator, "pool-1", false, false, true)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if !receipt.Defaulted {
		t.Fatal("receipt not marked defaulted")
	}
	if receipt.AmountPaid.Cmp(debt) != 0 {
		t.Fatalf("amount paid = %s, want %s", receipt.AmountPaid, debt)
	}

	// Seized collateral carries the 10% reward: debt * 1.1 / price.
	rewardScale := new(big.Int).Add(rateScale, fraction("100000000000000000000000000000"))
	seizedValue := mulDivFloor(debt, rewardScale, rateScale)
	wantSeized := mulDivFloor(seizedValue, units(2), units(4_000))
	if receipt.CollateralSeized.Cmp(wantSeized) != 0 {
		t.Fatalf("seized = %s, want %s", receipt.CollateralSeized, wantSeized)
	}
	if env.balance(env.liquidator, "WETH").Cmp(wantSeized) != 0 {
		t.Fatalf("liquidator collateral = %s, want %s", env.balance(env.liquidator, "WETH"), wantSeized)
	}
	wantSpent := new(big.Int).Sub(units(2_000), debt)
	if env.balance(env.liquidator, "USDC").Cmp(wantSpent) != 0 {
		t.Fatalf("liquidator balance = %s, want %s", env.balance(env.liquidator, "USDC"), wantSpent)
	}

	stored := env.state.pools["pool-1"]
	if stored.Vars.Status != PoolDefaulted {
		t.Fatalf("status = %s, want defaulted", stored.Vars.Status)
	}
	if stored.Vars.SettlementBalance.Cmp(debt) != 0 {
		t.Fatalf("settlement = %s, want %s", stored.Vars.SettlementBalance, debt)
	}
	if stored.TotalCollateralShares().Sign() != 0 {
		t.Fatalf("custody shares remain: %s", stored.TotalCollateralShares())
	}

	// The reward cap left collateral behind; it belongs to the borrower.
	leftover := new(big.Int).Sub(units(2), wantSeized)
	if env.balance(env.borrower, "WETH").Cmp(leftover) != 0 {
		t.Fatalf("borrower collateral = %s, want %s", env.balance(env.borrower, "WETH"), leftover)
	}

	// Lenders split the settlement pro-rata.
	payout, err := env.engine.WithdrawLiquidity(env.lender, "pool-1")
	if err != nil {
		t.Fatalf("withdraw liquidity: %v", err)
	}
	want := mulDivFloor(units(600), debt, units(1_000))
	if payout.Cmp(want) != 0 {
		t.Fatalf("payout = %s, want %s", payout, want)
	}
}

func TestLiquidatePartialRestoresRatio(t *testing.T) {
	env := newPoolTestEnv(t)
	env.activatePool(t)

	env.oracle.price = pricePoint(1000)
	env.engine.SetTimestamp(2_100)
	if err := env.engine.RequestMarginCall(env.lender, "pool-1"); err != nil {
		t.Fatalf("margin call: %v", err)
	}

	// Past the margin call deadline with the ratio still breached.
	env.engine.SetTimestamp(2_100 + 86_401)
	principal, interest, err := env.repay.Outstanding("pool-1")
	if err != nil {
		t.Fatalf("outstanding: %v", err)
	}
	debt := new(big.Int).Add(principal, interest)

	// The curing payment accounts for the rewarded collateral the seizure
	// removes: (value - pay*1.1) / (debt - pay) = 3, value is 2 WETH at
	// 1000, rounded up so the restored ratio never lands short.
	value := units(2_000)
	ideal := fraction("30000000000000000000000000000")
	rewardScale := new(big.Int).Add(rateScale, fraction("100000000000000000000000000000"))
	num := new(big.Int).Sub(new(big.Int).Mul(ideal, debt), new(big.Int).Mul(value, ratioScale))
	den := new(big.Int).Sub(new(big.Int).Mul(ideal, rateScale), new(big.Int).Mul(rewardScale, ratioScale))
	shortfall := mulDivCeil(num, rateScale, den)
	if shortfall.Sign() <= 0 || shortfall.Cmp(debt) >= 0 {
		t.Fatalf("expected partial shortfall, got %s of %s debt", shortfall, debt)
	}

	env.fund(env.liquidator, "USDC", units(2_000))
	receipt, err := env.engine.LiquidatePool(env.liquidator, "pool-1", false, false, false)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if receipt.Defaulted {
		t.Fatal("partial liquidation must not default the pool")
	}
	if receipt.AmountPaid.Cmp(shortfall) != 0 {
		t.Fatalf("amount paid = %s, want %s", receipt.AmountPaid, shortfall)
	}

	seizedValue := mulDivFloor(shortfall, rewardScale, rateScale)
	wantShares := mulDivFloor(seizedValue, units(2), value)
	if receipt.SharesSeized.Cmp(wantShares) != 0 {
		t.Fatalf("shares seized = %s, want %s", receipt.SharesSeized, wantShares)
	}

	stored := env.state.pools["pool-1"]
	if stored.Vars.Status != PoolActive {
		t.Fatalf("status = %s, want active", stored.Vars.Status)
	}

	// The ratio is back at the ideal, so the margin call is satisfied.
	ratio, err := env.engine.CurrentCollateralRatio("pool-1")
	if err != nil {
		t.Fatalf("ratio: %v", err)
	}
	if ratio.Cmp(ideal) < 0 {
		t.Fatalf("post-liquidation ratio = %s, still below ideal %s", ratio, ideal)
	}
	if stored.Vars.MarginCallEndTime != 0 {
		t.Fatalf("margin call not cleared: end = %d", stored.Vars.MarginCallEndTime)
	}

	// The payment wrote down principal; the remaining debt matches.
	remaining, remInterest, err := env.repay.Outstanding("pool-1")
	if err != nil {
		t.Fatalf("outstanding: %v", err)
	}
	wantRemaining := new(big.Int).Sub(debt, shortfall)
	total := new(big.Int).Add(remaining, remInterest)
	if total.Cmp(wantRemaining) != 0 {
		t.Fatalf("remaining debt = %s, want %s", total, wantRemaining)
	}
}

func TestLiquidatePartialClampedKeepsMarginCall(t *testing.T) {
	env := newPoolTestEnv(t)
	env.activatePool(t)

	// 2 WETH at 520 is worth 1040 against ~1000 debt: deeply breached, and
	// the reward cap bounds the payment below the curing shortfall.
	env.oracle.price = pricePoint(520)
	env.engine.SetTimestamp(2_100)
	if err := env.engine.RequestMarginCall(env.lender, "pool-1"); err != nil {
		t.Fatalf("margin call: %v", err)
	}
	env.engine.SetTimestamp(2_100 + 86_401)

	env.fund(env.liquidator, "USDC", units(2_000))
	receipt, err := env.engine.LiquidatePool(env.liquidator, "pool-1", false, false, false)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if receipt.Defaulted {
		t.Fatal("clamped partial liquidation must not default the pool")
	}

	stored := env.state.pools["pool-1"]
	if stored.Vars.Status != PoolActive {
		t.Fatalf("status = %s, want active", stored.Vars.Status)
	}
	if stored.Vars.MarginCallEndTime == 0 {
		t.Fatal("margin call cleared while the ratio is still breached")
	}
	ratio, err := env.engine.CurrentCollateralRatio("pool-1")
	if err != nil {
		t.Fatalf("ratio: %v", err)
	}
	if ratio.Cmp(fraction("30000000000000000000000000000")) >= 0 {
		t.Fatalf("ratio = %s, expected it to stay breached", ratio)
	}
}

func TestLiquidateSeizesExtraSharesFirst(t *testing.T) {
	env := newPoolTestEnv(t)
	env.activatePool(t)

	env.fund(env.borrower, "WETH", units(1))
	if err := env.engine.DepositCollateral(env.borrower, "pool-1", units(1), false); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	// 3 WETH at 900 = 2700 against ~1000 debt, ratio 2.7x.
	env.oracle.price = pricePoint(900)
	env.engine.SetTimestamp(2_200)
	if err := env.engine.RequestMarginCall(env.lender, "pool-1"); err != nil {
		t.Fatalf("margin call: %v", err)
	}
	env.engine.SetTimestamp(2_200 + 86_401)

	env.fund(env.liquidator, "USDC", units(2_000))
	receipt, err := env.engine.LiquidatePool(env.liquidator, "pool-1", false, false, false)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}

	// The seizure consumes extra shares before the base deposit.
	stored := env.state.pools["pool-1"]
	if receipt.SharesSeized.Cmp(units(1)) >= 0 {
		t.Fatalf("seizure unexpectedly exceeds the extra share: %s", receipt.SharesSeized)
	}
	if stored.Vars.ExtraLiquidityShares.Cmp(new(big.Int).Sub(units(1), receipt.SharesSeized)) != 0 {
		t.Fatalf("extra shares = %s after seizing %s", stored.Vars.ExtraLiquidityShares, receipt.SharesSeized)
	}
	if stored.Vars.BaseLiquidityShares.Cmp(units(2)) != 0 {
		t.Fatalf("base shares touched: %s", stored.Vars.BaseLiquidityShares)
	}
}

func TestLiquidateDeliversSharesToSavings(t *testing.T) {
	env := newPoolTestEnv(t)
	env.activatePool(t)

	env.engine.SetTimestamp(2_000 + 1_000_001)
	env.fund(env.liquidator, "USDC", units(2_000))
	receipt, err := env.engine.LiquidatePool(env.liquidator, "pool-1", false, true, true)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if env.balance(env.liquidator, "WETH").Sign() != 0 {
		t.Fatalf("collateral paid out raw despite shares flag: %s", env.balance(env.liquidator, "WETH"))
	}
	locked := env.ledger.UserLockedBalance(env.liquidator, "WETH")
	if locked.Cmp(receipt.SharesSeized) != 0 {
		t.Fatalf("savings shares = %s, want %s", locked, receipt.SharesSeized)
	}
}

func TestLiquidateDefaultsBareMissedLoan(t *testing.T) {
	env := newPoolTestEnv(t)
	p := env.seedPool(t)

	// An active loan whose custody was already drained by earlier seizures.
	stored := env.state.pools[p.ID]
	stored.Vars.Status = PoolActive
	stored.Vars.TotalLent = units(1_000)
	if err := env.repay.Activate(p.ID, repayments.ActivateParams{
		Principal:           units(1_000),
		BorrowRate:          fraction("100000000000000000000000000000"),
		LoanStartTime:       2_000,
		RepaymentInterval:   1_000_000,
		NumberOfInstalments: 12,
		GracePeriodFraction: big.NewInt(0),
		GracePenaltyRate:    big.NewInt(0),
	}); err != nil {
		t.Fatalf("activate: %v", err)
	}

	env.engine.SetTimestamp(2_000 + 1_000_001)
	receipt, err := env.engine.LiquidatePool(env.liquidator, p.ID, false, false, true)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if !receipt.Defaulted {
		t.Fatal("bare missed loan must default")
	}
	if receipt.AmountPaid.Sign() != 0 || receipt.SharesSeized.Sign() != 0 {
		t.Fatalf("receipt = %+v, want zero amounts", receipt)
	}
	if env.state.pools[p.ID].Vars.Status != PoolDefaulted {
		t.Fatalf("status = %s, want defaulted", env.state.pools[p.ID].Vars.Status)
	}
}

func TestLiquidateRequiresActivePool(t *testing.T) {
	env := newPoolTestEnv(t)
	env.seedPool(t)
	_, err := env.engine.LiquidatePool(env.liquidator, "pool-1", false, false, true)
	if !errors.Is(err, ErrNotActiveStage) {
		t.Fatalf("err = %v, want ErrNotActiveStage", err)
	}
}
