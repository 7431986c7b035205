package pool_test

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"lendpool/core/state"
	"lendpool/core/types"
	"lendpool/crypto"
	"lendpool/native/factory"
	"lendpool/native/pool"
	"lendpool/native/priceoracle"
	"lendpool/native/repayments"
	"lendpool/native/savings"
	"lendpool/native/yield"
	"lendpool/storage"
)

var (
	exp18     = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	rateScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(30), nil)
)

func units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), exp18)
}

func fraction(t *testing.T, value string) *big.Int {
	t.Helper()
	v, ok := new(big.Int).SetString(value, 10)
	require.True(t, ok, "bad fraction literal %q", value)
	return v
}

func actor(suffix byte) crypto.Address {
	raw := make([]byte, 20)
	raw[len(raw)-1] = suffix
	return crypto.NewAddress(crypto.ActorPrefix, raw)
}

// harness wires the full protocol stack against an in-memory database the
// way the daemon does at startup.
type harness struct {
	t        *testing.T
	store    *state.Store
	engine   *pool.Engine
	factory  *factory.Factory
	repay    *repayments.Engine
	ledger   *savings.Ledger
	oracle   *priceoracle.FeedOracle
	wethFeed *priceoracle.StaticFeed
	usdcFeed *priceoracle.StaticFeed
	now      int64

	owner     crypto.Address
	collector crypto.Address
	borrower  crypto.Address
	lender    crypto.Address
	outsider  crypto.Address
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		store:     state.NewStore(storage.NewMemDB()),
		owner:     actor(0xa0),
		collector: actor(0xa1),
		borrower:  actor(0x01),
		lender:    actor(0x02),
		outsider:  actor(0x03),
	}

	strategies := yield.NewRegistry()
	strategies.Register("noyield", yield.NewNoYield())
	h.ledger = savings.NewLedger(strategies, "noyield")

	h.oracle = priceoracle.NewFeedOracle(3_600)
	h.wethFeed = priceoracle.NewStaticFeed(priceoracle.RoundData{
		Answer:   big.NewInt(200_000_000_000), // $2000, 8 decimals
		Decimals: 8,
	})
	h.usdcFeed = priceoracle.NewStaticFeed(priceoracle.RoundData{
		Answer:   big.NewInt(1_000_000), // $1, 6 decimals
		Decimals: 6,
	})
	h.oracle.RegisterFeed("WETH", h.wethFeed)
	h.oracle.RegisterFeed("USDC", h.usdcFeed)

	h.repay = repayments.NewEngine()
	h.repay.SetState(h.store)

	h.engine = pool.NewEngine(pool.ProtocolParams{
		Owner:                     h.owner,
		FeeCollector:              h.collector,
		ProtocolFeeFraction:       fraction(t, "10000000000000000000000000000"),  // 1%
		PoolCancelPenaltyFraction: fraction(t, "100000000000000000000000000000"), // 10%
		LiquidatorRewardFraction:  fraction(t, "100000000000000000000000000000"), // 10%
		MarginCallDuration:        86_400,
		GracePeriodFraction:       big.NewInt(0),
		GracePenaltyRate:          big.NewInt(0),
	})
	h.engine.SetState(h.store)
	h.engine.SetStrategies(strategies)
	h.engine.SetOracle(h.oracle)
	h.engine.SetSavings(h.ledger)
	h.engine.SetRepayments(h.repay)

	verifier := factory.NewRegistry()
	verifier.Register(h.borrower)
	h.factory = factory.NewFactory(factory.Limits{
		MinPoolSize:            units(1),
		MaxPoolSize:            units(1_000_000),
		MinBorrowRate:          fraction(t, "1000000000000000000000000000"), // 0.1%
		MaxBorrowRate:          fraction(t, "500000000000000000000000000000"),
		MinCollateralRatio:     fraction(t, "10000000000000000000000000000"),
		MinCollectionPeriod:    60,
		MaxCollectionPeriod:    30 * 86_400,
		MinRepaymentInterval:   3_600,
		MaxRepaymentInterval:   366 * 86_400,
		MinNumberOfInstalments: 1,
		MaxNumberOfInstalments: 120,
		LoanWithdrawalDuration: 30 * 86_400,
	}, []string{"USDC"}, []string{"WETH"})
	h.factory.SetEngine(h.engine)
	h.factory.SetStrategies(strategies)
	h.factory.SetVerifier(verifier)

	h.setNow(1_000_000)
	return h
}

// setNow pushes the clock into every component, mirroring per-request clock
// propagation in the daemon.
func (h *harness) setNow(now int64) {
	h.now = now
	h.engine.SetTimestamp(now)
	h.factory.SetTimestamp(now)
	h.oracle.SetTimestamp(now)
	h.refreshFeeds()
}

// refreshFeeds re-stamps both feeds so only staleness tests see stale data.
func (h *harness) refreshFeeds() {
	for _, feed := range []*priceoracle.StaticFeed{h.wethFeed, h.usdcFeed} {
		round, err := feed.LatestRoundData()
		require.NoError(h.t, err)
		round.UpdatedAt = h.now
		feed.SetRound(round)
	}
}

func (h *harness) setWethPrice(dollars int64) {
	round, err := h.wethFeed.LatestRoundData()
	require.NoError(h.t, err)
	round.Answer = new(big.Int).Mul(big.NewInt(dollars), big.NewInt(100_000_000))
	round.UpdatedAt = h.now
	h.wethFeed.SetRound(round)
}

func (h *harness) fund(addr crypto.Address, asset string, amount *big.Int) {
	account, err := h.store.GetAccount(addr)
	require.NoError(h.t, err)
	if account == nil {
		account = types.NewAccount()
	}
	account.Credit(asset, amount)
	require.NoError(h.t, h.store.PutAccount(addr, account))
}

func (h *harness) balance(addr crypto.Address, asset string) *big.Int {
	account, err := h.store.GetAccount(addr)
	require.NoError(h.t, err)
	if account == nil {
		return big.NewInt(0)
	}
	return account.BalanceOf(asset)
}

func (h *harness) lend(lender crypto.Address, poolID string, amount *big.Int) {
	h.t.Helper()
	_, err := h.engine.Lend(lender, crypto.Address{}, poolID, amount, false)
	require.NoError(h.t, err)
}

func (h *harness) createPool(params factory.CreatePoolParams) *pool.Pool {
	p, err := h.factory.CreatePool(h.borrower, params)
	require.NoError(h.t, err)
	return p
}

func defaultParams(t *testing.T) factory.CreatePoolParams {
	return factory.CreatePoolParams{
		BorrowAsset:          "USDC",
		CollateralAsset:      "WETH",
		PoolSizeLimit:        units(100),
		MinBorrowAmount:      units(10),
		BorrowRate:           fraction(t, "50000000000000000000000000000"), // 5%
		IdealCollateralRatio: fraction(t, "20000000000000000000000000000"), // 2x
		CollectionPeriod:     3_600,
		RepaymentInterval:    30 * 86_400,
		NumberOfInstalments:  13,
		StrategyID:           "noyield",
	}
}

func TestMinimumBorrowThreshold(t *testing.T) {
	h := newHarness(t)
	p := h.createPool(defaultParams(t))

	h.fund(h.lender, "USDC", units(10))
	h.fund(h.borrower, "WETH", units(1))
	h.lend(h.lender, p.ID, units(9))
	require.NoError(t, h.engine.DepositCollateral(h.borrower, p.ID, units(1), false))

	h.setNow(h.now + 3_600)
	err := h.engine.WithdrawBorrowedAmount(h.borrower, p.ID)
	require.ErrorIs(t, err, pool.ErrBelowMinBorrow)

	// The pool did not activate, so the lender can still top up and the
	// borrower can resubmit.
	h.lend(h.lender, p.ID, units(1))
	require.NoError(t, h.engine.WithdrawBorrowedAmount(h.borrower, p.ID))

	// The borrower receives the principal minus the 1% protocol fee.
	fee := new(big.Int).Quo(units(10), big.NewInt(100))
	want := new(big.Int).Sub(units(10), fee)
	require.Zero(t, h.balance(h.borrower, "USDC").Cmp(want),
		"borrower payout = %s, want %s", h.balance(h.borrower, "USDC"), want)
	require.Zero(t, h.balance(h.collector, "USDC").Cmp(fee))
}

func TestInterestAccruesProRata(t *testing.T) {
	h := newHarness(t)
	params := defaultParams(t)
	params.RepaymentInterval = 365 * 86_400
	params.NumberOfInstalments = 1
	p := h.createPool(params)

	h.fund(h.lender, "USDC", units(100))
	h.fund(h.borrower, "WETH", units(1))
	h.lend(h.lender, p.ID, units(100))
	require.NoError(t, h.engine.DepositCollateral(h.borrower, p.ID, units(1), false))

	h.setNow(h.now + 3_600)
	start := h.now
	require.NoError(t, h.engine.WithdrawBorrowedAmount(h.borrower, p.ID))

	// One full year of 5% on 100 is exactly 5.
	h.setNow(start + 365*86_400)
	_, interest, err := h.repay.Outstanding(p.ID)
	require.NoError(t, err)
	require.Zero(t, interest.Cmp(units(5)), "year interest = %s, want %s", interest, units(5))

	// 30 days accrue 30/365 of that, floored.
	h2 := newHarness(t)
	p2 := h2.createPool(params)
	h2.fund(h2.lender, "USDC", units(100))
	h2.fund(h2.borrower, "WETH", units(1))
	h2.lend(h2.lender, p2.ID, units(100))
	require.NoError(t, h2.engine.DepositCollateral(h2.borrower, p2.ID, units(1), false))
	h2.setNow(h2.now + 3_600)
	start2 := h2.now
	require.NoError(t, h2.engine.WithdrawBorrowedAmount(h2.borrower, p2.ID))

	h2.setNow(start2 + 30*86_400)
	_, partial, err := h2.repay.Outstanding(p2.ID)
	require.NoError(t, err)
	want := new(big.Int).Mul(units(5), big.NewInt(30))
	want.Quo(want, big.NewInt(365))
	require.Zero(t, partial.Cmp(want), "30-day interest = %s, want %s", partial, want)
}

func TestCancellationRefundsSupply(t *testing.T) {
	h := newHarness(t)
	p := h.createPool(defaultParams(t))

	h.fund(h.lender, "USDC", units(100))
	h.lend(h.lender, p.ID, units(100))
	require.NoError(t, h.engine.CancelPool(h.borrower, p.ID))

	stored, err := h.engine.GetPool(p.ID)
	require.NoError(t, err)
	require.Equal(t, pool.PoolCancelled, stored.Vars.Status)

	penalty := new(big.Int).Quo(units(100), big.NewInt(10))
	payout, err := h.engine.WithdrawLiquidity(h.lender, p.ID)
	require.NoError(t, err)
	require.Zero(t, payout.Cmp(new(big.Int).Sub(units(100), penalty)),
		"payout = %s, want %s", payout, new(big.Int).Sub(units(100), penalty))

	supply, err := h.engine.TokenSupply(p.ID)
	require.NoError(t, err)
	require.Zero(t, supply.Sign(), "token supply = %s after full withdrawal", supply)
}

func TestMarginCallExpiryEnablesLiquidation(t *testing.T) {
	h := newHarness(t)
	params := defaultParams(t)
	params.PoolSizeLimit = units(1_000)
	p := h.createPool(params)

	h.fund(h.lender, "USDC", units(300))
	h.fund(h.borrower, "WETH", units(1))
	h.lend(h.lender, p.ID, units(300))
	// 0.3 WETH at 2000 is exactly the 2x ideal ratio on 300.
	collateral := new(big.Int).Quo(units(3), big.NewInt(10))
	require.NoError(t, h.engine.DepositCollateral(h.borrower, p.ID, collateral, false))

	h.setNow(h.now + 3_600)
	require.NoError(t, h.engine.WithdrawBorrowedAmount(h.borrower, p.ID))

	// The price sinks; the ratio is now below ideal and a lender calls.
	h.setWethPrice(1_500)
	require.NoError(t, h.engine.RequestMarginCall(h.lender, p.ID))

	// An expired call with the ratio still breached opens liquidation to
	// any third party.
	h.setNow(h.now + 86_401)
	principal, interest, err := h.repay.Outstanding(p.ID)
	require.NoError(t, err)
	debt := new(big.Int).Add(principal, interest)

	h.fund(h.outsider, "USDC", units(500))
	receipt, err := h.engine.LiquidatePool(h.outsider, p.ID, false, false, true)
	require.NoError(t, err)
	require.True(t, receipt.Defaulted)
	require.Zero(t, receipt.AmountPaid.Cmp(debt))

	// The liquidator's collateral award includes the 10% reward fraction.
	reward := fraction(t, "100000000000000000000000000000")
	seizedValue := new(big.Int).Mul(debt, new(big.Int).Add(rateScale, reward))
	seizedValue.Quo(seizedValue, rateScale)
	value := new(big.Int).Mul(collateral, big.NewInt(1_500)) // borrow-asset value of custody
	wantTokens := new(big.Int).Mul(seizedValue, collateral)
	wantTokens.Quo(wantTokens, value)
	require.Zero(t, receipt.CollateralSeized.Cmp(wantTokens),
		"seized = %s, want %s", receipt.CollateralSeized, wantTokens)
	require.Zero(t, h.balance(h.outsider, "WETH").Cmp(wantTokens))

	stored, err := h.engine.GetPool(p.ID)
	require.NoError(t, err)
	require.Equal(t, pool.PoolDefaulted, stored.Vars.Status)
}

func TestPrincipalRepaymentNeedsSettledInterest(t *testing.T) {
	h := newHarness(t)
	p := h.createPool(defaultParams(t))

	h.fund(h.lender, "USDC", units(100))
	h.fund(h.borrower, "WETH", units(1))
	h.lend(h.lender, p.ID, units(100))
	require.NoError(t, h.engine.DepositCollateral(h.borrower, p.ID, units(1), false))
	h.setNow(h.now + 3_600)
	start := h.now
	require.NoError(t, h.engine.WithdrawBorrowedAmount(h.borrower, p.ID))

	h.setNow(start + 10*86_400)
	h.fund(h.borrower, "USDC", units(10))
	err := h.engine.RepayPrincipal(h.borrower, p.ID, units(100))
	require.ErrorIs(t, err, repayments.ErrUnpaidInterest)

	_, interest, err := h.repay.Outstanding(p.ID)
	require.NoError(t, err)
	require.Positive(t, interest.Sign())
	require.NoError(t, h.engine.RepayAmount(h.borrower, p.ID, interest))

	// The identical call succeeds once the accrued interest is settled.
	require.NoError(t, h.engine.RepayPrincipal(h.borrower, p.ID, units(100)))
	stored, err := h.engine.GetPool(p.ID)
	require.NoError(t, err)
	require.Equal(t, pool.PoolClosed, stored.Vars.Status)
}

func TestStaleOracleFailsRatioReads(t *testing.T) {
	h := newHarness(t)
	p := h.createPool(defaultParams(t))

	h.fund(h.lender, "USDC", units(100))
	h.fund(h.borrower, "WETH", units(1))
	h.lend(h.lender, p.ID, units(100))
	require.NoError(t, h.engine.DepositCollateral(h.borrower, p.ID, units(1), false))
	h.setNow(h.now + 3_600)
	require.NoError(t, h.engine.WithdrawBorrowedAmount(h.borrower, p.ID))

	if _, err := h.engine.CurrentCollateralRatio(p.ID); err != nil {
		t.Fatalf("ratio with fresh feeds: %v", err)
	}

	// Advance the clock past the staleness bound without refreshing feeds.
	h.now += 3_601
	h.engine.SetTimestamp(h.now)
	h.oracle.SetTimestamp(h.now)
	_, err := h.engine.CurrentCollateralRatio(p.ID)
	require.ErrorIs(t, err, priceoracle.ErrStalePrice)
}

func TestTerminatedPoolRejectsMutations(t *testing.T) {
	h := newHarness(t)
	p := h.createPool(defaultParams(t))

	h.fund(h.lender, "USDC", units(50))
	h.lend(h.lender, p.ID, units(20))
	require.NoError(t, h.engine.TerminatePool(h.owner, p.ID))

	_, err := h.engine.Lend(h.lender, crypto.Address{}, p.ID, units(1), false)
	require.ErrorIs(t, err, pool.ErrTerminalStatus)
	require.ErrorIs(t, h.engine.CancelPool(h.borrower, p.ID), pool.ErrTerminalStatus)
	require.ErrorIs(t, h.engine.RepayAmount(h.borrower, p.ID, units(1)), pool.ErrTerminalStatus)
	_, err = h.engine.WithdrawLiquidity(h.lender, p.ID)
	require.ErrorIs(t, err, pool.ErrTerminalStatus)
}

func TestPauseSwitchBlocksStack(t *testing.T) {
	h := newHarness(t)
	p := h.createPool(defaultParams(t))
	h.engine.SetPauses(h.store)
	require.NoError(t, h.store.SetPaused("pool", true))

	h.fund(h.lender, "USDC", units(10))
	_, err := h.engine.Lend(h.lender, crypto.Address{}, p.ID, units(10), false)
	require.Error(t, err)

	require.NoError(t, h.store.SetPaused("pool", false))
	h.lend(h.lender, p.ID, units(10))
}
