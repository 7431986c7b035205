package pool

import (
	"errors"
	"math/big"
	"strings"

	"lendpool/core/types"
	"lendpool/crypto"
	nativecommon "lendpool/native/common"
	"lendpool/native/priceoracle"
	"lendpool/native/repayments"
	"lendpool/native/savings"
	"lendpool/native/yield"
)

var (
	ErrNilState       = errors.New("pool engine: state not configured")
	ErrUnknownPool    = errors.New("pool engine: pool not found")
	ErrInvalidAmount  = errors.New("pool engine: amount must be positive")
	ErrInvalidStatus  = errors.New("pool engine: pool status out of range")
	ErrTerminalStatus = errors.New("pool engine: pool is in a terminal status")

	ErrNotCollectionStage = errors.New("pool engine: operation requires collection stage")
	ErrNotActiveStage     = errors.New("pool engine: operation requires active stage")
	ErrNotSettledStage    = errors.New("pool engine: operation requires a settled pool")

	ErrCollectionPeriodOngoing = errors.New("pool engine: collection period still running")
	ErrPoolSizeExceeded        = errors.New("pool engine: amount exceeds pool size limit")
	ErrBelowMinBorrow          = errors.New("pool engine: total lent below minimum borrow amount")
	ErrInsufficientCollateral  = errors.New("pool engine: collateral below ideal ratio for borrowed amount")
	ErrInsufficientBalance     = errors.New("pool engine: insufficient account balance")

	ErrNotBorrower = errors.New("pool engine: caller is not the pool borrower")
	ErrNotOwner    = errors.New("pool engine: caller is not the protocol owner")
	ErrNotLender   = errors.New("pool engine: caller holds no pool tokens")

	ErrNoOutstandingDebt = errors.New("pool engine: no outstanding debt")
)

const moduleName = "pool"

type poolState interface {
	GetPool(poolID string) (*Pool, error)
	PutPool(poolID string, p *Pool) error
	GetTokenLedger(poolID string) (*TokenLedger, error)
	PutTokenLedger(poolID string, ledger *TokenLedger) error
	GetAccount(addr crypto.Address) (*types.Account, error)
	PutAccount(addr crypto.Address, account *types.Account) error
	GetFeeAccrual(poolID string) (*FeeAccrual, error)
	PutFeeAccrual(poolID string, fees *FeeAccrual) error
}

// Engine orchestrates the pool lifecycle: it validates the current status,
// moves ledger balances and delegates accrual and collateral computation to
// the repayments engine, yield strategies and price oracle. Every mutating
// operation re-validates status at entry and persists its effects only after
// all validations and external calls succeed.
type Engine struct {
	state      poolState
	params     ProtocolParams
	strategies *yield.Registry
	oracle     priceoracle.Oracle
	savings    *savings.Ledger
	repay      *repayments.Engine
	timestamp  int64
	pauses     nativecommon.PauseView
	emit       func(*types.Event)
}

// NewEngine constructs a pool engine configured with the global protocol
// parameters.
func NewEngine(params ProtocolParams) *Engine {
	return &Engine{params: params.Clone()}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state poolState) { e.state = state }

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetStrategies wires the yield strategy registry.
func (e *Engine) SetStrategies(registry *yield.Registry) {
	if e == nil {
		return
	}
	e.strategies = registry
}

// SetOracle wires the price oracle client.
func (e *Engine) SetOracle(oracle priceoracle.Oracle) {
	if e == nil {
		return
	}
	e.oracle = oracle
}

// SetSavings wires the shared balance ledger used for opt-in fund routing.
func (e *Engine) SetSavings(ledger *savings.Ledger) {
	if e == nil {
		return
	}
	e.savings = ledger
}

// SetRepayments wires the interest accrual engine.
func (e *Engine) SetRepayments(repay *repayments.Engine) {
	if e == nil {
		return
	}
	e.repay = repay
}

// SetTimestamp records the externally supplied clock reading. The repayments
// engine shares the same clock.
func (e *Engine) SetTimestamp(now int64) {
	if e == nil {
		return
	}
	e.timestamp = now
	if e.repay != nil {
		e.repay.SetTimestamp(now)
	}
}

// SetEmitter installs the sink receiving lifecycle events.
func (e *Engine) SetEmitter(emit func(*types.Event)) {
	if e == nil {
		return
	}
	e.emit = emit
}

// Params returns a copy of the protocol parameters the engine reads.
func (e *Engine) Params() ProtocolParams { return e.params.Clone() }

// CreatePool installs a pool built by the factory at collection stage.
func (e *Engine) CreatePool(p *Pool) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if p == nil || strings.TrimSpace(p.ID) == "" {
		return ErrUnknownPool
	}
	existing, err := e.state.GetPool(p.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return errors.New("pool engine: pool already exists")
	}
	clone := p.Clone()
	ensurePoolDefaults(clone)
	if err := e.state.PutPool(clone.ID, clone); err != nil {
		return err
	}
	if err := e.state.PutTokenLedger(clone.ID, NewTokenLedger()); err != nil {
		return err
	}
	e.emitEvent(newPoolEvent(EventTypePoolCreated, clone))
	return nil
}

// GetPool returns a deep copy of the stored pool.
func (e *Engine) GetPool(poolID string) (*Pool, error) {
	return e.ensurePool(poolID)
}

// TokenBalance returns the lender's pool-token balance.
func (e *Engine) TokenBalance(poolID string, holder crypto.Address) (*big.Int, error) {
	ledger, err := e.ensureLedger(poolID)
	if err != nil {
		return nil, err
	}
	return ledger.BalanceOf(holder), nil
}

// TokenSupply returns the outstanding pool-token supply.
func (e *Engine) TokenSupply(poolID string) (*big.Int, error) {
	ledger, err := e.ensureLedger(poolID)
	if err != nil {
		return nil, err
	}
	return copyInt(ledger.TotalSupply), nil
}

// Lend supplies borrow asset to a collecting pool, minting pool tokens 1:1
// to the beneficiary. Lending stays legal past the loan start time while the
// pool has not activated, so an under-subscribed pool can still reach its
// minimum. Funds are pulled from the lender's account or, when fromSavings
// is set, routed through the shared balance ledger; share conversions on the
// savings path floor, so the credited amount is returned and may fall short
// of the request.
func (e *Engine) Lend(lender, onBehalfOf crypto.Address, poolID string, amount *big.Int, fromSavings bool) (*big.Int, error) {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	p, err := e.ensurePool(poolID)
	if err != nil {
		return nil, err
	}
	if err := requireStatus(p, PoolCollection, ErrNotCollectionStage); err != nil {
		return nil, err
	}
	if new(big.Int).Add(p.Vars.TotalLent, amount).Cmp(p.Constants.PoolSizeLimit) > 0 {
		return nil, ErrPoolSizeExceeded
	}
	if onBehalfOf.IsZero() {
		onBehalfOf = lender
	}

	ledger, err := e.ensureLedger(poolID)
	if err != nil {
		return nil, err
	}

	poolAcc, err := e.loadAccount(p.Address)
	if err != nil {
		return nil, err
	}
	credited := new(big.Int).Set(amount)
	var lenderAcc *types.Account
	if fromSavings {
		received, err := e.pullFromSavings(lender, p.Address, p.Constants.BorrowAsset, amount)
		if err != nil {
			return nil, err
		}
		credited = received
		poolAcc.Credit(p.Constants.BorrowAsset, received)
	} else {
		lenderAcc, err = e.loadAccount(lender)
		if err != nil {
			return nil, err
		}
		if !lenderAcc.Debit(p.Constants.BorrowAsset, amount) {
			return nil, ErrInsufficientBalance
		}
		poolAcc.Credit(p.Constants.BorrowAsset, amount)
	}

	// Tokens mint against what the pool account actually received, keeping
	// totalLent covered by the pooled balance.
	ledger.Mint(onBehalfOf, credited)
	p.Vars.TotalLent = new(big.Int).Add(p.Vars.TotalLent, credited)

	if lenderAcc != nil {
		if err := e.state.PutAccount(lender, lenderAcc); err != nil {
			return nil, err
		}
	}
	if err := e.state.PutAccount(p.Address, poolAcc); err != nil {
		return nil, err
	}
	if err := e.state.PutTokenLedger(poolID, ledger); err != nil {
		return nil, err
	}
	if err := e.state.PutPool(poolID, p); err != nil {
		return nil, err
	}
	e.emitEvent(newAmountEvent(EventTypeLiquiditySupplied, p, lender, credited))
	return copyInt(credited), nil
}

// DepositCollateral converts a raw collateral amount into strategy shares
// and adds them to the pool's custody. Legal while collecting and while
// active; active-stage deposits count as extra liquidity shares. A deposit
// during a margin call that restores the ideal ratio clears the call.
func (e *Engine) DepositCollateral(caller crypto.Address, poolID string, amount *big.Int, fromSavings bool) error {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	p, err := e.ensurePool(poolID)
	if err != nil {
		return err
	}
	if p.Vars.Status != PoolCollection && p.Vars.Status != PoolActive {
		return statusViolation(p, ErrNotCollectionStage)
	}
	strategy, err := e.strategies.Resolve(p.Constants.StrategyID)
	if err != nil {
		return err
	}

	var callerAcc *types.Account
	depositAmount := new(big.Int).Set(amount)
	if fromSavings {
		depositAmount, err = e.pullFromSavings(caller, p.Address, p.Constants.CollateralAsset, amount)
		if err != nil {
			return err
		}
	} else {
		callerAcc, err = e.loadAccount(caller)
		if err != nil {
			return err
		}
		if !callerAcc.Debit(p.Constants.CollateralAsset, amount) {
			return ErrInsufficientBalance
		}
	}

	shares, err := strategy.Deposit(p.Constants.CollateralAsset, depositAmount)
	if err != nil {
		return err
	}

	if p.Vars.Status == PoolCollection {
		p.Vars.BaseLiquidityShares = new(big.Int).Add(p.Vars.BaseLiquidityShares, shares)
	} else {
		p.Vars.ExtraLiquidityShares = new(big.Int).Add(p.Vars.ExtraLiquidityShares, shares)
	}

	if p.Vars.MarginCallEndTime > 0 && e.timestamp <= p.Vars.MarginCallEndTime {
		ratio, err := e.collateralRatio(p)
		if err != nil {
			return err
		}
		if ratio.Cmp(p.Constants.IdealCollateralRatio) >= 0 {
			p.Vars.MarginCallEndTime = 0
		}
	}

	if callerAcc != nil {
		if err := e.state.PutAccount(caller, callerAcc); err != nil {
			return err
		}
	}
	if err := e.state.PutPool(poolID, p); err != nil {
		return err
	}
	e.emitEvent(newAmountEvent(EventTypeCollateralDeposited, p, caller, amount))
	return nil
}

// WithdrawBorrowedAmount moves the pool from collection to active: the
// borrower receives the pooled principal minus the protocol fee and the
// instalment schedule starts. Each unmet precondition fails with its own
// error so callers can distinguish resubmission from hard failure.
func (e *Engine) WithdrawBorrowedAmount(caller crypto.Address, poolID string) error {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	p, err := e.ensurePool(poolID)
	if err != nil {
		return err
	}
	if err := requireStatus(p, PoolCollection, ErrNotCollectionStage); err != nil {
		return err
	}
	if !caller.Equal(p.Constants.Borrower) {
		return ErrNotBorrower
	}
	if e.timestamp < p.Constants.LoanStartTime {
		return ErrCollectionPeriodOngoing
	}
	if p.Vars.TotalLent.Cmp(p.Constants.MinBorrowAmount) < 0 {
		return ErrBelowMinBorrow
	}

	value, err := e.collateralValue(p)
	if err != nil {
		return err
	}
	required := mulDivFloor(p.Vars.TotalLent, p.Constants.IdealCollateralRatio, ratioScale)
	if value.Cmp(required) < 0 {
		return ErrInsufficientCollateral
	}

	fee := fractionOf(p.Vars.TotalLent, e.params.ProtocolFeeFraction)
	payout := new(big.Int).Sub(p.Vars.TotalLent, fee)

	poolAcc, err := e.loadAccount(p.Address)
	if err != nil {
		return err
	}
	if !poolAcc.Debit(p.Constants.BorrowAsset, p.Vars.TotalLent) {
		return ErrInsufficientBalance
	}
	borrowerAcc, err := e.loadAccount(p.Constants.Borrower)
	if err != nil {
		return err
	}
	borrowerAcc.Credit(p.Constants.BorrowAsset, payout)
	collectorAcc, err := e.loadAccount(e.params.FeeCollector)
	if err != nil {
		return err
	}
	collectorAcc.Credit(p.Constants.BorrowAsset, fee)

	if err := e.repay.Activate(poolID, repayments.ActivateParams{
		Principal:           p.Vars.TotalLent,
		BorrowRate:          p.Constants.BorrowRate,
		LoanStartTime:       p.Constants.LoanStartTime,
		RepaymentInterval:   p.Constants.RepaymentInterval,
		NumberOfInstalments: p.Constants.NumberOfInstalments,
		GracePeriodFraction: e.params.GracePeriodFraction,
		GracePenaltyRate:    e.params.GracePenaltyRate,
	}); err != nil {
		return err
	}

	p.Vars.Status = PoolActive

	fees, err := e.ensureFees(poolID)
	if err != nil {
		return err
	}
	fees.ProtocolFees = new(big.Int).Add(fees.ProtocolFees, fee)

	if err := e.state.PutAccount(p.Address, poolAcc); err != nil {
		return err
	}
	if err := e.state.PutAccount(p.Constants.Borrower, borrowerAcc); err != nil {
		return err
	}
	if err := e.state.PutAccount(e.params.FeeCollector, collectorAcc); err != nil {
		return err
	}
	if err := e.state.PutFeeAccrual(poolID, fees); err != nil {
		return err
	}
	if err := e.state.PutPool(poolID, p); err != nil {
		return err
	}
	e.emitEvent(newAmountEvent(EventTypeAmountBorrowed, p, caller, payout))
	return nil
}

// CancelPool aborts a collecting pool. The borrower may cancel at any time,
// paying the cancellation penalty out of the collected principal; once the
// loan withdrawal deadline passes with the pool still undrawn, anyone may
// cancel and the refund carries no penalty. The posted collateral returns to
// the borrower either way.
func (e *Engine) CancelPool(caller crypto.Address, poolID string) error {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	p, err := e.ensurePool(poolID)
	if err != nil {
		return err
	}
	if err := requireStatus(p, PoolCollection, ErrNotCollectionStage); err != nil {
		return err
	}
	byBorrower := caller.Equal(p.Constants.Borrower)
	deadlinePassed := p.Constants.LoanWithdrawalDeadline > 0 && e.timestamp > p.Constants.LoanWithdrawalDeadline
	if !byBorrower && !deadlinePassed {
		return ErrNotBorrower
	}

	penalty := big.NewInt(0)
	if byBorrower {
		penalty = fractionOf(p.Vars.TotalLent, e.params.PoolCancelPenaltyFraction)
	}
	refundable := new(big.Int).Sub(p.Vars.TotalLent, penalty)

	poolAcc, err := e.loadAccount(p.Address)
	if err != nil {
		return err
	}
	collectorAcc, err := e.loadAccount(e.params.FeeCollector)
	if err != nil {
		return err
	}
	if penalty.Sign() > 0 {
		if !poolAcc.Debit(p.Constants.BorrowAsset, penalty) {
			return ErrInsufficientBalance
		}
		collectorAcc.Credit(p.Constants.BorrowAsset, penalty)
	}

	borrowerAcc, err := e.loadAccount(p.Constants.Borrower)
	if err != nil {
		return err
	}
	shares := p.TotalCollateralShares()
	if shares.Sign() > 0 {
		strategy, err := e.strategies.Resolve(p.Constants.StrategyID)
		if err != nil {
			return err
		}
		returned, err := strategy.Withdraw(p.Constants.CollateralAsset, shares)
		if err != nil {
			return err
		}
		borrowerAcc.Credit(p.Constants.CollateralAsset, returned)
	}

	p.Vars.BaseLiquidityShares = big.NewInt(0)
	p.Vars.ExtraLiquidityShares = big.NewInt(0)
	p.Vars.SettlementBalance = refundable
	p.Vars.Status = PoolCancelled

	fees, err := e.ensureFees(poolID)
	if err != nil {
		return err
	}
	fees.CancellationFees = new(big.Int).Add(fees.CancellationFees, penalty)

	if err := e.state.PutAccount(p.Address, poolAcc); err != nil {
		return err
	}
	if err := e.state.PutAccount(e.params.FeeCollector, collectorAcc); err != nil {
		return err
	}
	if err := e.state.PutAccount(p.Constants.Borrower, borrowerAcc); err != nil {
		return err
	}
	if err := e.state.PutFeeAccrual(poolID, fees); err != nil {
		return err
	}
	if err := e.state.PutPool(poolID, p); err != nil {
		return err
	}
	e.emitEvent(newAmountEvent(EventTypePoolCancelled, p, caller, penalty))
	return nil
}

// WithdrawLiquidity pays a pool-token holder their pro-rata share of the
// settlement balance and burns the claim. Legal once the pool reached a
// settled status: cancelled (refund), closed or defaulted (settlement).
func (e *Engine) WithdrawLiquidity(lender crypto.Address, poolID string) (*big.Int, error) {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	p, err := e.ensurePool(poolID)
	if err != nil {
		return nil, err
	}
	switch p.Vars.Status {
	case PoolCancelled, PoolClosed, PoolDefaulted:
	default:
		return nil, statusViolation(p, ErrNotSettledStage)
	}
	ledger, err := e.ensureLedger(poolID)
	if err != nil {
		return nil, err
	}
	balance := ledger.BalanceOf(lender)
	if balance.Sign() == 0 {
		return nil, ErrNotLender
	}

	// payout = balance * settlement / supply, floored; decrementing both the
	// settlement balance and the supply keeps later withdrawals exact.
	payout := mulDivFloor(balance, p.Vars.SettlementBalance, ledger.TotalSupply)
	if err := ledger.Burn(lender, balance); err != nil {
		return nil, err
	}
	p.Vars.SettlementBalance = new(big.Int).Sub(p.Vars.SettlementBalance, payout)

	poolAcc, err := e.loadAccount(p.Address)
	if err != nil {
		return nil, err
	}
	lenderAcc, err := e.loadAccount(lender)
	if err != nil {
		return nil, err
	}
	if payout.Sign() > 0 {
		if !poolAcc.Debit(p.Constants.BorrowAsset, payout) {
			return nil, ErrInsufficientBalance
		}
		lenderAcc.Credit(p.Constants.BorrowAsset, payout)
	}

	if err := e.state.PutAccount(p.Address, poolAcc); err != nil {
		return nil, err
	}
	if err := e.state.PutAccount(lender, lenderAcc); err != nil {
		return nil, err
	}
	if err := e.state.PutTokenLedger(poolID, ledger); err != nil {
		return nil, err
	}
	if err := e.state.PutPool(poolID, p); err != nil {
		return nil, err
	}
	e.emitEvent(newAmountEvent(EventTypeLiquidityWithdrawn, p, lender, payout))
	return payout, nil
}

// TerminatePool is the owner's emergency stop: collateral and any pooled
// funds sweep to the owner and the pool permits no further mutation.
func (e *Engine) TerminatePool(caller crypto.Address, poolID string) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	p, err := e.ensurePool(poolID)
	if err != nil {
		return err
	}
	if p.Vars.Status.Terminal() {
		return ErrTerminalStatus
	}
	if !caller.Equal(e.params.Owner) {
		return ErrNotOwner
	}

	ownerAcc, err := e.loadAccount(e.params.Owner)
	if err != nil {
		return err
	}
	shares := p.TotalCollateralShares()
	if shares.Sign() > 0 {
		strategy, err := e.strategies.Resolve(p.Constants.StrategyID)
		if err != nil {
			return err
		}
		returned, err := strategy.Withdraw(p.Constants.CollateralAsset, shares)
		if err != nil {
			return err
		}
		ownerAcc.Credit(p.Constants.CollateralAsset, returned)
	}

	poolAcc, err := e.loadAccount(p.Address)
	if err != nil {
		return err
	}
	pooled := poolAcc.BalanceOf(p.Constants.BorrowAsset)
	if pooled.Sign() > 0 {
		poolAcc.Debit(p.Constants.BorrowAsset, pooled)
		ownerAcc.Credit(p.Constants.BorrowAsset, pooled)
	}

	p.Vars.BaseLiquidityShares = big.NewInt(0)
	p.Vars.ExtraLiquidityShares = big.NewInt(0)
	p.Vars.SettlementBalance = big.NewInt(0)
	p.Vars.MarginCallEndTime = 0
	p.Vars.Status = PoolTerminated

	if err := e.state.PutAccount(p.Address, poolAcc); err != nil {
		return err
	}
	if err := e.state.PutAccount(e.params.Owner, ownerAcc); err != nil {
		return err
	}
	if err := e.state.PutPool(poolID, p); err != nil {
		return err
	}
	e.emitEvent(newPoolEvent(EventTypePoolTerminated, p))
	return nil
}

// RepayAmount settles accrued instalment interest, penalty first once the
// grace window has expired. Any payer may repay on the borrower's behalf.
func (e *Engine) RepayAmount(payer crypto.Address, poolID string, amount *big.Int) error {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	p, err := e.ensurePool(poolID)
	if err != nil {
		return err
	}
	if err := requireStatus(p, PoolActive, ErrNotActiveStage); err != nil {
		return err
	}
	payerAcc, err := e.loadAccount(payer)
	if err != nil {
		return err
	}
	if payerAcc.BalanceOf(p.Constants.BorrowAsset).Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}

	receipt, err := e.repay.RepayAmount(poolID, amount)
	if err != nil {
		return err
	}

	payerAcc.Debit(p.Constants.BorrowAsset, amount)
	poolAcc, err := e.loadAccount(p.Address)
	if err != nil {
		return err
	}
	poolAcc.Credit(p.Constants.BorrowAsset, amount)

	fees, err := e.ensureFees(poolID)
	if err != nil {
		return err
	}
	if receipt.PenaltyPaid.Sign() > 0 {
		poolAcc.Debit(p.Constants.BorrowAsset, receipt.PenaltyPaid)
		collectorAcc, err := e.loadAccount(e.params.FeeCollector)
		if err != nil {
			return err
		}
		collectorAcc.Credit(p.Constants.BorrowAsset, receipt.PenaltyPaid)
		if err := e.state.PutAccount(e.params.FeeCollector, collectorAcc); err != nil {
			return err
		}
		fees.PenaltyFees = new(big.Int).Add(fees.PenaltyFees, receipt.PenaltyPaid)
	}

	if err := e.state.PutAccount(payer, payerAcc); err != nil {
		return err
	}
	if err := e.state.PutAccount(p.Address, poolAcc); err != nil {
		return err
	}
	if err := e.state.PutFeeAccrual(poolID, fees); err != nil {
		return err
	}
	e.emitEvent(newAmountEvent(EventTypeRepayment, p, payer, amount))
	return nil
}

// RepayPrincipal pays down the outstanding principal. It fails while accrued
// interest is unpaid; repaying the final unit closes the pool and reserves
// the accumulated balance for pool-token holders.
func (e *Engine) RepayPrincipal(payer crypto.Address, poolID string, amount *big.Int) error {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	p, err := e.ensurePool(poolID)
	if err != nil {
		return err
	}
	if err := requireStatus(p, PoolActive, ErrNotActiveStage); err != nil {
		return err
	}
	// Unpaid interest is the distinct precondition; it outranks the
	// payer's funding.
	_, accrued, err := e.repay.Outstanding(poolID)
	if err != nil {
		return err
	}
	if accrued.Sign() > 0 {
		return repayments.ErrUnpaidInterest
	}
	payerAcc, err := e.loadAccount(payer)
	if err != nil {
		return err
	}
	if payerAcc.BalanceOf(p.Constants.BorrowAsset).Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}

	_, closed, err := e.repay.RepayPrincipal(poolID, amount)
	if err != nil {
		return err
	}

	payerAcc.Debit(p.Constants.BorrowAsset, amount)
	poolAcc, err := e.loadAccount(p.Address)
	if err != nil {
		return err
	}
	poolAcc.Credit(p.Constants.BorrowAsset, amount)

	borrowerAcc := payerAcc
	sameAccount := payer.Equal(p.Constants.Borrower)
	if closed {
		// Return remaining collateral to the borrower and reserve the
		// accumulated pool balance for lender settlement.
		shares := p.TotalCollateralShares()
		if shares.Sign() > 0 {
			strategy, err := e.strategies.Resolve(p.Constants.StrategyID)
			if err != nil {
				return err
			}
			returned, err := strategy.Withdraw(p.Constants.CollateralAsset, shares)
			if err != nil {
				return err
			}
			if !sameAccount {
				borrowerAcc, err = e.loadAccount(p.Constants.Borrower)
				if err != nil {
					return err
				}
			}
			borrowerAcc.Credit(p.Constants.CollateralAsset, returned)
		}
		p.Vars.BaseLiquidityShares = big.NewInt(0)
		p.Vars.ExtraLiquidityShares = big.NewInt(0)
		p.Vars.MarginCallEndTime = 0
		p.Vars.SettlementBalance = poolAcc.BalanceOf(p.Constants.BorrowAsset)
		p.Vars.Status = PoolClosed
	}

	if err := e.state.PutAccount(payer, payerAcc); err != nil {
		return err
	}
	if closed && !sameAccount && borrowerAcc != payerAcc {
		if err := e.state.PutAccount(p.Constants.Borrower, borrowerAcc); err != nil {
			return err
		}
	}
	if err := e.state.PutAccount(p.Address, poolAcc); err != nil {
		return err
	}
	if err := e.state.PutPool(poolID, p); err != nil {
		return err
	}
	if closed {
		e.emitEvent(newPoolEvent(EventTypePoolClosed, p))
	} else {
		e.emitEvent(newAmountEvent(EventTypeRepayment, p, payer, amount))
	}
	return nil
}

// --- helpers ---

func (e *Engine) ensurePool(poolID string) (*Pool, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if strings.TrimSpace(poolID) == "" {
		return nil, ErrUnknownPool
	}
	p, err := e.state.GetPool(poolID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrUnknownPool
	}
	if !p.Vars.Status.Valid() {
		return nil, ErrInvalidStatus
	}
	clone := p.Clone()
	ensurePoolDefaults(clone)
	return clone, nil
}

func (e *Engine) ensureLedger(poolID string) (*TokenLedger, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	ledger, err := e.state.GetTokenLedger(poolID)
	if err != nil {
		return nil, err
	}
	if ledger == nil {
		return NewTokenLedger(), nil
	}
	return ledger.Clone(), nil
}

func (e *Engine) ensureFees(poolID string) (*FeeAccrual, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	fees, err := e.state.GetFeeAccrual(poolID)
	if err != nil {
		return nil, err
	}
	if fees == nil {
		fees = &FeeAccrual{}
	}
	clone := fees.Clone()
	if clone.ProtocolFees == nil {
		clone.ProtocolFees = big.NewInt(0)
	}
	if clone.PenaltyFees == nil {
		clone.PenaltyFees = big.NewInt(0)
	}
	if clone.CancellationFees == nil {
		clone.CancellationFees = big.NewInt(0)
	}
	return clone, nil
}

func (e *Engine) loadAccount(addr crypto.Address) (*types.Account, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	acc, err := e.state.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return types.NewAccount(), nil
	}
	return acc.Clone(), nil
}

// pullFromSavings routes funds from the caller's shared-ledger balance to the
// pool, redeeming the venue shares into raw tokens. The received token
// amount is returned.
func (e *Engine) pullFromSavings(owner, poolAddr crypto.Address, asset string, amount *big.Int) (*big.Int, error) {
	if e.savings == nil {
		return nil, errors.New("pool engine: savings ledger not configured")
	}
	shares, err := e.savings.SharesForTokens(asset, amount)
	if err != nil {
		return nil, err
	}
	if err := e.savings.TransferFrom(poolAddr, owner, poolAddr, asset, shares); err != nil {
		return nil, err
	}
	return e.savings.Withdraw(poolAddr, asset, shares)
}

func (e *Engine) emitEvent(event *types.Event) {
	if e == nil || e.emit == nil || event == nil {
		return
	}
	e.emit(event)
}

func requireStatus(p *Pool, want PoolStatus, mismatch error) error {
	if p.Vars.Status == want {
		return nil
	}
	return statusViolation(p, mismatch)
}

func statusViolation(p *Pool, mismatch error) error {
	if p.Vars.Status.Terminal() {
		return ErrTerminalStatus
	}
	return mismatch
}

func ensurePoolDefaults(p *Pool) {
	if p.Constants.PoolSizeLimit == nil {
		p.Constants.PoolSizeLimit = big.NewInt(0)
	}
	if p.Constants.MinBorrowAmount == nil {
		p.Constants.MinBorrowAmount = big.NewInt(0)
	}
	if p.Constants.BorrowRate == nil {
		p.Constants.BorrowRate = big.NewInt(0)
	}
	if p.Constants.IdealCollateralRatio == nil {
		p.Constants.IdealCollateralRatio = big.NewInt(0)
	}
	if p.Vars.TotalLent == nil {
		p.Vars.TotalLent = big.NewInt(0)
	}
	if p.Vars.BaseLiquidityShares == nil {
		p.Vars.BaseLiquidityShares = big.NewInt(0)
	}
	if p.Vars.ExtraLiquidityShares == nil {
		p.Vars.ExtraLiquidityShares = big.NewInt(0)
	}
	if p.Vars.SettlementBalance == nil {
		p.Vars.SettlementBalance = big.NewInt(0)
	}
}
