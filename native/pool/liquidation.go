package pool

import (
	"errors"
	"math/big"

	"lendpool/core/types"
	"lendpool/crypto"
	nativecommon "lendpool/native/common"
)

var ErrNotLiquidatable = errors.New("pool engine: pool is not liquidatable")

// LiquidationReceipt summarises a confirmed liquidation.
type LiquidationReceipt struct {
	// AmountPaid is the borrow-asset amount the liquidator settled.
	AmountPaid *big.Int
	// CollateralSeized is the collateral token amount awarded, reward
	// included.
	CollateralSeized *big.Int
	// SharesSeized is the venue share quantity redeemed for the award.
	SharesSeized *big.Int
	// Defaulted reports whether the pool reached its settled default status.
	Defaulted bool
}

// LiquidatePool settles pool debt with the liquidator's funds in exchange for
// discounted collateral. A pool is liquidatable when a margin call expired
// with the ratio still below ideal, or when an instalment's grace window
// elapsed unpaid.
//
// With repayFullDebt the liquidator clears as much of the whole debt as the
// collateral value can reward; otherwise only the shortfall restoring the
// ideal ratio is settled and the pool stays active. Payment is pulled from
// the liquidator's account or the shared ledger (fromSavings); the seized
// collateral is delivered as raw tokens or as a shared-ledger deposit
// (receiveShares).
func (e *Engine) LiquidatePool(liquidator crypto.Address, poolID string, fromSavings, receiveShares, repayFullDebt bool) (*LiquidationReceipt, error) {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	p, err := e.ensurePool(poolID)
	if err != nil {
		return nil, err
	}
	if err := requireStatus(p, PoolActive, ErrNotActiveStage); err != nil {
		return nil, err
	}

	principal, interest, err := e.repay.Outstanding(poolID)
	if err != nil {
		return nil, err
	}
	debt := new(big.Int).Add(principal, interest)
	if debt.Sign() == 0 {
		return nil, ErrNoOutstandingDebt
	}
	value, err := e.collateralValue(p)
	if err != nil {
		return nil, err
	}

	missed, err := e.repay.MissedInstalment(poolID)
	if err != nil {
		return nil, err
	}
	marginCallExpired := false
	if p.Vars.MarginCallEndTime > 0 && e.timestamp > p.Vars.MarginCallEndTime {
		ratio := mulDivFloor(value, ratioScale, debt)
		marginCallExpired = ratio.Cmp(p.Constants.IdealCollateralRatio) < 0
	}
	if !missed && !marginCallExpired {
		return nil, ErrNotLiquidatable
	}

	// A missed loan with nothing left to seize defaults outright.
	totalShares := p.TotalCollateralShares()
	if totalShares.Sign() == 0 {
		if err := e.settleDefault(p); err != nil {
			return nil, err
		}
		e.emitEvent(newLiquidationEvent(p, liquidator, big.NewInt(0), big.NewInt(0)))
		return &LiquidationReceipt{
			AmountPaid:       big.NewInt(0),
			CollateralSeized: big.NewInt(0),
			SharesSeized:     big.NewInt(0),
			Defaulted:        true,
		}, nil
	}

	// The reward caps how much debt the collateral can settle:
	// pay * (1 + reward) <= value.
	rewardScale := new(big.Int).Add(rateScale, e.params.LiquidatorRewardFraction)
	payCap := mulDivFloor(value, rateScale, rewardScale)

	pay := new(big.Int).Set(debt)
	if !repayFullDebt {
		// The seizure removes pay*(1+reward) of collateral value, so the
		// payment curing the breach solves
		// (value - pay*(1+reward)) / (debt - pay) = ideal, rounded up.
		num := new(big.Int).Sub(
			new(big.Int).Mul(p.Constants.IdealCollateralRatio, debt),
			new(big.Int).Mul(value, ratioScale),
		)
		den := new(big.Int).Sub(
			new(big.Int).Mul(p.Constants.IdealCollateralRatio, rateScale),
			new(big.Int).Mul(rewardScale, ratioScale),
		)
		// num <= 0 means there is no ratio shortfall to cure; den <= 0
		// means the reward outruns the ideal ratio and no partial payment
		// can restore it. Either way the whole debt is settled.
		if num.Sign() > 0 && den.Sign() > 0 {
			shortfall := mulDivCeil(num, rateScale, den)
			if shortfall.Cmp(debt) < 0 {
				pay = shortfall
			}
		}
	}
	if pay.Cmp(payCap) > 0 {
		pay = new(big.Int).Set(payCap)
	}
	if pay.Sign() == 0 {
		return nil, ErrNotLiquidatable
	}

	// Value owed to the liquidator in borrow-asset units, reward included,
	// then converted pro-rata into custody shares.
	seizedValue := mulDivFloor(pay, rewardScale, rateScale)
	if seizedValue.Cmp(value) > 0 {
		seizedValue = new(big.Int).Set(value)
	}
	seizedShares := mulDivFloor(seizedValue, totalShares, value)
	if seizedShares.Cmp(totalShares) > 0 {
		seizedShares = new(big.Int).Set(totalShares)
	}

	// Pull the payment before touching custody.
	poolAcc, err := e.loadAccount(p.Address)
	if err != nil {
		return nil, err
	}
	var liquidatorAcc *types.Account
	if fromSavings {
		received, err := e.pullFromSavings(liquidator, p.Address, p.Constants.BorrowAsset, pay)
		if err != nil {
			return nil, err
		}
		poolAcc.Credit(p.Constants.BorrowAsset, received)
	} else {
		liquidatorAcc, err = e.loadAccount(liquidator)
		if err != nil {
			return nil, err
		}
		if !liquidatorAcc.Debit(p.Constants.BorrowAsset, pay) {
			return nil, ErrInsufficientBalance
		}
		poolAcc.Credit(p.Constants.BorrowAsset, pay)
	}

	strategy, err := e.strategies.Resolve(p.Constants.StrategyID)
	if err != nil {
		return nil, err
	}
	seizedAmount, err := strategy.Withdraw(p.Constants.CollateralAsset, seizedShares)
	if err != nil {
		return nil, err
	}
	if receiveShares {
		if e.savings == nil {
			return nil, errors.New("pool engine: savings ledger not configured")
		}
		if _, err := e.savings.DepositTo(liquidator, p.Constants.CollateralAsset, seizedAmount); err != nil {
			return nil, err
		}
	} else {
		if liquidatorAcc == nil {
			liquidatorAcc, err = e.loadAccount(liquidator)
			if err != nil {
				return nil, err
			}
		}
		liquidatorAcc.Credit(p.Constants.CollateralAsset, seizedAmount)
	}

	// Extra liquidity shares absorb the seizure before the base deposit.
	fromExtra := new(big.Int).Set(seizedShares)
	if fromExtra.Cmp(p.Vars.ExtraLiquidityShares) > 0 {
		fromExtra = new(big.Int).Set(p.Vars.ExtraLiquidityShares)
	}
	p.Vars.ExtraLiquidityShares = new(big.Int).Sub(p.Vars.ExtraLiquidityShares, fromExtra)
	fromBase := new(big.Int).Sub(seizedShares, fromExtra)
	p.Vars.BaseLiquidityShares = new(big.Int).Sub(p.Vars.BaseLiquidityShares, fromBase)

	remaining, err := e.repay.ReducePrincipal(poolID, pay)
	if err != nil {
		return nil, err
	}

	receipt := &LiquidationReceipt{
		AmountPaid:       pay,
		CollateralSeized: seizedAmount,
		SharesSeized:     seizedShares,
	}

	if repayFullDebt || remaining.Sign() == 0 {
		p.Vars.SettlementBalance = poolAcc.BalanceOf(p.Constants.BorrowAsset)
		p.Vars.MarginCallEndTime = 0
		p.Vars.Status = PoolDefaulted
		receipt.Defaulted = true

		// Whatever collateral the reward cap left behind returns to the
		// borrower.
		leftover := p.TotalCollateralShares()
		if leftover.Sign() > 0 {
			returned, err := strategy.Withdraw(p.Constants.CollateralAsset, leftover)
			if err != nil {
				return nil, err
			}
			borrowerAcc, err := e.loadAccount(p.Constants.Borrower)
			if err != nil {
				return nil, err
			}
			borrowerAcc.Credit(p.Constants.CollateralAsset, returned)
			if err := e.state.PutAccount(p.Constants.Borrower, borrowerAcc); err != nil {
				return nil, err
			}
			p.Vars.BaseLiquidityShares = big.NewInt(0)
			p.Vars.ExtraLiquidityShares = big.NewInt(0)
		}
	} else if p.Vars.MarginCallEndTime > 0 {
		// The call clears only once the post-seizure ratio actually reaches
		// the ideal again; a payment clamped by the reward cap leaves the
		// countdown running.
		postValue := new(big.Int).Sub(value, seizedValue)
		debtAfter := new(big.Int).Sub(debt, pay)
		if debtAfter.Sign() > 0 {
			postRatio := mulDivFloor(postValue, ratioScale, debtAfter)
			if postRatio.Cmp(p.Constants.IdealCollateralRatio) >= 0 {
				p.Vars.MarginCallEndTime = 0
			}
		}
	}

	if liquidatorAcc != nil {
		if err := e.state.PutAccount(liquidator, liquidatorAcc); err != nil {
			return nil, err
		}
	}
	if err := e.state.PutAccount(p.Address, poolAcc); err != nil {
		return nil, err
	}
	if err := e.state.PutPool(poolID, p); err != nil {
		return nil, err
	}
	e.emitEvent(newLiquidationEvent(p, liquidator, pay, seizedAmount))
	return receipt, nil
}

// settleDefault flips the pool to its defaulted status, reserving the pool
// account balance for pool-token holders.
func (e *Engine) settleDefault(p *Pool) error {
	poolAcc, err := e.loadAccount(p.Address)
	if err != nil {
		return err
	}
	p.Vars.SettlementBalance = poolAcc.BalanceOf(p.Constants.BorrowAsset)
	p.Vars.MarginCallEndTime = 0
	p.Vars.Status = PoolDefaulted
	return e.state.PutPool(p.ID, p)
}
