package pool

import (
	"errors"
	"math/big"

	"lendpool/crypto"
	nativecommon "lendpool/native/common"
)

var (
	ErrMarginCallActive = errors.New("pool engine: margin call already in progress")
	ErrRatioNotBreached = errors.New("pool engine: collateral ratio not below ideal")
)

// CurrentCollateralRatio reports the pool's collateral value relative to its
// outstanding debt, scaled 1e28. Read-only; the stored schedule is not
// advanced.
func (e *Engine) CurrentCollateralRatio(poolID string) (*big.Int, error) {
	p, err := e.ensurePool(poolID)
	if err != nil {
		return nil, err
	}
	if err := requireStatus(p, PoolActive, ErrNotActiveStage); err != nil {
		return nil, err
	}
	return e.collateralRatio(p)
}

// RequestMarginCall lets a pool-token holder demand a collateral top-up. The
// ratio must actually be below ideal and only one call can run at a time.
func (e *Engine) RequestMarginCall(caller crypto.Address, poolID string) error {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	p, err := e.ensurePool(poolID)
	if err != nil {
		return err
	}
	if err := requireStatus(p, PoolActive, ErrNotActiveStage); err != nil {
		return err
	}
	ledger, err := e.ensureLedger(poolID)
	if err != nil {
		return err
	}
	if ledger.BalanceOf(caller).Sign() == 0 {
		return ErrNotLender
	}
	if p.Vars.MarginCallEndTime > 0 && e.timestamp <= p.Vars.MarginCallEndTime {
		return ErrMarginCallActive
	}
	ratio, err := e.collateralRatio(p)
	if err != nil {
		return err
	}
	if ratio.Cmp(p.Constants.IdealCollateralRatio) >= 0 {
		return ErrRatioNotBreached
	}

	p.Vars.MarginCallEndTime = e.timestamp + e.params.MarginCallDuration
	if err := e.state.PutPool(poolID, p); err != nil {
		return err
	}
	e.emitEvent(newMarginCallEvent(p, caller))
	return nil
}

// collateralValue prices the pool's custody shares in borrow-asset units.
func (e *Engine) collateralValue(p *Pool) (*big.Int, error) {
	shares := p.TotalCollateralShares()
	if shares.Sign() == 0 {
		return big.NewInt(0), nil
	}
	strategy, err := e.strategies.Resolve(p.Constants.StrategyID)
	if err != nil {
		return nil, err
	}
	tokens, err := strategy.TokensForShares(p.Constants.CollateralAsset, shares)
	if err != nil {
		return nil, err
	}
	price, decimals, err := e.oracle.LatestPrice(p.Constants.CollateralAsset, p.Constants.BorrowAsset)
	if err != nil {
		return nil, err
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return mulDivFloor(tokens, price, scale), nil
}

// collateralRatio divides the collateral value by the outstanding debt,
// scaled 1e28. The debt includes interest accrued up to the engine clock.
func (e *Engine) collateralRatio(p *Pool) (*big.Int, error) {
	principal, interest, err := e.repay.Outstanding(p.ID)
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
	return mulDivFloor(value, ratioScale, debt), nil
}
