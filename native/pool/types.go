package pool

import (
	"math/big"

	"lendpool/crypto"
)

// PoolStatus represents the lifecycle states of an open borrow pool.
type PoolStatus uint8

const (
	// PoolCollection is the initial stage: lenders supply the borrow asset
	// and the borrower posts collateral.
	PoolCollection PoolStatus = iota
	// PoolActive means the borrower has withdrawn the pooled principal and
	// the instalment schedule is running.
	PoolActive
	// PoolClosed means all instalments were paid and principal fully repaid.
	PoolClosed
	// PoolCancelled means the borrower cancelled during collection.
	PoolCancelled
	// PoolDefaulted means the loan ended through liquidation.
	PoolDefaulted
	// PoolTerminated is the owner's emergency stop.
	PoolTerminated
)

// Valid reports whether the status value is within the supported range.
func (s PoolStatus) Valid() bool {
	switch s {
	case PoolCollection, PoolActive, PoolClosed, PoolCancelled, PoolDefaulted, PoolTerminated:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status permits no further balance mutation.
func (s PoolStatus) Terminal() bool {
	switch s {
	case PoolClosed, PoolCancelled, PoolDefaulted, PoolTerminated:
		return true
	default:
		return false
	}
}

func (s PoolStatus) String() string {
	switch s {
	case PoolCollection:
		return "collection"
	case PoolActive:
		return "active"
	case PoolClosed:
		return "closed"
	case PoolCancelled:
		return "cancelled"
	case PoolDefaulted:
		return "defaulted"
	case PoolTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// PoolConstants holds the per-pool configuration fixed by the factory at
// creation. The engine trusts these values as given and never revalidates
// them against the global allow-lists.
type PoolConstants struct {
	Borrower        crypto.Address
	BorrowAsset     string
	CollateralAsset string
	// PoolSizeLimit caps the aggregate lent amount.
	PoolSizeLimit *big.Int
	// MinBorrowAmount is the minimum totalLent required before the borrower
	// may withdraw.
	MinBorrowAmount *big.Int
	// BorrowRate is the annualized rate scaled by 1e30.
	BorrowRate *big.Int
	// IdealCollateralRatio is the target ratio scaled by 1e28.
	IdealCollateralRatio *big.Int
	// CollectionPeriodEnd and LoanStartTime coincide at creation: lending
	// stops and borrowing becomes legal once the collection period elapses.
	CollectionPeriodEnd int64
	LoanStartTime       int64
	// LoanWithdrawalDeadline bounds how long the borrower may leave a
	// collecting pool undrawn; past it anyone may cancel so lenders can
	// recover their principal. Zero disables the bound.
	LoanWithdrawalDeadline int64
	RepaymentInterval      int64
	NumberOfInstalments    uint64
	// StrategyID selects the yield strategy custodying collateral.
	StrategyID string
	CreatedAt  int64
}

// PoolVars holds the mutable pool-level accounting state.
type PoolVars struct {
	Status PoolStatus
	// TotalLent mirrors the outstanding pool-token supply while collecting.
	TotalLent *big.Int
	// BaseLiquidityShares is collateral custody in strategy shares posted
	// during collection.
	BaseLiquidityShares *big.Int
	// ExtraLiquidityShares is collateral added after initial
	// collateralization, such as margin-call top-ups.
	ExtraLiquidityShares *big.Int
	// MarginCallEndTime is non-zero while a margin call countdown runs.
	MarginCallEndTime int64
	// SettlementBalance is the borrow-asset amount reserved for pool-token
	// holders once the pool reaches a settled status.
	SettlementBalance *big.Int
}

// Pool pairs the immutable constants with the mutable accounting state. The
// pool address is the module account custodying the pooled borrow asset.
type Pool struct {
	ID        string
	Address   crypto.Address
	Constants PoolConstants
	Vars      PoolVars
}

// Clone returns a deep copy of the pool so callers can mutate the copy
// without affecting the stored instance.
func (p *Pool) Clone() *Pool {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Constants.PoolSizeLimit = copyInt(p.Constants.PoolSizeLimit)
	clone.Constants.MinBorrowAmount = copyInt(p.Constants.MinBorrowAmount)
	clone.Constants.BorrowRate = copyInt(p.Constants.BorrowRate)
	clone.Constants.IdealCollateralRatio = copyInt(p.Constants.IdealCollateralRatio)
	clone.Vars.TotalLent = copyInt(p.Vars.TotalLent)
	clone.Vars.BaseLiquidityShares = copyInt(p.Vars.BaseLiquidityShares)
	clone.Vars.ExtraLiquidityShares = copyInt(p.Vars.ExtraLiquidityShares)
	clone.Vars.SettlementBalance = copyInt(p.Vars.SettlementBalance)
	return &clone
}

// TotalCollateralShares returns base plus extra liquidity shares.
func (p *Pool) TotalCollateralShares() *big.Int {
	total := copyInt(p.Vars.BaseLiquidityShares)
	return total.Add(total, copyInt(p.Vars.ExtraLiquidityShares))
}

// FeeAccrual records the cumulative fees routed to the protocol collector
// for one pool. Purely observational: the collector's account is credited at
// the moment each fee is charged.
type FeeAccrual struct {
	ProtocolFees     *big.Int
	PenaltyFees      *big.Int
	CancellationFees *big.Int
}

// Clone returns a deep copy of the fee accrual.
func (f *FeeAccrual) Clone() *FeeAccrual {
	if f == nil {
		return nil
	}
	return &FeeAccrual{
		ProtocolFees:     copyInt(f.ProtocolFees),
		PenaltyFees:      copyInt(f.PenaltyFees),
		CancellationFees: copyInt(f.CancellationFees),
	}
}

// ProtocolParams groups the global protocol configuration the engine reads.
// The engine never mutates it.
type ProtocolParams struct {
	Owner        crypto.Address
	FeeCollector crypto.Address
	// ProtocolFeeFraction is taken from totalLent at borrow, scaled 1e30.
	ProtocolFeeFraction *big.Int
	// PoolCancelPenaltyFraction is deducted from collected principal on
	// cancellation, scaled 1e30.
	PoolCancelPenaltyFraction *big.Int
	// LiquidatorRewardFraction is the bonus collateral fraction granted to a
	// liquidator, scaled 1e30.
	LiquidatorRewardFraction *big.Int
	// MarginCallDuration is the borrower top-up window in seconds.
	MarginCallDuration int64
	// GracePeriodFraction of a repayment interval allowed past the deadline
	// before the penalty applies, scaled 1e30.
	GracePeriodFraction *big.Int
	// GracePenaltyRate applied once to the instalment interest when paid
	// inside the grace window, scaled 1e30.
	GracePenaltyRate *big.Int
}

// Clone returns a deep copy of the protocol parameters.
func (p ProtocolParams) Clone() ProtocolParams {
	clone := p
	clone.ProtocolFeeFraction = copyInt(p.ProtocolFeeFraction)
	clone.PoolCancelPenaltyFraction = copyInt(p.PoolCancelPenaltyFraction)
	clone.LiquidatorRewardFraction = copyInt(p.LiquidatorRewardFraction)
	clone.GracePeriodFraction = copyInt(p.GracePeriodFraction)
	clone.GracePenaltyRate = copyInt(p.GracePenaltyRate)
	return clone
}

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
