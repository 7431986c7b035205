package factory

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"

	"lendpool/crypto"
	"lendpool/native/pool"
	"lendpool/native/yield"
)

// defaultLoanWithdrawalDuration applies when the limits leave the borrower's
// withdrawal window unconfigured.
const defaultLoanWithdrawalDuration int64 = 86_400

var (
	ErrNilEngine           = errors.New("pool factory: pool engine not configured")
	ErrBorrowerNotVerified = errors.New("pool factory: borrower is not verified")
	ErrAssetNotSupported   = errors.New("pool factory: asset not on the allow-list")
	ErrSameAsset           = errors.New("pool factory: borrow and collateral assets must differ")
	ErrOutOfBounds         = errors.New("pool factory: parameter outside configured bounds")
)

// Limits bound the parameters a borrower may choose at pool creation.
type Limits struct {
	MinPoolSize *big.Int
	MaxPoolSize *big.Int
	// MinBorrowRate and MaxBorrowRate bound the yearly rate, scaled 1e30.
	MinBorrowRate *big.Int
	MaxBorrowRate *big.Int
	// MinCollateralRatio is the lowest acceptable ideal ratio, scaled 1e28.
	MinCollateralRatio *big.Int
	// LoanWithdrawalDuration is how long past the loan start time the
	// borrower may leave the pool undrawn before anyone may cancel it.
	LoanWithdrawalDuration int64
	// CollectionPeriod and RepaymentInterval bounds, in seconds.
	MinCollectionPeriod    int64
	MaxCollectionPeriod    int64
	MinRepaymentInterval   int64
	MaxRepaymentInterval   int64
	MinNumberOfInstalments int64
	MaxNumberOfInstalments int64
}

// CreatePoolParams carries the borrower's chosen pool terms.
type CreatePoolParams struct {
	BorrowAsset     string
	CollateralAsset string
	PoolSizeLimit   *big.Int
	MinBorrowAmount *big.Int
	// BorrowRate is the yearly interest rate, scaled 1e30.
	BorrowRate *big.Int
	// IdealCollateralRatio is scaled 1e28.
	IdealCollateralRatio *big.Int
	// CollectionPeriod is how long the pool collects, in seconds.
	CollectionPeriod    int64
	RepaymentInterval   int64
	NumberOfInstalments int64
	StrategyID          string
	// CollateralAmount, when positive, is deposited at creation.
	CollateralAmount *big.Int
	FromSavings      bool
}

// Factory validates borrower-chosen terms against protocol limits and
// installs new pools at collection stage.
type Factory struct {
	limits           Limits
	borrowAssets     map[string]struct{}
	collateralAssets map[string]struct{}
	strategies       *yield.Registry
	verifier         Verifier
	engine           *pool.Engine
	timestamp        int64
	newID            func() string
}

// NewFactory wires the factory to its collaborators. The allow-lists are
// copied.
func NewFactory(limits Limits, borrowAssets, collateralAssets []string) *Factory {
	f := &Factory{
		limits:           limits,
		borrowAssets:     make(map[string]struct{}, len(borrowAssets)),
		collateralAssets: make(map[string]struct{}, len(collateralAssets)),
		newID:            uuid.NewString,
	}
	for _, asset := range borrowAssets {
		f.borrowAssets[strings.ToUpper(asset)] = struct{}{}
	}
	for _, asset := range collateralAssets {
		f.collateralAssets[strings.ToUpper(asset)] = struct{}{}
	}
	return f
}

func (f *Factory) SetEngine(engine *pool.Engine) { f.engine = engine }

func (f *Factory) SetStrategies(registry *yield.Registry) { f.strategies = registry }

func (f *Factory) SetVerifier(v Verifier) { f.verifier = v }

// SetTimestamp records the externally supplied clock reading.
func (f *Factory) SetTimestamp(now int64) { f.timestamp = now }

// SetIDGenerator overrides the pool identifier source.
func (f *Factory) SetIDGenerator(gen func() string) {
	if gen != nil {
		f.newID = gen
	}
}

// CreatePool validates the terms, derives the pool identity and installs the
// pool at collection stage. A positive CollateralAmount is deposited from the
// borrower in the same operation.
func (f *Factory) CreatePool(borrower crypto.Address, params CreatePoolParams) (*pool.Pool, error) {
	if f == nil || f.engine == nil {
		return nil, ErrNilEngine
	}
	if f.verifier != nil && !f.verifier.IsVerified(borrower) {
		return nil, ErrBorrowerNotVerified
	}

	borrowAsset := strings.ToUpper(strings.TrimSpace(params.BorrowAsset))
	collateralAsset := strings.ToUpper(strings.TrimSpace(params.CollateralAsset))
	if _, ok := f.borrowAssets[borrowAsset]; !ok {
		return nil, fmt.Errorf("%w: borrow asset %q", ErrAssetNotSupported, params.BorrowAsset)
	}
	if _, ok := f.collateralAssets[collateralAsset]; !ok {
		return nil, fmt.Errorf("%w: collateral asset %q", ErrAssetNotSupported, params.CollateralAsset)
	}
	if borrowAsset == collateralAsset {
		return nil, ErrSameAsset
	}
	if f.strategies != nil {
		if _, err := f.strategies.Resolve(params.StrategyID); err != nil {
			return nil, err
		}
	}
	if err := f.checkLimits(params); err != nil {
		return nil, err
	}

	id := f.newID()
	loanStart := f.timestamp + params.CollectionPeriod
	withdrawalDuration := f.limits.LoanWithdrawalDuration
	if withdrawalDuration <= 0 {
		withdrawalDuration = defaultLoanWithdrawalDuration
	}
	p := &pool.Pool{
		ID:      id,
		Address: crypto.DeriveAddress(crypto.PoolPrefix, []byte(id), borrower.Bytes()),
		Constants: pool.PoolConstants{
			Borrower:               borrower,
			BorrowAsset:            borrowAsset,
			CollateralAsset:        collateralAsset,
			PoolSizeLimit:          new(big.Int).Set(params.PoolSizeLimit),
			MinBorrowAmount:        new(big.Int).Set(params.MinBorrowAmount),
			BorrowRate:             new(big.Int).Set(params.BorrowRate),
			IdealCollateralRatio:   new(big.Int).Set(params.IdealCollateralRatio),
			CollectionPeriodEnd:    loanStart,
			LoanStartTime:          loanStart,
			LoanWithdrawalDeadline: loanStart + withdrawalDuration,
			RepaymentInterval:      params.RepaymentInterval,
			NumberOfInstalments:    uint64(params.NumberOfInstalments),
			StrategyID:             params.StrategyID,
			CreatedAt:              f.timestamp,
		},
		Vars: pool.PoolVars{Status: pool.PoolCollection},
	}
	if err := f.engine.CreatePool(p); err != nil {
		return nil, err
	}
	if params.CollateralAmount != nil && params.CollateralAmount.Sign() > 0 {
		if err := f.engine.DepositCollateral(borrower, id, params.CollateralAmount, params.FromSavings); err != nil {
			return nil, err
		}
	}
	return f.engine.GetPool(id)
}

func (f *Factory) checkLimits(params CreatePoolParams) error {
	if params.PoolSizeLimit == nil || params.PoolSizeLimit.Sign() <= 0 {
		return fmt.Errorf("%w: pool size limit", ErrOutOfBounds)
	}
	if f.limits.MinPoolSize != nil && params.PoolSizeLimit.Cmp(f.limits.MinPoolSize) < 0 {
		return fmt.Errorf("%w: pool size limit", ErrOutOfBounds)
	}
	if f.limits.MaxPoolSize != nil && f.limits.MaxPoolSize.Sign() > 0 && params.PoolSizeLimit.Cmp(f.limits.MaxPoolSize) > 0 {
		return fmt.Errorf("%w: pool size limit", ErrOutOfBounds)
	}
	if params.MinBorrowAmount == nil || params.MinBorrowAmount.Sign() < 0 || params.MinBorrowAmount.Cmp(params.PoolSizeLimit) > 0 {
		return fmt.Errorf("%w: minimum borrow amount", ErrOutOfBounds)
	}
	if params.BorrowRate == nil || params.BorrowRate.Sign() <= 0 {
		return fmt.Errorf("%w: borrow rate", ErrOutOfBounds)
	}
	if f.limits.MinBorrowRate != nil && params.BorrowRate.Cmp(f.limits.MinBorrowRate) < 0 {
		return fmt.Errorf("%w: borrow rate", ErrOutOfBounds)
	}
	if f.limits.MaxBorrowRate != nil && f.limits.MaxBorrowRate.Sign() > 0 && params.BorrowRate.Cmp(f.limits.MaxBorrowRate) > 0 {
		return fmt.Errorf("%w: borrow rate", ErrOutOfBounds)
	}
	if params.IdealCollateralRatio == nil || params.IdealCollateralRatio.Sign() <= 0 {
		return fmt.Errorf("%w: collateral ratio", ErrOutOfBounds)
	}
	if f.limits.MinCollateralRatio != nil && params.IdealCollateralRatio.Cmp(f.limits.MinCollateralRatio) < 0 {
		return fmt.Errorf("%w: collateral ratio", ErrOutOfBounds)
	}
	if params.CollectionPeriod <= 0 ||
		(f.limits.MinCollectionPeriod > 0 && params.CollectionPeriod < f.limits.MinCollectionPeriod) ||
		(f.limits.MaxCollectionPeriod > 0 && params.CollectionPeriod > f.limits.MaxCollectionPeriod) {
		return fmt.Errorf("%w: collection period", ErrOutOfBounds)
	}
	if params.RepaymentInterval <= 0 ||
		(f.limits.MinRepaymentInterval > 0 && params.RepaymentInterval < f.limits.MinRepaymentInterval) ||
		(f.limits.MaxRepaymentInterval > 0 && params.RepaymentInterval > f.limits.MaxRepaymentInterval) {
		return fmt.Errorf("%w: repayment interval", ErrOutOfBounds)
	}
	if params.NumberOfInstalments <= 0 ||
		(f.limits.MinNumberOfInstalments > 0 && params.NumberOfInstalments < f.limits.MinNumberOfInstalments) ||
		(f.limits.MaxNumberOfInstalments > 0 && params.NumberOfInstalments > f.limits.MaxNumberOfInstalments) {
		return fmt.Errorf("%w: number of instalments", ErrOutOfBounds)
	}
	return nil
}
