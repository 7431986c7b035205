package repayments

import (
	"errors"
	"math/big"
	"strings"

	nativecommon "lendpool/native/common"
)

var (
	ErrNilState        = errors.New("repayments engine: state not configured")
	ErrScheduleExists  = errors.New("repayments engine: schedule already active for pool")
	ErrNoSchedule      = errors.New("repayments engine: no active schedule for pool")
	ErrInvalidAmount   = errors.New("repayments engine: amount must be positive")
	ErrInvalidSchedule = errors.New("repayments engine: invalid schedule parameters")
	ErrExcessRepayment = errors.New("repayments engine: amount exceeds interest due")
	ErrUnpaidInterest  = errors.New("repayments engine: unpaid interest outstanding")
	ErrNoPrincipal     = errors.New("repayments engine: no outstanding principal")
)

const moduleName = "repayments"

type scheduleState interface {
	GetSchedule(poolID string) (*Schedule, error)
	PutSchedule(poolID string, schedule *Schedule) error
}

// Engine owns per-pool repayment schedules: instalment deadlines, interest
// accrual, grace penalties and principal paydown. It never moves funds; the
// pool lifecycle engine settles balances and consults this engine for the
// accounting outcome.
type Engine struct {
	state     scheduleState
	timestamp int64
	pauses    nativecommon.PauseView
}

func NewEngine() *Engine {
	return &Engine{}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state scheduleState) { e.state = state }

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetTimestamp records the clock reading used for accrual and deadlines.
func (e *Engine) SetTimestamp(now int64) {
	if e == nil {
		return
	}
	e.timestamp = now
}

// ActivateParams carries the schedule configuration fixed at loan start.
type ActivateParams struct {
	Principal           *big.Int
	BorrowRate          *big.Int
	LoanStartTime       int64
	RepaymentInterval   int64
	NumberOfInstalments uint64
	GracePeriodFraction *big.Int
	GracePenaltyRate    *big.Int
}

// Activate installs the repayment schedule for a pool at loan start.
func (e *Engine) Activate(poolID string, params ActivateParams) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if strings.TrimSpace(poolID) == "" {
		return ErrNoSchedule
	}
	if existing, err := e.state.GetSchedule(poolID); err != nil {
		return err
	} else if existing != nil {
		return ErrScheduleExists
	}
	if params.Principal == nil || params.Principal.Sign() <= 0 ||
		params.BorrowRate == nil || params.BorrowRate.Sign() <= 0 ||
		params.RepaymentInterval <= 0 || params.NumberOfInstalments == 0 {
		return ErrInvalidSchedule
	}
	schedule := &Schedule{
		PoolID:              poolID,
		Principal:           new(big.Int).Set(params.Principal),
		BorrowRate:          new(big.Int).Set(params.BorrowRate),
		LoanStartTime:       params.LoanStartTime,
		RepaymentInterval:   params.RepaymentInterval,
		NumberOfInstalments: params.NumberOfInstalments,
		GracePeriodFraction: copyInt(params.GracePeriodFraction),
		GracePenaltyRate:    copyInt(params.GracePenaltyRate),
		InterestAccrued:     big.NewInt(0),
		AccruedUntil:        params.LoanStartTime,
		AccrualCarry:        big.NewInt(0),
		CoverCarry:          big.NewInt(0),
	}
	return e.state.PutSchedule(poolID, schedule)
}

// Outstanding reports the principal and the accrued unpaid interest as of the
// engine timestamp. The read is side-effect free; calling it twice without a
// state change yields identical results.
func (e *Engine) Outstanding(poolID string) (*big.Int, *big.Int, error) {
	schedule, err := e.loadSchedule(poolID)
	if err != nil {
		return nil, nil, err
	}
	schedule.accrue(e.timestamp)
	return copyInt(schedule.Principal), copyInt(schedule.InterestAccrued), nil
}

// ScheduleView returns a deep copy of the stored schedule for read paths.
func (e *Engine) ScheduleView(poolID string) (*Schedule, error) {
	return e.loadSchedule(poolID)
}

// MissedInstalment reports whether the current instalment's grace window has
// elapsed unpaid as of the engine timestamp.
func (e *Engine) MissedInstalment(poolID string) (bool, error) {
	schedule, err := e.loadSchedule(poolID)
	if err != nil {
		return false, err
	}
	return schedule.InstalmentMissed(e.timestamp), nil
}

// Receipt summarises a confirmed instalment payment.
type Receipt struct {
	InterestPaid *big.Int
	PenaltyPaid  *big.Int
	// CoveredSeconds is how far the covered loan duration advanced.
	CoveredSeconds int64
}

// RepayAmount applies a payment to accrued interest, penalty first when the
// grace window has expired. Any amount beyond what is owed is rejected
// outright; principal repayment is a separate entry point.
func (e *Engine) RepayAmount(poolID string, amount *big.Int) (*Receipt, error) {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	schedule, err := e.loadSchedule(poolID)
	if err != nil {
		return nil, err
	}
	schedule.accrue(e.timestamp)

	penalty := schedule.GracePenalty(e.timestamp)
	due := new(big.Int).Add(schedule.InterestAccrued, penalty)
	if amount.Cmp(due) > 0 {
		return nil, ErrExcessRepayment
	}

	remaining := new(big.Int).Set(amount)
	penaltyPaid := big.NewInt(0)
	if penalty.Sign() > 0 {
		penaltyPaid = new(big.Int).Set(penalty)
		if remaining.Cmp(penalty) < 0 {
			penaltyPaid = new(big.Int).Set(remaining)
		}
		remaining.Sub(remaining, penaltyPaid)
	}

	coveredBefore := schedule.LoanDurationCovered
	if remaining.Sign() > 0 {
		schedule.InterestAccrued = new(big.Int).Sub(schedule.InterestAccrued, remaining)
		schedule.advanceCovered(remaining)
	}

	if err := e.state.PutSchedule(poolID, schedule); err != nil {
		return nil, err
	}
	return &Receipt{
		InterestPaid:   remaining,
		PenaltyPaid:    penaltyPaid,
		CoveredSeconds: schedule.LoanDurationCovered - coveredBefore,
	}, nil
}

// RepayPrincipal reduces the outstanding principal. It fails while any
// accrued interest remains unpaid. The remaining principal and whether the
// loan is fully repaid are returned.
func (e *Engine) RepayPrincipal(poolID string, amount *big.Int) (*big.Int, bool, error) {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, false, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, false, ErrInvalidAmount
	}
	schedule, err := e.loadSchedule(poolID)
	if err != nil {
		return nil, false, err
	}
	schedule.accrue(e.timestamp)
	if schedule.InterestAccrued.Sign() > 0 {
		return nil, false, ErrUnpaidInterest
	}
	if schedule.Principal.Sign() == 0 {
		return nil, false, ErrNoPrincipal
	}
	if amount.Cmp(schedule.Principal) > 0 {
		return nil, false, ErrExcessRepayment
	}
	schedule.Principal = new(big.Int).Sub(schedule.Principal, amount)
	// A principal change invalidates the per-second carry numerators.
	schedule.AccrualCarry = big.NewInt(0)
	schedule.CoverCarry = big.NewInt(0)
	if err := e.state.PutSchedule(poolID, schedule); err != nil {
		return nil, false, err
	}
	return copyInt(schedule.Principal), schedule.Principal.Sign() == 0, nil
}

// ReducePrincipal writes down principal without a repayment check. Used by
// the liquidation path, which settles debt with seized collateral value.
func (e *Engine) ReducePrincipal(poolID string, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	schedule, err := e.loadSchedule(poolID)
	if err != nil {
		return nil, err
	}
	schedule.accrue(e.timestamp)
	writeDown := new(big.Int).Set(amount)
	// Interest is written down first, mirroring repayment ordering.
	if schedule.InterestAccrued.Sign() > 0 {
		interestCut := new(big.Int).Set(schedule.InterestAccrued)
		if writeDown.Cmp(interestCut) < 0 {
			interestCut = new(big.Int).Set(writeDown)
		}
		schedule.InterestAccrued = new(big.Int).Sub(schedule.InterestAccrued, interestCut)
		writeDown.Sub(writeDown, interestCut)
	}
	if writeDown.Cmp(schedule.Principal) > 0 {
		writeDown = new(big.Int).Set(schedule.Principal)
	}
	schedule.Principal = new(big.Int).Sub(schedule.Principal, writeDown)
	schedule.AccrualCarry = big.NewInt(0)
	schedule.CoverCarry = big.NewInt(0)
	if err := e.state.PutSchedule(poolID, schedule); err != nil {
		return nil, err
	}
	return copyInt(schedule.Principal), nil
}

func (e *Engine) loadSchedule(poolID string) (*Schedule, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if strings.TrimSpace(poolID) == "" {
		return nil, ErrNoSchedule
	}
	schedule, err := e.state.GetSchedule(poolID)
	if err != nil {
		return nil, err
	}
	if schedule == nil {
		return nil, ErrNoSchedule
	}
	clone := schedule.Clone()
	ensureDefaults(clone)
	return clone, nil
}

func ensureDefaults(s *Schedule) {
	if s.Principal == nil {
		s.Principal = big.NewInt(0)
	}
	if s.BorrowRate == nil {
		s.BorrowRate = big.NewInt(0)
	}
	if s.GracePeriodFraction == nil {
		s.GracePeriodFraction = big.NewInt(0)
	}
	if s.GracePenaltyRate == nil {
		s.GracePenaltyRate = big.NewInt(0)
	}
	if s.InterestAccrued == nil {
		s.InterestAccrued = big.NewInt(0)
	}
	if s.AccrualCarry == nil {
		s.AccrualCarry = big.NewInt(0)
	}
	if s.CoverCarry == nil {
		s.CoverCarry = big.NewInt(0)
	}
}
