package repayments

import "math/big"

const secondsPerYear = 365 * 24 * 60 * 60

// rateScale is the protocol-wide fixed-point scale for borrow rates and
// fractions: values are scaled by 1e30.
var rateScale = mustBigInt("1000000000000000000000000000000")

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

// Schedule tracks the instalment plan and accrual state for one pool's loan.
// Principal and rate stay fixed between principal repayments; interest
// accrual carries an exact sub-unit remainder so repeated accrual never loses
// precision to flooring.
type Schedule struct {
	PoolID string
	// Principal is the outstanding borrow-asset principal.
	Principal *big.Int
	// BorrowRate is the annualized borrow rate scaled by 1e30.
	BorrowRate *big.Int
	// LoanStartTime anchors the instalment deadlines.
	LoanStartTime int64
	// RepaymentInterval is the length of one instalment in seconds.
	RepaymentInterval int64
	// NumberOfInstalments bounds the loan duration.
	NumberOfInstalments uint64
	// LoanDurationCovered is the number of loan seconds whose interest has
	// been confirmed paid. Monotone, bounded by
	// NumberOfInstalments*RepaymentInterval.
	LoanDurationCovered int64
	// GracePeriodFraction is the penalty-free fraction of an instalment
	// interval after its deadline, scaled by 1e30.
	GracePeriodFraction *big.Int
	// GracePenaltyRate is applied to the instalment interest when repaying
	// after grace expiry, scaled by 1e30.
	GracePenaltyRate *big.Int

	// InterestAccrued is the accrued-but-unpaid interest as of AccruedUntil.
	InterestAccrued *big.Int
	// AccruedUntil is the timestamp the accrual bookkeeping has reached.
	AccruedUntil int64
	// AccrualCarry is the numerator remainder of the last accrual step,
	// always < secondsPerYear*1e30.
	AccrualCarry *big.Int
	// CoverCarry is the numerator remainder of duration-covered advancement,
	// always < Principal*BorrowRate.
	CoverCarry *big.Int
}

// Clone returns a deep copy of the schedule.
func (s *Schedule) Clone() *Schedule {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Principal = copyInt(s.Principal)
	clone.BorrowRate = copyInt(s.BorrowRate)
	clone.GracePeriodFraction = copyInt(s.GracePeriodFraction)
	clone.GracePenaltyRate = copyInt(s.GracePenaltyRate)
	clone.InterestAccrued = copyInt(s.InterestAccrued)
	clone.AccrualCarry = copyInt(s.AccrualCarry)
	clone.CoverCarry = copyInt(s.CoverCarry)
	return &clone
}

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// LoanDuration returns the total loan duration in seconds.
func (s *Schedule) LoanDuration() int64 {
	return int64(s.NumberOfInstalments) * s.RepaymentInterval
}

// CurrentInstalmentInterval returns the 1-based index of the instalment
// currently being serviced, derived purely from the covered duration.
func (s *Schedule) CurrentInstalmentInterval() uint64 {
	if s.RepaymentInterval <= 0 {
		return 1
	}
	interval := uint64(s.LoanDurationCovered/s.RepaymentInterval) + 1
	if interval > s.NumberOfInstalments {
		interval = s.NumberOfInstalments
	}
	return interval
}

// NextInstalmentDeadline returns the deadline of the instalment currently
// being serviced.
func (s *Schedule) NextInstalmentDeadline() int64 {
	return s.LoanStartTime + int64(s.CurrentInstalmentInterval())*s.RepaymentInterval
}

// lastInstalmentDeadline is the deadline preceding the current instalment,
// clamped to the loan start for the first interval.
func (s *Schedule) lastInstalmentDeadline() int64 {
	return s.LoanStartTime + int64(s.CurrentInstalmentInterval()-1)*s.RepaymentInterval
}

// InterestDueTillInstalmentDeadline computes
//
//	principal * borrowRate * min(elapsed, repaymentInterval) / (1e30 * secondsPerYear)
//
// where elapsed is the time since the later of the loan start or the last
// instalment deadline. Division floors; multiplication happens first.
func (s *Schedule) InterestDueTillInstalmentDeadline(now int64) *big.Int {
	anchor := s.lastInstalmentDeadline()
	if s.LoanStartTime > anchor {
		anchor = s.LoanStartTime
	}
	elapsed := now - anchor
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed > s.RepaymentInterval {
		elapsed = s.RepaymentInterval
	}
	return interestFor(s.Principal, s.BorrowRate, elapsed)
}

// GracePeriodEnd returns the instant the current instalment's penalty-free
// window closes: deadline + gracePeriodFraction * repaymentInterval.
func (s *Schedule) GracePeriodEnd() int64 {
	grace := new(big.Int).Mul(s.GracePeriodFraction, big.NewInt(s.RepaymentInterval))
	grace.Quo(grace, rateScale)
	return s.NextInstalmentDeadline() + grace.Int64()
}

// InstalmentMissed reports whether the current instalment's grace window has
// elapsed without the interest being paid. A paid instalment advances the
// covered duration, which pushes the deadline forward.
func (s *Schedule) InstalmentMissed(now int64) bool {
	if s.LoanDurationCovered >= s.LoanDuration() {
		return false
	}
	return now > s.GracePeriodEnd()
}

// GracePenalty returns the penalty owed when repaying the current instalment
// after grace expiry: gracePenaltyRate applied to the instalment interest.
func (s *Schedule) GracePenalty(now int64) *big.Int {
	if !s.InstalmentMissed(now) {
		return big.NewInt(0)
	}
	penalty := new(big.Int).Mul(s.GracePenaltyRate, s.InterestDueTillInstalmentDeadline(now))
	return penalty.Quo(penalty, rateScale)
}

// accrue advances the interest bookkeeping to now, carrying the sub-unit
// numerator remainder so consecutive accruals are exact.
func (s *Schedule) accrue(now int64) {
	if s.AccruedUntil < s.LoanStartTime {
		s.AccruedUntil = s.LoanStartTime
	}
	if now <= s.AccruedUntil || s.Principal.Sign() == 0 {
		if now > s.AccruedUntil {
			s.AccruedUntil = now
		}
		return
	}
	elapsed := now - s.AccruedUntil
	remaining := s.LoanDuration() - (s.AccruedUntil - s.LoanStartTime)
	if remaining <= 0 {
		s.AccruedUntil = now
		return
	}
	if elapsed > remaining {
		elapsed = remaining
	}
	num := new(big.Int).Mul(s.Principal, s.BorrowRate)
	num.Mul(num, big.NewInt(elapsed))
	num.Add(num, s.AccrualCarry)
	denom := new(big.Int).Mul(big.NewInt(secondsPerYear), rateScale)
	quo, rem := new(big.Int).QuoRem(num, denom, new(big.Int))
	s.InterestAccrued = new(big.Int).Add(s.InterestAccrued, quo)
	s.AccrualCarry = rem
	s.AccruedUntil = now
}

// advanceCovered extends the covered duration by the seconds whose interest
// the payment fully covers, carrying the remainder numerator.
func (s *Schedule) advanceCovered(interestPaid *big.Int) {
	denom := new(big.Int).Mul(s.Principal, s.BorrowRate)
	if denom.Sign() == 0 {
		return
	}
	num := new(big.Int).Mul(interestPaid, big.NewInt(secondsPerYear))
	num.Mul(num, rateScale)
	num.Add(num, s.CoverCarry)
	quo, rem := new(big.Int).QuoRem(num, denom, new(big.Int))
	covered := s.LoanDurationCovered + quo.Int64()
	if covered >= s.LoanDuration() {
		covered = s.LoanDuration()
		rem = big.NewInt(0)
	}
	s.LoanDurationCovered = covered
	s.CoverCarry = rem
}

func interestFor(principal, rate *big.Int, seconds int64) *big.Int {
	if principal == nil || rate == nil || seconds <= 0 {
		return big.NewInt(0)
	}
	num := new(big.Int).Mul(principal, rate)
	num.Mul(num, big.NewInt(seconds))
	denom := new(big.Int).Mul(big.NewInt(secondsPerYear), rateScale)
	return num.Quo(num, denom)
}
