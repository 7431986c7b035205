package yield

import (
	"math/big"
	"sync"
)

// rateScale is the fixed-point scale of venue exchange rates: tokens per
// share, scaled by 1e18.
var rateScale = big.NewInt(1_000_000_000_000_000_000)

// VenueYield models a yield-bearing venue with a per-asset exchange rate.
// The rate only moves through SetExchangeRate, which keeps conversions
// deterministic under test while matching the share accounting of external
// money-market venues.
type VenueYield struct {
	mu     sync.Mutex
	rates  map[string]*big.Int
	shares map[string]*big.Int
}

func NewVenueYield() *VenueYield {
	return &VenueYield{
		rates:  make(map[string]*big.Int),
		shares: make(map[string]*big.Int),
	}
}

// SetExchangeRate fixes the tokens-per-share rate for an asset, scaled by
// 1e18. Registering a rate is what marks an asset as supported by the venue.
func (v *VenueYield) SetExchangeRate(asset string, rate *big.Int) {
	if rate == nil || rate.Sign() <= 0 {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rates[asset] = new(big.Int).Set(rate)
}

func (v *VenueYield) Deposit(asset string, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	shares, err := v.sharesForTokensLocked(asset, amount)
	if err != nil {
		return nil, err
	}
	v.shares[asset] = new(big.Int).Add(v.heldLocked(asset), shares)
	return shares, nil
}

func (v *VenueYield) Withdraw(asset string, shares *big.Int) (*big.Int, error) {
	if shares == nil || shares.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	held := v.heldLocked(asset)
	if held.Cmp(shares) < 0 {
		return nil, ErrInsufficientShares
	}
	amount, err := v.tokensForSharesLocked(asset, shares)
	if err != nil {
		return nil, err
	}
	v.shares[asset] = held.Sub(held, shares)
	return amount, nil
}

func (v *VenueYield) SharesForTokens(asset string, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sharesForTokensLocked(asset, amount)
}

func (v *VenueYield) TokensForShares(asset string, shares *big.Int) (*big.Int, error) {
	if shares == nil || shares.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.tokensForSharesLocked(asset, shares)
}

func (v *VenueYield) sharesForTokensLocked(asset string, amount *big.Int) (*big.Int, error) {
	rate, ok := v.rates[asset]
	if !ok || rate.Sign() <= 0 {
		return nil, ErrUnsupportedAsset
	}
	// shares = amount * 1e18 / rate, floored.
	shares := new(big.Int).Mul(amount, rateScale)
	return shares.Quo(shares, rate), nil
}

func (v *VenueYield) tokensForSharesLocked(asset string, shares *big.Int) (*big.Int, error) {
	rate, ok := v.rates[asset]
	if !ok || rate.Sign() <= 0 {
		return nil, ErrUnsupportedAsset
	}
	// tokens = shares * rate / 1e18, floored.
	amount := new(big.Int).Mul(shares, rate)
	return amount.Quo(amount, rateScale), nil
}

func (v *VenueYield) heldLocked(asset string) *big.Int {
	if bal, ok := v.shares[asset]; ok && bal != nil {
		return new(big.Int).Set(bal)
	}
	return big.NewInt(0)
}
