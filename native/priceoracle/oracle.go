package priceoracle

import (
	"errors"
	"math/big"
	"strings"
	"sync"
)

var (
	ErrUnknownFeed = errors.New("price oracle: no feed registered for asset")
	ErrZeroPrice   = errors.New("price oracle: feed reported a zero price")
	ErrStalePrice  = errors.New("price oracle: feed data is stale")
)

// PricePrecision is the decimal precision of cross rates returned by the
// oracle. All asset-to-asset conversions through the engine are performed at
// this scale.
const PricePrecision uint8 = 30

var pricePrecisionScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(PricePrecision)), nil)

// RoundData captures a single observation reported by an upstream feed.
type RoundData struct {
	Answer    *big.Int
	Decimals  uint8
	UpdatedAt int64
}

// Clone returns a deep copy of the round data.
func (r RoundData) Clone() RoundData {
	clone := RoundData{Decimals: r.Decimals, UpdatedAt: r.UpdatedAt}
	if r.Answer != nil {
		clone.Answer = new(big.Int).Set(r.Answer)
	}
	return clone
}

// Feed reports the latest price observation for a single asset quoted in a
// common reference currency.
type Feed interface {
	LatestRoundData() (RoundData, error)
}

// Oracle resolves the exchange rate between two assets. The returned rate
// converts one whole base-asset unit into quote-asset units at the returned
// decimal precision. A zero or stale rate is a hard failure, never a
// zero-value conversion.
type Oracle interface {
	LatestPrice(base, quote string) (*big.Int, uint8, error)
}

// FeedOracle aggregates per-asset feeds into cross rates. Staleness is judged
// against an externally supplied timestamp so the oracle stays deterministic
// under serialized operation replay.
type FeedOracle struct {
	mu     sync.RWMutex
	feeds  map[string]Feed
	maxAge int64
	now    int64
}

// NewFeedOracle constructs an oracle with the given staleness bound in
// seconds. A zero maxAge disables the staleness check.
func NewFeedOracle(maxAge int64) *FeedOracle {
	return &FeedOracle{feeds: make(map[string]Feed), maxAge: maxAge}
}

// RegisterFeed binds an asset to its upstream price feed.
func (o *FeedOracle) RegisterFeed(asset string, feed Feed) {
	asset = strings.TrimSpace(asset)
	if asset == "" || feed == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.feeds[asset] = feed
}

// SetTimestamp records the clock reading used for staleness checks.
func (o *FeedOracle) SetTimestamp(now int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = now
}

// LatestPrice derives the base/quote cross rate from the two asset feeds,
// normalising away the individual feed decimals:
//
//	rate = answerBase * 10^(PricePrecision + decimalsQuote - decimalsBase) / answerQuote
func (o *FeedOracle) LatestPrice(base, quote string) (*big.Int, uint8, error) {
	baseRound, err := o.observe(base)
	if err != nil {
		return nil, 0, err
	}
	quoteRound, err := o.observe(quote)
	if err != nil {
		return nil, 0, err
	}

	rate := new(big.Int).Mul(baseRound.Answer, pricePrecisionScale)
	rate.Mul(rate, pow10(quoteRound.Decimals))
	rate.Quo(rate, pow10(baseRound.Decimals))
	rate.Quo(rate, quoteRound.Answer)
	if rate.Sign() == 0 {
		return nil, 0, ErrZeroPrice
	}
	return rate, PricePrecision, nil
}

func (o *FeedOracle) observe(asset string) (RoundData, error) {
	o.mu.RLock()
	feed, ok := o.feeds[strings.TrimSpace(asset)]
	maxAge, now := o.maxAge, o.now
	o.mu.RUnlock()
	if !ok {
		return RoundData{}, ErrUnknownFeed
	}
	round, err := feed.LatestRoundData()
	if err != nil {
		return RoundData{}, err
	}
	if round.Answer == nil || round.Answer.Sign() <= 0 {
		return RoundData{}, ErrZeroPrice
	}
	if maxAge > 0 && now > 0 && now-round.UpdatedAt > maxAge {
		return RoundData{}, ErrStalePrice
	}
	return round, nil
}

func pow10(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}
