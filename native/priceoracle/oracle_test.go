package priceoracle

import (
	"errors"
	"math/big"
	"testing"
)

func newTestOracle(maxAge int64) *FeedOracle {
	o := NewFeedOracle(maxAge)
	// WETH at $2000 with 8 feed decimals, USDC at $1 with 6.
	o.RegisterFeed("WETH", NewStaticFeed(RoundData{
		Answer:    big.NewInt(200_000_000_000),
		Decimals:  8,
		UpdatedAt: 1_000,
	}))
	o.RegisterFeed("USDC", NewStaticFeed(RoundData{
		Answer:    big.NewInt(1_000_000),
		Decimals:  6,
		UpdatedAt: 1_000,
	}))
	return o
}

func TestLatestPriceCrossRate(t *testing.T) {
	o := newTestOracle(0)

	rate, decimals, err := o.LatestPrice("WETH", "USDC")
	if err != nil {
		t.Fatalf("latest price: %v", err)
	}
	if decimals != PricePrecision {
		t.Fatalf("decimals = %d, want %d", decimals, PricePrecision)
	}
	want := new(big.Int).Mul(big.NewInt(2_000), pricePrecisionScale)
	if rate.Cmp(want) != 0 {
		t.Fatalf("rate = %s, want %s", rate, want)
	}

	// The inverse pair divides instead of multiplying.
	inverse, _, err := o.LatestPrice("USDC", "WETH")
	if err != nil {
		t.Fatalf("inverse price: %v", err)
	}
	wantInverse := new(big.Int).Quo(pricePrecisionScale, big.NewInt(2_000))
	if inverse.Cmp(wantInverse) != 0 {
		t.Fatalf("inverse = %s, want %s", inverse, wantInverse)
	}
}

func TestLatestPriceSameAssetIsUnit(t *testing.T) {
	o := newTestOracle(0)
	rate, _, err := o.LatestPrice("WETH", "WETH")
	if err != nil {
		t.Fatalf("latest price: %v", err)
	}
	if rate.Cmp(pricePrecisionScale) != 0 {
		t.Fatalf("rate = %s, want %s", rate, pricePrecisionScale)
	}
}

func TestLatestPriceUnknownFeed(t *testing.T) {
	o := newTestOracle(0)
	if _, _, err := o.LatestPrice("WETH", "DOGE"); !errors.Is(err, ErrUnknownFeed) {
		t.Fatalf("err = %v, want ErrUnknownFeed", err)
	}
}

func TestLatestPriceRejectsZeroAnswer(t *testing.T) {
	o := NewFeedOracle(0)
	o.RegisterFeed("WETH", NewStaticFeed(RoundData{Answer: big.NewInt(0), Decimals: 8}))
	o.RegisterFeed("USDC", NewStaticFeed(RoundData{Answer: big.NewInt(1_000_000), Decimals: 6}))

	if _, _, err := o.LatestPrice("WETH", "USDC"); !errors.Is(err, ErrZeroPrice) {
		t.Fatalf("err = %v, want ErrZeroPrice", err)
	}
}

func TestLatestPriceStaleness(t *testing.T) {
	o := newTestOracle(3_600)

	o.SetTimestamp(1_000 + 3_600)
	if _, _, err := o.LatestPrice("WETH", "USDC"); err != nil {
		t.Fatalf("price at max age: %v", err)
	}

	o.SetTimestamp(1_000 + 3_601)
	if _, _, err := o.LatestPrice("WETH", "USDC"); !errors.Is(err, ErrStalePrice) {
		t.Fatalf("err = %v, want ErrStalePrice", err)
	}

	// A fresh round clears the staleness failure.
	feed := NewStaticFeed(RoundData{
		Answer:    big.NewInt(190_000_000_000),
		Decimals:  8,
		UpdatedAt: 1_000 + 3_601,
	})
	o.RegisterFeed("WETH", feed)
	usdc := NewStaticFeed(RoundData{
		Answer:    big.NewInt(1_000_000),
		Decimals:  6,
		UpdatedAt: 1_000 + 3_601,
	})
	o.RegisterFeed("USDC", usdc)
	if _, _, err := o.LatestPrice("WETH", "USDC"); err != nil {
		t.Fatalf("price after refresh: %v", err)
	}
}

func TestStaticFeedSetRound(t *testing.T) {
	feed := NewStaticFeed(RoundData{Answer: big.NewInt(5), Decimals: 2, UpdatedAt: 10})
	round, err := feed.LatestRoundData()
	if err != nil {
		t.Fatalf("round: %v", err)
	}
	if round.Answer.Cmp(big.NewInt(5)) != 0 || round.Decimals != 2 || round.UpdatedAt != 10 {
		t.Fatalf("round = %+v", round)
	}

	// Mutating the returned answer must not leak into the feed.
	round.Answer.SetInt64(99)
	again, _ := feed.LatestRoundData()
	if again.Answer.Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("feed state leaked: %s", again.Answer)
	}

	feed.SetRound(RoundData{Answer: big.NewInt(7), Decimals: 2, UpdatedAt: 20})
	updated, _ := feed.LatestRoundData()
	if updated.Answer.Cmp(big.NewInt(7)) != 0 || updated.UpdatedAt != 20 {
		t.Fatalf("updated round = %+v", updated)
	}
}
