package yield

import (
	"errors"
	"math/big"
	"testing"
)

func tokens(n int64) *big.Int {
	exp := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	return exp.Mul(big.NewInt(n), exp)
}

func TestNoYieldRoundTrip(t *testing.T) {
	n := NewNoYield()

	shares, err := n.Deposit("WETH", tokens(5))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if shares.Cmp(tokens(5)) != 0 {
		t.Fatalf("shares = %s, want %s", shares, tokens(5))
	}

	returned, err := n.Withdraw("WETH", tokens(3))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if returned.Cmp(tokens(3)) != 0 {
		t.Fatalf("returned = %s, want %s", returned, tokens(3))
	}

	if _, err := n.Withdraw("WETH", tokens(3)); !errors.Is(err, ErrInsufficientShares) {
		t.Fatalf("err = %v, want ErrInsufficientShares", err)
	}
	if _, err := n.Withdraw("WETH", big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("err = %v, want ErrInvalidAmount", err)
	}
}

func TestNoYieldConversionsAreIdentity(t *testing.T) {
	n := NewNoYield()
	for _, amount := range []*big.Int{big.NewInt(0), big.NewInt(7), tokens(123)} {
		shares, err := n.SharesForTokens("USDC", amount)
		if err != nil {
			t.Fatalf("shares for %s: %v", amount, err)
		}
		if shares.Cmp(amount) != 0 {
			t.Fatalf("shares = %s, want %s", shares, amount)
		}
		back, err := n.TokensForShares("USDC", shares)
		if err != nil {
			t.Fatalf("tokens for %s: %v", shares, err)
		}
		if back.Cmp(amount) != 0 {
			t.Fatalf("tokens = %s, want %s", back, amount)
		}
	}
}

func TestVenueConversionsFollowRate(t *testing.T) {
	v := NewVenueYield()
	// 1 share = 2 tokens.
	v.SetExchangeRate("WETH", new(big.Int).Mul(big.NewInt(2), rateScale))

	shares, err := v.Deposit("WETH", tokens(10))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if shares.Cmp(tokens(5)) != 0 {
		t.Fatalf("shares = %s, want %s", shares, tokens(5))
	}

	amount, err := v.TokensForShares("WETH", tokens(5))
	if err != nil {
		t.Fatalf("tokens for shares: %v", err)
	}
	if amount.Cmp(tokens(10)) != 0 {
		t.Fatalf("tokens = %s, want %s", amount, tokens(10))
	}

	returned, err := v.Withdraw("WETH", tokens(5))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if returned.Cmp(tokens(10)) != 0 {
		t.Fatalf("returned = %s, want %s", returned, tokens(10))
	}
}

func TestVenueRateUpdateAppreciatesShares(t *testing.T) {
	v := NewVenueYield()
	v.SetExchangeRate("WETH", new(big.Int).Set(rateScale))

	shares, err := v.Deposit("WETH", tokens(4))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}

	// The venue accrues yield: the same shares now redeem for more tokens.
	v.SetExchangeRate("WETH", new(big.Int).Mul(big.NewInt(3), rateScale))
	returned, err := v.Withdraw("WETH", shares)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if returned.Cmp(tokens(12)) != 0 {
		t.Fatalf("returned = %s, want %s", returned, tokens(12))
	}
}

func TestVenueConversionFloorsFractionalShares(t *testing.T) {
	v := NewVenueYield()
	// 1 share = 3 tokens; 10 tokens convert to 3 shares floored.
	v.SetExchangeRate("GOLD", new(big.Int).Mul(big.NewInt(3), rateScale))

	shares, err := v.SharesForTokens("GOLD", big.NewInt(10))
	if err != nil {
		t.Fatalf("shares for tokens: %v", err)
	}
	if shares.Cmp(big.NewInt(3)) != 0 {
		t.Fatalf("shares = %s, want 3", shares)
	}
}

func TestVenueRejectsUnsupportedAsset(t *testing.T) {
	v := NewVenueYield()
	if _, err := v.Deposit("DOGE", tokens(1)); !errors.Is(err, ErrUnsupportedAsset) {
		t.Fatalf("err = %v, want ErrUnsupportedAsset", err)
	}
	if _, err := v.SharesForTokens("DOGE", tokens(1)); !errors.Is(err, ErrUnsupportedAsset) {
		t.Fatalf("err = %v, want ErrUnsupportedAsset", err)
	}
}

func TestRegistryResolvesKnownStrategies(t *testing.T) {
	r := NewRegistry()
	r.Register("noyield", NewNoYield())
	r.Register(" venue ", NewVenueYield())

	if _, err := r.Resolve("noyield"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// Identifiers are trimmed on both sides of the lookup.
	if _, err := r.Resolve("venue"); err != nil {
		t.Fatalf("resolve trimmed: %v", err)
	}
	if _, err := r.Resolve("missing"); !errors.Is(err, ErrUnknownStrategy) {
		t.Fatalf("err = %v, want ErrUnknownStrategy", err)
	}
	if !r.Known("noyield") || r.Known("missing") {
		t.Fatal("Known disagrees with Resolve")
	}

	ids := r.Identifiers()
	if len(ids) != 2 || ids[0] != "noyield" || ids[1] != "venue" {
		t.Fatalf("identifiers = %v", ids)
	}
}
