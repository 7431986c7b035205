package yield

import (
	"math/big"
	"sync"
)

// NoYield is the identity adapter used when no external yield venue is
// configured for an asset: one share always equals one token.
type NoYield struct {
	mu     sync.Mutex
	shares map[string]*big.Int
}

func NewNoYield() *NoYield {
	return &NoYield{shares: make(map[string]*big.Int)}
}

func (n *NoYield) Deposit(asset string, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.shares[asset] = new(big.Int).Add(n.held(asset), amount)
	return new(big.Int).Set(amount), nil
}

func (n *NoYield) Withdraw(asset string, shares *big.Int) (*big.Int, error) {
	if shares == nil || shares.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	held := n.held(asset)
	if held.Cmp(shares) < 0 {
		return nil, ErrInsufficientShares
	}
	n.shares[asset] = held.Sub(held, shares)
	return new(big.Int).Set(shares), nil
}

func (n *NoYield) SharesForTokens(asset string, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	return new(big.Int).Set(amount), nil
}

func (n *NoYield) TokensForShares(asset string, shares *big.Int) (*big.Int, error) {
	if shares == nil || shares.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	return new(big.Int).Set(shares), nil
}

func (n *NoYield) held(asset string) *big.Int {
	if bal, ok := n.shares[asset]; ok && bal != nil {
		return new(big.Int).Set(bal)
	}
	return big.NewInt(0)
}
