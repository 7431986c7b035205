package pool

import (
	"errors"
	"math/big"

	"lendpool/crypto"
)

var errBurnExceedsBalance = errors.New("pool token: burn exceeds holder balance")

// TokenLedger is the fungible claim ledger for one pool: each unit represents
// a lender's pro-rata share of the pooled principal. Tokens are minted 1:1
// with supplied borrow asset and burned on withdrawal or settlement.
// Invariant: the sum of holder balances equals TotalSupply at all times.
type TokenLedger struct {
	TotalSupply *big.Int
	Balances    map[string]*big.Int
}

func NewTokenLedger() *TokenLedger {
	return &TokenLedger{
		TotalSupply: big.NewInt(0),
		Balances:    make(map[string]*big.Int),
	}
}

// BalanceOf returns a copy of the holder's balance.
func (l *TokenLedger) BalanceOf(holder crypto.Address) *big.Int {
	if l == nil || l.Balances == nil {
		return big.NewInt(0)
	}
	if bal, ok := l.Balances[holder.String()]; ok && bal != nil {
		return new(big.Int).Set(bal)
	}
	return big.NewInt(0)
}

// Mint issues pool tokens to the holder.
func (l *TokenLedger) Mint(holder crypto.Address, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	if l.Balances == nil {
		l.Balances = make(map[string]*big.Int)
	}
	l.Balances[holder.String()] = new(big.Int).Add(l.BalanceOf(holder), amount)
	l.TotalSupply = new(big.Int).Add(copyInt(l.TotalSupply), amount)
}

// Burn destroys pool tokens held by the holder.
func (l *TokenLedger) Burn(holder crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	balance := l.BalanceOf(holder)
	if balance.Cmp(amount) < 0 {
		return errBurnExceedsBalance
	}
	remaining := balance.Sub(balance, amount)
	if remaining.Sign() == 0 {
		delete(l.Balances, holder.String())
	} else {
		l.Balances[holder.String()] = remaining
	}
	l.TotalSupply = new(big.Int).Sub(copyInt(l.TotalSupply), amount)
	return nil
}

// Clone returns a deep copy of the ledger.
func (l *TokenLedger) Clone() *TokenLedger {
	if l == nil {
		return NewTokenLedger()
	}
	clone := &TokenLedger{
		TotalSupply: copyInt(l.TotalSupply),
		Balances:    make(map[string]*big.Int, len(l.Balances)),
	}
	for holder, bal := range l.Balances {
		if bal != nil {
			clone.Balances[holder] = new(big.Int).Set(bal)
		}
	}
	return clone
}
