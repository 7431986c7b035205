package types

import "math/big"

// Account holds per-asset token balances for a protocol participant or module
// address. Balances are denominated in the smallest unit of each asset and
// expressed as big integers to preserve on-ledger precision.
type Account struct {
	Nonce    uint64              `json:"nonce"`
	Balances map[string]*big.Int `json:"balances"`
}

// NewAccount returns an account with an initialised balance map.
func NewAccount() *Account {
	return &Account{Balances: make(map[string]*big.Int)}
}

// BalanceOf returns the balance for the given asset, defaulting to zero. The
// returned value is a copy and safe to mutate.
func (a *Account) BalanceOf(asset string) *big.Int {
	if a == nil || a.Balances == nil {
		return big.NewInt(0)
	}
	if bal, ok := a.Balances[asset]; ok && bal != nil {
		return new(big.Int).Set(bal)
	}
	return big.NewInt(0)
}

// Credit adds amount to the asset balance. Nil or negative amounts are
// ignored.
func (a *Account) Credit(asset string, amount *big.Int) {
	if a == nil || amount == nil || amount.Sign() <= 0 {
		return
	}
	if a.Balances == nil {
		a.Balances = make(map[string]*big.Int)
	}
	a.Balances[asset] = new(big.Int).Add(a.BalanceOf(asset), amount)
}

// Debit removes amount from the asset balance, reporting whether the balance
// was sufficient. The account is left untouched when it is not.
func (a *Account) Debit(asset string, amount *big.Int) bool {
	if a == nil || amount == nil || amount.Sign() <= 0 {
		return false
	}
	current := a.BalanceOf(asset)
	if current.Cmp(amount) < 0 {
		return false
	}
	if a.Balances == nil {
		a.Balances = make(map[string]*big.Int)
	}
	a.Balances[asset] = current.Sub(current, amount)
	return true
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return NewAccount()
	}
	clone := &Account{Nonce: a.Nonce, Balances: make(map[string]*big.Int, len(a.Balances))}
	for asset, bal := range a.Balances {
		if bal != nil {
			clone.Balances[asset] = new(big.Int).Set(bal)
		}
	}
	return clone
}
