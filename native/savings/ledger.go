package savings

import (
	"errors"
	"math/big"
	"sync"

	"lendpool/crypto"
	"lendpool/native/yield"
)

var (
	ErrInvalidAmount         = errors.New("savings ledger: amount must be positive")
	ErrInsufficientBalance   = errors.New("savings ledger: insufficient share balance")
	ErrInsufficientAllowance = errors.New("savings ledger: insufficient allowance")
)

// Ledger custodies yield-bearing deposits across pools and users. Balances
// are held as venue shares per (owner, asset); allowances authorise a spender
// to move an owner's shares. Pools interact with the ledger only when a
// caller opts to route funds through it instead of a direct transfer.
type Ledger struct {
	mu         sync.Mutex
	strategies *yield.Registry
	strategyID string
	balances   map[string]map[string]*big.Int
	allowances map[string]map[string]map[string]*big.Int
}

// NewLedger wires the ledger to the strategy registry and the identifier of
// the strategy used to custody deposits.
func NewLedger(strategies *yield.Registry, strategyID string) *Ledger {
	return &Ledger{
		strategies: strategies,
		strategyID: strategyID,
		balances:   make(map[string]map[string]*big.Int),
		allowances: make(map[string]map[string]map[string]*big.Int),
	}
}

// DepositTo converts a raw token amount into venue shares and credits them to
// the recipient. The minted share quantity is returned.
func (l *Ledger) DepositTo(to crypto.Address, asset string, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	strategy, err := l.strategies.Resolve(l.strategyID)
	if err != nil {
		return nil, err
	}
	shares, err := strategy.Deposit(asset, amount)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(to, asset, shares)
	return shares, nil
}

// DepositShares moves custody of already-minted venue shares into the ledger
// under the recipient's balance. Used when a liquidator elects a share payout.
func (l *Ledger) DepositShares(to crypto.Address, asset string, shares *big.Int) error {
	if shares == nil || shares.Sign() <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(to, asset, shares)
	return nil
}

// SharesForTokens quotes the share quantity the custody strategy currently
// mints for a raw token amount.
func (l *Ledger) SharesForTokens(asset string, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	strategy, err := l.strategies.Resolve(l.strategyID)
	if err != nil {
		return nil, err
	}
	return strategy.SharesForTokens(asset, amount)
}

// Withdraw burns the owner's shares at the venue and returns the redeemed
// token amount.
func (l *Ledger) Withdraw(owner crypto.Address, asset string, shares *big.Int) (*big.Int, error) {
	if shares == nil || shares.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	strategy, err := l.strategies.Resolve(l.strategyID)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balance(owner, asset).Cmp(shares) < 0 {
		return nil, ErrInsufficientBalance
	}
	amount, err := strategy.Withdraw(asset, shares)
	if err != nil {
		return nil, err
	}
	l.debit(owner, asset, shares)
	return amount, nil
}

// Approve authorises the spender to move up to the given share quantity of
// the owner's asset balance. The allowance replaces any prior value.
func (l *Ledger) Approve(owner, spender crypto.Address, asset string, shares *big.Int) error {
	if shares == nil || shares.Sign() < 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	byOwner, ok := l.allowances[key(owner)]
	if !ok {
		byOwner = make(map[string]map[string]*big.Int)
		l.allowances[key(owner)] = byOwner
	}
	bySpender, ok := byOwner[key(spender)]
	if !ok {
		bySpender = make(map[string]*big.Int)
		byOwner[key(spender)] = bySpender
	}
	bySpender[asset] = new(big.Int).Set(shares)
	return nil
}

// TransferFrom moves shares from the owner to the recipient on behalf of an
// approved spender, consuming allowance.
func (l *Ledger) TransferFrom(spender, owner, to crypto.Address, asset string, shares *big.Int) error {
	if shares == nil || shares.Sign() <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	allowance := l.allowance(owner, spender, asset)
	if allowance.Cmp(shares) < 0 {
		return ErrInsufficientAllowance
	}
	if l.balance(owner, asset).Cmp(shares) < 0 {
		return ErrInsufficientBalance
	}
	l.allowances[key(owner)][key(spender)][asset] = allowance.Sub(allowance, shares)
	l.debit(owner, asset, shares)
	l.credit(to, asset, shares)
	return nil
}

// UserLockedBalance returns the share balance the ledger custodies for the
// owner and asset.
func (l *Ledger) UserLockedBalance(owner crypto.Address, asset string) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance(owner, asset)
}

// StrategyID returns the identifier of the custody strategy.
func (l *Ledger) StrategyID() string { return l.strategyID }

func (l *Ledger) balance(owner crypto.Address, asset string) *big.Int {
	if byAsset, ok := l.balances[key(owner)]; ok {
		if bal, ok := byAsset[asset]; ok && bal != nil {
			return new(big.Int).Set(bal)
		}
	}
	return big.NewInt(0)
}

func (l *Ledger) allowance(owner, spender crypto.Address, asset string) *big.Int {
	if byOwner, ok := l.allowances[key(owner)]; ok {
		if bySpender, ok := byOwner[key(spender)]; ok {
			if allowance, ok := bySpender[asset]; ok && allowance != nil {
				return new(big.Int).Set(allowance)
			}
		}
	}
	return big.NewInt(0)
}

func (l *Ledger) credit(owner crypto.Address, asset string, shares *big.Int) {
	byAsset, ok := l.balances[key(owner)]
	if !ok {
		byAsset = make(map[string]*big.Int)
		l.balances[key(owner)] = byAsset
	}
	current := big.NewInt(0)
	if bal, ok := byAsset[asset]; ok && bal != nil {
		current = bal
	}
	byAsset[asset] = new(big.Int).Add(current, shares)
}

func (l *Ledger) debit(owner crypto.Address, asset string, shares *big.Int) {
	byAsset := l.balances[key(owner)]
	byAsset[asset] = new(big.Int).Sub(byAsset[asset], shares)
}

func key(addr crypto.Address) string {
	return string(addr.Prefix()) + "/" + string(addr.Bytes())
}
