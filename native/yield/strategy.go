package yield

import (
	"errors"
	"math/big"
	"sort"
	"strings"
	"sync"
)

var (
	ErrInvalidAmount      = errors.New("yield strategy: amount must be positive")
	ErrInsufficientShares = errors.New("yield strategy: insufficient shares at venue")
	ErrUnknownStrategy    = errors.New("yield strategy: identifier not registered")
	ErrUnsupportedAsset   = errors.New("yield strategy: asset not supported by venue")
)

// Strategy converts deposited asset amounts into opaque venue shares and back.
// Shares are the unit of custody for pool collateral; the token<->share
// conversions are pure reads driven by the venue exchange rate and must stay
// monotonic and approximately inverse of each other.
type Strategy interface {
	Deposit(asset string, amount *big.Int) (*big.Int, error)
	Withdraw(asset string, shares *big.Int) (*big.Int, error)
	SharesForTokens(asset string, amount *big.Int) (*big.Int, error)
	TokensForShares(asset string, shares *big.Int) (*big.Int, error)
}

// Registry maps strategy identifiers stored on pools to the implementation
// serving them. The set of strategies is closed at wiring time.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]Strategy)}
}

// Register binds a strategy to an identifier, replacing any prior binding.
func (r *Registry) Register(id string, strategy Strategy) {
	id = strings.TrimSpace(id)
	if id == "" || strategy == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[id] = strategy
}

// Resolve returns the strategy bound to the identifier.
func (r *Registry) Resolve(id string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if strategy, ok := r.strategies[strings.TrimSpace(id)]; ok {
		return strategy, nil
	}
	return nil, ErrUnknownStrategy
}

// Known reports whether the identifier has a registered strategy.
func (r *Registry) Known(id string) bool {
	_, err := r.Resolve(id)
	return err == nil
}

// Identifiers lists the registered strategy identifiers in sorted order.
func (r *Registry) Identifiers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.strategies))
	for id := range r.strategies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
