package factory

import (
	"sync"

	"lendpool/crypto"
)

// Verifier answers whether an address passed borrower verification.
type Verifier interface {
	IsVerified(addr crypto.Address) bool
}

// Registry is a Verifier backed by an owner-curated allow-list.
type Registry struct {
	mu       sync.RWMutex
	verified map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{verified: make(map[string]struct{})}
}

// Register marks the address as verified.
func (r *Registry) Register(addr crypto.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verified[addr.String()] = struct{}{}
}

// Remove revokes the address's verification.
func (r *Registry) Remove(addr crypto.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.verified, addr.String())
}

func (r *Registry) IsVerified(addr crypto.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.verified[addr.String()]
	return ok
}
