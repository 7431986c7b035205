package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"lendpool/core/types"
	"lendpool/crypto"
	"lendpool/native/pool"
	"lendpool/native/repayments"
	"lendpool/storage"
)

const (
	poolKeyPrefix     = "pool/"
	tokenKeyPrefix    = "pooltoken/"
	scheduleKeyPrefix = "schedule/"
	feesKeyPrefix     = "fees/"
	accountKeyPrefix  = "account/"
	pauseKeyPrefix    = "pause/"
	poolIndexKey      = "pool.index"
)

// Store persists protocol state as JSON documents in the backing database.
// It satisfies the state interfaces of the pool and repayments engines and
// doubles as the pause switchboard.
type Store struct {
	mu sync.Mutex
	db storage.Database
}

func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

func (s *Store) GetPool(poolID string) (*pool.Pool, error) {
	var p pool.Pool
	ok, err := s.get(poolKeyPrefix+poolID, &p)
	if err != nil || !ok {
		return nil, err
	}
	return &p, nil
}

func (s *Store) PutPool(poolID string, p *pool.Pool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.indexPool(poolID); err != nil {
		return err
	}
	return s.put(poolKeyPrefix+poolID, p)
}

// ListPools returns the identifiers of every stored pool, sorted.
func (s *Store) ListPools() ([]string, error) {
	var ids []string
	if _, err := s.get(poolIndexKey, &ids); err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) GetTokenLedger(poolID string) (*pool.TokenLedger, error) {
	var ledger pool.TokenLedger
	ok, err := s.get(tokenKeyPrefix+poolID, &ledger)
	if err != nil || !ok {
		return nil, err
	}
	return &ledger, nil
}

func (s *Store) PutTokenLedger(poolID string, ledger *pool.TokenLedger) error {
	return s.put(tokenKeyPrefix+poolID, ledger)
}

func (s *Store) GetSchedule(poolID string) (*repayments.Schedule, error) {
	var schedule repayments.Schedule
	ok, err := s.get(scheduleKeyPrefix+poolID, &schedule)
	if err != nil || !ok {
		return nil, err
	}
	return &schedule, nil
}

func (s *Store) PutSchedule(poolID string, schedule *repayments.Schedule) error {
	return s.put(scheduleKeyPrefix+poolID, schedule)
}

func (s *Store) GetFeeAccrual(poolID string) (*pool.FeeAccrual, error) {
	var fees pool.FeeAccrual
	ok, err := s.get(feesKeyPrefix+poolID, &fees)
	if err != nil || !ok {
		return nil, err
	}
	return &fees, nil
}

func (s *Store) PutFeeAccrual(poolID string, fees *pool.FeeAccrual) error {
	return s.put(feesKeyPrefix+poolID, fees)
}

func (s *Store) GetAccount(addr crypto.Address) (*types.Account, error) {
	var account types.Account
	ok, err := s.get(accountKeyPrefix+addr.String(), &account)
	if err != nil || !ok {
		return nil, err
	}
	return &account, nil
}

func (s *Store) PutAccount(addr crypto.Address, account *types.Account) error {
	return s.put(accountKeyPrefix+addr.String(), account)
}

// IsPaused satisfies the pause view read by the module guards.
func (s *Store) IsPaused(module string) bool {
	var paused bool
	ok, err := s.get(pauseKeyPrefix+module, &paused)
	if err != nil || !ok {
		return false
	}
	return paused
}

// SetPaused flips a module's pause switch.
func (s *Store) SetPaused(module string, paused bool) error {
	return s.put(pauseKeyPrefix+module, paused)
}

func (s *Store) get(key string, out interface{}) (bool, error) {
	raw, err := s.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("state: read %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("state: decode %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) put(key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("state: encode %s: %w", key, err)
	}
	if err := s.db.Put([]byte(key), raw); err != nil {
		return fmt.Errorf("state: write %s: %w", key, err)
	}
	return nil
}

// indexPool appends a new identifier to the pool index. Caller holds the lock.
func (s *Store) indexPool(poolID string) error {
	var ids []string
	if _, err := s.get(poolIndexKey, &ids); err != nil {
		return err
	}
	for _, id := range ids {
		if id == poolID {
			return nil
		}
	}
	return s.put(poolIndexKey, append(ids, poolID))
}
