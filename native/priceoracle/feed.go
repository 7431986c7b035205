package priceoracle

import "sync"

// StaticFeed is a settable feed used by deployments without a live
// aggregator and by tests that need to steer prices.
type StaticFeed struct {
	mu    sync.RWMutex
	round RoundData
}

func NewStaticFeed(round RoundData) *StaticFeed {
	return &StaticFeed{round: round.Clone()}
}

// SetRound replaces the feed observation.
func (f *StaticFeed) SetRound(round RoundData) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.round = round.Clone()
}

func (f *StaticFeed) LatestRoundData() (RoundData, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.round.Clone(), nil
}
