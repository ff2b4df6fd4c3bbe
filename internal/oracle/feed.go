package oracle

import (
	"math/big"
	"sync"
)

// RoundData is the latest-round answer from an external price feed.
// Answer is 8-decimal fixed point (the feed's native format); UpdatedAt is
// unix seconds. A zero UpdatedAt means the feed has never been populated.
type RoundData struct {
	RoundID         int64
	Answer          *big.Int
	StartedAt       int64
	UpdatedAt       int64
	AnsweredInRound int64
}

// PriceFeed is the external feed contract consumed by the adapter.
type PriceFeed interface {
	LatestRoundData() (RoundData, error)
}

// FeedStore keeps the latest round per feed identifier. Rounds are written
// by the price ingestion path and read (and freshness-checked) by the
// adapter on every valuation; nothing is ever cached past a single read.
type FeedStore struct {
	mu     sync.RWMutex
	rounds map[string]RoundData
}

func NewFeedStore() *FeedStore {
	return &FeedStore{
		rounds: make(map[string]RoundData),
	}
}

// SetRound records the latest round for a feed. Older rounds are ignored so
// redelivered price updates cannot roll the feed backwards.
func (fs *FeedStore) SetRound(feedID string, round RoundData) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if prev, ok := fs.rounds[feedID]; ok && round.RoundID <= prev.RoundID {
		return
	}
	if round.Answer != nil {
		round.Answer = new(big.Int).Set(round.Answer)
	}
	fs.rounds[feedID] = round
}

// Feed returns a PriceFeed view over a single feed identifier. The view is
// valid even before the first round arrives; it reports an unpopulated
// round (UpdatedAt == 0) which the adapter rejects as stale.
func (fs *FeedStore) Feed(feedID string) PriceFeed {
	return &storeFeed{store: fs, feedID: feedID}
}

type storeFeed struct {
	store  *FeedStore
	feedID string
}

func (f *storeFeed) LatestRoundData() (RoundData, error) {
	f.store.mu.RLock()
	defer f.store.mu.RUnlock()

	round, ok := f.store.rounds[f.feedID]
	if !ok {
		return RoundData{Answer: new(big.Int)}, nil
	}
	if round.Answer != nil {
		round.Answer = new(big.Int).Set(round.Answer)
	}
	return round, nil
}
