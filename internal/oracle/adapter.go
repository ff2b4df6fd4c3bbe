package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"time"
)

// ErrStalePrice marks a feed reading the engine refuses to trade on: an
// unpopulated round, or one older than StaleTimeout. Staleness is terminal
// for the calling operation; there is no retry.
var ErrStalePrice = errors.New("stale price")

// StaleTimeout is the maximum age of a usable round.
const StaleTimeout = 3 * time.Hour

// Adapter validates raw feed rounds before any caller may use them.
// Read-only; it never mutates feed state.
type Adapter struct {
	now func() time.Time
}

func NewAdapter() *Adapter {
	return &Adapter{now: time.Now}
}

// NewAdapterWithClock injects the time source, for deterministic tests.
func NewAdapterWithClock(now func() time.Time) *Adapter {
	return &Adapter{now: now}
}

// ReadPrice fetches the latest round from feed and returns the price
// (8-decimal fixed point) and its update timestamp. Fails with
// ErrStalePrice if the round is unpopulated or older than StaleTimeout.
func (a *Adapter) ReadPrice(feed PriceFeed) (*big.Int, int64, error) {
	round, err := feed.LatestRoundData()
	if err != nil {
		return nil, 0, fmt.Errorf("latest round: %w", err)
	}

	if round.UpdatedAt == 0 {
		return nil, 0, fmt.Errorf("%w: round never updated", ErrStalePrice)
	}

	age := a.now().Unix() - round.UpdatedAt
	if age > int64(StaleTimeout.Seconds()) {
		return nil, 0, fmt.Errorf("%w: round age %ds exceeds %s", ErrStalePrice, age, StaleTimeout)
	}

	if round.Answer == nil || round.Answer.Sign() <= 0 {
		return nil, 0, fmt.Errorf("%w: non-positive answer", ErrStalePrice)
	}

	return round.Answer, round.UpdatedAt, nil
}

// Timeout exposes the staleness bound for external health checks.
func (a *Adapter) Timeout() time.Duration {
	return StaleTimeout
}
