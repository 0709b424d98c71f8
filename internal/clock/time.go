package clock

import (
	"context"
	"fmt"
	"time"

	"github.com/Klingon-tech/klingnet-settler/internal/log"
	"github.com/Klingon-tech/klingnet-settler/pkg/types"
)

// TimeClock derives epochs from wall-clock time: epoch n covers
// [genesis + n*duration, genesis + (n+1)*duration).
type TimeClock struct {
	epochs
	genesis  time.Time
	duration time.Duration
	now      func() time.Time
}

// NewTimeClock creates a time-driven clock.
func NewTimeClock(genesis time.Time, epochDuration time.Duration) (*TimeClock, error) {
	if epochDuration <= 0 {
		return nil, fmt.Errorf("epoch duration must be positive, got %s", epochDuration)
	}
	c := &TimeClock{
		genesis:  genesis,
		duration: epochDuration,
		now:      time.Now,
	}
	c.init(c.epochAt(c.now()))
	return c, nil
}

func (c *TimeClock) epochAt(t time.Time) types.EpochNumber {
	if t.Before(c.genesis) {
		return 0
	}
	return types.EpochNumber(t.Sub(c.genesis) / c.duration)
}

// Configuration implements Service.
func (c *TimeClock) Configuration() Configuration {
	return Configuration{
		Mode:         "time",
		GenesisTime:  c.genesis.Unix(),
		EpochSeconds: uint64(c.duration / time.Second),
	}
}

// Sync recomputes the current epoch from the wall clock.
func (c *TimeClock) Sync(context.Context) error {
	c.advance(c.epochAt(c.now()))
	return nil
}

// Run emits epoch boundaries until ctx is cancelled, then closes the stream.
func (c *TimeClock) Run(ctx context.Context) error {
	defer c.bcast.Close()
	log.Clock.Info().
		Time("genesis", c.genesis).
		Dur("epoch_duration", c.duration).
		Uint64("epoch", uint64(c.CurrentEpoch())).
		Msg("Time clock started")

	for {
		next := c.genesis.Add(time.Duration(c.CurrentEpoch()+1) * c.duration)
		timer := time.NewTimer(next.Sub(c.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		c.advance(c.epochAt(c.now()))
	}
}
