package clock

import (
	"sync/atomic"

	"github.com/Klingon-tech/klingnet-settler/internal/log"
	"github.com/Klingon-tech/klingnet-settler/pkg/types"
)

// epochs holds the current epoch and publishes one EpochEnded per epoch
// crossed when it moves forward.
type epochs struct {
	current atomic.Uint64
	bcast   *Broadcaster
}

func (e *epochs) init(start types.EpochNumber) {
	e.bcast = NewBroadcaster(DefaultBufferSize)
	e.current.Store(uint64(start))
}

// Subscribe returns a new subscription to epoch-ended events.
func (e *epochs) Subscribe() *Subscription {
	return e.bcast.Subscribe()
}

// CurrentEpoch returns the epoch in progress.
func (e *epochs) CurrentEpoch() types.EpochNumber {
	return types.EpochNumber(e.current.Load())
}

// advance moves the current epoch to `to`. The new value is stored before
// events go out so subscribers read the updated epoch.
func (e *epochs) advance(to types.EpochNumber) {
	from := types.EpochNumber(e.current.Load())
	if to <= from {
		return
	}
	e.current.Store(uint64(to))
	for ep := from; ep < to; ep++ {
		e.bcast.Publish(EpochEnded{Epoch: ep})
	}
	log.Clock.Debug().
		Uint64("from", uint64(from)).
		Uint64("to", uint64(to)).
		Msg("Epoch advanced")
}

// reset sets the current epoch without publishing anything.
func (e *epochs) reset(to types.EpochNumber) {
	e.current.Store(uint64(to))
}
