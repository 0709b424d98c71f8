// Package clock publishes epoch boundaries to the network tasks.
//
// An epoch is a global settlement window. Each clock tracks the current
// epoch and broadcasts an EpochEnded event every time one finishes.
package clock

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Klingon-tech/klingnet-settler/pkg/types"
)

// DefaultBufferSize is the per-subscriber event buffer used by the clocks.
const DefaultBufferSize = 16

// ErrClosed is returned by Poll once the clock stopped and every buffered
// event was consumed.
var ErrClosed = errors.New("epoch stream closed")

// LaggedError reports that a subscriber fell behind and Skipped events
// were dropped from its buffer.
type LaggedError struct {
	Skipped uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("epoch stream lagged: %d events skipped", e.Skipped)
}

// EpochEnded is emitted when Epoch is over. The clock's current epoch is
// already Epoch+1 (or later) when subscribers observe it.
type EpochEnded struct {
	Epoch types.EpochNumber
}

// Clock is what the network tasks consume.
type Clock interface {
	Subscribe() *Subscription
	CurrentEpoch() types.EpochNumber
}

// Configuration describes how epochs are derived, for RPC consumers.
type Configuration struct {
	Mode           string `json:"mode"`
	GenesisBlock   uint64 `json:"genesis_block,omitempty"`
	BlocksPerEpoch uint64 `json:"epoch_duration_blocks,omitempty"`
	GenesisTime    int64  `json:"genesis_time,omitempty"`
	EpochSeconds   uint64 `json:"epoch_duration_seconds,omitempty"`
}

// Service is a clock that must be driven by Run.
type Service interface {
	Clock
	Configuration() Configuration
	Run(ctx context.Context) error
}

// Broadcaster fans events out to subscribers. Each subscriber has a bounded
// buffer; when it is full the oldest event is dropped and the subscriber
// sees a LaggedError on its next Poll.
type Broadcaster struct {
	mu       sync.Mutex
	subs     map[*Subscription]struct{}
	capacity int
	closed   bool
}

// NewBroadcaster creates a broadcaster with the given per-subscriber buffer.
func NewBroadcaster(capacity int) *Broadcaster {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &Broadcaster{
		subs:     make(map[*Subscription]struct{}),
		capacity: capacity,
	}
}

// Subscribe registers a new subscriber. Subscribing to a closed broadcaster
// yields a subscription that immediately reports ErrClosed.
func (b *Broadcaster) Subscribe() *Subscription {
	s := &Subscription{
		capacity: b.capacity,
		notify:   make(chan struct{}, 1),
		parent:   b,
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.closed = true
		s.signal()
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish delivers ev to every subscriber without blocking.
func (b *Broadcaster) Publish(ev EpochEnded) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		s.push(ev)
	}
}

// Close ends the stream for every subscriber.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		s.close()
	}
	b.subs = nil
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broadcaster) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, s)
}

// Subscription is one consumer's view of the event stream.
//
// C signals that Poll may have something to return. Consumers drain with
// Poll until it reports nothing, then wait on C.
type Subscription struct {
	mu       sync.Mutex
	queue    []EpochEnded
	capacity int
	skipped  uint64
	closed   bool
	notify   chan struct{}
	parent   *Broadcaster
}

// C returns the wake-up channel.
func (s *Subscription) C() <-chan struct{} {
	return s.notify
}

// Poll returns the next event. ok is false when nothing is buffered.
// A LaggedError is reported once, before the oldest retained event.
// ErrClosed is reported after the buffer drains on a closed stream.
func (s *Subscription) Poll() (ev EpochEnded, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.skipped > 0 {
		n := s.skipped
		s.skipped = 0
		s.signal()
		return EpochEnded{}, false, &LaggedError{Skipped: n}
	}
	if len(s.queue) > 0 {
		ev = s.queue[0]
		s.queue = s.queue[1:]
		if len(s.queue) > 0 || s.closed {
			s.signal()
		}
		return ev, true, nil
	}
	if s.closed {
		s.signal()
		return EpochEnded{}, false, ErrClosed
	}
	return EpochEnded{}, false, nil
}

// Unsubscribe detaches the subscription from its broadcaster.
func (s *Subscription) Unsubscribe() {
	if s.parent != nil {
		s.parent.remove(s)
	}
}

func (s *Subscription) push(ev EpochEnded) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) >= s.capacity {
		s.queue = s.queue[1:]
		s.skipped++
	}
	s.queue = append(s.queue, ev)
	s.signal()
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
