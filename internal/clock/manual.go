package clock

import "github.com/Klingon-tech/klingnet-settler/pkg/types"

// Manual is a clock advanced by hand. Tests and tooling use it.
type Manual struct {
	epochs
}

// NewManual creates a manual clock at the given epoch.
func NewManual(start types.EpochNumber) *Manual {
	m := &Manual{}
	m.init(start)
	return m
}

// Advance ends the current epoch.
func (m *Manual) Advance() {
	m.advance(m.CurrentEpoch() + 1)
}

// AdvanceTo moves to epoch, ending every epoch in between.
func (m *Manual) AdvanceTo(epoch types.EpochNumber) {
	m.advance(epoch)
}

// Publish sends ev as is, without touching the current epoch.
func (m *Manual) Publish(ev EpochEnded) {
	m.bcast.Publish(ev)
}

// Close closes the event stream.
func (m *Manual) Close() {
	m.bcast.Close()
}
