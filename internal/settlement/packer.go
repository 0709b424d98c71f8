package settlement

import (
	"github.com/Klingon-tech/klingnet-settler/pkg/types"
)

// EpochSource reports the epoch in progress.
type EpochSource interface {
	CurrentEpoch() types.EpochNumber
}

// EpochCounter hands out per-epoch indexes. store.State implements it.
type EpochCounter interface {
	AddCertificateToEpoch(epoch types.EpochNumber, id types.CertificateID) (types.EpochNumber, types.CertificateIndex, error)
}

// EpochPacker places each confirmed certificate into the current epoch.
type EpochPacker struct {
	clock   EpochSource
	counter EpochCounter
}

// NewEpochPacker creates a packer.
func NewEpochPacker(clock EpochSource, counter EpochCounter) *EpochPacker {
	return &EpochPacker{clock: clock, counter: counter}
}

// Pack assigns (epoch, index) to a certificate. Packing a certificate twice
// returns its first assignment.
func (p *EpochPacker) Pack(id types.CertificateID) (types.EpochNumber, types.CertificateIndex, error) {
	return p.counter.AddCertificateToEpoch(p.clock.CurrentEpoch(), id)
}
