package network

import (
	"github.com/Klingon-tech/klingnet-settler/pkg/certificate"
	"github.com/Klingon-tech/klingnet-settler/pkg/types"
)

// committed is the last settled state of a network together with the
// marker of the certificate that produced it. The two only change together.
type committed struct {
	state   *certificate.LocalNetworkStateData
	settled *certificate.SettledCertificate
}

func newCommitted(state *certificate.LocalNetworkStateData, settled *certificate.SettledCertificate) committed {
	if state == nil {
		state = &certificate.LocalNetworkStateData{}
	}
	return committed{state: state, settled: settled}
}

// commit replaces both halves. Callers persist first.
func (c *committed) commit(state *certificate.LocalNetworkStateData, settled certificate.SettledCertificate) {
	c.state = state.Clone()
	c.settled = &settled
}

// snapshot returns a copy of the state safe to hand to a worker.
func (c *committed) snapshot() *certificate.LocalNetworkStateData {
	return c.state.Clone()
}

// settledIn reports whether the last settlement happened in epoch.
func (c *committed) settledIn(epoch types.EpochNumber) bool {
	return c.settled != nil && c.settled.Epoch == epoch
}

// isSettled reports whether id is the last settled certificate.
func (c *committed) isSettled(id types.CertificateID) bool {
	return c.settled != nil && c.settled.CertificateID == id
}

// nextHeight is the height after the last settled one, or zero.
func (c *committed) nextHeight() types.Height {
	if c.settled == nil {
		return 0
	}
	return c.settled.Height.Next()
}

// executed is the prospective state reported by CertificateExecuted.
type executed struct {
	id         types.CertificateID
	height     types.Height
	state      *certificate.LocalNetworkStateData
	exitLeaves []types.Hash
}
