// Package certifier executes certificates against the committed state of
// their network and produces the proof submitted at settlement.
package certifier

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-settler/internal/log"
	"github.com/Klingon-tech/klingnet-settler/pkg/certificate"
	"github.com/Klingon-tech/klingnet-settler/pkg/crypto"
	"github.com/Klingon-tech/klingnet-settler/pkg/types"
)

// Errors returned by Certify.
var (
	ErrUnknownNetwork   = errors.New("no trusted sequencer for network")
	ErrInvalidSignature = errors.New("invalid certificate signature")
)

// ProofVersion prefixes every proof produced by the executor.
const ProofVersion byte = 1

// Output is the result of certifying a certificate.
type Output struct {
	NewState   *certificate.LocalNetworkStateData
	ExitLeaves []types.Hash
	Proof      *certificate.Proof
}

// Config holds the executor settings.
type Config struct {
	// TrustedSequencers maps a network to the compressed public key that
	// must sign its certificates.
	TrustedSequencers map[types.NetworkID][]byte
	// AllowUnsigned accepts unsigned certificates from networks without a
	// trusted sequencer. Only for development.
	AllowUnsigned bool
}

// Executor verifies and executes certificates.
type Executor struct {
	cfg    Config
	logger zerolog.Logger
}

// NewExecutor creates an executor. Public keys are validated up front.
func NewExecutor(cfg Config) (*Executor, error) {
	for network, pub := range cfg.TrustedSequencers {
		if len(pub) != crypto.PublicKeySize {
			return nil, fmt.Errorf("trusted sequencer of network %d: public key must be %d bytes, got %d",
				network, crypto.PublicKeySize, len(pub))
		}
	}
	return &Executor{cfg: cfg, logger: log.Certifier}, nil
}

// Certify checks the certificate and applies it to prev, which is not modified.
func (e *Executor) Certify(ctx context.Context, prev *certificate.LocalNetworkStateData, c *certificate.Certificate) (*Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid certificate: %w", err)
	}
	if err := e.verifySignature(c); err != nil {
		return nil, err
	}

	next, leaves, err := prev.Clone().Apply(c)
	if err != nil {
		return nil, fmt.Errorf("execute certificate: %w", err)
	}

	prevRoot := prev.Clone().PessimisticRoot(c.NetworkID)
	newRoot := next.PessimisticRoot(c.NetworkID)
	proof := &certificate.Proof{
		Bytes:              encodeProof(c, prevRoot, newRoot),
		NewPessimisticRoot: newRoot,
	}

	e.logger.Debug().
		Uint32("network_id", uint32(c.NetworkID)).
		Uint64("height", uint64(c.Height)).
		Int("exits", len(leaves)).
		Str("new_pp_root", newRoot.Short()).
		Msg("Certificate certified")
	return &Output{NewState: next, ExitLeaves: leaves, Proof: proof}, nil
}

func (e *Executor) verifySignature(c *certificate.Certificate) error {
	pub, ok := e.cfg.TrustedSequencers[c.NetworkID]
	if !ok {
		if e.cfg.AllowUnsigned {
			return nil
		}
		return fmt.Errorf("%w %d", ErrUnknownNetwork, c.NetworkID)
	}
	if len(c.Signature) == 0 {
		if e.cfg.AllowUnsigned {
			return nil
		}
		return certificate.ErrUnsigned
	}
	if !c.VerifySignature(pub) {
		return ErrInvalidSignature
	}
	return nil
}

// encodeProof builds the trusted-aggregator proof: version, network id,
// height, previous root, new root, and the certificate id it attests to.
func encodeProof(c *certificate.Certificate, prevRoot, newRoot types.Hash) []byte {
	id := c.ID()
	buf := make([]byte, 0, 1+4+8+3*types.HashSize)
	buf = append(buf, ProofVersion)
	buf = binary.BigEndian.AppendUint32(buf, uint32(c.NetworkID))
	buf = binary.BigEndian.AppendUint64(buf, uint64(c.Height))
	buf = append(buf, prevRoot[:]...)
	buf = append(buf, newRoot[:]...)
	buf = append(buf, id[:]...)
	return buf
}
