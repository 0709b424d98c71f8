// Package certtask runs one certificate through certification and L1
// settlement, talking to its network task through network.Message values.
package certtask

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-settler/internal/certifier"
	"github.com/Klingon-tech/klingnet-settler/internal/log"
	"github.com/Klingon-tech/klingnet-settler/internal/network"
	"github.com/Klingon-tech/klingnet-settler/internal/settlement"
	"github.com/Klingon-tech/klingnet-settler/pkg/certificate"
	"github.com/Klingon-tech/klingnet-settler/pkg/types"
)

// DefaultMaxResubmissions bounds how often a timed-out settlement is sent
// again with the same nonce.
const DefaultMaxResubmissions = 3

// ErrTooManyResubmissions is reported when every resubmission timed out.
var ErrTooManyResubmissions = errors.New("settlement timed out after all resubmissions")

// Certifier produces the proof of a certificate.
type Certifier interface {
	Certify(ctx context.Context, prev *certificate.LocalNetworkStateData, c *certificate.Certificate) (*certifier.Output, error)
}

// Store is the pending-store surface the worker writes to.
type Store interface {
	InsertProof(id types.CertificateID, proof *certificate.Proof) error
	AddSettlementTxHash(id types.CertificateID, tx types.SettlementTxHash) error
	GetSettlementTxHashes(id types.CertificateID) ([]types.SettlementTxHash, error)
	UpdateCertificateHeader(id types.CertificateID, fn func(h *certificate.Header)) error
}

// Config configures the spawner.
type Config struct {
	Certifier        Certifier
	Store            Store
	MaxResubmissions int
}

// Spawner starts one worker goroutine per certificate. It implements
// network.Spawner.
type Spawner struct {
	cfg Config
}

// NewSpawner creates a spawner.
func NewSpawner(cfg Config) (*Spawner, error) {
	if cfg.Certifier == nil {
		return nil, fmt.Errorf("certifier is nil")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("pending store is nil")
	}
	if cfg.MaxResubmissions <= 0 {
		cfg.MaxResubmissions = DefaultMaxResubmissions
	}
	return &Spawner{cfg: cfg}, nil
}

// handle is returned by Spawn.
type handle struct {
	done chan struct{}
	err  error
}

// Wait implements network.Worker.
func (h *handle) Wait() error {
	<-h.done
	return h.err
}

// Spawn implements network.Spawner. msgs is closed when the worker returns,
// also after a panic.
func (s *Spawner) Spawn(ctx context.Context, cert *certificate.Certificate, msgs chan<- network.Message) network.Worker {
	w := &worker{
		cfg:  s.cfg,
		cert: cert,
		id:   cert.ID(),
		msgs: msgs,
	}
	w.logger = log.WithNetwork("certtask", uint32(cert.NetworkID)).With().
		Uint64("height", uint64(cert.Height)).
		Str("certificate_id", w.id.Short()).
		Logger()

	h := &handle{done: make(chan struct{})}
	go func() {
		defer close(h.done)
		defer close(msgs)
		defer func() {
			if r := recover(); r != nil {
				h.err = fmt.Errorf("certificate worker panicked: %v", r)
				w.logger.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("Certificate worker panicked")
			}
		}()
		w.run(ctx)
	}()
	return h
}

type worker struct {
	cfg    Config
	cert   *certificate.Certificate
	id     types.CertificateID
	msgs   chan<- network.Message
	logger zerolog.Logger
}

// run always ends with a terminal message.
func (w *worker) run(ctx context.Context) {
	settled, tx, err := w.process(ctx)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Certificate failed")
		w.updateHeader(func(h *certificate.Header) {
			h.Status = certificate.StatusInError
			h.Error = err.Error()
		})
		w.msgs <- network.CertificateErrored{CertificateID: w.id, Err: err}
		return
	}

	w.updateHeader(func(h *certificate.Header) {
		epoch, index := settled.Epoch, settled.Index
		h.Status = certificate.StatusSettled
		h.Error = ""
		h.EpochNumber = &epoch
		h.CertificateIndex = &index
		h.SettlementTxHash = &tx
	})
	w.msgs <- network.CertificateSettled{Settled: settled, TxHash: tx}
}

func (w *worker) process(ctx context.Context) (certificate.SettledCertificate, types.SettlementTxHash, error) {
	var none certificate.SettledCertificate

	prev, err := w.stateBeforeHeight()
	if err != nil {
		return none, types.SettlementTxHash{}, err
	}
	out, err := w.cfg.Certifier.Certify(ctx, prev, w.cert)
	if err != nil {
		return none, types.SettlementTxHash{}, fmt.Errorf("certify: %w", err)
	}
	w.msgs <- network.CertificateExecuted{
		Height:        w.cert.Height,
		CertificateID: w.id,
		NewState:      out.NewState,
		ExitLeaves:    out.ExitLeaves,
	}

	if err := w.cfg.Store.InsertProof(w.id, out.Proof); err != nil {
		return none, types.SettlementTxHash{}, fmt.Errorf("store proof: %w", err)
	}
	w.updateHeader(func(h *certificate.Header) {
		h.Status = certificate.StatusProven
		h.Error = ""
	})
	w.msgs <- network.CertificateProven{Height: w.cert.Height, CertificateID: w.id}

	tx, err := w.settle(ctx, out.Proof)
	if err != nil {
		return none, types.SettlementTxHash{}, err
	}
	return tx.settled, tx.hash, nil
}

func (w *worker) stateBeforeHeight() (*certificate.LocalNetworkStateData, error) {
	reply := make(chan network.StateReply, 1)
	w.msgs <- network.GetLocalNetworkStateBeforeHeight{Height: w.cert.Height, Reply: reply}
	r := <-reply
	if r.Err != nil {
		return nil, fmt.Errorf("local state: %w", r.Err)
	}
	return r.State, nil
}

func (w *worker) updateHeader(fn func(h *certificate.Header)) {
	if err := w.cfg.Store.UpdateCertificateHeader(w.id, fn); err != nil {
		w.logger.Warn().Err(err).Msg("Failed to update certificate header")
	}
}

func (w *worker) submission(proof *certificate.Proof) *settlement.Submission {
	return &settlement.Submission{
		NetworkID:           w.cert.NetworkID,
		Height:              w.cert.Height,
		CertificateID:       w.id,
		L1InfoTreeLeafCount: w.cert.L1InfoTreeLeafCount,
		NewLocalExitRoot:    w.cert.NewLocalExitRoot,
		NewPessimisticRoot:  proof.NewPessimisticRoot,
		Proof:               proof.Bytes,
		CustomChainData:     w.cert.Metadata[:],
	}
}
