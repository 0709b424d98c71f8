package settlement

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"

	"github.com/Klingon-tech/klingnet-settler/internal/log"
	"github.com/Klingon-tech/klingnet-settler/pkg/crypto"
	"github.com/Klingon-tech/klingnet-settler/pkg/types"
)

type simTx struct {
	network types.NetworkID
	root    types.Hash
	nonce   uint64
	status  TxStatus
}

type simRoot struct {
	root types.Hash
	tx   types.SettlementTxHash
}

// Simulated is an in-process L1 that mines every submission immediately.
// It backs the dev mode of the daemon and end-to-end tests.
type Simulated struct {
	mu     sync.Mutex
	packer *EpochPacker
	txs    map[types.SettlementTxHash]*simTx
	roots  map[types.NetworkID]simRoot
	nonce  uint64
}

// NewSimulated creates a simulated L1.
func NewSimulated(packer *EpochPacker) *Simulated {
	return &Simulated{
		packer: packer,
		txs:    make(map[types.SettlementTxHash]*simTx),
		roots:  make(map[types.NetworkID]simRoot),
	}
}

// SubmitCertificateSettlement implements Client.
func (s *Simulated) SubmitCertificateSettlement(_ context.Context, sub *Submission) (types.SettlementTxHash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nonce := s.nonce
	if sub.Nonce != nil {
		nonce = sub.Nonce.Nonce
	} else {
		s.nonce++
	}
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], uint64(len(s.txs)))
	hash := types.SettlementTxHash(crypto.HashTagged("simulated_settlement", sub.CertificateID[:], seq[:]))

	s.txs[hash] = &simTx{network: sub.NetworkID, root: sub.NewPessimisticRoot, nonce: nonce, status: TxSuccessful}
	s.roots[sub.NetworkID] = simRoot{root: sub.NewPessimisticRoot, tx: hash}

	log.Settlement.Debug().
		Uint32("network_id", uint32(sub.NetworkID)).
		Str("tx", hash.String()).
		Msg("Simulated settlement mined")
	return hash, nil
}

// FetchSettlementNonce implements Client.
func (s *Simulated) FetchSettlementNonce(_ context.Context, hash types.SettlementTxHash) (*NonceInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[hash]
	if !ok {
		return nil, fmt.Errorf("transaction %s not found", hash)
	}
	return &NonceInfo{Nonce: tx.nonce, GasTipCap: big.NewInt(1), GasFeeCap: big.NewInt(2)}, nil
}

// FetchSettlementReceiptStatus implements Client.
func (s *Simulated) FetchSettlementReceiptStatus(_ context.Context, hash types.SettlementTxHash) (TxStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[hash]
	if !ok {
		return TxNotFound, nil
	}
	return tx.status, nil
}

// WaitForSettlement implements Client.
func (s *Simulated) WaitForSettlement(_ context.Context, hash types.SettlementTxHash, id types.CertificateID) (types.EpochNumber, types.CertificateIndex, error) {
	s.mu.Lock()
	tx, ok := s.txs[hash]
	var status TxStatus
	if ok {
		status = tx.status
	}
	s.mu.Unlock()

	switch {
	case !ok:
		return 0, 0, &TimeoutError{TxHash: hash}
	case status == TxReverted:
		return 0, 0, fmt.Errorf("%w: tx %s", ErrReverted, hash)
	}
	return s.packer.Pack(id)
}

// FetchLastSettledPPRoot implements Client.
func (s *Simulated) FetchLastSettledPPRoot(_ context.Context, network types.NetworkID) (types.Hash, types.SettlementTxHash, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roots[network]
	return r.root, r.tx, ok, nil
}

// Revert marks a mined transaction as reverted.
func (s *Simulated) Revert(hash types.SettlementTxHash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx, ok := s.txs[hash]; ok {
		tx.status = TxReverted
	}
}
