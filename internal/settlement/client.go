// Package settlement submits certificate settlements to L1 and tracks them
// until they are final.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/Klingon-tech/klingnet-settler/pkg/types"
)

// ErrReverted is returned when a settlement transaction was mined but failed.
var ErrReverted = errors.New("settlement transaction reverted")

// TimeoutError is returned when a settlement transaction was not confirmed
// in time. The transaction may still be mined later.
type TimeoutError struct {
	TxHash  types.SettlementTxHash
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("settlement tx %s not confirmed after %s", e.TxHash, e.Elapsed.Round(time.Second))
}

// IsTimeout reports whether err is, or wraps, a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// TxStatus is the receipt status of a settlement transaction.
type TxStatus int

const (
	TxNotFound TxStatus = iota
	TxSuccessful
	TxReverted
)

func (s TxStatus) String() string {
	switch s {
	case TxNotFound:
		return "not_found"
	case TxSuccessful:
		return "successful"
	case TxReverted:
		return "reverted"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Mined reports whether the transaction is included in a block.
func (s TxStatus) Mined() bool {
	return s == TxSuccessful || s == TxReverted
}

// NonceInfo identifies a previous attempt so a resubmission replaces it
// instead of queueing behind it.
type NonceInfo struct {
	Nonce     uint64   `json:"nonce"`
	GasTipCap *big.Int `json:"gas_tip_cap,omitempty"`
	GasFeeCap *big.Int `json:"gas_fee_cap,omitempty"`
}

// Submission is everything needed to settle one certificate.
type Submission struct {
	NetworkID           types.NetworkID
	Height              types.Height
	CertificateID       types.CertificateID
	L1InfoTreeLeafCount uint32
	NewLocalExitRoot    types.Hash
	NewPessimisticRoot  types.Hash
	Proof               []byte
	CustomChainData     []byte
	// Nonce, when set, reuses the nonce of a previous attempt.
	Nonce *NonceInfo
}

// Client is the settlement contract used by the network tasks.
type Client interface {
	// SubmitCertificateSettlement broadcasts a settlement transaction.
	SubmitCertificateSettlement(ctx context.Context, s *Submission) (types.SettlementTxHash, error)
	// FetchSettlementNonce returns the nonce and pricing of a sent transaction.
	FetchSettlementNonce(ctx context.Context, tx types.SettlementTxHash) (*NonceInfo, error)
	// FetchSettlementReceiptStatus returns whether a transaction was mined and how it ended.
	FetchSettlementReceiptStatus(ctx context.Context, tx types.SettlementTxHash) (TxStatus, error)
	// WaitForSettlement blocks until tx is confirmed and returns the epoch
	// and index the certificate settled at. Failures are ErrReverted,
	// *TimeoutError, or transport errors.
	WaitForSettlement(ctx context.Context, tx types.SettlementTxHash, id types.CertificateID) (types.EpochNumber, types.CertificateIndex, error)
	// FetchLastSettledPPRoot returns the latest pessimistic root settled on
	// L1 for a network and the transaction that settled it. ok is false when
	// the network never settled.
	FetchLastSettledPPRoot(ctx context.Context, network types.NetworkID) (root types.Hash, tx types.SettlementTxHash, ok bool, err error)
}
