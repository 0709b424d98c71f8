package network

import (
	"github.com/Klingon-tech/klingnet-settler/internal/settlement"
	"github.com/Klingon-tech/klingnet-settler/pkg/certificate"
	"github.com/Klingon-tech/klingnet-settler/pkg/types"
)

// Message is sent by a certificate worker to its network task. The set of
// messages is closed: only the types in this file implement it.
//
// Reply channels are created by the worker and must have capacity 1. The
// task answers every request exactly once.
type Message interface {
	isMessage()
}

// NewCertificate tells a network task that a certificate was stored. It is
// only a hint: the task always reads the certificate from the pending store.
type NewCertificate struct {
	CertificateID types.CertificateID
	Height        types.Height
}

// StateReply answers GetLocalNetworkStateBeforeHeight.
type StateReply struct {
	State *certificate.LocalNetworkStateData
	Err   error
}

// GetLocalNetworkStateBeforeHeight asks for a copy of the committed state
// the certificate at Height applies to.
type GetLocalNetworkStateBeforeHeight struct {
	Height types.Height
	Reply  chan<- StateReply
}

// CertificateExecuted reports the prospective state after the certificate.
// It is held until settlement is confirmed.
type CertificateExecuted struct {
	Height        types.Height
	CertificateID types.CertificateID
	NewState      *certificate.LocalNetworkStateData
	ExitLeaves    []types.Hash
}

// CertificateProven reports that a proof was produced and stored.
type CertificateProven struct {
	Height        types.Height
	CertificateID types.CertificateID
}

// SubmitReply answers CertificateReadyForSettlement.
type SubmitReply struct {
	TxHash types.SettlementTxHash
	// Nonce is nil when it could not be fetched or the hash was adopted
	// from an earlier attempt.
	Nonce *settlement.NonceInfo
	Err   error
}

// CertificateReadyForSettlement asks the task to submit the settlement.
type CertificateReadyForSettlement struct {
	Height        types.Height
	CertificateID types.CertificateID
	// Submission carries the proof payload. Its Nonce and
	// NewPessimisticRoot are overwritten from the fields below.
	Submission *settlement.Submission
	NonceInfo  *settlement.NonceInfo
	// PreviousTxHashes are earlier attempts for this certificate, oldest first.
	PreviousTxHashes []types.SettlementTxHash
	NewPPRoot        types.Hash
	Reply            chan<- SubmitReply
}

// ResultKind classifies a SettlementResult.
type ResultKind int

const (
	// ResultSettled: the transaction is confirmed; Epoch and Index are set.
	ResultSettled ResultKind = iota
	// ResultSettledThroughOtherTx: the certificate is settled (or mined) by
	// TxHash; the worker should wait on that hash.
	ResultSettledThroughOtherTx
	// ResultTimeout: the transaction was not confirmed in time.
	ResultTimeout
	// ResultFailed: the settlement failed; Err is set.
	ResultFailed
)

func (k ResultKind) String() string {
	switch k {
	case ResultSettled:
		return "settled"
	case ResultSettledThroughOtherTx:
		return "settled_through_other_tx"
	case ResultTimeout:
		return "timeout"
	case ResultFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SettlementResult answers CertificateWaitingForSettlement.
type SettlementResult struct {
	Kind   ResultKind
	Epoch  types.EpochNumber
	Index  types.CertificateIndex
	TxHash types.SettlementTxHash
	Err    error
}

// CertificateWaitingForSettlement asks the task to wait for TxHash.
type CertificateWaitingForSettlement struct {
	CertificateID types.CertificateID
	TxHash        types.SettlementTxHash
	NewPPRoot     types.Hash
	Reply         chan<- SettlementResult
}

// CertificateSettled ends the exchange successfully.
type CertificateSettled struct {
	Settled certificate.SettledCertificate
	TxHash  types.SettlementTxHash
}

// CertificateErrored ends the exchange with a failure the worker already
// recorded. The height is retried on the next trigger.
type CertificateErrored struct {
	CertificateID types.CertificateID
	Err           error
}

// MinedReply answers CheckSettlementTx.
type MinedReply struct {
	Mined  bool
	Status settlement.TxStatus
	Err    error
}

// CheckSettlementTx asks whether a transaction is mined.
type CheckSettlementTx struct {
	TxHash types.SettlementTxHash
	Reply  chan<- MinedReply
}

// RootReply answers FetchLatestContractPPRoot. Found is false when the
// network never settled on L1.
type RootReply struct {
	Root   types.Hash
	TxHash types.SettlementTxHash
	Found  bool
	Err    error
}

// FetchLatestContractPPRoot asks for the latest root settled on L1.
type FetchLatestContractPPRoot struct {
	Reply chan<- RootReply
}

func (GetLocalNetworkStateBeforeHeight) isMessage() {}
func (CertificateExecuted) isMessage()              {}
func (CertificateProven) isMessage()                {}
func (CertificateReadyForSettlement) isMessage()    {}
func (CertificateWaitingForSettlement) isMessage()  {}
func (CertificateSettled) isMessage()               {}
func (CertificateErrored) isMessage()               {}
func (CheckSettlementTx) isMessage()                {}
func (FetchLatestContractPPRoot) isMessage()        {}
