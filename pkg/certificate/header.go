package certificate

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/Klingon-tech/klingnet-settler/pkg/types"
)

// Status is the progress of a certificate through the settlement pipeline.
type Status uint8

const (
	StatusPending Status = iota
	StatusProven
	StatusCandidate
	StatusInError
	StatusSettled
)

var statusNames = map[Status]string{
	StatusPending:   "Pending",
	StatusProven:    "Proven",
	StatusCandidate: "Candidate",
	StatusInError:   "InError",
	StatusSettled:   "Settled",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// MarshalJSON encodes the status by name.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a status name.
func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for k, v := range statusNames {
		if v == name {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown certificate status %q", name)
}

// Header is the durable progress record of a certificate.
type Header struct {
	NetworkID         types.NetworkID         `json:"network_id"`
	Height            types.Height            `json:"height"`
	CertificateID     types.CertificateID     `json:"certificate_id"`
	PrevLocalExitRoot types.Hash              `json:"prev_local_exit_root"`
	NewLocalExitRoot  types.Hash              `json:"new_local_exit_root"`
	Metadata          types.Hash              `json:"metadata"`
	Status            Status                  `json:"status"`
	Error             string                  `json:"error,omitempty"`
	EpochNumber       *types.EpochNumber      `json:"epoch_number,omitempty"`
	CertificateIndex  *types.CertificateIndex `json:"certificate_index,omitempty"`
	SettlementTxHash  *types.SettlementTxHash `json:"settlement_tx_hash,omitempty"`
}

// NewHeader returns a Pending header for the certificate.
func NewHeader(c *Certificate) *Header {
	return &Header{
		NetworkID:         c.NetworkID,
		Height:            c.Height,
		CertificateID:     c.ID(),
		PrevLocalExitRoot: c.PrevLocalExitRoot,
		NewLocalExitRoot:  c.NewLocalExitRoot,
		Metadata:          c.Metadata,
		Status:            StatusPending,
	}
}

// SettledCertificate marks the last settlement of a network.
type SettledCertificate struct {
	CertificateID types.CertificateID    `json:"certificate_id"`
	Height        types.Height           `json:"height"`
	Epoch         types.EpochNumber      `json:"epoch"`
	Index         types.CertificateIndex `json:"index"`
}

// Proof is the certifier output persisted for a certificate.
type Proof struct {
	Bytes              hexutil.Bytes `json:"proof"`
	NewPessimisticRoot types.Hash    `json:"new_pessimistic_root"`
}
