package settlement

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/Klingon-tech/klingnet-settler/pkg/types"
)

const (
	methodVerifyPessimistic = "verifyPessimisticTrustedAggregator"
	eventVerifyPessimistic  = "VerifyPessimisticStateTransition"
)

// RollupManagerABI is the subset of the rollup manager interface the settler uses.
const RollupManagerABI = `[
  {
    "type": "function",
    "name": "verifyPessimisticTrustedAggregator",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "rollupID", "type": "uint32"},
      {"name": "l1InfoTreeLeafCount", "type": "uint32"},
      {"name": "newLocalExitRoot", "type": "bytes32"},
      {"name": "newPessimisticRoot", "type": "bytes32"},
      {"name": "proof", "type": "bytes"},
      {"name": "customChainData", "type": "bytes"}
    ],
    "outputs": []
  },
  {
    "type": "event",
    "name": "VerifyPessimisticStateTransition",
    "anonymous": false,
    "inputs": [
      {"name": "rollupID", "type": "uint32", "indexed": true},
      {"name": "prevPessimisticRoot", "type": "bytes32", "indexed": false},
      {"name": "newPessimisticRoot", "type": "bytes32", "indexed": false},
      {"name": "prevLocalExitRoot", "type": "bytes32", "indexed": false},
      {"name": "newLocalExitRoot", "type": "bytes32", "indexed": false},
      {"name": "l1InfoRoot", "type": "bytes32", "indexed": false},
      {"name": "trustedAggregator", "type": "address", "indexed": true}
    ]
  }
]`

// rollupManager packs calls and parses events of the rollup manager contract.
type rollupManager struct {
	abi     abi.ABI
	address common.Address
}

func newRollupManager(address common.Address) (*rollupManager, error) {
	parsed, err := abi.JSON(strings.NewReader(RollupManagerABI))
	if err != nil {
		return nil, fmt.Errorf("parse rollup manager abi: %w", err)
	}
	return &rollupManager{abi: parsed, address: address}, nil
}

func (rm *rollupManager) packVerify(rollupID uint32, s *Submission) ([]byte, error) {
	proof := s.Proof
	if proof == nil {
		proof = []byte{}
	}
	custom := s.CustomChainData
	if custom == nil {
		custom = []byte{}
	}
	data, err := rm.abi.Pack(methodVerifyPessimistic,
		rollupID,
		s.L1InfoTreeLeafCount,
		[32]byte(s.NewLocalExitRoot),
		[32]byte(s.NewPessimisticRoot),
		proof,
		custom,
	)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", methodVerifyPessimistic, err)
	}
	return data, nil
}

// verifyTopics returns the log filter topics selecting one rollup's events.
func (rm *rollupManager) verifyTopics(rollupID uint32) [][]common.Hash {
	return [][]common.Hash{
		{rm.abi.Events[eventVerifyPessimistic].ID},
		{common.BigToHash(new(big.Int).SetUint64(uint64(rollupID)))},
	}
}

// verifiedState is the decoded VerifyPessimisticStateTransition event.
type verifiedState struct {
	RollupID           uint32
	NewPessimisticRoot types.Hash
	NewLocalExitRoot   types.Hash
	TxHash             types.SettlementTxHash
	BlockNumber        uint64
}

func (rm *rollupManager) parseVerified(l ethtypes.Log) (*verifiedState, error) {
	ev := rm.abi.Events[eventVerifyPessimistic]
	if len(l.Topics) < 2 || l.Topics[0] != ev.ID {
		return nil, fmt.Errorf("log is not %s", eventVerifyPessimistic)
	}
	values, err := ev.Inputs.NonIndexed().Unpack(l.Data)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", eventVerifyPessimistic, err)
	}
	if len(values) != 5 {
		return nil, fmt.Errorf("unpack %s: got %d values", eventVerifyPessimistic, len(values))
	}
	newPP, ok1 := values[1].([32]byte)
	newLER, ok2 := values[3].([32]byte)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("unpack %s: unexpected value types", eventVerifyPessimistic)
	}
	return &verifiedState{
		RollupID:           uint32(new(big.Int).SetBytes(l.Topics[1].Bytes()).Uint64()),
		NewPessimisticRoot: types.Hash(newPP),
		NewLocalExitRoot:   types.Hash(newLER),
		TxHash:             types.SettlementTxHash(l.TxHash),
		BlockNumber:        l.BlockNumber,
	}, nil
}
