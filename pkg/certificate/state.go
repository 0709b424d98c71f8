package certificate

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Klingon-tech/klingnet-settler/pkg/crypto"
	"github.com/Klingon-tech/klingnet-settler/pkg/types"
)

// State transition errors.
var (
	ErrPrevExitRootMismatch = errors.New("previous local exit root mismatch")
	ErrNewExitRootMismatch  = errors.New("new local exit root mismatch")
	ErrExitTreeFull         = errors.New("local exit tree is full")
)

// ExitTree is the append-only accumulator of a network's bridge exits.
type ExitTree struct {
	Root      types.Hash `json:"root"`
	LeafCount uint32     `json:"leaf_count"`
}

// Append folds a leaf into the tree.
func (t *ExitTree) Append(leaf types.Hash) error {
	if t.LeafCount == ^uint32(0) {
		return ErrExitTreeFull
	}
	t.Root = crypto.HashConcat(t.Root, leaf)
	t.LeafCount++
	return nil
}

// LocalNetworkStateData is the committed state snapshot of one network.
type LocalNetworkStateData struct {
	ExitTree      ExitTree   `json:"exit_tree"`
	BalanceRoot   types.Hash `json:"balance_root"`
	NullifierRoot types.Hash `json:"nullifier_root"`
}

// Clone returns an independent copy of the state.
func (s *LocalNetworkStateData) Clone() *LocalNetworkStateData {
	if s == nil {
		return &LocalNetworkStateData{}
	}
	c := *s
	return &c
}

// PessimisticRoot commits to the whole state of the network. It is the
// value recorded on L1 at settlement.
func (s *LocalNetworkStateData) PessimisticRoot(network types.NetworkID) types.Hash {
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(network))
	binary.BigEndian.PutUint32(hdr[4:8], s.ExitTree.LeafCount)
	return crypto.HashTagged("pessimistic_root", hdr[:], s.ExitTree.Root[:], s.BalanceRoot[:], s.NullifierRoot[:])
}

// Apply executes the certificate against s without modifying it. It returns
// the prospective next state and the exit tree leaves appended.
func (s *LocalNetworkStateData) Apply(c *Certificate) (*LocalNetworkStateData, []types.Hash, error) {
	if c.PrevLocalExitRoot != s.ExitTree.Root {
		return nil, nil, fmt.Errorf("%w: certificate %s, state %s",
			ErrPrevExitRootMismatch, c.PrevLocalExitRoot.Short(), s.ExitTree.Root.Short())
	}

	next := s.Clone()
	leaves := make([]types.Hash, 0, len(c.BridgeExits))
	for i := range c.BridgeExits {
		exit := &c.BridgeExits[i]
		leaf := exit.Hash()
		if err := next.ExitTree.Append(leaf); err != nil {
			return nil, nil, err
		}
		leaves = append(leaves, leaf)
		next.BalanceRoot = crypto.HashConcat(next.BalanceRoot, balanceDelta("debit", exit))
	}

	for i := range c.ImportedBridgeExits {
		imported := &c.ImportedBridgeExits[i]
		next.BalanceRoot = crypto.HashConcat(next.BalanceRoot, balanceDelta("credit", &imported.Exit))
		next.NullifierRoot = crypto.HashConcat(next.NullifierRoot, nullifierKey(imported))
	}

	if next.ExitTree.Root != c.NewLocalExitRoot {
		return nil, nil, fmt.Errorf("%w: certificate %s, computed %s",
			ErrNewExitRootMismatch, c.NewLocalExitRoot.Short(), next.ExitTree.Root.Short())
	}
	return next, leaves, nil
}

// ComputeNewLocalExitRoot returns the exit root reached by appending exits
// to the given tree. Certificate builders use it to fill NewLocalExitRoot.
func ComputeNewLocalExitRoot(tree ExitTree, exits []BridgeExit) (types.Hash, error) {
	for i := range exits {
		if err := tree.Append(exits[i].Hash()); err != nil {
			return types.Hash{}, err
		}
	}
	return tree.Root, nil
}

func balanceDelta(direction string, exit *BridgeExit) types.Hash {
	var net [4]byte
	binary.BigEndian.PutUint32(net[:], uint32(exit.TokenOriginNetwork))
	return crypto.HashTagged("balance_"+direction, net[:], exit.TokenAddress.Bytes(),
		common.LeftPadBytes(exit.amount().Bytes(), 32))
}

func nullifierKey(imported *ImportedBridgeExit) types.Hash {
	var key [12]byte
	binary.BigEndian.PutUint32(key[0:4], uint32(imported.SourceNetwork))
	binary.BigEndian.PutUint64(key[4:12], imported.GlobalIndex)
	return crypto.HashTagged("nullifier", key[:])
}
