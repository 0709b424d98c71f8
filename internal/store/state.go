package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/Klingon-tech/klingnet-settler/internal/storage"
	"github.com/Klingon-tech/klingnet-settler/pkg/certificate"
	"github.com/Klingon-tech/klingnet-settler/pkg/types"
)

// State persists the committed local state of each network, its latest
// settled certificate, and the per-epoch certificate counters.
type State struct {
	db      storage.DB
	epochMu sync.Mutex
}

// NewState creates a state store backed by db.
func NewState(db storage.DB) *State {
	return &State{db: db}
}

// ReadLocalNetworkState returns the committed state of a network, or nil if
// the network never settled.
func (s *State) ReadLocalNetworkState(network types.NetworkID) (*certificate.LocalNetworkStateData, error) {
	data, err := s.db.Get(networkKey(prefixLocalState, network))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("local state get: %w", err)
	}
	var st certificate.LocalNetworkStateData
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("local state unmarshal: %w", err)
	}
	return &st, nil
}

// WriteLocalNetworkState stores the state and the exit leaves appended to
// reach it.
func (s *State) WriteLocalNetworkState(network types.NetworkID, st *certificate.LocalNetworkStateData, exitLeaves []types.Hash) error {
	b := storage.NewBatch(s.db)
	if err := putLocalState(b, network, st, exitLeaves); err != nil {
		return err
	}
	if err := b.Commit(); err != nil {
		return fmt.Errorf("local state commit: %w", err)
	}
	return nil
}

// GetLatestSettledCertificatePerNetwork returns the settlement marker of a
// network, or nil.
func (s *State) GetLatestSettledCertificatePerNetwork(network types.NetworkID) (*certificate.SettledCertificate, error) {
	data, err := s.db.Get(networkKey(prefixSettled, network))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("settled get: %w", err)
	}
	var sc certificate.SettledCertificate
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("settled unmarshal: %w", err)
	}
	return &sc, nil
}

// SetLatestSettledCertificateForNetwork stores the settlement marker alone.
func (s *State) SetLatestSettledCertificateForNetwork(network types.NetworkID, settled *certificate.SettledCertificate) error {
	data, err := json.Marshal(settled)
	if err != nil {
		return fmt.Errorf("settled marshal: %w", err)
	}
	if err := s.db.Put(networkKey(prefixSettled, network), data); err != nil {
		return fmt.Errorf("settled put: %w", err)
	}
	return nil
}

// CommitSettlement writes the new state, its exit leaves and the settlement
// marker in one batch. Either all of them become visible or none does.
func (s *State) CommitSettlement(network types.NetworkID, st *certificate.LocalNetworkStateData,
	exitLeaves []types.Hash, settled *certificate.SettledCertificate) error {

	b := storage.NewBatch(s.db)
	if err := putLocalState(b, network, st, exitLeaves); err != nil {
		return err
	}
	data, err := json.Marshal(settled)
	if err != nil {
		return fmt.Errorf("settled marshal: %w", err)
	}
	if err := b.Put(networkKey(prefixSettled, network), data); err != nil {
		return fmt.Errorf("settled put: %w", err)
	}
	if err := b.Commit(); err != nil {
		return fmt.Errorf("settlement commit: %w", err)
	}
	return nil
}

// GetExitLeaves returns the exit tree leaves of a network in append order.
func (s *State) GetExitLeaves(network types.NetworkID) ([]types.Hash, error) {
	var out []types.Hash
	err := s.db.ForEach(networkKey(prefixExitLeaf, network), func(_, value []byte) error {
		if len(value) != types.HashSize {
			return fmt.Errorf("corrupt exit leaf: %d bytes", len(value))
		}
		var h types.Hash
		copy(h[:], value)
		out = append(out, h)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("exit leaf scan: %w", err)
	}
	return out, nil
}

// AddCertificateToEpoch assigns the next index of an epoch to a certificate.
// Asking again for the same certificate returns its original assignment.
func (s *State) AddCertificateToEpoch(epoch types.EpochNumber, id types.CertificateID) (types.EpochNumber, types.CertificateIndex, error) {
	s.epochMu.Lock()
	defer s.epochMu.Unlock()

	if prev, err := s.db.Get(idKey(prefixEpochCert, id)); err == nil {
		if len(prev) != 16 {
			return 0, 0, fmt.Errorf("corrupt epoch assignment: %d bytes", len(prev))
		}
		return types.EpochNumber(binary.BigEndian.Uint64(prev[:8])),
			types.CertificateIndex(binary.BigEndian.Uint64(prev[8:])), nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return 0, 0, fmt.Errorf("epoch assignment get: %w", err)
	}

	countKey := join(prefixEpochCount, u64(uint64(epoch)))
	var count uint64
	raw, err := s.db.Get(countKey)
	switch {
	case err == nil && len(raw) == 8:
		count = binary.BigEndian.Uint64(raw)
	case err == nil:
		return 0, 0, fmt.Errorf("corrupt epoch counter: %d bytes", len(raw))
	case !errors.Is(err, storage.ErrNotFound):
		return 0, 0, fmt.Errorf("epoch counter get: %w", err)
	}

	b := storage.NewBatch(s.db)
	if err := b.Put(countKey, u64(count+1)); err != nil {
		return 0, 0, err
	}
	if err := b.Put(idKey(prefixEpochCert, id), join(u64(uint64(epoch)), u64(count))); err != nil {
		return 0, 0, err
	}
	if err := b.Commit(); err != nil {
		return 0, 0, fmt.Errorf("epoch assignment commit: %w", err)
	}
	return epoch, types.CertificateIndex(count), nil
}

// CertificatesInEpoch returns how many certificates settled in an epoch.
func (s *State) CertificatesInEpoch(epoch types.EpochNumber) (uint64, error) {
	raw, err := s.db.Get(join(prefixEpochCount, u64(uint64(epoch))))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("epoch counter get: %w", err)
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("corrupt epoch counter: %d bytes", len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}

func putLocalState(b storage.Batch, network types.NetworkID, st *certificate.LocalNetworkStateData, exitLeaves []types.Hash) error {
	if st == nil {
		return fmt.Errorf("nil local state for network %d", network)
	}
	if uint32(len(exitLeaves)) > st.ExitTree.LeafCount {
		return fmt.Errorf("%d exit leaves exceed leaf count %d", len(exitLeaves), st.ExitTree.LeafCount)
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("local state marshal: %w", err)
	}
	if err := b.Put(networkKey(prefixLocalState, network), data); err != nil {
		return fmt.Errorf("local state put: %w", err)
	}
	first := st.ExitTree.LeafCount - uint32(len(exitLeaves))
	for i, leaf := range exitLeaves {
		if err := b.Put(exitLeafKey(network, first+uint32(i)), leaf[:]); err != nil {
			return fmt.Errorf("exit leaf put: %w", err)
		}
	}
	return nil
}
