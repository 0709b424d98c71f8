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

// Pending persists certificates that are not settled yet, their headers,
// proofs, and the settlement transactions attempted for them.
type Pending struct {
	db storage.DB
	mu sync.Mutex // serializes read-modify-write of tx hash lists
}

// NewPending creates a pending store backed by db.
func NewPending(db storage.DB) *Pending {
	return &Pending{db: db}
}

// InsertPendingCertificate stores a certificate at its (network, height) slot,
// replacing whatever was there.
func (p *Pending) InsertPendingCertificate(c *certificate.Certificate) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("certificate marshal: %w", err)
	}
	if err := p.db.Put(certificateKey(c.NetworkID, c.Height), data); err != nil {
		return fmt.Errorf("certificate put: %w", err)
	}
	return nil
}

// GetCertificate returns the pending certificate at (network, height), or
// nil if there is none.
func (p *Pending) GetCertificate(network types.NetworkID, height types.Height) (*certificate.Certificate, error) {
	data, err := p.db.Get(certificateKey(network, height))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("certificate get: %w", err)
	}
	var c certificate.Certificate
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("certificate unmarshal: %w", err)
	}
	return &c, nil
}

// RemovePendingCertificate deletes the certificate at (network, height).
func (p *Pending) RemovePendingCertificate(network types.NetworkID, height types.Height) error {
	if err := p.db.Delete(certificateKey(network, height)); err != nil {
		return fmt.Errorf("certificate delete: %w", err)
	}
	return nil
}

// LatestPendingCertificate returns the highest-height pending certificate of
// a network, or nil.
func (p *Pending) LatestPendingCertificate(network types.NetworkID) (*certificate.Certificate, error) {
	var last []byte
	err := p.db.ForEach(networkKey(prefixCertificate, network), func(_, value []byte) error {
		last = value
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("certificate scan: %w", err)
	}
	if last == nil {
		return nil, nil
	}
	var c certificate.Certificate
	if err := json.Unmarshal(last, &c); err != nil {
		return nil, fmt.Errorf("certificate unmarshal: %w", err)
	}
	return &c, nil
}

// ListNetworks returns every network with at least one pending certificate,
// in ascending order.
func (p *Pending) ListNetworks() ([]types.NetworkID, error) {
	var out []types.NetworkID
	err := p.db.ForEach(prefixCertificate, func(key, _ []byte) error {
		rest := key[len(prefixCertificate):]
		if len(rest) < 4 {
			return fmt.Errorf("corrupt certificate key %x", key)
		}
		id := types.NetworkID(binary.BigEndian.Uint32(rest[:4]))
		if len(out) == 0 || out[len(out)-1] != id {
			out = append(out, id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("network scan: %w", err)
	}
	return out, nil
}

// SetLatestProvenCertificatePerNetwork records the highest proven certificate.
func (p *Pending) SetLatestProvenCertificatePerNetwork(network types.NetworkID, height types.Height, id types.CertificateID) error {
	val := make([]byte, 8+types.HashSize)
	binary.BigEndian.PutUint64(val[:8], uint64(height))
	copy(val[8:], id[:])
	if err := p.db.Put(networkKey(prefixProven, network), val); err != nil {
		return fmt.Errorf("latest proven put: %w", err)
	}
	return nil
}

// GetLatestProvenCertificatePerNetwork returns the latest proven certificate.
// ok is false when nothing was proven yet.
func (p *Pending) GetLatestProvenCertificatePerNetwork(network types.NetworkID) (types.Height, types.CertificateID, bool, error) {
	val, err := p.db.Get(networkKey(prefixProven, network))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, types.CertificateID{}, false, nil
	}
	if err != nil {
		return 0, types.CertificateID{}, false, fmt.Errorf("latest proven get: %w", err)
	}
	if len(val) != 8+types.HashSize {
		return 0, types.CertificateID{}, false, fmt.Errorf("corrupt latest proven record: %d bytes", len(val))
	}
	var id types.CertificateID
	copy(id[:], val[8:])
	return types.Height(binary.BigEndian.Uint64(val[:8])), id, true, nil
}

// InsertCertificateHeader stores or replaces a certificate header.
func (p *Pending) InsertCertificateHeader(h *certificate.Header) error {
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("header marshal: %w", err)
	}
	if err := p.db.Put(idKey(prefixHeader, h.CertificateID), data); err != nil {
		return fmt.Errorf("header put: %w", err)
	}
	return nil
}

// GetCertificateHeader returns the header of a certificate, or nil.
func (p *Pending) GetCertificateHeader(id types.CertificateID) (*certificate.Header, error) {
	data, err := p.db.Get(idKey(prefixHeader, id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("header get: %w", err)
	}
	var h certificate.Header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("header unmarshal: %w", err)
	}
	return &h, nil
}

// UpdateCertificateHeader applies fn to the stored header and writes it back.
func (p *Pending) UpdateCertificateHeader(id types.CertificateID, fn func(h *certificate.Header)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, err := p.GetCertificateHeader(id)
	if err != nil {
		return err
	}
	if h == nil {
		return fmt.Errorf("header %s not found", id.Short())
	}
	fn(h)
	return p.InsertCertificateHeader(h)
}

// InsertProof stores the certifier output for a certificate.
func (p *Pending) InsertProof(id types.CertificateID, proof *certificate.Proof) error {
	data, err := json.Marshal(proof)
	if err != nil {
		return fmt.Errorf("proof marshal: %w", err)
	}
	if err := p.db.Put(idKey(prefixProof, id), data); err != nil {
		return fmt.Errorf("proof put: %w", err)
	}
	return nil
}

// GetProof returns the stored proof of a certificate, or nil.
func (p *Pending) GetProof(id types.CertificateID) (*certificate.Proof, error) {
	data, err := p.db.Get(idKey(prefixProof, id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("proof get: %w", err)
	}
	var proof certificate.Proof
	if err := json.Unmarshal(data, &proof); err != nil {
		return nil, fmt.Errorf("proof unmarshal: %w", err)
	}
	return &proof, nil
}

// AddSettlementTxHash records a settlement transaction for a certificate.
// Hashes already recorded are ignored.
func (p *Pending) AddSettlementTxHash(id types.CertificateID, tx types.SettlementTxHash) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	existing, err := p.GetSettlementTxHashes(id)
	if err != nil {
		return err
	}
	for _, h := range existing {
		if h == tx {
			return nil
		}
	}
	key := join(prefixSettleTx, id[:], u32(uint32(len(existing))))
	if err := p.db.Put(key, tx[:]); err != nil {
		return fmt.Errorf("settlement tx put: %w", err)
	}
	return nil
}

// GetSettlementTxHashes returns the settlement transactions recorded for a
// certificate, oldest first.
func (p *Pending) GetSettlementTxHashes(id types.CertificateID) ([]types.SettlementTxHash, error) {
	var out []types.SettlementTxHash
	err := p.db.ForEach(idKey(prefixSettleTx, id), func(_, value []byte) error {
		if len(value) != types.HashSize {
			return fmt.Errorf("corrupt settlement tx hash: %d bytes", len(value))
		}
		var h types.SettlementTxHash
		copy(h[:], value)
		out = append(out, h)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("settlement tx scan: %w", err)
	}
	return out, nil
}
