// Package types defines core primitive types for the settlement daemon.
package types

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// HashSize is the length of a hash in bytes.
const HashSize = 32

// Hash represents a 256-bit hash value.
type Hash [HashSize]byte

// CertificateID is the content hash of a certificate. It is the idempotency
// key used to correlate a certificate across stores, workers and L1.
type CertificateID Hash

// SettlementTxHash is the hash of an L1 transaction attempting to settle a
// certificate.
type SettlementTxHash Hash

// IsZero returns true if the hash is all zeros.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// String returns the hex-encoded hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Bytes returns a copy of the hash as a byte slice.
func (h Hash) Bytes() []byte {
	b := make([]byte, HashSize)
	copy(b, h[:])
	return b
}

// Short returns the first 8 bytes of the hash in hex, for log lines.
func (h Hash) Short() string {
	return hex.EncodeToString(h[:8])
}

// MarshalJSON encodes the hash as a 0x-prefixed hex string.
func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal("0x" + h.String())
}

// UnmarshalJSON decodes a hex string (with or without 0x) into a hash.
func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*h = Hash{}
		return nil
	}
	parsed, err := HexToHash(s)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// HexToHash converts a hex string to a Hash. A leading 0x is accepted.
// Returns an error if the string is not exactly 64 hex characters.
func HexToHash(s string) (Hash, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("invalid hex: %w", err)
	}
	if len(b) != HashSize {
		return Hash{}, fmt.Errorf("hash must be %d bytes, got %d", HashSize, len(b))
	}
	var h Hash
	copy(h[:], b)
	return h, nil
}

// IsZero returns true if the certificate ID is all zeros.
func (c CertificateID) IsZero() bool {
	return Hash(c).IsZero()
}

// String returns the hex-encoded certificate ID.
func (c CertificateID) String() string {
	return Hash(c).String()
}

// Short returns an abbreviated certificate ID for logging.
func (c CertificateID) Short() string {
	return Hash(c).Short()
}

// MarshalJSON encodes the certificate ID as a hex string.
func (c CertificateID) MarshalJSON() ([]byte, error) {
	return Hash(c).MarshalJSON()
}

// UnmarshalJSON decodes a hex string into a certificate ID.
func (c *CertificateID) UnmarshalJSON(data []byte) error {
	return (*Hash)(c).UnmarshalJSON(data)
}

// IsZero returns true if the transaction hash is all zeros.
func (t SettlementTxHash) IsZero() bool {
	return Hash(t).IsZero()
}

// String returns the 0x-prefixed hex transaction hash, matching L1 tooling.
func (t SettlementTxHash) String() string {
	return "0x" + Hash(t).String()
}

// MarshalJSON encodes the transaction hash as a hex string.
func (t SettlementTxHash) MarshalJSON() ([]byte, error) {
	return Hash(t).MarshalJSON()
}

// UnmarshalJSON decodes a hex string into a transaction hash.
func (t *SettlementTxHash) UnmarshalJSON(data []byte) error {
	return (*Hash)(t).UnmarshalJSON(data)
}
