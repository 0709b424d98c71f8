package types

import "strconv"

// NetworkID identifies a rollup network. Immutable once assigned.
type NetworkID uint32

// String returns the decimal network ID.
func (n NetworkID) String() string {
	return strconv.FormatUint(uint64(n), 10)
}

// Height is the per-network sequence number of a certificate.
type Height uint64

// Next returns the height following h.
func (h Height) Next() Height {
	return h + 1
}

// EpochNumber is the index of a global settlement period.
type EpochNumber uint64

// Next returns the epoch following e.
func (e EpochNumber) Next() EpochNumber {
	return e + 1
}

// CertificateIndex is the position of a certificate within the epoch it
// settled in.
type CertificateIndex uint64
