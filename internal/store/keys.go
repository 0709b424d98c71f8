// Package store implements the pending store and the state store on top of
// a storage.DB.
package store

import (
	"encoding/binary"

	"github.com/Klingon-tech/klingnet-settler/pkg/types"
)

// Pending store keys.
var (
	prefixCertificate = []byte("c/") // c/<network(4)><height(8)> -> certificate JSON
	prefixHeader      = []byte("h/") // h/<certID(32)> -> header JSON
	prefixProven      = []byte("l/") // l/<network(4)> -> height(8) + certID(32)
	prefixProof       = []byte("f/") // f/<certID(32)> -> proof JSON
	prefixSettleTx    = []byte("t/") // t/<certID(32)><seq(4)> -> tx hash(32)
)

// State store keys.
var (
	prefixLocalState = []byte("st/") // st/<network(4)> -> state JSON
	prefixSettled    = []byte("ls/") // ls/<network(4)> -> settled certificate JSON
	prefixExitLeaf   = []byte("el/") // el/<network(4)><index(4)> -> leaf hash(32)
	prefixEpochCount = []byte("ep/") // ep/<epoch(8)> -> count(8)
	prefixEpochCert  = []byte("ei/") // ei/<certID(32)> -> epoch(8) + index(8)
)

func join(prefix []byte, parts ...[]byte) []byte {
	n := len(prefix)
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	out = append(out, prefix...)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func u32(v uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, v)
}

func u64(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

func networkKey(prefix []byte, network types.NetworkID) []byte {
	return join(prefix, u32(uint32(network)))
}

func certificateKey(network types.NetworkID, height types.Height) []byte {
	return join(prefixCertificate, u32(uint32(network)), u64(uint64(height)))
}

func idKey(prefix []byte, id types.CertificateID) []byte {
	return join(prefix, id[:])
}

func exitLeafKey(network types.NetworkID, index uint32) []byte {
	return join(prefixExitLeaf, u32(uint32(network)), u32(index))
}
