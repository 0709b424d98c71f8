// Package certificate defines certificates, the per-network local state they
// transition, and the durable records kept while they are settled.
package certificate

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/Klingon-tech/klingnet-settler/pkg/crypto"
	"github.com/Klingon-tech/klingnet-settler/pkg/types"
)

// Leaf types of a bridge exit.
const (
	LeafTypeAsset   uint8 = 0
	LeafTypeMessage uint8 = 1
)

// MaxBridgeExits bounds the number of exits (outgoing or imported) in one certificate.
const MaxBridgeExits = 1 << 12

// Validation errors.
var (
	ErrUnsigned        = errors.New("certificate is not signed")
	ErrInvalidLeafType = errors.New("invalid bridge exit leaf type")
	ErrNegativeAmount  = errors.New("negative bridge exit amount")
	ErrTooManyExits    = errors.New("too many bridge exits")
)

// BridgeExit is an outgoing transfer recorded as a leaf of the network's
// local exit tree.
type BridgeExit struct {
	LeafType           uint8           `json:"leaf_type"`
	TokenOriginNetwork types.NetworkID `json:"token_origin_network"`
	TokenAddress       common.Address  `json:"token_address"`
	DestNetwork        types.NetworkID `json:"dest_network"`
	DestAddress        common.Address  `json:"dest_address"`
	Amount             *big.Int        `json:"amount"`
	Metadata           types.Hash      `json:"metadata"`
}

// Hash returns the exit tree leaf for this exit.
func (b *BridgeExit) Hash() types.Hash {
	return crypto.HashTagged("bridge_exit", b.encode())
}

func (b *BridgeExit) encode() []byte {
	buf := make([]byte, 0, 1+4+20+4+20+32+32)
	buf = append(buf, b.LeafType)
	buf = binary.BigEndian.AppendUint32(buf, uint32(b.TokenOriginNetwork))
	buf = append(buf, b.TokenAddress.Bytes()...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(b.DestNetwork))
	buf = append(buf, b.DestAddress.Bytes()...)
	buf = append(buf, common.LeftPadBytes(b.amount().Bytes(), 32)...)
	buf = append(buf, b.Metadata[:]...)
	return buf
}

func (b *BridgeExit) amount() *big.Int {
	if b.Amount == nil {
		return new(big.Int)
	}
	return b.Amount
}

func (b *BridgeExit) validate() error {
	if b.LeafType != LeafTypeAsset && b.LeafType != LeafTypeMessage {
		return fmt.Errorf("%w: %d", ErrInvalidLeafType, b.LeafType)
	}
	if b.Amount != nil && b.Amount.Sign() < 0 {
		return ErrNegativeAmount
	}
	if b.Amount != nil && b.Amount.BitLen() > 256 {
		return fmt.Errorf("bridge exit amount exceeds 256 bits")
	}
	return nil
}

// ImportedBridgeExit is an exit from another network claimed by this one.
// The global index is the nullifier key.
type ImportedBridgeExit struct {
	GlobalIndex   uint64          `json:"global_index"`
	SourceNetwork types.NetworkID `json:"source_network"`
	Exit          BridgeExit      `json:"bridge_exit"`
}

// Hash returns the commitment to the imported exit.
func (i *ImportedBridgeExit) Hash() types.Hash {
	var hdr [12]byte
	binary.BigEndian.PutUint64(hdr[:8], i.GlobalIndex)
	binary.BigEndian.PutUint32(hdr[8:], uint32(i.SourceNetwork))
	return crypto.HashTagged("imported_bridge_exit", hdr[:], i.Exit.encode())
}

// Certificate attests to one state transition of a network at a height.
type Certificate struct {
	NetworkID           types.NetworkID      `json:"network_id"`
	Height              types.Height         `json:"height"`
	PrevLocalExitRoot   types.Hash           `json:"prev_local_exit_root"`
	NewLocalExitRoot    types.Hash           `json:"new_local_exit_root"`
	BridgeExits         []BridgeExit         `json:"bridge_exits"`
	ImportedBridgeExits []ImportedBridgeExit `json:"imported_bridge_exits"`
	L1InfoTreeLeafCount uint32               `json:"l1_info_tree_leaf_count"`
	Metadata            types.Hash           `json:"metadata"`
	Signature           hexutil.Bytes        `json:"signature"`
}

// SigningHash commits to every field except the signature.
func (c *Certificate) SigningHash() types.Hash {
	var hdr [4 + 8 + 4 + 4 + 4]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(c.NetworkID))
	binary.BigEndian.PutUint64(hdr[4:12], uint64(c.Height))
	binary.BigEndian.PutUint32(hdr[12:16], c.L1InfoTreeLeafCount)
	binary.BigEndian.PutUint32(hdr[16:20], uint32(len(c.BridgeExits)))
	binary.BigEndian.PutUint32(hdr[20:24], uint32(len(c.ImportedBridgeExits)))

	parts := [][]byte{hdr[:], c.PrevLocalExitRoot[:], c.NewLocalExitRoot[:], c.Metadata[:]}
	for i := range c.BridgeExits {
		h := c.BridgeExits[i].Hash()
		parts = append(parts, h[:])
	}
	for i := range c.ImportedBridgeExits {
		h := c.ImportedBridgeExits[i].Hash()
		parts = append(parts, h[:])
	}
	return crypto.HashTagged("certificate", parts...)
}

// ID returns the content hash of the certificate, signature included.
func (c *Certificate) ID() types.CertificateID {
	sh := c.SigningHash()
	return types.CertificateID(crypto.HashTagged("certificate_id", sh[:], c.Signature))
}

// Sign signs the certificate with the trusted sequencer key.
func (c *Certificate) Sign(key *crypto.PrivateKey) error {
	sh := c.SigningHash()
	sig, err := key.Sign(sh[:])
	if err != nil {
		return fmt.Errorf("sign certificate: %w", err)
	}
	c.Signature = sig
	return nil
}

// VerifySignature checks the certificate signature against a compressed public key.
func (c *Certificate) VerifySignature(publicKey []byte) bool {
	if len(c.Signature) == 0 {
		return false
	}
	sh := c.SigningHash()
	return crypto.VerifySignature(sh[:], c.Signature, publicKey)
}

// Validate performs stateless checks on the certificate contents.
func (c *Certificate) Validate() error {
	if len(c.BridgeExits) > MaxBridgeExits || len(c.ImportedBridgeExits) > MaxBridgeExits {
		return ErrTooManyExits
	}
	for i := range c.BridgeExits {
		if err := c.BridgeExits[i].validate(); err != nil {
			return fmt.Errorf("bridge exit %d: %w", i, err)
		}
	}
	for i := range c.ImportedBridgeExits {
		if err := c.ImportedBridgeExits[i].Exit.validate(); err != nil {
			return fmt.Errorf("imported bridge exit %d: %w", i, err)
		}
	}
	if len(c.Signature) != 0 && len(c.Signature) != crypto.SignatureSize {
		return fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureSize, len(c.Signature))
	}
	return nil
}
