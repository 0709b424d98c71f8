package keystore

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Sealed key layout:
// version(1) | salt(32) | memory(4) | iterations(4) | parallelism(1) | nonce(24) | ciphertext
const (
	sealVersion byte = 1
	saltSize         = 32
	headerSize       = 1 + saltSize + 4 + 4 + 1
)

// ErrDecrypt is returned for a wrong passphrase or a damaged key file.
var ErrDecrypt = errors.New("cannot decrypt key: wrong passphrase or corrupt file")

// Params are the Argon2id cost parameters.
type Params struct {
	Memory      uint32 // KiB
	Iterations  uint32
	Parallelism uint8
}

// DefaultParams returns the parameters used for new key files.
func DefaultParams() Params {
	return Params{
		Memory:      64 * 1024,
		Iterations:  3,
		Parallelism: 4,
	}
}

func (p Params) validate() error {
	if p.Memory < 8*uint32(p.Parallelism) || p.Iterations == 0 || p.Parallelism == 0 {
		return fmt.Errorf("invalid argon2 parameters %+v", p)
	}
	return nil
}

func deriveKey(passphrase, salt []byte, p Params) []byte {
	return argon2.IDKey(passphrase, salt, p.Iterations, p.Memory, p.Parallelism, chacha20poly1305.KeySize)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// seal encrypts secret under passphrase with Argon2id and XChaCha20-Poly1305.
// The header is authenticated as additional data.
func seal(secret, passphrase []byte, p Params) ([]byte, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	header := make([]byte, 0, headerSize)
	header = append(header, sealVersion)
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	header = append(header, salt...)
	header = binary.LittleEndian.AppendUint32(header, p.Memory)
	header = binary.LittleEndian.AppendUint32(header, p.Iterations)
	header = append(header, p.Parallelism)

	key := deriveKey(passphrase, salt, p)
	defer zero(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := append(header, nonce...)
	return aead.Seal(out, nonce, secret, header), nil
}

// open reverses seal.
func open(sealed, passphrase []byte) ([]byte, error) {
	nonceSize := chacha20poly1305.NonceSizeX
	if len(sealed) < headerSize+nonceSize+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: %d bytes", ErrDecrypt, len(sealed))
	}
	if sealed[0] != sealVersion {
		return nil, fmt.Errorf("unsupported key encryption version %d", sealed[0])
	}

	header := sealed[:headerSize]
	salt := header[1 : 1+saltSize]
	p := Params{
		Memory:      binary.LittleEndian.Uint32(header[1+saltSize:]),
		Iterations:  binary.LittleEndian.Uint32(header[1+saltSize+4:]),
		Parallelism: header[1+saltSize+8],
	}
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	nonce := sealed[headerSize : headerSize+nonceSize]

	key := deriveKey(passphrase, salt, p)
	defer zero(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	secret, err := aead.Open(nil, nonce, sealed[headerSize+nonceSize:], header)
	if err != nil {
		return nil, ErrDecrypt
	}
	return secret, nil
}
