// Package keystore keeps the node's signing keys in passphrase-encrypted
// files: the L1 account that sends settlement transactions, and sequencer
// keys used to sign certificates from the CLI.
package keystore

import (
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/Klingon-tech/klingnet-settler/pkg/crypto"
)

// Kind is the purpose of a stored key.
type Kind string

const (
	// KindL1Signer is an Ethereum account key for settlement transactions.
	KindL1Signer Kind = "l1-signer"
	// KindSequencer is a Schnorr key signing certificates of one network.
	KindSequencer Kind = "sequencer"
)

const (
	fileVersion = 1
	fileExt     = ".key"
)

// ErrExists is returned when creating a key under a taken name.
var ErrExists = errors.New("key already exists")

// Entry describes a stored key without its secret.
type Entry struct {
	Name      string    `json:"name"`
	Kind      Kind      `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
	// Address is the L1 address of an l1-signer key, the compressed public
	// key of a sequencer key.
	Address string `json:"address"`
}

type keyFile struct {
	Version int `json:"version"`
	Entry
	Encrypted []byte `json:"encrypted_key"`
}

// Keystore is a directory of key files.
type Keystore struct {
	dir    string
	params Params
}

// New opens the keystore in dir, creating the directory if needed.
func New(dir string, params Params) (*Keystore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create keystore dir: %w", err)
	}
	return &Keystore{dir: dir, params: params}, nil
}

func (ks *Keystore) path(name string) string {
	return filepath.Join(ks.dir, name+fileExt)
}

func validName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid key name %q", name)
	}
	return nil
}

// address derives the public identifier of a raw key.
func address(kind Kind, secret []byte) (string, error) {
	switch kind {
	case KindL1Signer:
		key, err := gethcrypto.ToECDSA(secret)
		if err != nil {
			return "", fmt.Errorf("invalid l1 key: %w", err)
		}
		return gethcrypto.PubkeyToAddress(key.PublicKey).Hex(), nil
	case KindSequencer:
		key, err := crypto.PrivateKeyFromBytes(secret)
		if err != nil {
			return "", fmt.Errorf("invalid sequencer key: %w", err)
		}
		return hex.EncodeToString(key.PublicKey()), nil
	default:
		return "", fmt.Errorf("unknown key kind %q", kind)
	}
}

// Import encrypts an existing raw 32-byte key under name.
func (ks *Keystore) Import(name string, kind Kind, secret, passphrase []byte) (*Entry, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	path := ks.path(name)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: %q", ErrExists, name)
	}
	addr, err := address(kind, secret)
	if err != nil {
		return nil, err
	}
	sealed, err := seal(secret, passphrase, ks.params)
	if err != nil {
		return nil, err
	}

	kf := keyFile{
		Version: fileVersion,
		Entry: Entry{
			Name:      name,
			Kind:      kind,
			CreatedAt: time.Now().UTC(),
			Address:   addr,
		},
		Encrypted: sealed,
	}
	data, err := json.MarshalIndent(&kf, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	return &kf.Entry, nil
}

// Generate creates a fresh key of the given kind.
func (ks *Keystore) Generate(name string, kind Kind, passphrase []byte) (*Entry, error) {
	var secret []byte
	switch kind {
	case KindL1Signer:
		key, err := gethcrypto.GenerateKey()
		if err != nil {
			return nil, err
		}
		secret = gethcrypto.FromECDSA(key)
	case KindSequencer:
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, err
		}
		secret = key.Serialize()
		key.Zero()
	default:
		return nil, fmt.Errorf("unknown key kind %q", kind)
	}
	defer zero(secret)
	return ks.Import(name, kind, secret, passphrase)
}

func (ks *Keystore) read(name string) (*keyFile, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(ks.path(name))
	if err != nil {
		return nil, fmt.Errorf("read key %q: %w", name, err)
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("parse key %q: %w", name, err)
	}
	if kf.Version != fileVersion {
		return nil, fmt.Errorf("key %q: unsupported file version %d", name, kf.Version)
	}
	return &kf, nil
}

// Decrypt returns the raw key stored under name.
func (ks *Keystore) Decrypt(name string, passphrase []byte) (*Entry, []byte, error) {
	kf, err := ks.read(name)
	if err != nil {
		return nil, nil, err
	}
	secret, err := open(kf.Encrypted, passphrase)
	if err != nil {
		return nil, nil, fmt.Errorf("key %q: %w", name, err)
	}
	return &kf.Entry, secret, nil
}

func (ks *Keystore) decryptKind(name string, kind Kind, passphrase []byte) ([]byte, error) {
	entry, secret, err := ks.Decrypt(name, passphrase)
	if err != nil {
		return nil, err
	}
	if entry.Kind != kind {
		zero(secret)
		return nil, fmt.Errorf("key %q is a %s key, want %s", name, entry.Kind, kind)
	}
	return secret, nil
}

// L1Signer loads an l1-signer key.
func (ks *Keystore) L1Signer(name string, passphrase []byte) (*ecdsa.PrivateKey, error) {
	secret, err := ks.decryptKind(name, KindL1Signer, passphrase)
	if err != nil {
		return nil, err
	}
	defer zero(secret)
	return gethcrypto.ToECDSA(secret)
}

// Sequencer loads a sequencer key.
func (ks *Keystore) Sequencer(name string, passphrase []byte) (*crypto.PrivateKey, error) {
	secret, err := ks.decryptKind(name, KindSequencer, passphrase)
	if err != nil {
		return nil, err
	}
	defer zero(secret)
	return crypto.PrivateKeyFromBytes(secret)
}

// List returns every stored key, sorted by name.
func (ks *Keystore) List() ([]Entry, error) {
	files, err := os.ReadDir(ks.dir)
	if err != nil {
		return nil, fmt.Errorf("read keystore dir: %w", err)
	}
	var out []Entry
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != fileExt {
			continue
		}
		kf, err := ks.read(strings.TrimSuffix(f.Name(), fileExt))
		if err != nil {
			return nil, err
		}
		out = append(out, kf.Entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
