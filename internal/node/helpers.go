package node

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Klingon-tech/klingnet-settler/pkg/types"
)

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// readPassphrase returns the passphrase of keystore entry name, read from
// file when set and asked through ask otherwise.
func readPassphrase(file, name string, ask PassphraseFunc) ([]byte, error) {
	if file != "" {
		data, err := os.ReadFile(expandHome(file))
		if err != nil {
			return nil, fmt.Errorf("read passphrase file: %w", err)
		}
		pass := []byte(strings.TrimRight(string(data), "\r\n"))
		clear(data)
		return pass, nil
	}
	if ask == nil {
		return nil, fmt.Errorf("key %q needs a passphrase: set l1.keypassfile", name)
	}
	pass, err := ask(name)
	if err != nil {
		return nil, fmt.Errorf("read passphrase for %q: %w", name, err)
	}
	return pass, nil
}

// trustedSequencers decodes the configured sequencer public keys.
func trustedSequencers(hexKeys map[types.NetworkID]string) (map[types.NetworkID][]byte, error) {
	keys := make(map[types.NetworkID][]byte, len(hexKeys))
	for id, h := range hexKeys {
		b, err := hex.DecodeString(strings.TrimPrefix(h, "0x"))
		if err != nil {
			return nil, fmt.Errorf("decode sequencer key of network %d: %w", id, err)
		}
		keys[id] = b
	}
	return keys, nil
}

// zeroKey wipes the scalar of a private key.
func zeroKey(k *ecdsa.PrivateKey) {
	if k.D != nil {
		k.D.SetInt64(0)
	}
}
