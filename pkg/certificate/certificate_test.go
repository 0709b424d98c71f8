package certificate

import (
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Klingon-tech/klingnet-settler/pkg/crypto"
	"github.com/Klingon-tech/klingnet-settler/pkg/types"
)

func testExit(amount int64) BridgeExit {
	return BridgeExit{
		LeafType:           LeafTypeAsset,
		TokenOriginNetwork: 0,
		TokenAddress:       common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		DestNetwork:        1,
		DestAddress:        common.HexToAddress("0x00000000000000000000000000000000000000bb"),
		Amount:             big.NewInt(amount),
	}
}

func buildCert(t *testing.T, state *LocalNetworkStateData, height types.Height, exits ...BridgeExit) *Certificate {
	t.Helper()
	newRoot, err := ComputeNewLocalExitRoot(state.ExitTree, exits)
	if err != nil {
		t.Fatalf("ComputeNewLocalExitRoot: %v", err)
	}
	return &Certificate{
		NetworkID:         7,
		Height:            height,
		PrevLocalExitRoot: state.ExitTree.Root,
		NewLocalExitRoot:  newRoot,
		BridgeExits:       exits,
	}
}

func TestCertificate_IDChangesWithContent(t *testing.T) {
	state := &LocalNetworkStateData{}
	a := buildCert(t, state, 0, testExit(10))
	b := buildCert(t, state, 0, testExit(11))
	if a.ID() == b.ID() {
		t.Error("different exits produced the same ID")
	}

	c := buildCert(t, state, 1, testExit(10))
	if a.ID() == c.ID() {
		t.Error("different heights produced the same ID")
	}

	if a.ID() != buildCert(t, state, 0, testExit(10)).ID() {
		t.Error("ID is not deterministic")
	}
}

func TestCertificate_SignAndVerify(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	cert := buildCert(t, &LocalNetworkStateData{}, 0, testExit(5))

	if cert.VerifySignature(key.PublicKey()) {
		t.Error("unsigned certificate verified")
	}
	unsignedID := cert.ID()

	if err := cert.Sign(key); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !cert.VerifySignature(key.PublicKey()) {
		t.Error("signed certificate rejected")
	}
	if cert.ID() == unsignedID {
		t.Error("signature should be part of the ID")
	}

	cert.Height = 9
	if cert.VerifySignature(key.PublicKey()) {
		t.Error("tampered certificate verified")
	}
}

func TestCertificate_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Certificate)
		wantErr error
	}{
		{"valid", func(c *Certificate) {}, nil},
		{"bad leaf type", func(c *Certificate) { c.BridgeExits[0].LeafType = 9 }, ErrInvalidLeafType},
		{"negative amount", func(c *Certificate) { c.BridgeExits[0].Amount = big.NewInt(-1) }, ErrNegativeAmount},
		{"imported negative", func(c *Certificate) {
			c.ImportedBridgeExits = []ImportedBridgeExit{{Exit: testExit(-3)}}
		}, ErrNegativeAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cert := buildCert(t, &LocalNetworkStateData{}, 0, testExit(1))
			tt.mutate(cert)
			err := cert.Validate()
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}

	cert := buildCert(t, &LocalNetworkStateData{}, 0)
	cert.Signature = []byte{1, 2, 3}
	if err := cert.Validate(); err == nil {
		t.Error("expected error for short signature")
	}
}

func TestCertificate_JSONPreservesID(t *testing.T) {
	key, _ := crypto.GenerateKey()
	cert := buildCert(t, &LocalNetworkStateData{}, 3, testExit(42), testExit(7))
	cert.ImportedBridgeExits = []ImportedBridgeExit{{GlobalIndex: 11, SourceNetwork: 2, Exit: testExit(1)}}
	if err := cert.Sign(key); err != nil {
		t.Fatal(err)
	}

	data, err := json.Marshal(cert)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded Certificate
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.ID() != cert.ID() {
		t.Errorf("ID changed across JSON: %s != %s", decoded.ID(), cert.ID())
	}
}

func TestStatus_JSON(t *testing.T) {
	for s := StatusPending; s <= StatusSettled; s++ {
		data, err := json.Marshal(s)
		if err != nil {
			t.Fatalf("Marshal(%v): %v", s, err)
		}
		var back Status
		if err := json.Unmarshal(data, &back); err != nil {
			t.Fatalf("Unmarshal(%s): %v", data, err)
		}
		if back != s {
			t.Errorf("round trip %v -> %v", s, back)
		}
	}
	var s Status
	if err := json.Unmarshal([]byte(`"Bogus"`), &s); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestNewHeader(t *testing.T) {
	cert := buildCert(t, &LocalNetworkStateData{}, 4, testExit(1))
	h := NewHeader(cert)
	if h.Status != StatusPending {
		t.Errorf("Status = %v, want Pending", h.Status)
	}
	if h.CertificateID != cert.ID() || h.Height != 4 || h.NetworkID != 7 {
		t.Errorf("header fields mismatch: %+v", h)
	}
}
