package types

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestHash_IsZero(t *testing.T) {
	var zero Hash
	if !zero.IsZero() {
		t.Error("zero-value Hash should be zero")
	}

	nonZero := Hash{0x01}
	if nonZero.IsZero() {
		t.Error("non-zero Hash should not be zero")
	}
}

func TestHash_String(t *testing.T) {
	var h Hash
	s := h.String()
	if s != strings.Repeat("0", 64) {
		t.Errorf("zero hash String() = %s, want all zeros", s)
	}

	h[0] = 0xab
	h[31] = 0xcd
	s = h.String()
	if !strings.HasPrefix(s, "ab") || !strings.HasSuffix(s, "cd") {
		t.Errorf("String() = %s, want ab...cd", s)
	}
	if got := h.Short(); got != "ab00000000000000" {
		t.Errorf("Short() = %s", got)
	}
}

func TestHash_Bytes(t *testing.T) {
	h := Hash{0x01, 0x02, 0x03}
	b := h.Bytes()

	if len(b) != HashSize {
		t.Errorf("Bytes() length = %d, want %d", len(b), HashSize)
	}
	b[0] = 0xFF
	if h[0] == 0xFF {
		t.Error("Bytes() should return a copy, not a reference")
	}
}

func TestHexToHash(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"plain", strings.Repeat("ab", 32), false},
		{"0x prefix", "0x" + strings.Repeat("cd", 32), false},
		{"too short", "abcd", true},
		{"too long", strings.Repeat("ab", 33), true},
		{"not hex", strings.Repeat("zz", 32), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := HexToHash(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("HexToHash(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestHash_JSON(t *testing.T) {
	h := Hash{0xde, 0xad}
	data, err := json.Marshal(h)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.HasPrefix(string(data), `"0xdead`) {
		t.Errorf("Marshal = %s, want 0x prefix", data)
	}

	var back Hash
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back != h {
		t.Errorf("round trip = %s, want %s", back, h)
	}

	var empty Hash
	if err := json.Unmarshal([]byte(`""`), &empty); err != nil || !empty.IsZero() {
		t.Errorf("empty string should decode to zero hash, err=%v", err)
	}
}

func TestCertificateID_JSON(t *testing.T) {
	id := CertificateID{0x42}
	data, err := json.Marshal(struct {
		ID CertificateID `json:"id"`
	}{id})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out struct {
		ID CertificateID `json:"id"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.ID != id {
		t.Errorf("got %s, want %s", out.ID, id)
	}
}

func TestSettlementTxHash_String(t *testing.T) {
	tx := SettlementTxHash{0x01}
	if !strings.HasPrefix(tx.String(), "0x01") {
		t.Errorf("String() = %s, want 0x01...", tx.String())
	}
}

func TestNextHelpers(t *testing.T) {
	if Height(4).Next() != 5 {
		t.Error("Height.Next")
	}
	if EpochNumber(0).Next() != 1 {
		t.Error("EpochNumber.Next")
	}
	if NetworkID(7).String() != "7" {
		t.Error("NetworkID.String")
	}
}
