package store

import (
	"testing"

	"github.com/Klingon-tech/klingnet-settler/internal/storage"
	"github.com/Klingon-tech/klingnet-settler/pkg/certificate"
	"github.com/Klingon-tech/klingnet-settler/pkg/types"
)

func testCert(network types.NetworkID, height types.Height) *certificate.Certificate {
	return &certificate.Certificate{
		NetworkID: network,
		Height:    height,
		Metadata:  types.Hash{byte(network), byte(height)},
	}
}

func TestPending_CertificateRoundTrip(t *testing.T) {
	ps := NewPending(storage.NewMemory())

	got, err := ps.GetCertificate(1, 0)
	if err != nil || got != nil {
		t.Fatalf("GetCertificate on empty store = %v, %v; want nil, nil", got, err)
	}

	cert := testCert(1, 0)
	if err := ps.InsertPendingCertificate(cert); err != nil {
		t.Fatalf("InsertPendingCertificate: %v", err)
	}
	got, err = ps.GetCertificate(1, 0)
	if err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	if got == nil || got.ID() != cert.ID() {
		t.Fatalf("GetCertificate returned %v, want %s", got, cert.ID())
	}

	if err := ps.RemovePendingCertificate(1, 0); err != nil {
		t.Fatalf("RemovePendingCertificate: %v", err)
	}
	if got, _ := ps.GetCertificate(1, 0); got != nil {
		t.Error("certificate still present after removal")
	}
}

func TestPending_ListNetworksAndLatest(t *testing.T) {
	ps := NewPending(storage.NewMemory())
	for _, c := range []*certificate.Certificate{testCert(3, 0), testCert(1, 0), testCert(1, 1), testCert(1, 2)} {
		if err := ps.InsertPendingCertificate(c); err != nil {
			t.Fatal(err)
		}
	}

	nets, err := ps.ListNetworks()
	if err != nil {
		t.Fatalf("ListNetworks: %v", err)
	}
	if len(nets) != 2 || nets[0] != 1 || nets[1] != 3 {
		t.Errorf("ListNetworks = %v, want [1 3]", nets)
	}

	latest, err := ps.LatestPendingCertificate(1)
	if err != nil || latest == nil || latest.Height != 2 {
		t.Errorf("LatestPendingCertificate(1) = %v, %v; want height 2", latest, err)
	}
	if none, _ := ps.LatestPendingCertificate(9); none != nil {
		t.Error("LatestPendingCertificate(9) should be nil")
	}
}

func TestPending_LatestProven(t *testing.T) {
	ps := NewPending(storage.NewMemory())
	if _, _, ok, err := ps.GetLatestProvenCertificatePerNetwork(1); ok || err != nil {
		t.Fatalf("expected nothing proven, ok=%v err=%v", ok, err)
	}
	id := types.CertificateID{0xaa}
	if err := ps.SetLatestProvenCertificatePerNetwork(1, 5, id); err != nil {
		t.Fatal(err)
	}
	h, gotID, ok, err := ps.GetLatestProvenCertificatePerNetwork(1)
	if err != nil || !ok || h != 5 || gotID != id {
		t.Errorf("latest proven = %d %s %v %v", h, gotID, ok, err)
	}
}

func TestPending_HeaderUpdate(t *testing.T) {
	ps := NewPending(storage.NewMemory())
	cert := testCert(2, 0)
	hdr := certificate.NewHeader(cert)
	if err := ps.InsertCertificateHeader(hdr); err != nil {
		t.Fatal(err)
	}

	err := ps.UpdateCertificateHeader(hdr.CertificateID, func(h *certificate.Header) {
		h.Status = certificate.StatusProven
	})
	if err != nil {
		t.Fatalf("UpdateCertificateHeader: %v", err)
	}
	got, err := ps.GetCertificateHeader(hdr.CertificateID)
	if err != nil || got == nil || got.Status != certificate.StatusProven {
		t.Errorf("header after update = %+v, %v", got, err)
	}

	if err := ps.UpdateCertificateHeader(types.CertificateID{0x01}, func(*certificate.Header) {}); err == nil {
		t.Error("expected error updating a missing header")
	}
}

func TestPending_SettlementTxHashes(t *testing.T) {
	ps := NewPending(storage.NewMemory())
	id := types.CertificateID{0x10}
	a := types.SettlementTxHash{0x01}
	b := types.SettlementTxHash{0x02}

	for _, tx := range []types.SettlementTxHash{a, b, a} {
		if err := ps.AddSettlementTxHash(id, tx); err != nil {
			t.Fatal(err)
		}
	}
	got, err := ps.GetSettlementTxHashes(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != a || got[1] != b {
		t.Errorf("GetSettlementTxHashes = %v, want [a b] in insertion order", got)
	}

	other, _ := ps.GetSettlementTxHashes(types.CertificateID{0x11})
	if len(other) != 0 {
		t.Errorf("unrelated certificate has hashes: %v", other)
	}
}

func TestPending_Proof(t *testing.T) {
	ps := NewPending(storage.NewMemory())
	id := types.CertificateID{0x20}
	if p, err := ps.GetProof(id); p != nil || err != nil {
		t.Fatalf("GetProof on empty = %v, %v", p, err)
	}
	proof := &certificate.Proof{Bytes: []byte{1, 2, 3}, NewPessimisticRoot: types.Hash{9}}
	if err := ps.InsertProof(id, proof); err != nil {
		t.Fatal(err)
	}
	got, err := ps.GetProof(id)
	if err != nil || got == nil || got.NewPessimisticRoot != proof.NewPessimisticRoot || len(got.Bytes) != 3 {
		t.Errorf("GetProof = %+v, %v", got, err)
	}
}
