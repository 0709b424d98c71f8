package settlement

import (
	"context"
	"errors"
	"testing"

	"github.com/Klingon-tech/klingnet-settler/internal/clock"
	"github.com/Klingon-tech/klingnet-settler/internal/storage"
	"github.com/Klingon-tech/klingnet-settler/internal/store"
	"github.com/Klingon-tech/klingnet-settler/pkg/types"
)

func TestSimulated_Lifecycle(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(1)
	sim := NewSimulated(NewEpochPacker(clk, store.NewState(storage.NewMemory())))

	if _, _, ok, _ := sim.FetchLastSettledPPRoot(ctx, 7); ok {
		t.Fatal("fresh simulator reports a settled root")
	}

	sub := testSubmission()
	hash, err := sim.SubmitCertificateSettlement(ctx, sub)
	if err != nil {
		t.Fatal(err)
	}
	if st, _ := sim.FetchSettlementReceiptStatus(ctx, hash); st != TxSuccessful {
		t.Errorf("status = %s, want successful", st)
	}
	root, tx, ok, err := sim.FetchLastSettledPPRoot(ctx, 7)
	if err != nil || !ok || root != sub.NewPessimisticRoot || tx != hash {
		t.Errorf("last root = %s %s %v %v", root, tx, ok, err)
	}

	epoch, index, err := sim.WaitForSettlement(ctx, hash, sub.CertificateID)
	if err != nil || epoch != 1 || index != 0 {
		t.Errorf("WaitForSettlement = (%d, %d, %v), want (1, 0, nil)", epoch, index, err)
	}

	// A replacement keeps the nonce of the first attempt.
	info, err := sim.FetchSettlementNonce(ctx, hash)
	if err != nil {
		t.Fatal(err)
	}
	sub.Nonce = info
	replacement, err := sim.SubmitCertificateSettlement(ctx, sub)
	if err != nil {
		t.Fatal(err)
	}
	if replacement == hash {
		t.Error("replacement has the same hash")
	}
	if info2, _ := sim.FetchSettlementNonce(ctx, replacement); info2.Nonce != info.Nonce {
		t.Errorf("replacement nonce = %d, want %d", info2.Nonce, info.Nonce)
	}

	sim.Revert(replacement)
	if _, _, err := sim.WaitForSettlement(ctx, replacement, sub.CertificateID); !errors.Is(err, ErrReverted) {
		t.Errorf("err = %v, want ErrReverted", err)
	}
	if _, _, err := sim.WaitForSettlement(ctx, types.SettlementTxHash{0xff}, sub.CertificateID); !IsTimeout(err) {
		t.Errorf("unknown tx err = %v, want timeout", err)
	}
}

func TestEpochPacker_Idempotent(t *testing.T) {
	clk := clock.NewManual(3)
	p := NewEpochPacker(clk, store.NewState(storage.NewMemory()))

	e, i, err := p.Pack(types.CertificateID{1})
	if err != nil || e != 3 || i != 0 {
		t.Fatalf("first pack = (%d, %d, %v)", e, i, err)
	}
	clk.Advance()
	e, i, _ = p.Pack(types.CertificateID{1})
	if e != 3 || i != 0 {
		t.Errorf("repack = (%d, %d), want original (3, 0)", e, i)
	}
	e, i, _ = p.Pack(types.CertificateID{2})
	if e != 4 || i != 0 {
		t.Errorf("new cert in next epoch = (%d, %d), want (4, 0)", e, i)
	}
}
