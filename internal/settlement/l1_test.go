package settlement

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/Klingon-tech/klingnet-settler/internal/clock"
	"github.com/Klingon-tech/klingnet-settler/internal/storage"
	"github.com/Klingon-tech/klingnet-settler/internal/store"
	"github.com/Klingon-tech/klingnet-settler/pkg/types"
)

var testManager = common.HexToAddress("0x00000000000000000000000000000000000000aa")

type fakeBackend struct {
	mu       sync.Mutex
	head     uint64
	baseFee  *big.Int
	tip      *big.Int
	nonce    uint64
	sent     []*ethtypes.Transaction
	receipts map[common.Hash]*ethtypes.Receipt
	logs     []ethtypes.Log
	query    ethereum.FilterQuery
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		head:     100,
		baseFee:  big.NewInt(1_000),
		tip:      big.NewInt(10),
		nonce:    5,
		receipts: make(map[common.Hash]*ethtypes.Receipt),
	}
}

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*ethtypes.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &ethtypes.Header{Number: new(big.Int).SetUint64(f.head), BaseFee: f.baseFee}, nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.tip), nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *ethtypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionByHash(_ context.Context, hash common.Hash) (*ethtypes.Transaction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tx := range f.sent {
		if tx.Hash() == hash {
			return tx, false, nil
		}
	}
	return nil, false, ethereum.NotFound
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeBackend) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.query = q
	return f.logs, nil
}

func (f *fakeBackend) mine(hash common.Hash, block uint64, status uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts[hash] = &ethtypes.Receipt{Status: status, BlockNumber: new(big.Int).SetUint64(block), TxHash: hash}
}

func newTestL1(t *testing.T, backend *fakeBackend, cfg L1Config) (*L1Client, *clock.Manual) {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	clk := clock.NewManual(3)
	packer := NewEpochPacker(clk, store.NewState(storage.NewMemory()))
	cfg.ChainID = big.NewInt(1337)
	cfg.RollupManager = testManager
	if cfg.RollupIDs == nil {
		cfg.RollupIDs = map[types.NetworkID]uint32{7: 2}
	}
	c, err := NewL1Client(backend, cfg, key, packer)
	if err != nil {
		t.Fatal(err)
	}
	return c, clk
}

func testSubmission() *Submission {
	return &Submission{
		NetworkID:           7,
		Height:              4,
		CertificateID:       types.CertificateID{0xc1},
		L1InfoTreeLeafCount: 12,
		NewLocalExitRoot:    types.Hash{0x01},
		NewPessimisticRoot:  types.Hash{0x02},
		Proof:               []byte{0xde, 0xad},
	}
}

func TestL1Client_Submit(t *testing.T) {
	backend := newFakeBackend()
	c, _ := newTestL1(t, backend, L1Config{GasLimit: 500_000})

	hash, err := c.SubmitCertificateSettlement(context.Background(), testSubmission())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(backend.sent) != 1 {
		t.Fatalf("sent %d txs, want 1", len(backend.sent))
	}
	tx := backend.sent[0]
	if types.SettlementTxHash(tx.Hash()) != hash {
		t.Errorf("returned hash %s != tx hash %s", hash, tx.Hash())
	}
	if tx.Nonce() != 5 {
		t.Errorf("nonce = %d, want pending nonce 5", tx.Nonce())
	}
	if *tx.To() != testManager {
		t.Errorf("to = %s", tx.To())
	}
	if tx.Gas() != 500_000 {
		t.Errorf("gas = %d", tx.Gas())
	}
	if tx.GasFeeCap().Cmp(big.NewInt(2_010)) != 0 {
		t.Errorf("fee cap = %s, want 2010", tx.GasFeeCap())
	}

	sender, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(big.NewInt(1337)), tx)
	if err != nil || sender != c.From() {
		t.Errorf("sender = %s, %v; want %s", sender, err, c.From())
	}

	method, err := c.manager.abi.MethodById(tx.Data()[:4])
	if err != nil || method.Name != methodVerifyPessimistic {
		t.Fatalf("method = %v, %v", method, err)
	}
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		t.Fatal(err)
	}
	if args[0].(uint32) != 2 {
		t.Errorf("rollupID = %v, want 2", args[0])
	}
	if args[1].(uint32) != 12 {
		t.Errorf("l1InfoTreeLeafCount = %v, want 12", args[1])
	}
	if args[3].([32]byte) != [32]byte(types.Hash{0x02}) {
		t.Errorf("newPessimisticRoot = %x", args[3])
	}
}

func TestL1Client_SubmitReusesNonce(t *testing.T) {
	backend := newFakeBackend()
	c, _ := newTestL1(t, backend, L1Config{FeeBumpPercent: 10})

	sub := testSubmission()
	sub.Nonce = &NonceInfo{Nonce: 2, GasTipCap: big.NewInt(100), GasFeeCap: big.NewInt(5_000)}
	hash, err := c.SubmitCertificateSettlement(context.Background(), sub)
	if err != nil {
		t.Fatal(err)
	}
	tx := backend.sent[0]
	if tx.Nonce() != 2 {
		t.Errorf("nonce = %d, want 2", tx.Nonce())
	}
	if tx.GasTipCap().Cmp(big.NewInt(110)) != 0 {
		t.Errorf("tip = %s, want 110", tx.GasTipCap())
	}
	if tx.GasFeeCap().Cmp(big.NewInt(5_500)) != 0 {
		t.Errorf("fee cap = %s, want 5500", tx.GasFeeCap())
	}

	info, err := c.FetchSettlementNonce(context.Background(), hash)
	if err != nil || info.Nonce != 2 {
		t.Errorf("FetchSettlementNonce = %+v, %v", info, err)
	}
}

func TestL1Client_SubmitUnknownNetwork(t *testing.T) {
	c, _ := newTestL1(t, newFakeBackend(), L1Config{})
	sub := testSubmission()
	sub.NetworkID = 99
	if _, err := c.SubmitCertificateSettlement(context.Background(), sub); err == nil {
		t.Fatal("expected error for network without rollup id")
	}
}

func TestL1Client_ReceiptStatus(t *testing.T) {
	backend := newFakeBackend()
	c, _ := newTestL1(t, backend, L1Config{})
	ok := common.Hash{1}
	bad := common.Hash{2}
	backend.mine(ok, 90, ethtypes.ReceiptStatusSuccessful)
	backend.mine(bad, 91, ethtypes.ReceiptStatusFailed)

	tests := []struct {
		hash common.Hash
		want TxStatus
	}{
		{ok, TxSuccessful},
		{bad, TxReverted},
		{common.Hash{3}, TxNotFound},
	}
	for _, tt := range tests {
		got, err := c.FetchSettlementReceiptStatus(context.Background(), types.SettlementTxHash(tt.hash))
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.want {
			t.Errorf("status(%x) = %s, want %s", tt.hash[:1], got, tt.want)
		}
	}
}

func TestL1Client_WaitForSettlement(t *testing.T) {
	backend := newFakeBackend()
	c, _ := newTestL1(t, backend, L1Config{
		Confirmations: 3,
		PollInterval:  5 * time.Millisecond,
		WaitTimeout:   2 * time.Second,
	})
	hash := common.Hash{0xab}
	backend.mine(hash, 99, ethtypes.ReceiptStatusSuccessful) // 2 confirmations at head 100

	go func() {
		time.Sleep(30 * time.Millisecond)
		backend.mu.Lock()
		backend.head = 101
		backend.mu.Unlock()
	}()

	epoch, index, err := c.WaitForSettlement(context.Background(), types.SettlementTxHash(hash), types.CertificateID{9})
	if err != nil {
		t.Fatalf("WaitForSettlement: %v", err)
	}
	if epoch != 3 || index != 0 {
		t.Errorf("got (%d, %d), want (3, 0)", epoch, index)
	}
}

func TestL1Client_WaitForSettlementFailures(t *testing.T) {
	backend := newFakeBackend()
	c, _ := newTestL1(t, backend, L1Config{
		PollInterval: 5 * time.Millisecond,
		WaitTimeout:  30 * time.Millisecond,
	})

	t.Run("timeout", func(t *testing.T) {
		_, _, err := c.WaitForSettlement(context.Background(), types.SettlementTxHash{0x01}, types.CertificateID{1})
		if !IsTimeout(err) {
			t.Fatalf("err = %v, want timeout", err)
		}
	})

	t.Run("reverted", func(t *testing.T) {
		hash := common.Hash{0x02}
		backend.mine(hash, 100, ethtypes.ReceiptStatusFailed)
		_, _, err := c.WaitForSettlement(context.Background(), types.SettlementTxHash(hash), types.CertificateID{2})
		if !errors.Is(err, ErrReverted) {
			t.Fatalf("err = %v, want ErrReverted", err)
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, _, err := c.WaitForSettlement(ctx, types.SettlementTxHash{0x03}, types.CertificateID{3})
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	})
}

func verifyLog(t *testing.T, c *L1Client, rollupID uint32, newPP types.Hash, tx common.Hash, block uint64) ethtypes.Log {
	t.Helper()
	ev := c.manager.abi.Events[eventVerifyPessimistic]
	data, err := ev.Inputs.NonIndexed().Pack([32]byte{}, [32]byte(newPP), [32]byte{}, [32]byte{0x55}, [32]byte{})
	if err != nil {
		t.Fatal(err)
	}
	return ethtypes.Log{
		Address:     testManager,
		Topics:      []common.Hash{ev.ID, common.BigToHash(new(big.Int).SetUint64(uint64(rollupID)))},
		Data:        data,
		TxHash:      tx,
		BlockNumber: block,
	}
}

func TestL1Client_FetchLastSettledPPRoot(t *testing.T) {
	backend := newFakeBackend()
	c, _ := newTestL1(t, backend, L1Config{FromBlock: 42})

	if _, _, ok, err := c.FetchLastSettledPPRoot(context.Background(), 7); ok || err != nil {
		t.Fatalf("empty logs: ok=%v err=%v", ok, err)
	}

	older := verifyLog(t, c, 2, types.Hash{0x0a}, common.Hash{0xa0}, 50)
	newer := verifyLog(t, c, 2, types.Hash{0x0b}, common.Hash{0xb0}, 60)
	removed := verifyLog(t, c, 2, types.Hash{0x0c}, common.Hash{0xc0}, 61)
	removed.Removed = true
	backend.logs = []ethtypes.Log{older, newer, removed}

	root, tx, ok, err := c.FetchLastSettledPPRoot(context.Background(), 7)
	if err != nil || !ok {
		t.Fatalf("FetchLastSettledPPRoot: ok=%v err=%v", ok, err)
	}
	if root != (types.Hash{0x0b}) {
		t.Errorf("root = %s, want newest non-removed", root)
	}
	if tx != types.SettlementTxHash(common.Hash{0xb0}) {
		t.Errorf("tx = %s", tx)
	}
	if backend.query.FromBlock.Uint64() != 42 || len(backend.query.Topics) != 2 {
		t.Errorf("unexpected filter query %+v", backend.query)
	}
}

func TestBump(t *testing.T) {
	tests := []struct {
		in   *big.Int
		pct  uint64
		want int64
	}{
		{big.NewInt(100), 10, 110},
		{big.NewInt(1), 10, 2},
		{big.NewInt(0), 10, 1},
		{nil, 10, 0},
	}
	for _, tt := range tests {
		if got := bump(tt.in, tt.pct); got.Int64() != tt.want {
			t.Errorf("bump(%v, %d) = %s, want %d", tt.in, tt.pct, got, tt.want)
		}
	}
}
