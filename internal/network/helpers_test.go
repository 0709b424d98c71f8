package network

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-settler/internal/clock"
	"github.com/Klingon-tech/klingnet-settler/internal/settlement"
	"github.com/Klingon-tech/klingnet-settler/internal/storage"
	"github.com/Klingon-tech/klingnet-settler/internal/store"
	"github.com/Klingon-tech/klingnet-settler/pkg/certificate"
	"github.com/Klingon-tech/klingnet-settler/pkg/crypto"
	"github.com/Klingon-tech/klingnet-settler/pkg/types"
)

const testNetwork types.NetworkID = 7

// fakeClient is a scripted settlement client.
type fakeClient struct {
	mu         sync.Mutex
	clock      clock.Clock
	seq        byte
	submitErr  error
	nonceErr   error
	submitted  []settlement.Submission
	receipts   map[types.SettlementTxHash]settlement.TxStatus
	receiptErr map[types.SettlementTxHash]error
	waitErr    map[types.SettlementTxHash]error
	lastRoot   *types.Hash
	lastTx     types.SettlementTxHash
	rootErr    error
}

func newFakeClient(c clock.Clock) *fakeClient {
	return &fakeClient{
		clock:      c,
		receipts:   make(map[types.SettlementTxHash]settlement.TxStatus),
		receiptErr: make(map[types.SettlementTxHash]error),
		waitErr:    make(map[types.SettlementTxHash]error),
	}
}

func (f *fakeClient) SubmitCertificateSettlement(_ context.Context, s *settlement.Submission) (types.SettlementTxHash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, *s)
	if f.submitErr != nil {
		return types.SettlementTxHash{}, f.submitErr
	}
	f.seq++
	hash := types.SettlementTxHash{0xee, f.seq}
	f.receipts[hash] = settlement.TxSuccessful
	return hash, nil
}

func (f *fakeClient) FetchSettlementNonce(_ context.Context, hash types.SettlementTxHash) (*settlement.NonceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nonceErr != nil {
		return nil, f.nonceErr
	}
	return &settlement.NonceInfo{Nonce: uint64(hash[1])}, nil
}

func (f *fakeClient) FetchSettlementReceiptStatus(_ context.Context, hash types.SettlementTxHash) (settlement.TxStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.receiptErr[hash]; err != nil {
		return settlement.TxNotFound, err
	}
	return f.receipts[hash], nil
}

func (f *fakeClient) WaitForSettlement(_ context.Context, hash types.SettlementTxHash, _ types.CertificateID) (types.EpochNumber, types.CertificateIndex, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.waitErr[hash]; err != nil {
		return 0, 0, err
	}
	return f.clock.CurrentEpoch(), 0, nil
}

func (f *fakeClient) FetchLastSettledPPRoot(context.Context, types.NetworkID) (types.Hash, types.SettlementTxHash, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rootErr != nil {
		return types.Hash{}, types.SettlementTxHash{}, false, f.rootErr
	}
	if f.lastRoot == nil {
		return types.Hash{}, types.SettlementTxHash{}, false, nil
	}
	return *f.lastRoot, f.lastTx, true, nil
}

func (f *fakeClient) submissions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

// script is the body of a fake worker.
type script func(ctx context.Context, cert *certificate.Certificate, msgs chan<- Message) error

type fakeWorker struct {
	done chan struct{}
	err  error
}

func (w *fakeWorker) Wait() error {
	<-w.done
	return w.err
}

// fakeSpawner runs scripts and records concurrency.
type fakeSpawner struct {
	script script

	mu        sync.Mutex
	active    int
	maxActive int
	spawned   []types.Height
}

func (s *fakeSpawner) Spawn(ctx context.Context, cert *certificate.Certificate, msgs chan<- Message) Worker {
	s.mu.Lock()
	s.active++
	if s.active > s.maxActive {
		s.maxActive = s.active
	}
	s.spawned = append(s.spawned, cert.Height)
	s.mu.Unlock()

	w := &fakeWorker{done: make(chan struct{})}
	go func() {
		defer close(w.done)
		defer close(msgs)
		defer func() {
			s.mu.Lock()
			s.active--
			s.mu.Unlock()
		}()
		w.err = s.script(ctx, cert, msgs)
	}()
	return w
}

func (s *fakeSpawner) heights() []types.Height {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Height(nil), s.spawned...)
}

func (s *fakeSpawner) peak() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxActive
}

// nextState is the deterministic state the settling script reports.
func nextState(prev *certificate.LocalNetworkStateData, height types.Height) (*certificate.LocalNetworkStateData, types.Hash) {
	leaf := crypto.Hash([]byte{byte(height), 0x42})
	next := prev.Clone()
	next.ExitTree.Root = crypto.HashConcat(next.ExitTree.Root, leaf)
	next.ExitTree.LeafCount++
	return next, leaf
}

// settlingScript walks the full worker protocol and settles.
func settlingScript(_ context.Context, cert *certificate.Certificate, msgs chan<- Message) error {
	id := cert.ID()
	fail := func(err error) error {
		msgs <- CertificateErrored{CertificateID: id, Err: err}
		return nil
	}

	sr := make(chan StateReply, 1)
	msgs <- GetLocalNetworkStateBeforeHeight{Height: cert.Height, Reply: sr}
	st := <-sr
	if st.Err != nil {
		return fail(st.Err)
	}
	next, leaf := nextState(st.State, cert.Height)
	msgs <- CertificateExecuted{Height: cert.Height, CertificateID: id, NewState: next, ExitLeaves: []types.Hash{leaf}}
	msgs <- CertificateProven{Height: cert.Height, CertificateID: id}

	root := next.PessimisticRoot(cert.NetworkID)
	sub := make(chan SubmitReply, 1)
	msgs <- CertificateReadyForSettlement{
		Height:        cert.Height,
		CertificateID: id,
		Submission:    &settlement.Submission{},
		NewPPRoot:     root,
		Reply:         sub,
	}
	sent := <-sub
	if sent.Err != nil {
		return fail(sent.Err)
	}

	wr := make(chan SettlementResult, 1)
	msgs <- CertificateWaitingForSettlement{CertificateID: id, TxHash: sent.TxHash, NewPPRoot: root, Reply: wr}
	res := <-wr
	if res.Kind != ResultSettled {
		return fail(errors.New(res.Kind.String()))
	}
	msgs <- CertificateSettled{
		Settled: certificate.SettledCertificate{CertificateID: id, Height: cert.Height, Epoch: res.Epoch, Index: res.Index},
		TxHash:  sent.TxHash,
	}
	return nil
}

type env struct {
	db      *storage.MemoryDB
	pending *store.Pending
	store   *store.State
	state   StateStore
	clock   *clock.Manual
	client  *fakeClient
	spawner *fakeSpawner
	notify  chan NewCertificate
}

func newEnv(t *testing.T, epoch types.EpochNumber) *env {
	t.Helper()
	db := storage.NewMemory()
	clk := clock.NewManual(epoch)
	st := store.NewState(storage.NewPrefixDB(db, []byte("s/")))
	return &env{
		db:      db,
		pending: store.NewPending(storage.NewPrefixDB(db, []byte("p/"))),
		store:   st,
		state:   st,
		clock:   clk,
		client:  newFakeClient(clk),
		spawner: &fakeSpawner{script: settlingScript},
		notify:  make(chan NewCertificate, 8),
	}
}

func (e *env) newTask(t *testing.T) *Task {
	t.Helper()
	task, err := New(Config{
		NetworkID:     testNetwork,
		Pending:       e.pending,
		State:         e.state,
		Settlement:    e.client,
		Clock:         e.clock,
		Spawner:       e.spawner,
		Notifications: e.notify,
		Metrics:       NewMetrics(nil),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return task
}

func (e *env) addCert(t *testing.T, height types.Height) *certificate.Certificate {
	t.Helper()
	cert := &certificate.Certificate{
		NetworkID: testNetwork,
		Height:    height,
		Metadata:  types.Hash{0x10, byte(height)},
	}
	if err := e.pending.InsertPendingCertificate(cert); err != nil {
		t.Fatal(err)
	}
	return cert
}

type runResult struct {
	network types.NetworkID
	err     error
}

// start runs the task in the background. done is closed when Run returns;
// stop cancels the task and returns what Run returned.
func start(t *testing.T, task *Task) (<-chan struct{}, func() runResult) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var res runResult
	go func() {
		id, err := task.Run(ctx)
		res = runResult{id, err}
		close(done)
	}()
	stop := func() runResult {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("network task did not stop")
		}
		return res
	}
	t.Cleanup(func() { stop() })
	return done, stop
}

// failed waits for Run to return on its own.
func failed(t *testing.T, done <-chan struct{}, stop func() runResult) runResult {
	t.Helper()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("network task did not fail")
	}
	return stop()
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// settledThrough reports whether height has been settled.
func settledThrough(task *Task, height types.Height) func() bool {
	return func() bool {
		return task.Status().NextExpectedHeight > height
	}
}
