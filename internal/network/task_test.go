package network

import (
	"context"
	"errors"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Klingon-tech/klingnet-settler/internal/clock"
	"github.com/Klingon-tech/klingnet-settler/internal/store"
	"github.com/Klingon-tech/klingnet-settler/pkg/certificate"
	"github.com/Klingon-tech/klingnet-settler/pkg/types"
)

func TestTaskSettlesFirstCertificate(t *testing.T) {
	e := newEnv(t, 3)
	cert := e.addCert(t, 0)
	id := cert.ID()
	task := e.newTask(t)

	_, stop := start(t, task)
	waitUntil(t, "height 0 settled", settledThrough(task, 0))

	st := task.Status()
	if st.NextExpectedHeight != 1 {
		t.Fatalf("next expected height = %d, want 1", st.NextExpectedHeight)
	}
	if !st.AtCapacity {
		t.Fatal("task should be at capacity after settling in epoch 3")
	}
	if st.InFlight != nil {
		t.Fatal("no certificate should be in flight")
	}
	want := certificate.SettledCertificate{CertificateID: id, Height: 0, Epoch: 3, Index: 0}
	if st.LatestSettled == nil || *st.LatestSettled != want {
		t.Fatalf("latest settled = %+v, want %+v", st.LatestSettled, want)
	}

	wantState, leaf := nextState(&certificate.LocalNetworkStateData{}, 0)
	got, err := e.store.ReadLocalNetworkState(testNetwork)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || *got != *wantState {
		t.Fatalf("stored state = %+v, want %+v", got, wantState)
	}
	leaves, err := e.store.GetExitLeaves(testNetwork)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(leaves, []types.Hash{leaf}) {
		t.Fatalf("exit leaves = %v", leaves)
	}
	settled, err := e.store.GetLatestSettledCertificatePerNetwork(testNetwork)
	if err != nil {
		t.Fatal(err)
	}
	if settled == nil || *settled != want {
		t.Fatalf("stored settled = %+v", settled)
	}

	provenHeight, provenID, ok, err := e.pending.GetLatestProvenCertificatePerNetwork(testNetwork)
	if err != nil || !ok || provenHeight != 0 || provenID != id {
		t.Fatalf("latest proven = %d %s %v %v", provenHeight, provenID.Short(), ok, err)
	}

	// A repeated notification for the settled certificate is ignored.
	e.clock.Advance()
	waitUntil(t, "capacity cleared", func() bool { return !task.Status().AtCapacity })
	e.notify <- NewCertificate{CertificateID: id, Height: 0}
	waitUntil(t, "notification consumed", func() bool { return len(e.notify) == 0 })
	time.Sleep(20 * time.Millisecond)

	if got := e.spawner.heights(); !reflect.DeepEqual(got, []types.Height{0}) {
		t.Fatalf("spawned heights = %v, want [0]", got)
	}
	if res := stop(); res.err != nil || res.network != testNetwork {
		t.Fatalf("Run returned %d, %v", res.network, res.err)
	}
}

func TestTaskSettlesInHeightOrder(t *testing.T) {
	e := newEnv(t, 3)
	const n = 4
	for h := types.Height(0); h < n; h++ {
		e.addCert(t, h)
	}
	task := e.newTask(t)
	start(t, task)

	for h := types.Height(0); h < n; h++ {
		waitUntil(t, "height settled", settledThrough(task, h))
		if got := task.Status().NextExpectedHeight; got != h+1 {
			t.Fatalf("next expected height = %d, want %d", got, h+1)
		}
		e.clock.Advance()
	}

	if got := e.spawner.heights(); !reflect.DeepEqual(got, []types.Height{0, 1, 2, 3}) {
		t.Fatalf("spawned heights = %v", got)
	}
	if peak := e.spawner.peak(); peak != 1 {
		t.Fatalf("peak concurrent workers = %d, want 1", peak)
	}

	st, err := e.store.ReadLocalNetworkState(testNetwork)
	if err != nil {
		t.Fatal(err)
	}
	if st.ExitTree.LeafCount != n {
		t.Fatalf("leaf count = %d, want %d", st.ExitTree.LeafCount, n)
	}
	settled := task.Status().LatestSettled
	if settled == nil || settled.Height != n-1 || settled.Epoch != 3+n-1 {
		t.Fatalf("latest settled = %+v", settled)
	}
}

type failingState struct {
	*store.State
	err error
}

func (f failingState) CommitSettlement(types.NetworkID, *certificate.LocalNetworkStateData,
	[]types.Hash, *certificate.SettledCertificate) error {
	return f.err
}

func TestTaskCommitFailureIsFatal(t *testing.T) {
	e := newEnv(t, 3)
	e.addCert(t, 0)
	e.state = failingState{State: e.store, err: errors.New("disk full")}
	task := e.newTask(t)

	done, stop := start(t, task)
	res := failed(t, done, stop)
	if !errors.Is(res.err, ErrFatal) {
		t.Fatalf("Run error = %v, want ErrFatal", res.err)
	}
	if got := task.Status().NextExpectedHeight; got != 0 {
		t.Fatalf("in-memory height advanced to %d", got)
	}

	// A restart sees nothing of the failed settlement and retries it.
	st, err := e.store.ReadLocalNetworkState(testNetwork)
	if err != nil || st != nil {
		t.Fatalf("state after failed commit = %+v, %v", st, err)
	}
	e.state = e.store
	restarted := e.newTask(t)
	if got := restarted.Status().NextExpectedHeight; got != 0 {
		t.Fatalf("restarted height = %d, want 0", got)
	}
	start(t, restarted)
	waitUntil(t, "height 0 settled after restart", settledThrough(restarted, 0))
}

func TestTaskWaitsForNextEpochAtCapacity(t *testing.T) {
	e := newEnv(t, 3)
	e.addCert(t, 0)
	task := e.newTask(t)
	start(t, task)
	waitUntil(t, "height 0 settled", settledThrough(task, 0))

	next := e.addCert(t, 1)
	e.notify <- NewCertificate{CertificateID: next.ID(), Height: 1}
	time.Sleep(30 * time.Millisecond)
	if got := e.spawner.heights(); len(got) != 1 {
		t.Fatalf("spawned %v while at capacity", got)
	}

	e.clock.Advance()
	waitUntil(t, "height 1 settled", settledThrough(task, 1))
	if got := task.Status().LatestSettled.Epoch; got != 4 {
		t.Fatalf("height 1 settled in epoch %d, want 4", got)
	}
}

func TestTaskResumesAtCapacity(t *testing.T) {
	e := newEnv(t, 3)
	prev := &certificate.SettledCertificate{Height: 0, Epoch: 3, CertificateID: types.CertificateID{1}}
	if err := e.store.CommitSettlement(testNetwork, &certificate.LocalNetworkStateData{}, nil, prev); err != nil {
		t.Fatal(err)
	}
	e.addCert(t, 1)

	task := e.newTask(t)
	st := task.Status()
	if st.NextExpectedHeight != 1 || !st.AtCapacity {
		t.Fatalf("status after load = %+v", st)
	}

	start(t, task)
	time.Sleep(30 * time.Millisecond)
	if got := e.spawner.heights(); len(got) != 0 {
		t.Fatalf("spawned %v before the epoch ended", got)
	}
	e.clock.Advance()
	waitUntil(t, "height 1 settled", settledThrough(task, 1))
}

func TestTaskNotificationTriggersDispatch(t *testing.T) {
	e := newEnv(t, 3)
	task := e.newTask(t)
	start(t, task)

	// Wrong height: ignored.
	early := e.addCert(t, 1)
	e.notify <- NewCertificate{CertificateID: early.ID(), Height: 1}
	waitUntil(t, "notification consumed", func() bool { return len(e.notify) == 0 })
	time.Sleep(20 * time.Millisecond)
	if got := e.spawner.heights(); len(got) != 0 {
		t.Fatalf("spawned %v for an unexpected height", got)
	}

	cert := e.addCert(t, 0)
	e.notify <- NewCertificate{CertificateID: cert.ID(), Height: 0}
	waitUntil(t, "height 0 settled", settledThrough(task, 0))
}

func TestTaskRetriesErroredCertificate(t *testing.T) {
	e := newEnv(t, 3)
	cert := e.addCert(t, 0)

	var attempts atomic.Int32
	e.spawner.script = func(ctx context.Context, c *certificate.Certificate, msgs chan<- Message) error {
		if attempts.Add(1) == 1 {
			msgs <- CertificateErrored{CertificateID: c.ID(), Err: errors.New("proof rejected")}
			return nil
		}
		return settlingScript(ctx, c, msgs)
	}
	reg := prometheus.NewRegistry()
	task, err := New(Config{
		NetworkID:     testNetwork,
		Pending:       e.pending,
		State:         e.state,
		Settlement:    e.client,
		Clock:         e.clock,
		Spawner:       e.spawner,
		Notifications: e.notify,
		Metrics:       NewMetrics(reg),
	})
	if err != nil {
		t.Fatal(err)
	}
	start(t, task)

	waitUntil(t, "first attempt", func() bool { return attempts.Load() == 1 && task.Status().InFlight == nil })
	st := task.Status()
	if st.NextExpectedHeight != 0 || st.AtCapacity {
		t.Fatalf("status after error = %+v", st)
	}

	e.notify <- NewCertificate{CertificateID: cert.ID(), Height: 0}
	waitUntil(t, "height 0 settled", settledThrough(task, 0))

	m := task.metrics.m
	if got := testutil.ToFloat64(m.errored.WithLabelValues("7")); got != 1 {
		t.Fatalf("errored counter = %v", got)
	}
	if got := testutil.ToFloat64(m.settled.WithLabelValues("7")); got != 1 {
		t.Fatalf("settled counter = %v", got)
	}
	if got := testutil.ToFloat64(m.nextHeight.WithLabelValues("7")); got != 1 {
		t.Fatalf("next height gauge = %v", got)
	}
}

func TestTaskWorkerFailures(t *testing.T) {
	tests := []struct {
		name   string
		script script
	}{
		{"no result", func(context.Context, *certificate.Certificate, chan<- Message) error {
			return nil
		}},
		{"worker error", func(context.Context, *certificate.Certificate, chan<- Message) error {
			return errors.New("worker panicked")
		}},
		{"settled without execution", func(_ context.Context, c *certificate.Certificate, msgs chan<- Message) error {
			msgs <- CertificateSettled{Settled: certificate.SettledCertificate{CertificateID: c.ID(), Height: c.Height, Epoch: 3}}
			return nil
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, 3)
			e.addCert(t, 0)
			e.spawner.script = tt.script
			task := e.newTask(t)

			done, stop := start(t, task)
			res := failed(t, done, stop)
			if !errors.Is(res.err, ErrFatal) {
				t.Fatalf("Run error = %v, want ErrFatal", res.err)
			}
			if got := task.Status().NextExpectedHeight; got != 0 {
				t.Fatalf("height advanced to %d", got)
			}
		})
	}
}

func TestTaskClosedEpochStreamIsFatal(t *testing.T) {
	e := newEnv(t, 3)
	task := e.newTask(t)
	done, stop := start(t, task)
	e.clock.Close()

	res := failed(t, done, stop)
	if !errors.Is(res.err, ErrFatal) || !errors.Is(res.err, clock.ErrClosed) {
		t.Fatalf("Run error = %v", res.err)
	}
}

func TestTaskSurvivesLaggedEpochs(t *testing.T) {
	e := newEnv(t, 3)
	task := e.newTask(t)
	done, _ := start(t, task)

	e.clock.AdvanceTo(3 + 4*clock.DefaultBufferSize)
	cert := e.addCert(t, 0)
	e.notify <- NewCertificate{CertificateID: cert.ID(), Height: 0}
	waitUntil(t, "height 0 settled", settledThrough(task, 0))

	select {
	case <-done:
		t.Fatal("task stopped")
	default:
	}
	if got := task.Status().LatestSettled.Epoch; got != 3+4*clock.DefaultBufferSize {
		t.Fatalf("settled in epoch %d", got)
	}
}

func TestTaskStopsWhenIdle(t *testing.T) {
	e := newEnv(t, 3)
	task := e.newTask(t)
	_, stop := start(t, task)
	time.Sleep(10 * time.Millisecond)
	if res := stop(); res.err != nil || res.network != testNetwork {
		t.Fatalf("Run returned %d, %v", res.network, res.err)
	}
}

func TestTaskFinishesInFlightCertificateOnCancel(t *testing.T) {
	e := newEnv(t, 3)
	e.addCert(t, 0)
	gate := make(chan struct{})
	e.spawner.script = func(ctx context.Context, c *certificate.Certificate, msgs chan<- Message) error {
		<-gate
		return settlingScript(ctx, c, msgs)
	}
	task := e.newTask(t)
	_, stop := start(t, task)
	waitUntil(t, "worker in flight", func() bool { return task.Status().InFlight != nil })

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(gate)
	}()
	if res := stop(); res.err != nil {
		t.Fatalf("Run error = %v", res.err)
	}

	settled, err := e.store.GetLatestSettledCertificatePerNetwork(testNetwork)
	if err != nil {
		t.Fatal(err)
	}
	if settled == nil || settled.Height != 0 {
		t.Fatalf("in-flight certificate not settled: %+v", settled)
	}
}

func TestOnEpochEnded(t *testing.T) {
	e := newEnv(t, 5)
	task := e.newTask(t)

	task.atCapacity = true
	if task.onEpochEnded(clock.EpochEnded{Epoch: 2}) {
		t.Fatal("stale epoch event should not trigger")
	}
	if !task.atCapacity {
		t.Fatal("stale epoch event should not clear capacity")
	}

	if !task.onEpochEnded(clock.EpochEnded{Epoch: 4}) {
		t.Fatal("epoch 4 ending should trigger in epoch 5")
	}
	if task.atCapacity {
		t.Fatal("capacity should be cleared")
	}

	task.committed.commit(&certificate.LocalNetworkStateData{}, certificate.SettledCertificate{Epoch: 5})
	if task.onEpochEnded(clock.EpochEnded{Epoch: 4}) {
		t.Fatal("a network settled in the current epoch should not trigger")
	}
	if !task.atCapacity {
		t.Fatal("capacity should be set")
	}
}

func TestOnNotification(t *testing.T) {
	e := newEnv(t, 3)
	task := e.newTask(t)
	settledID := types.CertificateID{0xaa}
	task.committed.commit(&certificate.LocalNetworkStateData{}, certificate.SettledCertificate{CertificateID: settledID, Height: 4})
	task.nextExpectedHeight = 5

	tests := []struct {
		name string
		n    NewCertificate
		want bool
	}{
		{"settled certificate", NewCertificate{CertificateID: settledID, Height: 4}, false},
		{"settled certificate at next height", NewCertificate{CertificateID: settledID, Height: 5}, false},
		{"past height", NewCertificate{CertificateID: types.CertificateID{1}, Height: 3}, false},
		{"future height", NewCertificate{CertificateID: types.CertificateID{1}, Height: 6}, false},
		{"next height", NewCertificate{CertificateID: types.CertificateID{1}, Height: 5}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := task.onNotification(tt.n); got != tt.want {
				t.Fatalf("onNotification = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	e := newEnv(t, 0)
	if _, err := New(Config{NetworkID: testNetwork, Pending: e.pending, State: e.state}); err == nil {
		t.Fatal("expected error for missing collaborators")
	}
}

func TestTaskHoldDefersDispatch(t *testing.T) {
	e := newEnv(t, 3)
	task := e.newTask(t)
	e.addCert(t, 0)

	held := make(chan Status, 1)
	release := make(chan struct{})
	holdDone := make(chan error, 1)
	go func() {
		holdDone <- task.Hold(func(st Status) error {
			held <- st
			<-release
			// Removed while nothing can claim it.
			return e.pending.RemovePendingCertificate(testNetwork, 0)
		})
	}()
	if st := <-held; st.InFlight != nil {
		t.Fatalf("in flight before the task ran: %s", st.InFlight)
	}

	start(t, task)
	time.Sleep(20 * time.Millisecond)
	if got := e.spawner.heights(); len(got) != 0 {
		t.Fatalf("spawned %v while held", got)
	}
	close(release)
	if err := <-holdDone; err != nil {
		t.Fatalf("Hold: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if got := e.spawner.heights(); len(got) != 0 {
		t.Fatalf("spawned %v for a removed certificate", got)
	}
	if st := task.Status(); st.InFlight != nil {
		t.Fatalf("removed certificate in flight: %s", st.InFlight)
	}

	cert := e.addCert(t, 0)
	e.notify <- NewCertificate{CertificateID: cert.ID(), Height: 0}
	waitUntil(t, "height 0 settled", settledThrough(task, 0))
}

func TestTaskHoldSeesClaimedCertificate(t *testing.T) {
	e := newEnv(t, 3)
	gate := make(chan struct{})
	e.spawner.script = func(ctx context.Context, cert *certificate.Certificate, msgs chan<- Message) error {
		<-gate
		return settlingScript(ctx, cert, msgs)
	}
	task := e.newTask(t)
	cert := e.addCert(t, 0)
	start(t, task)

	waitUntil(t, "worker spawned", func() bool { return len(e.spawner.heights()) == 1 })
	err := task.Hold(func(st Status) error {
		if st.InFlight == nil || *st.InFlight != cert.ID() {
			t.Errorf("in flight = %v, want %s", st.InFlight, cert.ID())
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	close(gate)
	waitUntil(t, "height 0 settled", settledThrough(task, 0))
}
