// Package network runs the per-network settlement state machine.
//
// A Task owns one network. It processes certificates one at a time in
// strict height order: it fetches the pending certificate at the next
// expected height, spawns a worker for it, answers the worker's requests,
// and commits the resulting state once the settlement is confirmed on L1.
// Epoch boundaries gate how often a network may settle: at most one
// certificate per epoch.
package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-settler/internal/clock"
	"github.com/Klingon-tech/klingnet-settler/internal/log"
	"github.com/Klingon-tech/klingnet-settler/internal/settlement"
	"github.com/Klingon-tech/klingnet-settler/pkg/certificate"
	"github.com/Klingon-tech/klingnet-settler/pkg/types"
)

// messageBuffer is the capacity of a worker's message channel.
const messageBuffer = 8

// PendingStore is the part of the pending store the task reads.
type PendingStore interface {
	GetCertificate(network types.NetworkID, height types.Height) (*certificate.Certificate, error)
	SetLatestProvenCertificatePerNetwork(network types.NetworkID, height types.Height, id types.CertificateID) error
}

// StateStore holds the committed state of every network.
type StateStore interface {
	ReadLocalNetworkState(network types.NetworkID) (*certificate.LocalNetworkStateData, error)
	GetLatestSettledCertificatePerNetwork(network types.NetworkID) (*certificate.SettledCertificate, error)
	// CommitSettlement writes state, exit leaves and the settled marker atomically.
	CommitSettlement(network types.NetworkID, state *certificate.LocalNetworkStateData,
		exitLeaves []types.Hash, settled *certificate.SettledCertificate) error
}

// Worker is a running certificate worker.
type Worker interface {
	// Wait blocks until the worker returned. A non-nil error means it
	// failed or panicked instead of reporting through a message.
	Wait() error
}

// Spawner starts certificate workers. The worker sends on msgs and the
// spawner closes msgs once the worker returns.
type Spawner interface {
	Spawn(ctx context.Context, cert *certificate.Certificate, msgs chan<- Message) Worker
}

// Config holds the collaborators of a Task.
type Config struct {
	NetworkID     types.NetworkID
	Pending       PendingStore
	State         StateStore
	Settlement    settlement.Client
	Clock         clock.Clock
	Spawner       Spawner
	Notifications <-chan NewCertificate
	Metrics       *Metrics // optional
}

// Status is a read-only snapshot of a task.
type Status struct {
	NetworkID          types.NetworkID                 `json:"network_id"`
	NextExpectedHeight types.Height                    `json:"next_expected_height"`
	AtCapacity         bool                            `json:"at_capacity"`
	InFlight           *types.CertificateID            `json:"in_flight,omitempty"`
	LatestSettled      *certificate.SettledCertificate `json:"latest_settled,omitempty"`
}

// Task drives the settlement of one network.
type Task struct {
	network types.NetworkID
	pending PendingStore
	state   StateStore
	client  settlement.Client
	clock   clock.Clock
	spawner Spawner
	notify  <-chan NewCertificate
	epochs  *clock.Subscription

	// Owned by the Run goroutine.
	committed          committed
	nextExpectedHeight types.Height
	atCapacity         bool
	firstRun           bool
	pendingState       *executed
	inFlight           *types.CertificateID

	status  atomic.Pointer[Status]
	claimMu sync.Mutex // held while a certificate is picked up
	metrics networkMetrics
	logger  zerolog.Logger
}

// New loads the committed state of the network and subscribes to epoch
// events. Store failures are fatal.
func New(cfg Config) (*Task, error) {
	if cfg.Pending == nil || cfg.State == nil || cfg.Settlement == nil || cfg.Clock == nil || cfg.Spawner == nil {
		return nil, fmt.Errorf("network task %d: missing collaborator", cfg.NetworkID)
	}

	st, err := cfg.State.ReadLocalNetworkState(cfg.NetworkID)
	if err != nil {
		return nil, fatalErr("read local network state", err)
	}
	settled, err := cfg.State.GetLatestSettledCertificatePerNetwork(cfg.NetworkID)
	if err != nil {
		return nil, fatalErr("read latest settled certificate", err)
	}

	t := &Task{
		network:   cfg.NetworkID,
		pending:   cfg.Pending,
		state:     cfg.State,
		client:    cfg.Settlement,
		clock:     cfg.Clock,
		spawner:   cfg.Spawner,
		notify:    cfg.Notifications,
		committed: newCommitted(st, settled),
		firstRun:  true,
		logger:    log.WithNetwork("network", uint32(cfg.NetworkID)),
	}
	if cfg.Metrics != nil {
		t.metrics = cfg.Metrics.forNetwork(cfg.NetworkID)
	}
	t.nextExpectedHeight = t.committed.nextHeight()
	t.atCapacity = t.committed.settledIn(cfg.Clock.CurrentEpoch())
	t.epochs = cfg.Clock.Subscribe()
	t.publishStatus()

	t.logger.Info().
		Uint64("next_height", uint64(t.nextExpectedHeight)).
		Bool("at_capacity", t.atCapacity).
		Msg("Network task loaded")
	return t, nil
}

// NetworkID returns the network this task settles.
func (t *Task) NetworkID() types.NetworkID {
	return t.network
}

// Status returns the latest snapshot. Safe for concurrent use.
func (t *Task) Status() Status {
	return *t.status.Load()
}

// Run processes certificates until ctx is cancelled, returning the network
// id. A certificate in flight is driven to completion before Run returns.
// Errors wrapping ErrFatal end the task; others are logged.
func (t *Task) Run(ctx context.Context) (types.NetworkID, error) {
	defer t.epochs.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			t.logger.Info().Msg("Network task stopped")
			return t.network, nil
		default:
		}

		if err := t.makeProgress(ctx); err != nil {
			if errors.Is(err, ErrFatal) {
				t.logger.Error().Err(err).Msg("Network task failed")
				return t.network, err
			}
			t.logger.Warn().Err(err).Msg("Network task step failed")
		}
	}
}

// makeProgress waits for a trigger, then settles the certificate at the
// next expected height if there is one. The first call skips waiting so a
// restarted node resumes without a new event.
func (t *Task) makeProgress(ctx context.Context) error {
	if t.firstRun {
		t.firstRun = false
	} else {
		proceed, err := t.waitForTrigger(ctx)
		if err != nil || !proceed {
			return err
		}
	}

	if t.atCapacity {
		t.logger.Debug().Msg("At capacity for the current epoch")
		return nil
	}
	return t.dispatch(ctx)
}

// waitForTrigger blocks until an epoch event or a notification says the
// task should look for a certificate. Buffered epoch events are consumed
// before anything else.
func (t *Task) waitForTrigger(ctx context.Context) (bool, error) {
	for {
		ev, ok, err := t.epochs.Poll()
		if err != nil {
			var lagged *clock.LaggedError
			if errors.As(err, &lagged) {
				t.metrics.lagged(lagged.Skipped)
				return false, fmt.Errorf("epoch events dropped: %w", err)
			}
			// ErrClosed: no epoch information means no progress.
			return false, fatalErr("epoch stream", err)
		}
		if ok {
			return t.onEpochEnded(ev), nil
		}

		// Certificates are not looked at while at capacity.
		var notify <-chan NewCertificate
		if !t.atCapacity {
			notify = t.notify
		}
		select {
		case <-ctx.Done():
			return false, nil
		case <-t.epochs.C():
		case n, open := <-notify:
			if !open {
				t.notify = nil
				continue
			}
			return t.onNotification(n), nil
		}
	}
}

// isStaleEpoch reports whether an epoch-ended event is more than one epoch
// behind the current epoch. Epoch 0 is never stale.
func isStaleEpoch(ended, current types.EpochNumber) bool {
	return ended != 0 && ended.Next() < current
}

func (t *Task) onEpochEnded(ev clock.EpochEnded) bool {
	current := t.clock.CurrentEpoch()
	if isStaleEpoch(ev.Epoch, current) {
		t.metrics.staleEpoch()
		t.logger.Warn().
			Uint64("epoch", uint64(ev.Epoch)).
			Uint64("current", uint64(current)).
			Msg("Discarding stale epoch event")
		return false
	}
	if t.committed.settledIn(current) {
		t.atCapacity = true
		t.publishStatus()
		t.logger.Debug().
			Uint64("epoch", uint64(current)).
			Msg("Already settled in the current epoch")
		return false
	}
	t.atCapacity = false
	t.publishStatus()
	t.logger.Debug().
		Uint64("ended", uint64(ev.Epoch)).
		Uint64("current", uint64(current)).
		Msg("Epoch ended")
	return true
}

func (t *Task) onNotification(n NewCertificate) bool {
	if t.committed.isSettled(n.CertificateID) {
		t.logger.Debug().
			Str("certificate_id", n.CertificateID.Short()).
			Msg("Ignoring notification for settled certificate")
		return false
	}
	if n.Height != t.nextExpectedHeight {
		t.logger.Debug().
			Uint64("height", uint64(n.Height)).
			Uint64("expected", uint64(t.nextExpectedHeight)).
			Msg("Ignoring notification for unexpected height")
		return false
	}
	return true
}

// dispatch runs one worker for the certificate at the next expected height
// and joins it.
func (t *Task) dispatch(ctx context.Context) error {
	height := t.nextExpectedHeight
	cert, err := t.claim(height)
	if err != nil || cert == nil {
		return err
	}

	id := cert.ID()
	logger := t.logger.With().
		Uint64("height", uint64(height)).
		Str("certificate_id", id.Short()).
		Logger()
	logger.Info().Msg("Processing certificate")

	msgs := make(chan Message, messageBuffer)
	t.metrics.workerRunning(true)

	worker := t.spawner.Spawn(ctx, cert, msgs)
	terminal, loopErr := t.runMessageLoop(ctx, cert, id, msgs)

	// Unblock a worker still sending after the terminal message.
	go func() {
		for range msgs {
		}
	}()
	workerErr := worker.Wait()

	t.pendingState = nil
	t.inFlight = nil
	t.metrics.workerRunning(false)
	t.publishStatus()

	switch {
	case loopErr != nil:
		return loopErr
	case workerErr != nil:
		return fatalErr("certificate worker", workerErr)
	case !terminal:
		return fatalf("certificate worker for height %d exited without a result", height)
	}
	return nil
}

// claim reads the pending certificate at height and publishes it as in
// flight before any Hold caller can look at the status again.
func (t *Task) claim(height types.Height) (*certificate.Certificate, error) {
	t.claimMu.Lock()
	defer t.claimMu.Unlock()

	cert, err := t.pending.GetCertificate(t.network, height)
	if err != nil {
		return nil, fatalErr("read pending certificate", err)
	}
	if cert == nil {
		return nil, nil
	}
	if cert.NetworkID != t.network || cert.Height != height {
		return nil, fatalf("pending store returned certificate %d/%d for %d/%d",
			cert.NetworkID, cert.Height, t.network, height)
	}

	id := cert.ID()
	t.pendingState = nil
	t.inFlight = &id
	t.publishStatus()
	return cert, nil
}

// Hold runs fn while the task cannot pick up a certificate. A certificate
// fn sees as not in flight is not dispatched before fn returns.
func (t *Task) Hold(fn func(Status) error) error {
	t.claimMu.Lock()
	defer t.claimMu.Unlock()
	return fn(t.Status())
}

// runMessageLoop answers worker messages until a terminal one. Settlement
// client calls are detached from ctx so an in-flight certificate finishes.
func (t *Task) runMessageLoop(ctx context.Context, cert *certificate.Certificate, id types.CertificateID, msgs <-chan Message) (bool, error) {
	lctx := context.WithoutCancel(ctx)
	for msg := range msgs {
		done, err := t.handle(lctx, cert, id, msg)
		if err != nil {
			return true, err
		}
		if done {
			return true, nil
		}
	}
	return false, nil
}

// publishStatus stores a fresh snapshot of the task-owned fields.
func (t *Task) publishStatus() {
	s := &Status{
		NetworkID:          t.network,
		NextExpectedHeight: t.nextExpectedHeight,
		AtCapacity:         t.atCapacity,
	}
	if t.inFlight != nil {
		id := *t.inFlight
		s.InFlight = &id
	}
	if t.committed.settled != nil {
		settled := *t.committed.settled
		s.LatestSettled = &settled
	}
	t.status.Store(s)
	t.metrics.progress(t.nextExpectedHeight, t.atCapacity)
}
