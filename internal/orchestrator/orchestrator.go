// Package orchestrator owns the network tasks of the node. It accepts
// certificates, stores them and notifies the task of their network.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Klingon-tech/klingnet-settler/internal/clock"
	"github.com/Klingon-tech/klingnet-settler/internal/log"
	"github.com/Klingon-tech/klingnet-settler/internal/network"
	"github.com/Klingon-tech/klingnet-settler/internal/settlement"
	"github.com/Klingon-tech/klingnet-settler/internal/store"
	"github.com/Klingon-tech/klingnet-settler/pkg/certificate"
	"github.com/Klingon-tech/klingnet-settler/pkg/types"
)

// DefaultNotificationBuffer is the capacity of each network's notification channel.
const DefaultNotificationBuffer = 16

// Certificate submission errors.
var (
	ErrNotRunning         = errors.New("orchestrator is not running")
	ErrNetworkFailed      = errors.New("network task failed")
	ErrHeightSettled      = errors.New("certificate height already settled")
	ErrCertificateExists  = errors.New("a different certificate is pending at this height")
	ErrCertificateInUse   = errors.New("certificate is being settled")
	ErrCertificateMissing = errors.New("no pending certificate at this height")
)

// Config holds the collaborators shared by every network task.
type Config struct {
	Pending    *store.Pending
	State      *store.State
	Settlement settlement.Client
	Clock      clock.Clock
	Spawner    network.Spawner

	// Networks are started even without pending certificates.
	Networks           []types.NetworkID
	NotificationBuffer int
	NetworkMetrics     *network.Metrics // optional
	Metrics            *Metrics         // optional
}

type entry struct {
	task   *network.Task
	notify chan network.NewCertificate
}

// Orchestrator runs one network task per network.
type Orchestrator struct {
	cfg Config

	mu      sync.RWMutex
	tasks   map[types.NetworkID]*entry
	failed  map[types.NetworkID]error
	ctx     context.Context
	cancel  context.CancelFunc
	group   errgroup.Group
	running bool

	// Serializes certificate submissions.
	sendMu sync.Mutex

	logger zerolog.Logger
}

// New creates an orchestrator. Tasks start with Start.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Pending == nil || cfg.State == nil {
		return nil, fmt.Errorf("stores are nil")
	}
	if cfg.Settlement == nil || cfg.Clock == nil || cfg.Spawner == nil {
		return nil, fmt.Errorf("missing settlement client, clock or spawner")
	}
	if cfg.NotificationBuffer <= 0 {
		cfg.NotificationBuffer = DefaultNotificationBuffer
	}
	return &Orchestrator{
		cfg:    cfg,
		tasks:  make(map[types.NetworkID]*entry),
		failed: make(map[types.NetworkID]error),
		logger: log.Orchestrator,
	}, nil
}

// Start spawns the tasks of the configured networks and of every network
// with pending certificates.
func (o *Orchestrator) Start(ctx context.Context) error {
	stored, err := o.cfg.Pending.ListNetworks()
	if err != nil {
		return fmt.Errorf("list networks: %w", err)
	}

	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator already started")
	}
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.running = true
	o.mu.Unlock()

	seen := make(map[types.NetworkID]bool)
	for _, id := range append(append([]types.NetworkID(nil), o.cfg.Networks...), stored...) {
		if seen[id] {
			continue
		}
		seen[id] = true
		if _, err := o.ensureTask(id); err != nil {
			o.Stop()
			return err
		}
	}
	o.logger.Info().Int("networks", len(seen)).Msg("Orchestrator started")
	return nil
}

// Stop cancels every task and waits for them. Certificates in flight are
// finished first. The returned error is the first fatal task error.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	o.cancel()
	o.mu.Unlock()

	err := o.group.Wait()
	o.logger.Info().Msg("Orchestrator stopped")
	return err
}

// ensureTask returns the task of a network, spawning it on first use.
func (o *Orchestrator) ensureTask(id types.NetworkID) (*entry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.running {
		return nil, ErrNotRunning
	}
	if err, ok := o.failed[id]; ok {
		return nil, fmt.Errorf("%w: network %d: %v", ErrNetworkFailed, id, err)
	}
	if e, ok := o.tasks[id]; ok {
		return e, nil
	}

	notify := make(chan network.NewCertificate, o.cfg.NotificationBuffer)
	task, err := network.New(network.Config{
		NetworkID:     id,
		Pending:       o.cfg.Pending,
		State:         o.cfg.State,
		Settlement:    o.cfg.Settlement,
		Clock:         o.cfg.Clock,
		Spawner:       o.cfg.Spawner,
		Notifications: notify,
		Metrics:       o.cfg.NetworkMetrics,
	})
	if err != nil {
		return nil, fmt.Errorf("network %d: %w", id, err)
	}
	e := &entry{task: task, notify: notify}
	o.tasks[id] = e
	o.cfg.Metrics.setNetworks(len(o.tasks)-len(o.failed), len(o.failed))

	ctx := o.ctx
	o.group.Go(func() error {
		return o.run(ctx, e.task)
	})
	o.logger.Info().Uint32("network_id", uint32(id)).Msg("Network task spawned")
	return e, nil
}

func (o *Orchestrator) run(ctx context.Context, task *network.Task) error {
	id, err := task.Run(ctx)
	if err == nil {
		return nil
	}

	o.mu.Lock()
	o.failed[id] = err
	o.cfg.Metrics.setNetworks(len(o.tasks)-len(o.failed), len(o.failed))
	o.mu.Unlock()

	o.logger.Error().Err(err).Uint32("network_id", uint32(id)).Msg("Network task failed, not restarting")
	return fmt.Errorf("network %d: %w", id, err)
}

// SendCertificate validates and stores a certificate, then notifies its
// network. Sending the same certificate twice is a no-op.
func (o *Orchestrator) SendCertificate(c *certificate.Certificate) (types.CertificateID, error) {
	if err := c.Validate(); err != nil {
		return types.CertificateID{}, err
	}
	id := c.ID()

	o.sendMu.Lock()
	defer o.sendMu.Unlock()

	e, err := o.ensureTask(c.NetworkID)
	if err != nil {
		return types.CertificateID{}, err
	}
	status := e.task.Status()
	if c.Height < status.NextExpectedHeight {
		return types.CertificateID{}, fmt.Errorf("%w: height %d, next expected %d",
			ErrHeightSettled, c.Height, status.NextExpectedHeight)
	}

	existing, err := o.cfg.Pending.GetCertificate(c.NetworkID, c.Height)
	if err != nil {
		return types.CertificateID{}, err
	}
	switch {
	case existing == nil:
	case existing.ID() == id:
		o.notify(e, c.NetworkID, network.NewCertificate{CertificateID: id, Height: c.Height})
		return id, nil
	default:
		replaceable, err := o.inError(existing.ID())
		if err != nil {
			return types.CertificateID{}, err
		}
		if !replaceable {
			return types.CertificateID{}, fmt.Errorf("%w: %s", ErrCertificateExists, existing.ID().Short())
		}
		o.logger.Info().
			Uint32("network_id", uint32(c.NetworkID)).
			Uint64("height", uint64(c.Height)).
			Str("replaced", existing.ID().Short()).
			Msg("Replacing certificate in error")
	}

	if err := o.cfg.Pending.InsertPendingCertificate(c); err != nil {
		return types.CertificateID{}, err
	}
	if err := o.cfg.Pending.InsertCertificateHeader(certificate.NewHeader(c)); err != nil {
		return types.CertificateID{}, err
	}
	o.cfg.Metrics.received()

	o.logger.Info().
		Uint32("network_id", uint32(c.NetworkID)).
		Uint64("height", uint64(c.Height)).
		Str("certificate_id", id.Short()).
		Msg("Certificate received")
	o.notify(e, c.NetworkID, network.NewCertificate{CertificateID: id, Height: c.Height})
	return id, nil
}

func (o *Orchestrator) inError(id types.CertificateID) (bool, error) {
	h, err := o.cfg.Pending.GetCertificateHeader(id)
	if err != nil {
		return false, err
	}
	return h != nil && h.Status == certificate.StatusInError, nil
}

// notify never blocks. A dropped notification is recovered at the next
// epoch boundary.
func (o *Orchestrator) notify(e *entry, id types.NetworkID, n network.NewCertificate) {
	select {
	case e.notify <- n:
	default:
		o.cfg.Metrics.dropped()
		o.logger.Debug().Uint32("network_id", uint32(id)).Msg("Notification channel full")
	}
}

// RemovePendingCertificate deletes a pending certificate that is not being
// settled. Its header is marked InError so the height can be reused.
func (o *Orchestrator) RemovePendingCertificate(id types.NetworkID, height types.Height) (types.CertificateID, error) {
	o.sendMu.Lock()
	defer o.sendMu.Unlock()

	c, err := o.cfg.Pending.GetCertificate(id, height)
	if err != nil {
		return types.CertificateID{}, err
	}
	if c == nil {
		return types.CertificateID{}, ErrCertificateMissing
	}
	certID := c.ID()

	o.mu.RLock()
	e := o.tasks[id]
	o.mu.RUnlock()
	if e == nil {
		err = o.removePending(id, height, certID, nil)
	} else {
		// The task cannot pick the certificate up while it is being removed.
		err = e.task.Hold(func(st network.Status) error {
			return o.removePending(id, height, certID, &st)
		})
	}
	if err != nil {
		return types.CertificateID{}, err
	}
	o.logger.Warn().
		Uint32("network_id", uint32(id)).
		Uint64("height", uint64(height)).
		Str("certificate_id", certID.Short()).
		Msg("Pending certificate removed")
	return certID, nil
}

// removePending removes certificate certID at height unless st shows
// it settled or in flight, and marks its header InError.
func (o *Orchestrator) removePending(id types.NetworkID, height types.Height, certID types.CertificateID, st *network.Status) error {
	if st != nil {
		if height < st.NextExpectedHeight {
			return fmt.Errorf("%w: height %d", ErrHeightSettled, height)
		}
		if st.InFlight != nil && *st.InFlight == certID {
			return ErrCertificateInUse
		}
	}
	h, err := o.cfg.Pending.GetCertificateHeader(certID)
	if err != nil {
		return err
	}
	if h != nil && (h.Status == certificate.StatusCandidate || h.Status == certificate.StatusSettled) {
		return fmt.Errorf("%w: status %s", ErrCertificateInUse, h.Status)
	}

	if err := o.cfg.Pending.RemovePendingCertificate(id, height); err != nil {
		return err
	}
	if h == nil {
		return nil
	}
	return o.cfg.Pending.UpdateCertificateHeader(certID, func(h *certificate.Header) {
		h.Status = certificate.StatusInError
		h.Error = "removed by operator"
	})
}

// NetworkStatus is the state of one network task.
type NetworkStatus struct {
	network.Status
	Failed bool   `json:"failed"`
	Error  string `json:"error,omitempty"`
}

// NetworkStatus returns the status of a network known to the orchestrator.
func (o *Orchestrator) NetworkStatus(id types.NetworkID) (NetworkStatus, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	e, ok := o.tasks[id]
	if !ok {
		return NetworkStatus{}, false
	}
	return o.statusLocked(id, e), true
}

// Networks returns the status of every network, ordered by id.
func (o *Orchestrator) Networks() []NetworkStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]NetworkStatus, 0, len(o.tasks))
	for id, e := range o.tasks {
		out = append(out, o.statusLocked(id, e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NetworkID < out[j].NetworkID })
	return out
}

func (o *Orchestrator) statusLocked(id types.NetworkID, e *entry) NetworkStatus {
	st := NetworkStatus{Status: e.task.Status()}
	if err, ok := o.failed[id]; ok {
		st.Failed = true
		st.Error = err.Error()
	}
	return st
}
