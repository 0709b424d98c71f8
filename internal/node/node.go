// Package node wires the settler components together and runs them. It is
// used by the daemon and by tests that need a complete settler.
package node

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-settler/config"
	"github.com/Klingon-tech/klingnet-settler/internal/certifier"
	"github.com/Klingon-tech/klingnet-settler/internal/certtask"
	"github.com/Klingon-tech/klingnet-settler/internal/clock"
	"github.com/Klingon-tech/klingnet-settler/internal/keystore"
	klog "github.com/Klingon-tech/klingnet-settler/internal/log"
	"github.com/Klingon-tech/klingnet-settler/internal/network"
	"github.com/Klingon-tech/klingnet-settler/internal/orchestrator"
	"github.com/Klingon-tech/klingnet-settler/internal/rpc"
	"github.com/Klingon-tech/klingnet-settler/internal/settlement"
	"github.com/Klingon-tech/klingnet-settler/internal/storage"
	"github.com/Klingon-tech/klingnet-settler/internal/store"
)

// PassphraseFunc returns the passphrase of a keystore entry.
type PassphraseFunc func(name string) ([]byte, error)

// epochClock is a clock service whose epoch can be refreshed before Run.
type epochClock interface {
	clock.Service
	Sync(ctx context.Context) error
}

// Node is a fully-initialized settler.
type Node struct {
	cfg    *config.Config
	logger zerolog.Logger

	// Storage
	db      storage.DB
	pending *store.Pending
	state   *store.State

	// Settlement
	l1       *ethclient.Client
	signer   *ecdsa.PrivateKey
	clock    epochClock
	settler  settlement.Client
	registry *prometheus.Registry

	// Network tasks
	orch *orchestrator.Orchestrator

	// RPC
	rpcServer *rpc.Server

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// New creates and initializes a settler: logger, storage, L1 connection,
// clock, certifier and orchestrator. It does NOT start any goroutine; call
// Start for that. passphrase is asked for the L1 signer key unless
// l1.keypassfile is set.
func New(cfg *config.Config, passphrase PassphraseFunc) (_ *Node, err error) {
	// ── 1. Init logger ──────────────────────────────────────────────
	logFile := cfg.Log.File
	if logFile == "" {
		if err := os.MkdirAll(cfg.LogsDir(), 0755); err != nil {
			return nil, fmt.Errorf("creating logs dir: %w", err)
		}
		logFile = filepath.Join(cfg.LogsDir(), "settler.log")
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	n := &Node{
		cfg:      cfg,
		logger:   klog.Node,
		registry: prometheus.NewRegistry(),
	}
	// Release whatever was opened if a later step fails.
	defer func() {
		if err != nil {
			n.close()
		}
	}()

	n.logger.Info().
		Str("network", string(cfg.Network)).
		Str("clock", string(cfg.Clock.Mode)).
		Bool("simulated_l1", cfg.L1.Simulated()).
		Msg("Starting Klingnet Settler")

	// ── 2. Open storage ─────────────────────────────────────────────
	db, err := storage.NewBadger(cfg.DatabaseDir())
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", cfg.DatabaseDir(), err)
	}
	n.db = db
	n.pending = store.NewPending(storage.NewPrefixDB(db, []byte("p/")))
	n.state = store.NewState(storage.NewPrefixDB(db, []byte("s/")))
	n.logger.Info().Str("path", cfg.DatabaseDir()).Msg("Database opened")

	// ── 3. L1 connection and signer ─────────────────────────────────
	if !cfg.L1.Simulated() {
		dialCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		n.l1, err = ethclient.DialContext(dialCtx, cfg.L1.RPCURL)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("dial l1 %s: %w", cfg.L1.RPCURL, err)
		}
		n.signer, err = loadSigner(cfg, passphrase)
		if err != nil {
			return nil, err
		}
		n.logger.Info().
			Str("endpoint", cfg.L1.RPCURL).
			Str("from", gethcrypto.PubkeyToAddress(n.signer.PublicKey).Hex()).
			Msg("L1 signer loaded")
	}

	// ── 4. Epoch clock ──────────────────────────────────────────────
	n.clock, err = newClock(cfg, n.l1)
	if err != nil {
		return nil, err
	}
	syncCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = n.clock.Sync(syncCtx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("sync epoch clock: %w", err)
	}

	// ── 5. Settlement client ────────────────────────────────────────
	packer := settlement.NewEpochPacker(n.clock, n.state)
	if cfg.L1.Simulated() {
		n.settler = settlement.NewSimulated(packer)
		n.logger.Warn().Msg("No l1.rpc configured, settling against a simulated L1")
	} else {
		n.settler, err = settlement.NewL1Client(n.l1, settlement.L1Config{
			ChainID:        new(big.Int).SetUint64(cfg.L1.ChainID),
			RollupManager:  common.HexToAddress(cfg.L1.RollupManager),
			RollupIDs:      cfg.L1.RollupIDs,
			FromBlock:      cfg.L1.FromBlock,
			GasLimit:       cfg.L1.GasLimit,
			Confirmations:  cfg.L1.Confirmations,
			WaitTimeout:    cfg.L1.WaitTimeout,
			PollInterval:   cfg.L1.PollInterval,
			FeeBumpPercent: cfg.L1.FeeBumpPercent,
		}, n.signer, packer)
		if err != nil {
			return nil, fmt.Errorf("create l1 client: %w", err)
		}
	}

	// ── 6. Certifier and workers ────────────────────────────────────
	sequencers, err := trustedSequencers(cfg.Certifier.TrustedSequencers)
	if err != nil {
		return nil, err
	}
	executor, err := certifier.NewExecutor(certifier.Config{
		TrustedSequencers: sequencers,
		AllowUnsigned:     cfg.Certifier.AllowUnsigned,
	})
	if err != nil {
		return nil, fmt.Errorf("create certifier: %w", err)
	}
	spawner, err := certtask.NewSpawner(certtask.Config{
		Certifier:        executor,
		Store:            n.pending,
		MaxResubmissions: cfg.Settler.MaxResubmissions,
	})
	if err != nil {
		return nil, fmt.Errorf("create worker spawner: %w", err)
	}

	// ── 7. Orchestrator ─────────────────────────────────────────────
	n.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	n.orch, err = orchestrator.New(orchestrator.Config{
		Pending:            n.pending,
		State:              n.state,
		Settlement:         n.settler,
		Clock:              n.clock,
		Spawner:            spawner,
		Networks:           cfg.Settler.Networks,
		NotificationBuffer: cfg.Settler.NotificationBuffer,
		NetworkMetrics:     network.NewMetrics(n.registry),
		Metrics:            orchestrator.NewMetrics(n.registry),
	})
	if err != nil {
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}

	// ── 8. RPC server ───────────────────────────────────────────────
	if cfg.RPC.Enabled {
		addr := net.JoinHostPort(cfg.RPC.Addr, strconv.Itoa(cfg.RPC.Port))
		n.rpcServer = rpc.New(addr, n.orch, n.pending, n.state, n.clock.Configuration(), cfg.RPC)
		if cfg.RPC.Metrics {
			n.rpcServer.SetMetrics(n.registry)
		}
	}

	return n, nil
}

// newClock builds the configured epoch clock.
func newClock(cfg *config.Config, l1 *ethclient.Client) (epochClock, error) {
	switch cfg.Clock.Mode {
	case config.ClockBlock:
		if l1 == nil {
			return nil, fmt.Errorf("block clock requires an l1 endpoint")
		}
		return clock.NewBlockClock(l1, cfg.Clock.GenesisBlock, cfg.Clock.BlocksPerEpoch, cfg.Clock.PollInterval)
	default:
		return clock.NewTimeClock(time.Unix(cfg.Clock.GenesisTime, 0), cfg.Clock.EpochDuration)
	}
}

// loadSigner decrypts the L1 signer key from the keystore.
func loadSigner(cfg *config.Config, passphrase PassphraseFunc) (*ecdsa.PrivateKey, error) {
	ks, err := keystore.New(cfg.KeystoreDir(), keystore.DefaultParams())
	if err != nil {
		return nil, fmt.Errorf("open keystore: %w", err)
	}
	pass, err := readPassphrase(cfg.L1.KeyPassFile, cfg.L1.KeyName, passphrase)
	if err != nil {
		return nil, err
	}
	defer clear(pass)

	key, err := ks.L1Signer(cfg.L1.KeyName, pass)
	if err != nil {
		return nil, fmt.Errorf("load l1 signer %q: %w", cfg.L1.KeyName, err)
	}
	return key, nil
}

// Start serves RPC, runs the epoch clock and starts every network task.
func (n *Node) Start() error {
	n.ctx, n.cancel = context.WithCancel(context.Background())

	// The clock closes its stream when it stops, which network tasks treat
	// as fatal, so it outlives the orchestrator.
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.clock.Run(n.ctx); err != nil {
			n.logger.Error().Err(err).Msg("Epoch clock stopped")
		}
	}()

	if err := n.orch.Start(n.ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}

	if n.rpcServer != nil {
		if err := n.rpcServer.Start(); err != nil {
			return fmt.Errorf("start rpc: %w", err)
		}
	}

	n.logger.Info().
		Uint64("epoch", uint64(n.clock.CurrentEpoch())).
		Int("networks", len(n.orch.Networks())).
		Str("rpc", n.RPCAddr()).
		Msg("Settler started successfully")
	return nil
}

// Stop shuts the settler down. A certificate in flight is driven to
// completion first. It returns the first fatal network error, if any.
func (n *Node) Stop() error {
	if n.rpcServer != nil {
		n.rpcServer.Stop()
	}
	err := n.orch.Stop()
	if err != nil {
		n.logger.Error().Err(err).Msg("Network task failed")
	}
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()
	n.close()

	n.logger.Info().Msg("Goodbye!")
	return err
}

// close releases resources held since New.
func (n *Node) close() {
	if n.closed {
		return
	}
	n.closed = true
	if n.l1 != nil {
		n.l1.Close()
	}
	if n.signer != nil {
		zeroKey(n.signer)
	}
	if n.db != nil {
		n.db.Close()
	}
}

// RPCAddr returns the RPC listen address, or "" when RPC is disabled.
func (n *Node) RPCAddr() string {
	if n.rpcServer == nil {
		return ""
	}
	return n.rpcServer.Addr()
}

// Orchestrator returns the orchestrator driving the network tasks.
func (n *Node) Orchestrator() *orchestrator.Orchestrator {
	return n.orch
}
