// Package config handles settler configuration.
//
// Everything here is a node setting: which networks to settle, where the
// L1 is, how epochs are derived and how the daemon is operated. None of it
// changes what a valid certificate is.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/Klingon-tech/klingnet-settler/pkg/types"
)

// NetworkType identifies mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// ClockMode selects how epochs are derived.
type ClockMode string

const (
	ClockTime  ClockMode = "time"  // Fixed-duration epochs from a genesis time.
	ClockBlock ClockMode = "block" // Fixed-length epochs of L1 blocks.
)

// Config holds the settler's runtime configuration.
type Config struct {
	// Core
	Network NetworkType `conf:"network"`
	DataDir string      `conf:"datadir"`

	// RPC server
	RPC RPCConfig

	// Epoch clock
	Clock ClockConfig

	// L1 settlement
	L1 L1Config

	// Certificate execution
	Certifier CertifierConfig

	// Network tasks
	Settler SettlerConfig

	// Logging
	Log LogConfig
}

// RPCConfig holds RPC server settings.
type RPCConfig struct {
	Enabled     bool     `conf:"rpc.enabled"`
	Addr        string   `conf:"rpc.addr"`
	Port        int      `conf:"rpc.port"`
	AllowedIPs  []string `conf:"rpc.allowed"`
	CORSOrigins []string `conf:"rpc.cors"` // Allowed CORS origins ("*" = all).
	Metrics     bool     `conf:"rpc.metrics"`
}

// ClockConfig holds epoch clock settings.
type ClockConfig struct {
	Mode           ClockMode     `conf:"clock.mode"`
	GenesisTime    int64         `conf:"clock.genesis_time"` // Unix seconds (time mode).
	EpochDuration  time.Duration `conf:"clock.epoch_duration"`
	GenesisBlock   uint64        `conf:"clock.genesis_block"` // Block mode.
	BlocksPerEpoch uint64        `conf:"clock.blocks_per_epoch"`
	PollInterval   time.Duration `conf:"clock.poll"`
}

// L1Config holds the settlement layer settings. An empty RPCURL runs the
// settler against an in-process simulated L1.
type L1Config struct {
	RPCURL         string                     `conf:"l1.rpc"`
	ChainID        uint64                     `conf:"l1.chainid"`
	RollupManager  string                     `conf:"l1.rollupmanager"`
	RollupIDs      map[types.NetworkID]uint32 `conf:"l1.rollups"` // network:rollup,...
	FromBlock      uint64                     `conf:"l1.fromblock"`
	KeyName        string                     `conf:"l1.key"`         // Keystore entry signing settlements.
	KeyPassFile    string                     `conf:"l1.keypassfile"` // Read instead of prompting.
	Confirmations  uint64                     `conf:"l1.confirmations"`
	WaitTimeout    time.Duration              `conf:"l1.timeout"`
	PollInterval   time.Duration              `conf:"l1.poll"`
	GasLimit       uint64                     `conf:"l1.gaslimit"`
	FeeBumpPercent uint64                     `conf:"l1.feebump"`
}

// Simulated reports whether no L1 endpoint is configured.
func (c L1Config) Simulated() bool {
	return c.RPCURL == ""
}

// CertifierConfig holds certificate execution settings.
type CertifierConfig struct {
	// TrustedSequencers maps a network to the hex compressed public key
	// that must sign its certificates.
	TrustedSequencers map[types.NetworkID]string `conf:"certifier.sequencers"` // network:pubkey,...
	AllowUnsigned     bool                       `conf:"certifier.allowunsigned"`
}

// SettlerConfig holds network task settings.
type SettlerConfig struct {
	Networks           []types.NetworkID `conf:"settler.networks"`
	MaxResubmissions   int               `conf:"settler.maxresubmissions"`
	NotificationBuffer int               `conf:"settler.notifybuffer"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// =============================================================================
// Directory helpers
// =============================================================================

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.klingnet-settler
//	macOS:   ~/Library/Application Support/KlingnetSettler
//	Windows: %APPDATA%\KlingnetSettler
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".klingnet-settler"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "KlingnetSettler")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "KlingnetSettler")
		}
		return filepath.Join(home, "AppData", "Roaming", "KlingnetSettler")
	default:
		return filepath.Join(home, ".klingnet-settler")
	}
}

// NetworkDataDir returns the per-network data directory.
func (c *Config) NetworkDataDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// DatabaseDir returns the certificate database directory.
func (c *Config) DatabaseDir() string {
	return filepath.Join(c.NetworkDataDir(), "db")
}

// KeystoreDir returns the keystore directory.
func (c *Config) KeystoreDir() string {
	return filepath.Join(c.NetworkDataDir(), "keystore")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "settler.conf")
}
