package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Klingon-tech/klingnet-settler/pkg/types"
)

// LoadFile loads settler configuration from a .conf file.
// Format: key = value (one per line, # for comments)
func LoadFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("line %d: invalid format (expected key = value)", lineNum)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Remove quotes if present
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		values[key] = value
	}

	return values, scanner.Err()
}

// ApplyFileConfig applies file configuration to a Config struct.
func ApplyFileConfig(cfg *Config, values map[string]string) error {
	for key, value := range values {
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

// setConfigValue sets a config value by key.
func setConfigValue(cfg *Config, key, value string) error {
	var err error
	switch key {
	// Core
	case "network":
		cfg.Network = NetworkType(value)
	case "datadir":
		cfg.DataDir = value

	// RPC
	case "rpc.enabled", "rpc":
		cfg.RPC.Enabled = parseBool(value)
	case "rpc.addr":
		cfg.RPC.Addr = value
	case "rpc.port":
		cfg.RPC.Port, err = strconv.Atoi(value)
	case "rpc.allowed":
		cfg.RPC.AllowedIPs = parseStringList(value)
	case "rpc.cors":
		cfg.RPC.CORSOrigins = parseStringList(value)
	case "rpc.metrics":
		cfg.RPC.Metrics = parseBool(value)

	// Clock
	case "clock.mode":
		cfg.Clock.Mode = ClockMode(strings.ToLower(value))
	case "clock.genesis_time":
		cfg.Clock.GenesisTime, err = strconv.ParseInt(value, 10, 64)
	case "clock.epoch_duration":
		cfg.Clock.EpochDuration, err = time.ParseDuration(value)
	case "clock.genesis_block":
		cfg.Clock.GenesisBlock, err = strconv.ParseUint(value, 10, 64)
	case "clock.blocks_per_epoch":
		cfg.Clock.BlocksPerEpoch, err = strconv.ParseUint(value, 10, 64)
	case "clock.poll":
		cfg.Clock.PollInterval, err = time.ParseDuration(value)

	// L1
	case "l1.rpc":
		cfg.L1.RPCURL = value
	case "l1.chainid":
		cfg.L1.ChainID, err = strconv.ParseUint(value, 10, 64)
	case "l1.rollupmanager":
		cfg.L1.RollupManager = value
	case "l1.rollups":
		cfg.L1.RollupIDs, err = parseRollupIDs(value)
	case "l1.fromblock":
		cfg.L1.FromBlock, err = strconv.ParseUint(value, 10, 64)
	case "l1.key":
		cfg.L1.KeyName = value
	case "l1.keypassfile":
		cfg.L1.KeyPassFile = value
	case "l1.confirmations":
		cfg.L1.Confirmations, err = strconv.ParseUint(value, 10, 64)
	case "l1.timeout":
		cfg.L1.WaitTimeout, err = time.ParseDuration(value)
	case "l1.poll":
		cfg.L1.PollInterval, err = time.ParseDuration(value)
	case "l1.gaslimit":
		cfg.L1.GasLimit, err = strconv.ParseUint(value, 10, 64)
	case "l1.feebump":
		cfg.L1.FeeBumpPercent, err = strconv.ParseUint(value, 10, 64)

	// Certifier
	case "certifier.sequencers":
		cfg.Certifier.TrustedSequencers, err = parseSequencers(value)
	case "certifier.allowunsigned":
		cfg.Certifier.AllowUnsigned = parseBool(value)

	// Network tasks
	case "settler.networks":
		cfg.Settler.Networks, err = parseNetworkList(value)
	case "settler.maxresubmissions":
		cfg.Settler.MaxResubmissions, err = strconv.Atoi(value)
	case "settler.notifybuffer":
		cfg.Settler.NotificationBuffer, err = strconv.Atoi(value)

	// Logging
	case "log.level":
		cfg.Log.Level = value
	case "log.file":
		cfg.Log.File = value
	case "log.json":
		cfg.Log.JSON = parseBool(value)

	default:
		// Unknown keys are ignored
	}
	return err
}

// parseBool parses a boolean value.
func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// parseStringList parses a comma-separated list.
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

func parseNetworkID(s string) (types.NetworkID, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid network id %q", s)
	}
	return types.NetworkID(n), nil
}

// parseNetworkList parses "1,2,7".
func parseNetworkList(s string) ([]types.NetworkID, error) {
	var out []types.NetworkID
	for _, p := range parseStringList(s) {
		id, err := parseNetworkID(p)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// parsePairs parses "network:value,..." into a map keyed by network.
func parsePairs(s string) (map[types.NetworkID]string, error) {
	out := make(map[types.NetworkID]string)
	for _, p := range parseStringList(s) {
		k, v, ok := strings.Cut(p, ":")
		if !ok {
			return nil, fmt.Errorf("entry %q must be network:value", p)
		}
		id, err := parseNetworkID(k)
		if err != nil {
			return nil, err
		}
		if _, dup := out[id]; dup {
			return nil, fmt.Errorf("network %d listed twice", id)
		}
		out[id] = strings.TrimSpace(v)
	}
	return out, nil
}

func parseRollupIDs(s string) (map[types.NetworkID]uint32, error) {
	pairs, err := parsePairs(s)
	if err != nil {
		return nil, err
	}
	out := make(map[types.NetworkID]uint32, len(pairs))
	for id, v := range pairs {
		rollup, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("network %d: invalid rollup id %q", id, v)
		}
		out[id] = uint32(rollup)
	}
	return out, nil
}

func parseSequencers(s string) (map[types.NetworkID]string, error) {
	pairs, err := parsePairs(s)
	if err != nil {
		return nil, err
	}
	for id, v := range pairs {
		pairs[id] = strings.ToLower(strings.TrimPrefix(v, "0x"))
	}
	return pairs, nil
}

// WriteDefaultConfig writes a default settler configuration file.
func WriteDefaultConfig(path string, network NetworkType) error {
	defaults := Default(network)
	content := `# Klingnet Settler Configuration

# Network: mainnet or testnet
network = ` + string(network) + `

# Data directory (default: ~/.klingnet-settler)
# datadir = ~/.klingnet-settler

# ============================================================================
# RPC Server
# ============================================================================

rpc.enabled = true
rpc.addr = 127.0.0.1
rpc.port = ` + strconv.Itoa(defaults.RPC.Port) + `
rpc.allowed = 127.0.0.1
# CORS allowed origins ("*" for all)
# rpc.cors = http://localhost:3000
# Serve Prometheus metrics at /metrics
rpc.metrics = true

# ============================================================================
# Epoch Clock
# ============================================================================

# time: epochs of clock.epoch_duration from clock.genesis_time (unix seconds)
# block: epochs of clock.blocks_per_epoch L1 blocks from clock.genesis_block
clock.mode = time
clock.epoch_duration = ` + defaults.Clock.EpochDuration.String() + `
# clock.genesis_time = 0
# clock.genesis_block = 0
# clock.blocks_per_epoch = 50

# ============================================================================
# L1 Settlement
# ============================================================================

# Leave empty to settle against an in-process simulated L1 (development).
# l1.rpc = http://127.0.0.1:8545
# l1.chainid = 1
# l1.rollupmanager = 0x...
# Rollup id of each network on the rollup manager (network:rollup,...)
# l1.rollups = 1:1
# l1.fromblock = 0
# Keystore entry that signs settlement transactions
# l1.key = settler
# l1.keypassfile =
# l1.confirmations = ` + strconv.FormatUint(defaults.L1.Confirmations, 10) + `
# l1.timeout = 5m

# ============================================================================
# Certifier
# ============================================================================

# Trusted sequencer public key per network (network:hex-pubkey,...)
# certifier.sequencers = 1:02...
certifier.allowunsigned = false

# ============================================================================
# Network Tasks
# ============================================================================

# Networks to start even without pending certificates
# settler.networks = 1
settler.maxresubmissions = 3

# ============================================================================
# Logging
# ============================================================================

log.level = info
# log.file =
log.json = false
`
	return os.WriteFile(path, []byte(content), 0644)
}
