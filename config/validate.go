package config

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Klingon-tech/klingnet-settler/pkg/crypto"
	"github.com/Klingon-tech/klingnet-settler/pkg/types"
)

// Validate checks runtime config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Network != Mainnet && cfg.Network != Testnet {
		return fmt.Errorf("network must be %q or %q", Mainnet, Testnet)
	}
	if cfg.RPC.Port < 0 || cfg.RPC.Port > 65535 {
		return fmt.Errorf("rpc.port must be in range [0, 65535]")
	}

	switch cfg.Clock.Mode {
	case ClockTime:
		if cfg.Clock.EpochDuration < time.Second || cfg.Clock.EpochDuration%time.Second != 0 {
			return fmt.Errorf("clock.epoch_duration must be a positive whole number of seconds")
		}
	case ClockBlock:
		if cfg.Clock.BlocksPerEpoch == 0 {
			return fmt.Errorf("clock.blocks_per_epoch must be positive")
		}
		if cfg.L1.Simulated() {
			return fmt.Errorf("clock.mode=block requires l1.rpc")
		}
	default:
		return fmt.Errorf("clock.mode must be %q or %q", ClockTime, ClockBlock)
	}

	if !cfg.L1.Simulated() {
		if cfg.L1.ChainID == 0 {
			return fmt.Errorf("l1.chainid is required with l1.rpc")
		}
		if !common.IsHexAddress(cfg.L1.RollupManager) {
			return fmt.Errorf("l1.rollupmanager must be a hex address")
		}
		if cfg.L1.KeyName == "" {
			return fmt.Errorf("l1.key is required with l1.rpc")
		}
		if len(cfg.L1.RollupIDs) == 0 {
			return fmt.Errorf("l1.rollups must map at least one network")
		}
	}

	for network, pub := range cfg.Certifier.TrustedSequencers {
		b, err := hex.DecodeString(pub)
		if err != nil || len(b) != crypto.PublicKeySize {
			return fmt.Errorf("certifier.sequencers: network %d must have a %d-byte hex public key", network, crypto.PublicKeySize)
		}
	}

	if err := validateNetworks(cfg.Settler.Networks); err != nil {
		return err
	}
	if cfg.Settler.MaxResubmissions < 0 {
		return fmt.Errorf("settler.maxresubmissions must not be negative")
	}
	if cfg.Settler.NotificationBuffer < 0 {
		return fmt.Errorf("settler.notifybuffer must not be negative")
	}
	return nil
}

func validateNetworks(ids []types.NetworkID) error {
	seen := make(map[types.NetworkID]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			return fmt.Errorf("settler.networks has duplicate network %d", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}
