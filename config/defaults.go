package config

import "time"

// DefaultMainnet returns the default settler configuration for mainnet.
func DefaultMainnet() *Config {
	return &Config{
		Network: Mainnet,
		DataDir: DefaultDataDir(),
		RPC: RPCConfig{
			Enabled:    true,
			Addr:       "127.0.0.1",
			Port:       8555,
			AllowedIPs: []string{"127.0.0.1"},
			Metrics:    true,
		},
		Clock: ClockConfig{
			Mode:           ClockTime,
			EpochDuration:  10 * time.Minute,
			BlocksPerEpoch: 50,
			PollInterval:   12 * time.Second,
		},
		L1: L1Config{
			Confirmations:  2,
			WaitTimeout:    5 * time.Minute,
			PollInterval:   2 * time.Second,
			GasLimit:       1_000_000,
			FeeBumpPercent: 10,
		},
		Settler: SettlerConfig{
			MaxResubmissions:   3,
			NotificationBuffer: 16,
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// DefaultTestnet returns the default settler configuration for testnet.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	cfg.RPC.Port = 8655
	cfg.Clock.EpochDuration = time.Minute
	cfg.L1.Confirmations = 1
	return cfg
}

// Default returns the default settler configuration for the given network.
func Default(network NetworkType) *Config {
	switch network {
	case Testnet:
		return DefaultTestnet()
	default:
		return DefaultMainnet()
	}
}
