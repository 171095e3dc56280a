package config

import "time"

// Defaults returns a Config with conservative, locally-runnable defaults:
// shared-memory and pool sources enabled, relay disabled (it needs an
// operator-supplied FIBRE peer address), no merged-mining chains, info-level
// stderr logging.
func Defaults() *Config {
	return &Config{
		ChainTip: ChainTipConfig{
			Shm: ShmConfig{
				Enabled: true,
				Path:    "/dev/shm/quaxis-tip",
			},
			Relay: RelayConfig{
				Enabled:           false,
				ListenAddr:        "0.0.0.0:8337",
				MaxReconstructing: 64,
				ReconstructionTTL: 10 * time.Second,
			},
			Pool: PoolConfig{
				Enabled:    true,
				URL:        "",
				WorkerName: "quaxis",
				Password:   "x",
			},
			Priority:             []string{"shm", "relay", "pool"},
			MissedHeartbeatLimit: 3,
			HeartbeatInterval:    2 * time.Second,
			FailbackWindow:       30 * time.Second,
			DedupWindow:          5 * time.Second,
		},
		Waiter: WaiterConfig{
			SpinIterations:  4000,
			YieldIterations: 400,
			SleepDuration:   500 * time.Microsecond,
		},
		FEC: FECConfig{
			MaxConcurrentReconstructions: 64,
			ReconstructionTTL:            10 * time.Second,
		},
		Template: TemplateConfig{
			CoinbaseTag:      "/Quaxis/",
			PayoutProgramHex: "",
			ExtranonceSize:   8,
			SpeculativeBuild: true,
			MaxTrackedJobs:   256,
		},
		Server: ServerConfig{
			ListenAddr:         "0.0.0.0:3333",
			MaxConnections:     256,
			HeartbeatInterval:  30 * time.Second,
			MaxMissedHeartbeat: 3,
			SendQueueSoftBound: 16,
			VersionMask:        0x1fffe000,
		},
		Merged: MergedConfig{
			Enabled:     false,
			MerkleNonce: 0,
			Chains:      nil,
		},
		Telemetry: TelemetryConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1:9337",
		},
		Logging: LoggingConfig{
			Level:     "info",
			LogDir:    "",
			MaxRollMB: 10,
		},
	}
}
