// Package config loads and persists Quaxis's on-disk JSON configuration:
// an atomic-rename save and executable-relative data directory layout
// backing a long-running daemon's config file rather than a settings
// panel. The schema covers chain-tip sources and their fallback priority,
// the adaptive waiter, the FEC reconstructor, the template builder, the
// ASIC-facing server, merged-mining aux chains, and telemetry.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Config is Quaxis's full on-disk configuration.
type Config struct {
	ChainTip  ChainTipConfig  `json:"chainTip"`
	Waiter    WaiterConfig    `json:"waiter"`
	FEC       FECConfig       `json:"fec"`
	Template  TemplateConfig  `json:"template"`
	Server    ServerConfig    `json:"server"`
	Merged    MergedConfig    `json:"merged"`
	Telemetry TelemetryConfig `json:"telemetry"`
	Logging   LoggingConfig   `json:"logging"`

	path string
	mu   sync.RWMutex
}

// ChainTipConfig configures the three prioritized chain-tip sources and
// the fallback manager's hysteresis timers.
type ChainTipConfig struct {
	Shm   ShmConfig   `json:"shm"`
	Relay RelayConfig `json:"relay"`
	Pool  PoolConfig  `json:"pool"`

	// Priority lists source names ("shm", "relay", "pool") highest-first;
	// internal/chaintip/fallback.New consumes it directly.
	Priority []string `json:"priority"`

	MissedHeartbeatLimit int           `json:"missedHeartbeatLimit"`
	HeartbeatInterval    time.Duration `json:"heartbeatInterval"`
	FailbackWindow       time.Duration `json:"failbackWindow"`

	// DedupWindow bounds how long a block_hash seen from one source
	// suppresses the same hash arriving from another.
	DedupWindow time.Duration `json:"dedupWindow"`
}

// ShmConfig points at the shared-memory region the highest-priority source
// maps (internal/chaintip/shm.Open).
type ShmConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// RelayConfig configures the FIBRE-style FEC-protected UDP relay source
// (internal/chaintip/relay.Listen).
type RelayConfig struct {
	Enabled           bool          `json:"enabled"`
	ListenAddr        string        `json:"listenAddr"`
	MaxReconstructing int           `json:"maxReconstructing"`
	ReconstructionTTL time.Duration `json:"reconstructionTtl"`
}

// PoolConfig configures the lowest-priority line-delimited JSON-RPC pool
// fallback source (internal/chaintip/pool.New).
type PoolConfig struct {
	Enabled    bool   `json:"enabled"`
	URL        string `json:"url"`
	WorkerName string `json:"workerName"`
	Password   string `json:"password"`
}

// WaiterConfig parameterizes the adaptive spin/yield/sleep waiter
// (internal/waiter.Config).
type WaiterConfig struct {
	SpinIterations  int           `json:"spinIterations"`
	YieldIterations int           `json:"yieldIterations"`
	SleepDuration   time.Duration `json:"sleepDuration"`
}

// FECConfig describes bounds for concurrent FEC block reconstructions.
// cmd/quaxisd does not read this section: the relay source takes its
// reconstruction cap and TTL from RelayConfig.
type FECConfig struct {
	MaxConcurrentReconstructions int           `json:"maxConcurrentReconstructions"`
	ReconstructionTTL            time.Duration `json:"reconstructionTtl"`
}

// TemplateConfig feeds internal/template.Params.
type TemplateConfig struct {
	CoinbaseTag      string `json:"coinbaseTag"`
	PayoutProgramHex string `json:"payoutProgramHex"` // witness program, pre-decoded, hex-encoded on disk
	ExtranonceSize   int    `json:"extranonceSize"`
	SpeculativeBuild bool   `json:"speculativeBuild"`
	MaxTrackedJobs   int    `json:"maxTrackedJobs"`
}

// ServerConfig mirrors internal/server.Config's fields one for one.
type ServerConfig struct {
	ListenAddr         string        `json:"listenAddr"`
	MaxConnections     int           `json:"maxConnections"`
	HeartbeatInterval  time.Duration `json:"heartbeatInterval"`
	MaxMissedHeartbeat int           `json:"maxMissedHeartbeat"`
	SendQueueSoftBound int           `json:"sendQueueSoftBound"`
	VersionMask        uint32        `json:"versionMask"`
}

// MergedConfig lists the auxiliary chains to merge-mine, each built into an
// internal/auxchain.Chain at startup. Aux chains are supplied here, at
// runtime, never hardcoded into a registry.
type MergedConfig struct {
	Enabled     bool         `json:"enabled"`
	MerkleNonce uint32       `json:"merkleNonce"`
	Chains      []ChainEntry `json:"chains"`
}

// ChainEntry is one configured auxiliary chain.
type ChainEntry struct {
	ID          uint32 `json:"id"`
	Name        string `json:"name"`
	RPCEndpoint string `json:"rpcEndpoint"`
	RPCUser     string `json:"rpcUser"`
	RPCPassword string `json:"rpcPassword"`
	TargetBits  uint32 `json:"targetBits"` // compact ("nBits") encoding, expanded via primitives.Bits.ToTarget
}

// TelemetryConfig controls whether counters are collected at all. The
// telemetry component never builds its own HTTP exposition; ListenAddr,
// when set, is only read by the composition root to decide whether to
// mount the registry on its own promhttp handler, not by
// internal/telemetry itself.
type TelemetryConfig struct {
	Enabled    bool   `json:"enabled"`
	ListenAddr string `json:"listenAddr"`
}

// LoggingConfig mirrors internal/logging.Config.
type LoggingConfig struct {
	Level     string `json:"level"`
	LogDir    string `json:"logDir"`
	MaxRollMB int    `json:"maxRollMb"`
}

// configDir resolves the executable-relative data directory.
func configDir() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable path: %w", err)
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return "", fmt.Errorf("resolve symlinks: %w", err)
	}
	return filepath.Join(filepath.Dir(exe), "data"), nil
}

// Load reads config.json from the default executable-relative data
// directory, writing out defaults on first run.
func Load() (*Config, error) {
	dir, err := configDir()
	if err != nil {
		return nil, fmt.Errorf("config dir: %w", err)
	}
	return LoadFrom(filepath.Join(dir, "config.json"))
}

// LoadFrom reads config.json from an explicit path, the seam
// --config on the CLI uses to point at a non-default location.
func LoadFrom(path string) (*Config, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}

	cfg := Defaults()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.path = path

	return cfg, nil
}

// Save persists Config via a write-then-rename, an atomic-replace pattern
// so a crash mid-write never leaves a truncated config.json behind.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write config tmp: %w", err)
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// Update replaces every field from newCfg and persists the result.
func (c *Config) Update(newCfg *Config) error {
	c.mu.Lock()
	c.ChainTip = newCfg.ChainTip
	c.Waiter = newCfg.Waiter
	c.FEC = newCfg.FEC
	c.Template = newCfg.Template
	c.Server = newCfg.Server
	c.Merged = newCfg.Merged
	c.Telemetry = newCfg.Telemetry
	c.Logging = newCfg.Logging
	c.mu.Unlock()
	return c.Save()
}

// Validate checks the fields every component asserts on construction,
// before any of them are actually built, so a bad config fails fast at
// startup instead of mid-run inside a goroutine.
func (c *Config) Validate() error {
	if !c.ChainTip.Shm.Enabled && !c.ChainTip.Relay.Enabled && !c.ChainTip.Pool.Enabled {
		return fmt.Errorf("at least one chain-tip source must be enabled")
	}
	if len(c.ChainTip.Priority) == 0 {
		return fmt.Errorf("chainTip.priority must list at least one source")
	}
	for _, name := range c.ChainTip.Priority {
		switch name {
		case "shm", "relay", "pool":
		default:
			return fmt.Errorf("chainTip.priority: unknown source %q", name)
		}
	}

	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listenAddr must be set")
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("server.maxConnections cannot be negative")
	}

	if c.Template.ExtranonceSize <= 0 {
		return fmt.Errorf("template.extranonceSize must be positive")
	}
	if c.Template.PayoutProgramHex == "" {
		return fmt.Errorf("template.payoutProgramHex must be set")
	}

	if c.Merged.Enabled && len(c.Merged.Chains) == 0 {
		return fmt.Errorf("merged.enabled is true but no chains are configured")
	}
	seen := make(map[uint32]bool, len(c.Merged.Chains))
	for _, chain := range c.Merged.Chains {
		if seen[chain.ID] {
			return fmt.Errorf("merged.chains: duplicate chain id %d", chain.ID)
		}
		seen[chain.ID] = true
	}

	return nil
}

// Path returns the on-disk location this Config was loaded from or will be
// saved to.
func (c *Config) Path() string {
	return c.path
}
