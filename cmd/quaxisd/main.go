// Command quaxisd is Quaxis's composition root: it loads config, wires the
// three prioritized chain-tip sources through the fallback arbiter into the
// template cache, derives per-connection jobs for the ASIC-facing server,
// validates submitted shares, dispatches merged-mining proofs to any
// configured auxiliary chains, and exports telemetry. Startup and shutdown
// follow a plain signal-driven daemon lifecycle.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quaxis-io/quaxis/internal/auxchain"
	"github.com/quaxis-io/quaxis/internal/chaintip"
	"github.com/quaxis-io/quaxis/internal/chaintip/fallback"
	"github.com/quaxis-io/quaxis/internal/chaintip/pool"
	"github.com/quaxis-io/quaxis/internal/chaintip/relay"
	"github.com/quaxis-io/quaxis/internal/chaintip/shm"
	"github.com/quaxis-io/quaxis/internal/config"
	"github.com/quaxis-io/quaxis/internal/job"
	"github.com/quaxis-io/quaxis/internal/logging"
	"github.com/quaxis-io/quaxis/internal/merged"
	"github.com/quaxis-io/quaxis/internal/primitives"
	"github.com/quaxis-io/quaxis/internal/server"
	"github.com/quaxis-io/quaxis/internal/share"
	"github.com/quaxis-io/quaxis/internal/telemetry"
	"github.com/quaxis-io/quaxis/internal/template"
	"github.com/quaxis-io/quaxis/internal/waiter"
)

func main() {
	cfg, err := config.ParseArgsAndLoad(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, err := logging.New(logging.Config{
		Level:     cfg.Logging.Level,
		LogDir:    cfg.Logging.LogDir,
		MaxRollMB: cfg.Logging.MaxRollMB,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "build logger:", err)
		os.Exit(1)
	}
	defer log.Close()

	if err := run(cfg, log); err != nil {
		log.Errorf("main", "fatal: %v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logging.Logger) error {
	payoutProgram, err := hex.DecodeString(cfg.Template.PayoutProgramHex)
	if err != nil {
		return fmt.Errorf("decode template.payoutProgramHex: %w", err)
	}

	chains, err := buildAuxChains(cfg.Merged)
	if err != nil {
		return fmt.Errorf("build merged-mining chains: %w", err)
	}

	mm := newMergedState()

	jobs := job.New(cfg.Template.ExtranonceSize, cfg.Template.MaxTrackedJobs)
	validator := share.New(jobs)

	srv := server.New(server.Config{
		ListenAddr:         cfg.Server.ListenAddr,
		MaxConnections:     cfg.Server.MaxConnections,
		HeartbeatInterval:  cfg.Server.HeartbeatInterval,
		MaxMissedHeartbeat: cfg.Server.MaxMissedHeartbeat,
		SendQueueSoftBound: cfg.Server.SendQueueSoftBound,
		VersionMask:        cfg.Server.VersionMask,
	}, jobs, validator, log)

	cache := template.New(template.Params{
		CoinbaseTag:      []byte(cfg.Template.CoinbaseTag),
		PayoutProgram:    payoutProgram,
		ExtranonceSize:   cfg.Template.ExtranonceSize,
		SpeculativeBuild: cfg.Template.SpeculativeBuild,
		BlockSubsidy:     0, // set per-ingest below, since it depends on height
		AuxMarker:        mm.marker,
	}, noopTxSource{})
	cache.OnNewCurrent = srv.OnNewTemplate

	tel := telemetry.New()
	tel.Attach(srv)

	srv.OnBlockFound = func(connID string, hash primitives.Hash256, raw []byte) {
		tel.BlocksFound.Inc()
		log.Infof("main", "session %s found block %s", connID, hash)

		if len(chains) == 0 {
			return
		}
		commitment := mm.current()
		if commitment == nil {
			return
		}
		parentHeader, parentCoinbase, err := auxchain.ParentFromFoundBlock(raw)
		if err != nil {
			log.Errorf("main", "parse found block for merged mining: %v", err)
			return
		}
		tmpl := cache.Current()
		if tmpl == nil {
			return
		}
		errs := auxchain.Dispatch(context.Background(), chains, commitment, mm.candidates(), parentHeader, parentCoinbase, tmpl.MerkleBranch)
		for _, e := range errs {
			log.Errorf("main", "merged-mining dispatch: %v", e)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup

	if len(chains) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runMergedRefresh(ctx, cfg.Merged, chains, mm, log)
		}()
	}

	fb := fallback.New(cfg.ChainTip.Priority, fallback.Hysteresis{
		MissedHeartbeatLimit: cfg.ChainTip.MissedHeartbeatLimit,
		HeartbeatInterval:    cfg.ChainTip.HeartbeatInterval,
		FailbackWindow:       cfg.ChainTip.FailbackWindow,
	}, log)

	subsidy := subsidyScheduler{}
	ingest := func(name string, tip chaintip.Tip) {
		if fb.Active() != name {
			return
		}
		if fb.Dedup(tip.BlockHash, cfg.ChainTip.DedupWindow) {
			return
		}
		cache.SetBlockSubsidy(subsidy.At(tip.Height))
		if err := cache.Ingest(tip); err != nil {
			log.Errorf("main", "ingest tip from %s: %v", name, err)
		}
	}

	if err := startSources(ctx, &wg, cfg, fb, log, ingest); err != nil {
		return fmt.Errorf("start chain-tip sources: %w", err)
	}

	if err := srv.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	var telHTTP *http.Server
	if cfg.Telemetry.Enabled && cfg.Telemetry.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(tel.Registry, promhttp.HandlerOpts{}))
		telHTTP = &http.Server{Addr: cfg.Telemetry.ListenAddr, Handler: mux}
		go func() {
			if err := telHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("main", "telemetry listener: %v", err)
			}
		}()
		log.Infof("main", "telemetry listening on %s", cfg.Telemetry.ListenAddr)
	}

	log.Infof("main", "quaxisd started, server listening on %s", cfg.Server.ListenAddr)

	<-ctx.Done()
	log.Info("main", "shutting down")

	srv.Stop()
	if telHTTP != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = telHTTP.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	wg.Wait()

	if err := cfg.Save(); err != nil {
		log.Errorf("main", "save config on shutdown: %v", err)
	}

	return nil
}

// noopTxSource implements template.TxSource for Quaxis's own scope: no
// mempool, no fee policy. Every template is coinbase-only.
type noopTxSource struct{}

func (noopTxSource) SelectTransactions(height uint32, prevHash primitives.Hash256) ([]primitives.Hash256, int64, error) {
	return nil, 0, nil
}

// subsidyScheduler computes the Bitcoin block subsidy at a given height
// under the standard halving-every-210000-blocks schedule, so the template
// cache's coinbase value stays correct across a halving without a config
// reload.
type subsidyScheduler struct{}

const initialSubsidy int64 = 50 * 1e8
const halvingInterval uint32 = 210000

func (subsidyScheduler) At(height uint32) int64 {
	halvings := height / halvingInterval
	if halvings >= 64 {
		return 0
	}
	return initialSubsidy >> halvings
}

// mergedState holds the most recently built merged-mining commitment and
// the aux-chain candidates it was built from, read by template.Params's
// AuxMarker hook and by the OnBlockFound dispatch path. A commitment only
// exists once at least one aux chain is registered and reachable.
type mergedState struct {
	mu         sync.Mutex
	commitment *merged.Commitment
	cands      map[uint32]auxchain.Candidate
}

func newMergedState() *mergedState {
	return &mergedState{}
}

func (m *mergedState) set(c *merged.Commitment, cands map[uint32]auxchain.Candidate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commitment = c
	m.cands = cands
}

func (m *mergedState) current() *merged.Commitment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commitment
}

func (m *mergedState) candidates() map[uint32]auxchain.Candidate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cands
}

// marker is wired into template.Params.AuxMarker: every coinbase the
// template cache builds gets whatever commitment is currently on file.
func (m *mergedState) marker() []byte {
	c := m.current()
	if c == nil {
		return nil
	}
	return c.Marker()
}

// buildAuxChains turns config.MergedConfig.Chains into the []auxchain.Chain
// table Dispatch and the refresh loop operate over.
func buildAuxChains(cfg config.MergedConfig) ([]auxchain.Chain, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	chains := make([]auxchain.Chain, 0, len(cfg.Chains))
	for _, entry := range cfg.Chains {
		target, err := primitives.Bits(entry.TargetBits).ToTarget()
		if err != nil {
			return nil, fmt.Errorf("chain %s: target bits: %w", entry.Name, err)
		}
		rpcClient := auxchain.NewRPCClient(entry.RPCEndpoint, entry.RPCUser, entry.RPCPassword)
		chains = append(chains, auxchain.Chain{
			ID:             entry.ID,
			Name:           entry.Name,
			RPCEndpoint:    entry.RPCEndpoint,
			Target:         target,
			FetchCandidate: rpcClient.FetchCandidate,
			Submit:         rpcClient.Submit,
		})
	}
	return chains, nil
}

// runMergedRefresh periodically refetches every aux chain's candidate and
// rebuilds the merged-mining commitment, running alongside the
// Bitcoin-side template refresh.
func runMergedRefresh(ctx context.Context, cfg config.MergedConfig, chains []auxchain.Chain, mm *mergedState, log *logging.Logger) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			blocks, cands := auxchain.AuxBlocks(ctx, chains)
			if len(blocks) == 0 {
				continue
			}
			commitment, err := merged.Build(blocks, cfg.MerkleNonce)
			if err != nil {
				log.Errorf("main", "merged: rebuild commitment: %v", err)
				continue
			}
			mm.set(commitment, cands)
		}
	}
}

// startSources launches the enabled chain-tip sources, each forwarding
// through the fallback manager's gating before reaching ingest. A source's
// Run goroutine exiting (or Connect failing) is treated as that source's
// failure signal, since none of the three sources speaks a distinct
// keepalive frame, so there is no separate missed-heartbeat ticker here.
func startSources(ctx context.Context, wg *sync.WaitGroup, cfg *config.Config, fb *fallback.Manager, log *logging.Logger, ingest func(name string, tip chaintip.Tip)) error {
	idx := func(name string) int {
		for i, n := range cfg.ChainTip.Priority {
			if n == name {
				return i
			}
		}
		return -1
	}

	if cfg.ChainTip.Shm.Enabled {
		i := idx("shm")
		sub, err := shm.OpenWithWaiter(cfg.ChainTip.Shm.Path, waiter.Config{
			N1:       cfg.Waiter.SpinIterations,
			N2:       cfg.Waiter.YieldIterations,
			SleepDur: cfg.Waiter.SleepDuration,
		})
		if err != nil {
			return fmt.Errorf("open shm source: %w", err)
		}
		fb.MarkConnecting(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sub.Close()
			if err := sub.Run(ctx, func(tip chaintip.Tip) {
				fb.Heartbeat(i)
				ingest("shm", tip)
			}); err != nil && ctx.Err() == nil {
				fb.MarkFailed(i)
				log.Errorf("main", "shm source: %v", err)
			}
		}()
	}

	if cfg.ChainTip.Relay.Enabled {
		i := idx("relay")
		src, err := relay.Listen(cfg.ChainTip.Relay.ListenAddr, cfg.ChainTip.Relay.MaxReconstructing, cfg.ChainTip.Relay.ReconstructionTTL)
		if err != nil {
			return fmt.Errorf("listen relay source: %w", err)
		}
		fb.MarkConnecting(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer src.Close()
			if err := src.Run(ctx, func(tip chaintip.Tip) {
				fb.Heartbeat(i)
				ingest("relay", tip)
			}); err != nil && ctx.Err() == nil {
				fb.MarkFailed(i)
				log.Errorf("main", "relay source: %v", err)
			}
		}()
	}

	if cfg.ChainTip.Pool.Enabled {
		i := idx("pool")
		fb.MarkConnecting(i)
		client := pool.New(cfg.ChainTip.Pool.URL, cfg.ChainTip.Pool.WorkerName, cfg.ChainTip.Pool.Password, log, func(tip chaintip.Tip) {
			fb.Heartbeat(i)
			ingest("pool", tip)
		})
		if err := client.Connect(); err != nil {
			fb.MarkFailed(i)
			log.Errorf("main", "pool source: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ctx.Done()
			client.Stop()
		}()
	}

	return nil
}
