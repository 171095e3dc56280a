// Package telemetry exposes Quaxis's health/counters surface as a
// Prometheus registry: per-session sharesAccepted/sharesRejected/
// bestDifficulty counters rolled up into process-wide metrics, using a
// namespaced gauge-and-counter layout. There is no bundled HTTP dashboard
// here; callers hand Registry to whatever exposition they run.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/quaxis-io/quaxis/internal/primitives"
	"github.com/quaxis-io/quaxis/internal/server"
)

const namespace = "quaxis"

// Telemetry holds every counter/gauge Quaxis exports and the registry they
// are bound to.
type Telemetry struct {
	Registry *prometheus.Registry

	MinersConnected prometheus.Gauge
	BestDifficulty  prometheus.Gauge

	SharesAccepted     prometheus.Counter
	SharesRejected     *prometheus.CounterVec
	StaleSharesTotal   prometheus.Counter
	DuplicateShares    prometheus.Counter
	BlocksFound        prometheus.Counter
	TemplateStaleCount prometheus.Counter

	HashrateEstimate prometheus.Gauge

	bestDiffTracker float64
}

// New builds a Telemetry with its own registry (not the global
// prometheus.DefaultRegisterer) so embedding callers control what else
// shares the exposition surface.
func New() *Telemetry {
	reg := prometheus.NewRegistry()

	t := &Telemetry{
		Registry: reg,
		MinersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "miners_connected",
			Help:      "Number of currently connected ASIC sessions.",
		}),
		BestDifficulty: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "best_share_difficulty",
			Help:      "Highest-difficulty share accepted since start.",
		}),
		SharesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shares_accepted_total",
			Help:      "Total valid shares accepted across all sessions.",
		}),
		SharesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shares_rejected_total",
			Help:      "Total rejected shares by reason.",
		}, []string{"reason"}),
		StaleSharesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_shares_total",
			Help:      "Shares rejected because their job had gone stale.",
		}),
		DuplicateShares: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_shares_total",
			Help:      "Shares rejected as duplicates of an already-seen submission.",
		}),
		BlocksFound: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_found_total",
			Help:      "Total shares whose hash met the network target (blocks found).",
		}),
		TemplateStaleCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "template_replacements_total",
			Help:      "Number of times the active block template was replaced.",
		}),
		HashrateEstimate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hashrate_estimate_hs",
			Help:      "Estimated aggregate hashrate in H/s, derived from accepted share difficulty over a sliding window.",
		}),
	}

	reg.MustRegister(
		t.MinersConnected,
		t.BestDifficulty,
		t.SharesAccepted,
		t.SharesRejected,
		t.StaleSharesTotal,
		t.DuplicateShares,
		t.BlocksFound,
		t.TemplateStaleCount,
		t.HashrateEstimate,
	)

	return t
}

// Attach wires Telemetry's counters into srv's callback seam
// (OnMinerConnected/OnShareAccepted and friends), feeding their
// bookkeeping into the Prometheus registry instead of a JSON-RPC response
// field.
func (t *Telemetry) Attach(srv *server.Server) {
	connected := 0

	srv.OnMinerConnected = func(connID string) {
		connected++
		t.MinersConnected.Set(float64(connected))
	}
	srv.OnMinerDisconnected = func(connID string) {
		if connected > 0 {
			connected--
		}
		t.MinersConnected.Set(float64(connected))
	}
	srv.OnShareAccepted = func(connID string, difficulty float64) {
		t.SharesAccepted.Inc()
		if difficulty > t.bestDiffTracker {
			t.bestDiffTracker = difficulty
			t.BestDifficulty.Set(difficulty)
		}
	}
	srv.OnShareRejected = func(connID string, reason string) {
		t.SharesRejected.WithLabelValues(reason).Inc()
		switch reason {
		case "stale job":
			t.StaleSharesTotal.Inc()
		case "duplicate":
			t.DuplicateShares.Inc()
		}
	}
	srv.OnBlockFound = func(connID string, hash primitives.Hash256, raw []byte) {
		t.BlocksFound.Inc()
	}
}

// RecordTemplateReplaced counts one block-template rotation, for
// internal/template.Cache to call whenever its Sink fires.
func (t *Telemetry) RecordTemplateReplaced() {
	t.TemplateStaleCount.Inc()
}

// SetHashrateEstimate publishes a freshly computed estimate. Callers derive
// the estimate themselves (accepted-share count times the job's target
// difficulty over an elapsed window); Telemetry only carries the gauge.
func (t *Telemetry) SetHashrateEstimate(hashesPerSecond float64) {
	t.HashrateEstimate.Set(hashesPerSecond)
}
