package telemetry

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/quaxis-io/quaxis/internal/job"
	"github.com/quaxis-io/quaxis/internal/logging"
	"github.com/quaxis-io/quaxis/internal/server"
	"github.com/quaxis-io/quaxis/internal/share"
)

func newTestServer(t *testing.T) *server.Server {
	t.Helper()
	log, err := logging.New(logging.Config{Level: "error"})
	require.NoError(t, err)
	jobs := job.New(8, 10)
	return server.New(server.Config{}, jobs, share.New(jobs), log)
}

func gaugeValue(t *testing.T, g interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	if m.Gauge != nil {
		return m.Gauge.GetValue()
	}
	return m.Counter.GetValue()
}

func TestAttachTracksConnectedMinerCount(t *testing.T) {
	tel := New()
	srv := newTestServer(t)
	tel.Attach(srv)

	srv.OnMinerConnected("c1")
	srv.OnMinerConnected("c2")
	require.Equal(t, float64(2), gaugeValue(t, tel.MinersConnected))

	srv.OnMinerDisconnected("c1")
	require.Equal(t, float64(1), gaugeValue(t, tel.MinersConnected))
}

func TestAttachTracksBestDifficultyMonotonically(t *testing.T) {
	tel := New()
	srv := newTestServer(t)
	tel.Attach(srv)

	srv.OnShareAccepted("c1", 10)
	require.Equal(t, float64(10), gaugeValue(t, tel.BestDifficulty))

	srv.OnShareAccepted("c1", 4)
	require.Equal(t, float64(10), gaugeValue(t, tel.BestDifficulty), "a lower difficulty share must not lower the best")

	srv.OnShareAccepted("c1", 25)
	require.Equal(t, float64(25), gaugeValue(t, tel.BestDifficulty))

	require.Equal(t, float64(3), gaugeValue(t, tel.SharesAccepted))
}

func TestAttachClassifiesRejectReasons(t *testing.T) {
	tel := New()
	srv := newTestServer(t)
	tel.Attach(srv)

	srv.OnShareRejected("c1", "stale job")
	srv.OnShareRejected("c1", "duplicate")
	srv.OnShareRejected("c1", "invalid job id")

	require.Equal(t, float64(1), gaugeValue(t, tel.StaleSharesTotal))
	require.Equal(t, float64(1), gaugeValue(t, tel.DuplicateShares))

	metric := &dto.Metric{}
	require.NoError(t, tel.SharesRejected.WithLabelValues("invalid job id").Write(metric))
	require.Equal(t, float64(1), metric.Counter.GetValue())
}

func TestRecordTemplateReplacedIncrements(t *testing.T) {
	tel := New()
	tel.RecordTemplateReplaced()
	tel.RecordTemplateReplaced()
	require.Equal(t, float64(2), gaugeValue(t, tel.TemplateStaleCount))
}

func TestSetHashrateEstimatePublishesGauge(t *testing.T) {
	tel := New()
	tel.SetHashrateEstimate(123456.0)
	require.Equal(t, float64(123456.0), gaugeValue(t, tel.HashrateEstimate))
}
