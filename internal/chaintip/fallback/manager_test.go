package fallback

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quaxis-io/quaxis/internal/logging"
)

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	log, err := logging.New(logging.Config{Level: "error"})
	require.NoError(t, err)
	return log
}

func TestHeartbeatPromotesHighestPriorityImmediately(t *testing.T) {
	m := New([]string{"shm", "relay", "pool"}, DefaultHysteresis(), testLogger(t))

	m.Heartbeat(0)
	require.Equal(t, "shm", m.Active())
	require.Equal(t, StateConnected, m.State(0))
}

func TestMissedHeartbeatsDemoteAfterLimit(t *testing.T) {
	hyst := Hysteresis{MissedHeartbeatLimit: 3, HeartbeatInterval: time.Millisecond, FailbackWindow: time.Hour}
	m := New([]string{"shm", "relay"}, hyst, testLogger(t))

	m.Heartbeat(0)
	m.Heartbeat(1)
	require.Equal(t, "shm", m.Active())

	m.MissedHeartbeat(0)
	m.MissedHeartbeat(0)
	require.Equal(t, StateConnected, m.State(0), "still connected below the miss limit")
	require.Equal(t, "shm", m.Active())

	m.MissedHeartbeat(0)
	require.Equal(t, StateDegraded, m.State(0))
	require.Equal(t, "relay", m.Active(), "relay takes over once shm degrades")
}

func TestFailbackWindowDelaysPromotionBackToHigherPriority(t *testing.T) {
	hyst := Hysteresis{MissedHeartbeatLimit: 1, HeartbeatInterval: time.Millisecond, FailbackWindow: 50 * time.Millisecond}
	m := New([]string{"shm", "relay"}, hyst, testLogger(t))

	m.Heartbeat(0)
	m.Heartbeat(1)
	require.Equal(t, "shm", m.Active())

	m.MissedHeartbeat(0)
	require.Equal(t, "relay", m.Active())

	// shm comes back, but hasn't held the failback window yet.
	m.Heartbeat(0)
	require.Equal(t, "relay", m.Active(), "shm must stay healthy for the full failback window first")

	time.Sleep(60 * time.Millisecond)
	m.Heartbeat(0)
	require.Equal(t, "shm", m.Active(), "shm reclaims priority once its healthy streak clears the window")
}

func TestMarkFailedDemotesActiveSource(t *testing.T) {
	m := New([]string{"shm", "relay"}, DefaultHysteresis(), testLogger(t))

	m.Heartbeat(0)
	m.Heartbeat(1)
	require.Equal(t, "shm", m.Active())

	m.MarkFailed(0)
	require.Equal(t, StateFailed, m.State(0))
	require.Equal(t, "relay", m.Active())
}

func TestActiveReturnsEmptyWhenNoSourceIsUsable(t *testing.T) {
	m := New([]string{"shm", "relay"}, DefaultHysteresis(), testLogger(t))
	require.Equal(t, "", m.Active())

	m.Heartbeat(0)
	m.MarkFailed(0)
	m.MarkFailed(1)
	require.Equal(t, "", m.Active())
}

func TestMarkConnectingOnlyAppliesFromDisabled(t *testing.T) {
	m := New([]string{"shm"}, DefaultHysteresis(), testLogger(t))

	m.MarkConnecting(0)
	require.Equal(t, StateConnecting, m.State(0))

	m.Heartbeat(0)
	m.MarkConnecting(0) // must not regress a connected source back to connecting
	require.Equal(t, StateConnected, m.State(0))
}

func TestDedupSuppressesRepeatedHashWithinWindow(t *testing.T) {
	m := New([]string{"shm"}, DefaultHysteresis(), testLogger(t))
	hash := [32]byte{0xAA, 0xBB}

	require.False(t, m.Dedup(hash, 50*time.Millisecond), "first sighting is never a duplicate")
	require.True(t, m.Dedup(hash, 50*time.Millisecond), "same hash within the window is suppressed")

	time.Sleep(60 * time.Millisecond)
	require.False(t, m.Dedup(hash, 50*time.Millisecond), "outside the window it's treated as new again")
}
