// Package fallback implements the per-source state machine that arbitrates
// between Quaxis's three chain-tip sources by priority
// (shm > relay > pool), demoting a source on silence and promoting it back
// once it has proven itself stable again: an N-way priority table whose
// demotion/failback hysteresis is tracked with per-source timestamps.
package fallback

import (
	"sync"
	"time"

	"github.com/quaxis-io/quaxis/internal/chaintip"
	"github.com/quaxis-io/quaxis/internal/logging"
)

// SourceState is a single source's position in the
// DISABLED→CONNECTING→CONNECTED→DEGRADED→FAILED machine.
type SourceState int

const (
	StateDisabled SourceState = iota
	StateConnecting
	StateConnected
	StateDegraded
	StateFailed
)

func (s SourceState) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Hysteresis bounds the demotion/promotion timers. FailbackWindow must
// exceed the demotion time (MissedHeartbeatLimit x HeartbeatInterval) or the
// active source can flap between two nearly-equally-healthy sources.
type Hysteresis struct {
	MissedHeartbeatLimit int           // N consecutive misses before demotion
	HeartbeatInterval    time.Duration
	FailbackWindow       time.Duration // K: higher-priority source must stay healthy this long before promotion
}

// DefaultHysteresis matches the ratios original_source/src/fallback's
// manager uses: a few missed heartbeats demote fast, but failing back
// requires sustained health well past that to avoid flapping.
func DefaultHysteresis() Hysteresis {
	return Hysteresis{
		MissedHeartbeatLimit: 3,
		HeartbeatInterval:    2 * time.Second,
		FailbackWindow:       30 * time.Second,
	}
}

type sourceTracker struct {
	name             string
	state            SourceState
	missedHeartbeats int
	healthySince     time.Time
	lastSeen         time.Time
}

// Manager holds one tracker per source, in priority order (index 0 is
// highest priority), and decides which source's tips are currently
// authoritative.
type Manager struct {
	mu       sync.Mutex
	sources  []*sourceTracker
	hyst     Hysteresis
	active   int // index into sources of the currently-promoted source, or -1
	recentlySeen map[string]time.Time // block_hash -> last-seen time, for the dedup window

	log *logging.Logger

	OnTip chaintip.Sink
}

// New builds a Manager for the given sources, named in priority order
// (e.g. "shm", "relay", "pool").
func New(sourceNames []string, hyst Hysteresis, log *logging.Logger) *Manager {
	m := &Manager{
		hyst:         hyst,
		active:       -1,
		recentlySeen: make(map[string]time.Time),
		log:          log,
	}
	for _, name := range sourceNames {
		m.sources = append(m.sources, &sourceTracker{name: name, state: StateDisabled})
	}
	return m
}

// Heartbeat records that sourceIdx produced data within its grace window,
// promoting it to CONNECTED.
func (m *Manager) Heartbeat(sourceIdx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sourceIdx < 0 || sourceIdx >= len(m.sources) {
		return
	}
	t := m.sources[sourceIdx]
	now := time.Now()
	if t.state != StateConnected {
		t.healthySince = now
	}
	t.state = StateConnected
	t.missedHeartbeats = 0
	t.lastSeen = now
	m.reconsiderActiveLocked()
}

// MissedHeartbeat records one missed heartbeat for sourceIdx, demoting it
// to Degraded after MissedHeartbeatLimit consecutive misses.
func (m *Manager) MissedHeartbeat(sourceIdx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sourceIdx < 0 || sourceIdx >= len(m.sources) {
		return
	}
	t := m.sources[sourceIdx]
	t.missedHeartbeats++
	if t.missedHeartbeats >= m.hyst.MissedHeartbeatLimit && t.state == StateConnected {
		t.state = StateDegraded
		m.log.Warnf("chaintip.fallback", "source %s demoted to degraded after %d missed heartbeats", t.name, t.missedHeartbeats)
		m.reconsiderActiveLocked()
	}
}

// MarkFailed forces a source to Failed (e.g. a connection-level error).
func (m *Manager) MarkFailed(sourceIdx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sourceIdx < 0 || sourceIdx >= len(m.sources) {
		return
	}
	m.sources[sourceIdx].state = StateFailed
	m.reconsiderActiveLocked()
}

// MarkConnecting transitions a source from Disabled into Connecting when
// its goroutine starts dialing/mapping.
func (m *Manager) MarkConnecting(sourceIdx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sourceIdx < 0 || sourceIdx >= len(m.sources) {
		return
	}
	if m.sources[sourceIdx].state == StateDisabled {
		m.sources[sourceIdx].state = StateConnecting
	}
}

// reconsiderActiveLocked makes the highest-priority Connected source active
// once its healthy streak satisfies the failback window (or immediately if
// nothing is active); until then the current active source stays if it is
// still Connected. With no Connected source at all, the highest-priority
// Degraded source becomes active, or none if there is no Degraded source.
func (m *Manager) reconsiderActiveLocked() {
	now := time.Now()

	for i, t := range m.sources {
		if t.state != StateConnected {
			continue
		}
		if now.Sub(t.healthySince) >= m.hyst.FailbackWindow || m.active == -1 {
			if i != m.active {
				m.active = i
				m.log.Infof("chaintip.fallback", "source %s is now active", t.name)
			}
			return
		}
		// i is healthy but hasn't held the failback window yet: keep the
		// previously-active lower-priority source unless it's no longer
		// Connected (a source that was itself just demoted can't stay
		// active just because it used to be the one in charge).
		if m.active >= 0 && m.active < len(m.sources) {
			cur := m.sources[m.active]
			if cur.state == StateConnected {
				return
			}
		}
		m.active = i
		return
	}

	// No Connected source at all: demote to the best available (Degraded
	// beats Failed/Disabled/Connecting).
	best := -1
	for i, t := range m.sources {
		if t.state == StateDegraded && (best == -1 || i < best) {
			best = i
		}
	}
	m.active = best
}

// Active returns the name of the currently-authoritative source, or "" if
// none is usable.
func (m *Manager) Active() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active < 0 {
		return ""
	}
	return m.sources[m.active].name
}

// State returns sourceIdx's current state.
func (m *Manager) State(sourceIdx int) SourceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sourceIdx < 0 || sourceIdx >= len(m.sources) {
		return StateDisabled
	}
	return m.sources[sourceIdx].state
}

// Dedup suppresses a tip whose block hash was already observed within the
// rolling window, regardless of which source reported it.
func (m *Manager) Dedup(hash [32]byte, window time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for h, seen := range m.recentlySeen {
		if now.Sub(seen) > window {
			delete(m.recentlySeen, h)
		}
	}
	key := string(hash[:])
	if last, ok := m.recentlySeen[key]; ok && now.Sub(last) <= window {
		return true
	}
	m.recentlySeen[key] = now
	return false
}
