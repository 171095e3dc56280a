package job

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quaxis-io/quaxis/internal/header"
	"github.com/quaxis-io/quaxis/internal/primitives"
	"github.com/quaxis-io/quaxis/internal/template"
)

// BaseVersion is the block version Quaxis's coinbase builder assumes
// (BIP68-signaling version 2); version-rolling ASICs XOR in their own bits
// on top of it per the negotiated mask. A job's precomputed Midstate
// assumes this version, so any submission rolling the version field can't
// reuse it.
const BaseVersion int32 = 2

// Job is one connection's mining job minted from a template: the
// template's coinbase with that connection's own extranonce spliced in,
// ready for an ASIC to search nonce space against. A Job is produced from
// (template, extranonce, connection_id); every connected ASIC gets its own
// Job for the same template, sharing everything upstream of the coinbase
// splice.
type Job struct {
	ID           string
	ConnectionID string
	Template     *template.Template
	Extranonce   []byte
	Coinbase     []byte // full coinbase tx bytes, extranonce already applied
	MerkleRoot   primitives.Hash256
	Ntime        uint32 // header timestamp fixed at job creation; the wire protocol has no ntime-roll field
	Midstate     primitives.Midstate // header.Midstate() over {BaseVersion, Template.PrevHash, MerkleRoot}, reused by the validator for every non-version-rolled share
	CreatedAt    time.Time

	stale atomic.Bool
}

// Stale reports whether this job was derived from a template the cache has
// since superseded.
func (j *Job) Stale() bool { return j.stale.Load() }

// Manager mints jobs from templates and tracks them by ID, evicting the
// oldest once a cap is reached.
type Manager struct {
	mu      sync.RWMutex
	jobs    map[string]*Job
	order   []string // insertion order, oldest first
	maxJobs int
	nextID  atomic.Uint64

	ledger *Ledger
}

// New builds a Manager. maxJobs bounds how many recent jobs stay
// acceptable for share submission (defaults to 10).
func New(extranonceSize, maxJobs int) *Manager {
	if maxJobs <= 0 {
		maxJobs = 10
	}
	return &Manager{
		jobs:    make(map[string]*Job),
		maxJobs: maxJobs,
		ledger:  NewLedger(extranonceSize),
	}
}

// CreateJob mints a job from tmpl for connID, reusing that connection's
// already-allocated extranonce if it has one.
func (m *Manager) CreateJob(tmpl *template.Template, connID string) (*Job, error) {
	extranonce := m.ledger.Allocate(connID)

	raw, err := tmpl.Coinbase.WithExtranonce(extranonce)
	if err != nil {
		return nil, fmt.Errorf("job: splice extranonce: %w", err)
	}
	txid, err := tmpl.Coinbase.TxID(extranonce)
	if err != nil {
		return nil, fmt.Errorf("job: coinbase txid: %w", err)
	}
	root := primitives.ApplyMerkleBranch(txid, tmpl.MerkleBranch)

	ntime := uint32(time.Now().Unix())
	if tmpl.MinTimestamp > ntime {
		ntime = tmpl.MinTimestamp
	}

	// Job ids are kept within 32 bits and assigned monotonically, formatted
	// as fixed-width hex so the string form round-trips cleanly through the
	// binary protocol's job_id[4] field.
	hdr := header.Header{
		Version:    BaseVersion,
		PrevHash:   tmpl.PrevHash,
		MerkleRoot: root,
		Timestamp:  ntime,
		Bits:       tmpl.Bits,
	}

	j := &Job{
		ID:           fmt.Sprintf("%08x", uint32(m.nextID.Add(1))),
		ConnectionID: connID,
		Template:     tmpl,
		Extranonce:   extranonce,
		Coinbase:     raw,
		MerkleRoot:   root,
		Ntime:        ntime,
		Midstate:     hdr.Midstate(),
		CreatedAt:    time.Now(),
	}

	m.mu.Lock()
	m.jobs[j.ID] = j
	m.order = append(m.order, j.ID)
	if len(m.order) > m.maxJobs {
		evictID := m.order[0]
		m.order = m.order[1:]
		delete(m.jobs, evictID)
	}
	m.mu.Unlock()

	return j, nil
}

// MarkAllStale flags every currently tracked job as stale, the first half
// of reacting to a new current template. internal/server calls this before
// minting a fresh per-connection job for each session against the new
// template.
func (m *Manager) MarkAllStale() {
	m.mu.RLock()
	for _, j := range m.jobs {
		j.stale.Store(true)
	}
	m.mu.RUnlock()
}

// ReleaseConnection forgets connID's extranonce allocation, called once the
// connection closes.
func (m *Manager) ReleaseConnection(connID string) {
	m.ledger.Release(connID)
}

// Get looks up a job by ID. ok is false for unknown or evicted IDs.
func (m *Manager) Get(id string) (*Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	return j, ok
}

// ActiveIDs returns every job ID the manager currently tracks.
func (m *Manager) ActiveIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.jobs))
	for id := range m.jobs {
		ids = append(ids, id)
	}
	return ids
}
