package server

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quaxis-io/quaxis/internal/job"
	"github.com/quaxis-io/quaxis/internal/logging"
	"github.com/quaxis-io/quaxis/internal/primitives"
	"github.com/quaxis-io/quaxis/internal/share"
	"github.com/quaxis-io/quaxis/internal/template"
)

// Config controls server-wide limits: connection and queueing bounds for
// the binary protocol, analogous to a Stratum server's maxConnections and
// extranonce2Size settings.
type Config struct {
	ListenAddr         string
	MaxConnections     int
	HeartbeatInterval  time.Duration
	MaxMissedHeartbeat int
	SendQueueSoftBound int

	// VersionMask is the fixed set of header version bits ASICs may roll in
	// a Share v2 frame (BIP320-style), applied uniformly since the binary
	// protocol has no per-connection negotiation handshake the way
	// Stratum's mining.configure does.
	VersionMask uint32
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.MaxMissedHeartbeat <= 0 {
		c.MaxMissedHeartbeat = 3
	}
	if c.SendQueueSoftBound <= 0 {
		c.SendQueueSoftBound = 16
	}
	if c.VersionMask == 0 {
		c.VersionMask = 0x1fffe000
	}
	return c
}

// Server accepts ASIC connections and speaks the binary protocol: an
// accept loop with TCP keepalive tuning, a session map,
// broadcast-on-new-template, and a graceful drain-then-close Stop. The
// wire protocol is binary tagged frames, not line-delimited JSON-RPC, and
// the extranonce model is one extranonce per connection_id rather than a
// Stratum extranonce1/2 split.
type Server struct {
	cfg Config
	log *logging.Logger

	jobs      *job.Manager
	validator *share.Validator

	listener net.Listener

	mu       sync.Mutex
	sessions map[string]*Session
	nextConn atomic.Uint64

	current atomic.Pointer[template.Template]

	shutdown atomic.Bool
	wg       sync.WaitGroup

	// OnMinerConnected/OnMinerDisconnected/OnShareAccepted/OnShareRejected/
	// OnBlockFound form the server's callback seam, consumed by
	// internal/telemetry.
	OnMinerConnected    func(connID string)
	OnMinerDisconnected func(connID string)
	OnShareAccepted     func(connID string, difficulty float64)
	OnShareRejected     func(connID string, reason string)
	OnBlockFound        func(connID string, hash primitives.Hash256, raw []byte)
}

// New builds a Server. Call OnNewTemplate once wired to the template
// cache's Sink before Start, so the first admitted connection has a
// template to mine against.
func New(cfg Config, jobs *job.Manager, validator *share.Validator, log *logging.Logger) *Server {
	return &Server{
		cfg:       cfg.withDefaults(),
		log:       log,
		jobs:      jobs,
		validator: validator,
		sessions:  make(map[string]*Session),
	}
}

// Start opens the listening socket and begins accepting connections.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = ln
	s.wg.Add(1)
	go s.acceptLoop()
	s.log.Infof("server", "listening on %s", s.cfg.ListenAddr)
	return nil
}

// Stop drains every session (sends Stop, gives them a moment to disconnect
// cleanly, then closes sockets) and waits for all session goroutines to
// exit.
func (s *Server) Stop() {
	if !s.shutdown.CompareAndSwap(false, true) {
		return
	}
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.enqueueMessage(EncodeStop())
	}
	time.Sleep(200 * time.Millisecond)
	for _, sess := range sessions {
		sess.conn.Close()
	}

	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return
			}
			s.log.Errorf("server", "accept: %v", err)
			continue
		}

		s.mu.Lock()
		tooMany := s.cfg.MaxConnections > 0 && len(s.sessions) >= s.cfg.MaxConnections
		s.mu.Unlock()
		if tooMany {
			conn.Close()
			continue
		}

		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetKeepAlive(true)
			tc.SetKeepAlivePeriod(45 * time.Second)
			tc.SetNoDelay(true)
		}

		connID := fmt.Sprintf("c%d", s.nextConn.Add(1))
		sess := newSession(connID, conn, s)

		s.mu.Lock()
		s.sessions[connID] = sess
		s.mu.Unlock()

		if s.OnMinerConnected != nil {
			s.OnMinerConnected(connID)
		}

		if tmpl := s.current.Load(); tmpl != nil {
			if j, err := s.jobs.CreateJob(tmpl, connID); err == nil {
				sess.enqueueJob(j)
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sess.handle()
		}()
	}
}

func (s *Server) removeSession(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess.connID)
	s.mu.Unlock()
	s.jobs.ReleaseConnection(sess.connID)
	if s.OnMinerDisconnected != nil {
		s.OnMinerDisconnected(sess.connID)
	}
}

// OnNewTemplate adapts template.Sink: every connected ASIC gets its own
// freshly minted job against tmpl, broadcast to every connection that has
// been allocated an extranonce for this template.
func (s *Server) OnNewTemplate(tmpl *template.Template) {
	s.current.Store(tmpl)
	s.jobs.MarkAllStale()

	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		j, err := s.jobs.CreateJob(tmpl, sess.connID)
		if err != nil {
			s.log.Errorf("server", "create job for %s: %v", sess.connID, err)
			continue
		}
		sess.enqueueJob(j)
	}

	keep := make(map[string]bool)
	for _, id := range s.jobs.ActiveIDs() {
		keep[id] = true
	}
	s.validator.Prune(keep)
}

// SessionCount returns the number of currently connected ASICs.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
