package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/quaxis-io/quaxis/internal/header"
	"github.com/quaxis-io/quaxis/internal/job"
	"github.com/quaxis-io/quaxis/internal/quaxerr"
	"github.com/quaxis-io/quaxis/internal/share"
)

// Session is one ASIC connection: a receive loop and a separate send path
// driven off a per-connection queue. The queue is two channels, one job
// slot that a new job always supersedes in place, and a soft-bounded
// channel for everything else, giving back pressure the right shape
// instead of a single synchronous write path.
type Session struct {
	connID string
	conn   net.Conn
	server *Server

	reader *bufio.Reader

	jobCh     chan []byte // capacity 1; enqueueJob always supersedes what's pending
	msgCh     chan []byte // soft-bounded; oldest non-job message dropped under pressure
	doneCh    chan struct{}
	closeOnce sync.Once

	missedHeartbeats atomic.Int32
}

func newSession(connID string, conn net.Conn, server *Server) *Session {
	return &Session{
		connID: connID,
		conn:   conn,
		server: server,
		reader: bufio.NewReaderSize(conn, 256),
		jobCh:  make(chan []byte, 1),
		msgCh:  make(chan []byte, server.cfg.SendQueueSoftBound),
		doneCh: make(chan struct{}),
	}
}

// handle runs the session until the connection closes or is shut down:
// starts the send loop and heartbeat pacer, then blocks in the receive
// loop.
func (s *Session) handle() {
	defer func() {
		if r := recover(); r != nil {
			s.server.log.Errorf("server", "session %s panic: %v", s.connID, r)
		}
		s.close()
	}()

	go s.sendLoop()
	go s.heartbeatLoop()

	s.receiveLoop()
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.doneCh)
		s.conn.Close()
		s.server.removeSession(s)
	})
}

func (s *Session) sendLoop() {
	for {
		select {
		case <-s.doneCh:
			return
		case frame := <-s.jobCh:
			if err := s.write(frame); err != nil {
				return
			}
		case frame := <-s.msgCh:
			if err := s.write(frame); err != nil {
				return
			}
		}
	}
}

func (s *Session) write(frame []byte) error {
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_, err := s.conn.Write(frame)
	return err
}

// heartbeatLoop pings the ASIC at cfg.HeartbeatInterval, using a rate
// limiter the way internal/chaintip/pool paces its own reconnect attempts,
// and disconnects once MaxMissedHeartbeat replies in a row go unanswered.
func (s *Session) heartbeatLoop() {
	limiter := rate.NewLimiter(rate.Every(s.server.cfg.HeartbeatInterval), 1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-s.doneCh
		cancel()
	}()
	defer cancel()

	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		select {
		case <-s.doneCh:
			return
		default:
		}

		missed := s.missedHeartbeats.Add(1)
		if int(missed) > s.server.cfg.MaxMissedHeartbeat {
			s.server.log.Infof("server", "session %s missed %d heartbeats, disconnecting", s.connID, missed)
			s.close()
			return
		}
		s.enqueueMessage(EncodeHeartbeat())
	}
}

func (s *Session) receiveLoop() {
	for {
		s.conn.SetReadDeadline(time.Now().Add(2 * s.server.cfg.HeartbeatInterval))
		tag, payload, err := ReadFrame(s.reader)
		if err != nil {
			if err != io.EOF {
				s.server.log.Debugf("server", "session %s read: %v", s.connID, err)
			}
			return
		}
		s.dispatch(tag, payload)
	}
}

func (s *Session) dispatch(tag byte, payload []byte) {
	switch tag {
	case TagHeartbeatAck:
		s.missedHeartbeats.Store(0)
	case TagHeartbeat:
		// Defensive: the protocol marks heartbeat bidirectional even though
		// only the server is expected to initiate it.
		s.enqueueMessage(EncodeHeartbeatAck())
	case TagShareV1:
		f, err := decodeShareV1(payload)
		if err != nil {
			s.server.log.Debugf("server", "session %s: %v", s.connID, err)
			return
		}
		s.handleShare(f)
	case TagShareV2:
		f, err := decodeShareV2(payload)
		if err != nil {
			s.server.log.Debugf("server", "session %s: %v", s.connID, err)
			return
		}
		s.handleShare(f)
	case TagStatus:
		status, err := decodeStatus(payload)
		if err != nil {
			s.server.log.Debugf("server", "session %s: %v", s.connID, err)
			return
		}
		s.server.log.Debugf("server", "session %s status: hashrate=%.2f temp=%d fan=%d errors=%d",
			s.connID, status.Hashrate, status.Temperature, status.Fan, status.Errors)
	case TagError:
		e, err := decodeError(payload)
		if err != nil {
			s.server.log.Debugf("server", "session %s: %v", s.connID, err)
			return
		}
		s.server.log.Infof("server", "session %s reported error %d: %s", s.connID, e.Code, e.Reason)
	default:
		s.server.log.Debugf("server", "session %s unexpected tag 0x%02x", s.connID, tag)
	}
}

func (s *Session) handleShare(f ShareFrame) {
	jobID := fmt.Sprintf("%08x", f.JobID)
	sub := share.Submission{
		JobID:       jobID,
		Nonce:       f.Nonce,
		VersionMask: s.server.cfg.VersionMask,
	}
	if f.HasVersion {
		sub.VersionBits = f.Version
	}

	j, ok := s.server.jobs.Get(jobID)
	if ok {
		sub.Ntime = j.Ntime
	}

	result, err := s.server.validator.Validate(sub)
	if err != nil {
		reason := "rejected"
		switch {
		case errors.Is(err, quaxerr.ErrInvalidJobID):
			reason = "invalid job id"
		case errors.Is(err, quaxerr.ErrStaleWork):
			reason = "stale job"
		case errors.Is(err, quaxerr.ErrDuplicateShare):
			reason = "duplicate"
		}
		if s.server.OnShareRejected != nil {
			s.server.OnShareRejected(s.connID, reason)
		}
		return
	}

	if s.server.OnShareAccepted != nil {
		s.server.OnShareAccepted(s.connID, result.Difficulty)
	}

	if result.BlockFound {
		s.server.log.Infof("server", "session %s found block %s", s.connID, result.BlockHash)
		if s.server.OnBlockFound != nil {
			s.server.OnBlockFound(s.connID, result.BlockHash, result.BlockRaw)
		}
	}
}

// enqueueJob replaces whatever job frame is currently pending for this
// session with frame: a new job supersedes a pending one and replaces it
// in place.
func (s *Session) enqueueJob(j *job.Job) {
	idNum, _ := strconv.ParseUint(j.ID, 16, 32)
	hdr := header.Header{
		Version:    2,
		PrevHash:   j.Template.PrevHash,
		MerkleRoot: j.MerkleRoot,
		Timestamp:  j.Ntime,
		Bits:       j.Template.Bits,
	}
	var f NewJobFrame
	mid := hdr.Midstate()
	copy(f.Midstate[:], mid[4:36]) // skip crypto/sha256's 4-byte state-format magic
	tail := hdr.Tail()
	copy(f.HeaderTail[:], tail[:12])
	f.JobID = uint32(idNum)

	frame := EncodeNewJob(f)

	select {
	case s.jobCh <- frame:
	default:
		select {
		case <-s.jobCh:
		default:
		}
		select {
		case s.jobCh <- frame:
		default:
		}
	}
}

// enqueueMessage pushes a non-job frame (heartbeat, stop, set-target,
// set-difficulty), dropping the oldest queued message if the soft bound is
// exceeded rather than ever dropping a job.
func (s *Session) enqueueMessage(frame []byte) {
	select {
	case s.msgCh <- frame:
	default:
		select {
		case <-s.msgCh:
		default:
		}
		select {
		case s.msgCh <- frame:
		default:
		}
	}
}
