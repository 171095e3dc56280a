package server

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quaxis-io/quaxis/internal/job"
	"github.com/quaxis-io/quaxis/internal/logging"
	"github.com/quaxis-io/quaxis/internal/primitives"
	"github.com/quaxis-io/quaxis/internal/share"
	"github.com/quaxis-io/quaxis/internal/template"
)

func testJob(id string) *job.Job {
	return &job.Job{
		ID: id,
		Template: &template.Template{
			PrevHash: primitives.Hash256{0x01},
			Bits:     0x1d00ffff,
		},
		Ntime: 1700000000,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	log, err := logging.New(logging.Config{Level: "error"})
	require.NoError(t, err)
	jobs := job.New(8, 10)
	return &Server{
		cfg:       Config{SendQueueSoftBound: 2}.withDefaults(),
		log:       log,
		jobs:      jobs,
		validator: share.New(jobs),
		sessions:  make(map[string]*Session),
	}
}

func TestEnqueueJobSupersedesPending(t *testing.T) {
	conn, _ := net.Pipe()
	defer conn.Close()

	s := newSession("c1", conn, newTestServer(t))
	s.enqueueJob(testJob("00000001"))
	s.enqueueJob(testJob("00000002"))

	require.Len(t, s.jobCh, 1)
	frame := <-s.jobCh
	require.Equal(t, TagNewJob, frame[0])
	// last 4 bytes of payload are the job id, little-endian
	require.Equal(t, byte(0x02), frame[len(frame)-4])
}

func TestEnqueueMessageDropsOldestUnderPressure(t *testing.T) {
	conn, _ := net.Pipe()
	defer conn.Close()

	s := newSession("c1", conn, newTestServer(t))
	s.enqueueMessage([]byte{TagHeartbeat})
	s.enqueueMessage([]byte{TagStatus})
	s.enqueueMessage([]byte{TagStop}) // soft bound is 2; should drop the heartbeat

	require.Len(t, s.msgCh, 2)
	first := <-s.msgCh
	second := <-s.msgCh
	require.Equal(t, byte(TagStatus), first[0])
	require.Equal(t, byte(TagStop), second[0])
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	conn, _ := net.Pipe()
	server := newTestServer(t)
	s := newSession("c1", conn, server)
	server.sessions["c1"] = s

	done := make(chan struct{})
	go func() {
		s.close()
		s.close() // must not panic on double-close
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("close did not return")
	}
}
