package waiter

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWaitReturnsImmediatelyOnChange(t *testing.T) {
	var seq atomic.Uint64
	seq.Store(5)

	w := New(Config{N1: 10, N2: 10, SleepDur: time.Millisecond})
	got, phase, err := w.Wait(context.Background(), seq.Load, 4)
	require.NoError(t, err)
	require.Equal(t, uint64(5), got)
	require.Equal(t, PhaseSpin, phase)
}

func TestWaitProgressesToSleepPhase(t *testing.T) {
	var seq atomic.Uint64

	w := New(Config{N1: 5, N2: 5, SleepDur: time.Millisecond})

	done := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		seq.Store(1)
		close(done)
	}()

	got, phase, err := w.Wait(context.Background(), seq.Load, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(1), got)
	require.Equal(t, PhaseSleep, phase)
	<-done
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	var seq atomic.Uint64

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	w := New(Config{N1: 2, N2: 2, SleepDur: time.Millisecond})
	_, _, err := w.Wait(ctx, seq.Load, 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEstimatedCPUPercent(t *testing.T) {
	require.Equal(t, 100, PhaseSpin.EstimatedCPUPercent())
	require.Equal(t, 50, PhaseYield.EstimatedCPUPercent())
	require.Equal(t, 5, PhaseSleep.EstimatedCPUPercent())
}
