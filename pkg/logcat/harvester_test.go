/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: harvester_test.go
Description: Tests for the logcat harvester: stream end, idle expiry on a fake clock,
cancellation, readiness signalling and the single-session guard.
*/

package logcat_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kleascm/akaylee-telemetry-runner/pkg/logcat"
	"github.com/kleascm/akaylee-telemetry-runner/pkg/mobile"
	"github.com/kleascm/akaylee-telemetry-runner/pkg/mobile/mobiletest"
	"github.com/kleascm/akaylee-telemetry-runner/pkg/progress"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	proc     *mobiletest.Process
	clearErr error
	cleared  int
}

func (f *fakeSource) Serial() string { return "emulator-5554" }

func (f *fakeSource) ClearLog(ctx context.Context) error {
	f.cleared++
	return f.clearErr
}

func (f *fakeSource) StartLogcat(ctx context.Context) (mobile.Process, error) {
	mobiletest.KillOnCancel(ctx, f.proc)
	return f.proc, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newHarvester(source logcat.Source, sink progress.Sink) *logcat.Harvester {
	logger, _ := test.NewNullLogger()
	return logcat.NewHarvester(source, logger, sink)
}

// flush blocks until every line written before it has been handled
func flush(t *testing.T, proc *mobiletest.Process) {
	t.Helper()
	require.NoError(t, proc.WriteLine(prefix+"ActivityManager: filler"))
	require.NoError(t, proc.WriteLine(prefix+"ActivityManager: filler"))
}

type harvest struct {
	result *logcat.Result
	err    error
}

func startHarvest(ctx context.Context, h *logcat.Harvester) (<-chan struct{}, <-chan harvest) {
	ready := make(chan struct{})
	done := make(chan harvest, 1)
	go func() {
		result, err := h.Harvest(ctx, ready)
		done <- harvest{result, err}
	}()
	return ready, done
}

func wait(t *testing.T, done <-chan harvest) harvest {
	t.Helper()
	select {
	case h := <-done:
		return h
	case <-time.After(2 * time.Second):
		t.Fatal("harvest did not finish")
		return harvest{}
	}
}

// TestHarvestEOF tests a full session ending with the stream
func TestHarvestEOF(t *testing.T) {
	source := &fakeSource{proc: mobiletest.Script(9, false,
		prefix+"presto.ga.rt.Store: Opening database: /data/x.db",
		prefix+"presto.ga.rt.Queue: Enqueue [1] screenview",
		prefix+"presto.ga.rt.Store: Hit saved to hits",
		prefix+"ActivityManager: Displayed com.example/.MainActivity",
		prefix+"presto.ga.rt.Queue: Enqueue [2] screenview",
		prefix+"presto.ga.rt.Store: Hit saved to hits",
		prefix+"presto.ga.rt.Queue: Enqueue [3] event",
		prefix+"presto.ga.rt.Store: Hit saved to hits",
	)}
	rec := &progress.Recorder{}
	h := newHarvester(source, rec)

	ready, done := startHarvest(context.Background(), h)
	<-ready
	got := wait(t, done)
	require.NoError(t, got.err)

	assert.Equal(t, logcat.StopEOF, got.result.Reason)
	assert.Equal(t, "/data/x.db", got.result.StorePath)
	assert.Equal(t, "/data/x.db", h.StorePath())
	assert.Equal(t, 3, got.result.Enqueued)
	assert.Equal(t, 3, got.result.Persisted)
	assert.Equal(t, 8, got.result.Lines)
	assert.Len(t, got.result.Events, 7)
	assert.Equal(t, 1, source.cleared)
	// One tick per telemetry line plus one per persisted hit
	assert.Equal(t, 10, rec.Count(progress.KindTick))
}

// TestHarvestEnqueueIdle tests that unrelated lines end a session without enqueues
func TestHarvestEnqueueIdle(t *testing.T) {
	proc := mobiletest.NewProcess(9)
	clock := &fakeClock{now: time.Unix(1000, 0)}
	h := newHarvester(&fakeSource{proc: proc}, nil)
	h.SetClock(clock.Now)

	ready, done := startHarvest(context.Background(), h)
	<-ready
	require.NoError(t, proc.WriteLine(prefix+"presto.ga.rt.Queue: Enqueue [1] screenview"))
	flush(t, proc)

	clock.Advance(logcat.DefaultEnqueueIdle + time.Second)
	require.NoError(t, proc.WriteLine(prefix+"ActivityManager: still busy"))

	got := wait(t, done)
	require.NoError(t, got.err)
	assert.Equal(t, logcat.StopEnqueueIdle, got.result.Reason)
	assert.Equal(t, 1, got.result.Enqueued)
	assert.Equal(t, 1, proc.Kills())
}

// TestHarvestEnqueueIdleNeedsEnqueue tests that enqueue idleness is not counted before the
// first enqueue
func TestHarvestEnqueueIdleNeedsEnqueue(t *testing.T) {
	proc := mobiletest.NewProcess(9)
	clock := &fakeClock{now: time.Unix(1000, 0)}
	h := newHarvester(&fakeSource{proc: proc}, nil)
	h.SetClock(clock.Now)
	ctx, cancel := context.WithCancel(context.Background())

	ready, done := startHarvest(ctx, h)
	<-ready
	require.NoError(t, proc.WriteLine(prefix+"presto.ga.rt.Store: Opening database: /data/x.db"))
	clock.Advance(logcat.DefaultEnqueueIdle + time.Second)
	require.NoError(t, proc.WriteLine(prefix+"presto.ga.rt.Store: Hit saved to hits"))
	require.NoError(t, proc.WriteLine(prefix+"ActivityManager: still busy"))
	flush(t, proc)

	select {
	case got := <-done:
		t.Fatalf("harvest ended early: %s", got.result.Reason)
	default:
	}
	cancel()

	got := wait(t, done)
	require.NoError(t, got.err)
	assert.Equal(t, logcat.StopCancelled, got.result.Reason)
	assert.Zero(t, got.result.Enqueued)
	assert.Equal(t, 1, got.result.Persisted)
}

// TestHarvestGlobalIdle tests that a silent telemetry component ends the session
func TestHarvestGlobalIdle(t *testing.T) {
	proc := mobiletest.NewProcess(9)
	clock := &fakeClock{now: time.Unix(1000, 0)}
	h := newHarvester(&fakeSource{proc: proc}, nil)
	h.SetClock(clock.Now)
	h.TickInterval = 5 * time.Millisecond

	ready, done := startHarvest(context.Background(), h)
	<-ready
	require.NoError(t, proc.WriteLine(prefix+"presto.ga.rt.Store: Hit saved to hits"))
	flush(t, proc)

	clock.Advance(logcat.DefaultGlobalIdle + time.Second)

	got := wait(t, done)
	require.NoError(t, got.err)
	assert.Equal(t, logcat.StopGlobalIdle, got.result.Reason)
	assert.Equal(t, 1, got.result.Persisted)
}

// TestHarvestCancelled tests that cancellation is a normal ending
func TestHarvestCancelled(t *testing.T) {
	proc := mobiletest.NewProcess(9)
	h := newHarvester(&fakeSource{proc: proc}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	ready, done := startHarvest(ctx, h)
	<-ready
	require.NoError(t, proc.WriteLine(prefix+"presto.ga.rt.Store: Opening database: /data/y.db"))
	flush(t, proc)
	cancel()

	got := wait(t, done)
	require.NoError(t, got.err)
	assert.Equal(t, logcat.StopCancelled, got.result.Reason)
	assert.Equal(t, "/data/y.db", got.result.StorePath)
	assert.True(t, proc.Exited())
}

// TestHarvestClearLogError tests that readiness is signalled on failure
func TestHarvestClearLogError(t *testing.T) {
	source := &fakeSource{proc: mobiletest.NewProcess(9), clearErr: errors.New("device offline")}
	h := newHarvester(source, nil)

	ready, done := startHarvest(context.Background(), h)
	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("ready was not closed")
	}
	got := wait(t, done)
	assert.Error(t, got.err)
	assert.Nil(t, got.result)
	assert.Empty(t, h.StorePath())
}

// TestHarvestSingleSession tests that a second session fails while one is reading
func TestHarvestSingleSession(t *testing.T) {
	proc := mobiletest.NewProcess(9)
	source := &fakeSource{proc: proc}
	h := newHarvester(source, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready, done := startHarvest(ctx, h)
	<-ready
	flush(t, proc)

	second := make(chan struct{})
	result, err := h.Harvest(context.Background(), second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logcat already running on emulator-5554")
	assert.Nil(t, result)
	_, open := <-second
	assert.False(t, open)
	assert.Equal(t, 1, source.cleared)

	cancel()
	got := wait(t, done)
	require.NoError(t, got.err)
	assert.Equal(t, logcat.StopCancelled, got.result.Reason)

	// the guard is released once the first session ends
	source.proc = mobiletest.Script(10, false)
	_, done = startHarvest(context.Background(), h)
	got = wait(t, done)
	require.NoError(t, got.err)
	assert.Equal(t, logcat.StopEOF, got.result.Reason)
	assert.Equal(t, 2, source.cleared)
}
