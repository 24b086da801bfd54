/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: fakes_test.go
Description: In-memory collaborators for orchestrator tests.
*/

package orchestrator_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kleascm/akaylee-telemetry-runner/pkg/eventstore"
	"github.com/kleascm/akaylee-telemetry-runner/pkg/logcat"
	"github.com/kleascm/akaylee-telemetry-runner/pkg/mobile"
	"github.com/kleascm/akaylee-telemetry-runner/pkg/mobile/mobiletest"
	"github.com/kleascm/akaylee-telemetry-runner/pkg/monkey"
	"github.com/kleascm/akaylee-telemetry-runner/pkg/orchestrator"
	"github.com/kleascm/akaylee-telemetry-runner/pkg/progress"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

const bootCompleted = "emulator: INFO: boot completed"

type fakeBridge struct {
	serial string

	mu         sync.Mutex
	online     bool
	installed  bool
	powerOffs  int
	forceStops int
	pulls      int
	calls      []string
	// failPulls makes the first n pulls fail
	failPulls int
}

func (b *fakeBridge) record(call string) {
	b.mu.Lock()
	b.calls = append(b.calls, call)
	b.mu.Unlock()
}

func (b *fakeBridge) Serial() string { return b.serial }

func (b *fakeBridge) Root(ctx context.Context) error {
	b.record("root")
	return nil
}

func (b *fakeBridge) DisableNotificationBar(ctx context.Context) error {
	b.record("disable-notification-bar")
	return nil
}

func (b *fakeBridge) EnableNotificationBar(ctx context.Context) error {
	b.record("enable-notification-bar")
	return nil
}

func (b *fakeBridge) IsInstalled(ctx context.Context, packageName string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.installed, nil
}

func (b *fakeBridge) Install(ctx context.Context, apkPath string) error {
	b.record("install " + filepath.Base(apkPath))
	b.mu.Lock()
	b.installed = true
	b.mu.Unlock()
	return nil
}

func (b *fakeBridge) Clear(ctx context.Context, packageName string) error {
	b.record("clear " + packageName)
	return nil
}

func (b *fakeBridge) ForceStop(ctx context.Context, packageName string) error {
	b.record("force-stop " + packageName)
	b.mu.Lock()
	b.forceStops++
	b.mu.Unlock()
	return nil
}

func (b *fakeBridge) Pull(ctx context.Context, remotePath, localPath string) error {
	b.mu.Lock()
	b.pulls++
	fail := b.pulls <= b.failPulls
	b.mu.Unlock()
	if fail {
		return &mobile.CommandError{Op: "pull", Device: b.serial, Output: "remote object does not exist"}
	}
	return os.WriteFile(localPath, []byte("store"), 0644)
}

func (b *fakeBridge) PowerOff(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.powerOffs++
	b.online = false
	return nil
}

func (b *fakeBridge) ListDevices(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.online {
		return []string{b.serial}, nil
	}
	return nil, nil
}

func (b *fakeBridge) setOnline() {
	b.mu.Lock()
	b.online = true
	b.mu.Unlock()
}

func (b *fakeBridge) ForceStops() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.forceStops
}

func (b *fakeBridge) PowerOffs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.powerOffs
}

func (b *fakeBridge) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

// fakeBooter replays one boot line per launch; the last line repeats
type fakeBooter struct {
	bridge *fakeBridge
	lines  []string

	mu      sync.Mutex
	windows []bool
	procs   []*mobiletest.Process
	created int
}

func (b *fakeBooter) Create(ctx context.Context) error {
	b.mu.Lock()
	b.created++
	b.mu.Unlock()
	return nil
}

func (b *fakeBooter) Launch(ctx context.Context, window bool) (mobile.Process, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	line := bootCompleted
	if len(b.lines) > 0 {
		line = b.lines[min(len(b.procs), len(b.lines)-1)]
	}
	var proc *mobiletest.Process
	if line == "" {
		proc = mobiletest.Script(100+len(b.procs), false)
	} else {
		proc = mobiletest.Script(100+len(b.procs), true, "emulator: VERBOSE: starting", line)
	}
	b.windows = append(b.windows, window)
	b.procs = append(b.procs, proc)
	b.bridge.setOnline()
	return proc, nil
}

func (b *fakeBooter) Launches() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.procs)
}

func (b *fakeBooter) Windows() []bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]bool(nil), b.windows...)
}

func (b *fakeBooter) Procs() []*mobiletest.Process {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*mobiletest.Process(nil), b.procs...)
}

type fakeInstrumenter struct {
	err   error
	calls int
}

func (f *fakeInstrumenter) Instrument(ctx context.Context, apkPath string) error {
	f.calls++
	return f.err
}

type fakeResolver struct{}

func (fakeResolver) PackageName(ctx context.Context, apkPath string) (string, error) {
	return "com.example", nil
}

// fakeHarvester announces a store and holds the stream open until cancelled
type fakeHarvester struct {
	path string
}

func (h *fakeHarvester) Harvest(ctx context.Context, ready chan<- struct{}) (*logcat.Result, error) {
	close(ready)
	<-ctx.Done()
	return &logcat.Result{StorePath: h.path, Reason: logcat.StopCancelled}, nil
}

func (h *fakeHarvester) StorePath() string { return h.path }

// stuckHarvester ignores cancellation in its first session until release is closed
type stuckHarvester struct {
	path    string
	release chan struct{}

	mu       sync.Mutex
	sessions int
	active   int
	peak     int
}

func (h *stuckHarvester) Harvest(ctx context.Context, ready chan<- struct{}) (*logcat.Result, error) {
	h.mu.Lock()
	h.sessions++
	first := h.sessions == 1
	h.active++
	h.peak = max(h.peak, h.active)
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.active--
		h.mu.Unlock()
	}()

	close(ready)
	<-ctx.Done()
	if first {
		<-h.release
	}
	return &logcat.Result{StorePath: h.path, Reason: logcat.StopCancelled}, nil
}

func (h *stuckHarvester) StorePath() string { return h.path }

func (h *stuckHarvester) Counts() (sessions, peak int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions, h.peak
}

type fakeFuzzer struct {
	mu    sync.Mutex
	opts  []monkey.Options
	kills int
}

func (f *fakeFuzzer) Run(ctx context.Context, opts monkey.Options) (*monkey.Session, error) {
	f.mu.Lock()
	f.opts = append(f.opts, opts)
	f.mu.Unlock()
	return &monkey.Session{Outcome: monkey.OutcomeSuccess}, nil
}

func (f *fakeFuzzer) Kill() error {
	f.mu.Lock()
	f.kills++
	f.mu.Unlock()
	return nil
}

func (f *fakeFuzzer) Sessions() []monkey.Options {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]monkey.Options(nil), f.opts...)
}

func (f *fakeFuzzer) Kills() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.kills
}

type step struct {
	total   int64
	screens int
	err     error
}

// fakeReader replays summaries per read; the last step repeats
type fakeReader struct {
	mu    sync.Mutex
	steps []step
	reads int
	// onRead is called with the read count after each read
	onRead func(reads int)
}

func (r *fakeReader) ReadSummary(ctx context.Context, path string) (*eventstore.Summary, error) {
	r.mu.Lock()
	s := r.steps[min(r.reads, len(r.steps)-1)]
	r.reads++
	reads, onRead := r.reads, r.onRead
	r.mu.Unlock()
	if onRead != nil {
		onRead(reads)
	}
	if s.err != nil {
		return nil, s.err
	}
	return &eventstore.Summary{TotalEvents: s.total, DistinctScreens: s.screens}, nil
}

func (r *fakeReader) Reads() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reads
}

type env struct {
	cfg          orchestrator.Config
	bridge       *fakeBridge
	booter       *fakeBooter
	instrumenter *fakeInstrumenter
	fuzzer       *fakeFuzzer
	reader       *fakeReader
	recorder     *progress.Recorder
}

func testConfig(t *testing.T, dir, device string) orchestrator.Config {
	t.Helper()
	cfg := orchestrator.DefaultConfig()
	cfg.AVD = "api_27"
	cfg.Device = device
	cfg.APK = filepath.Join(dir, "apks", "app.apk")
	cfg.WorkDir = filepath.Join(dir, "work")
	cfg.DBDir = filepath.Join(dir, "db")
	cfg.ReportDir = filepath.Join(dir, "reports")
	cfg.GatorDir = filepath.Join(dir, "gator")
	cfg.NodeCount = 10
	cfg.FanOut = 10
	cfg.BootTimeout = time.Second
	cfg.FuzzJoinTimeout = time.Second
	cfg.HarvestJoinTimeout = time.Second
	cfg.BootRetryDelay = 0
	cfg.SettleDelay = 0
	cfg.ArchiveRetryDelay = 0
	cfg.ShutdownPoll = 0
	cfg.ShutdownAttempts = 3

	// A signed APK in the work dir skips instrumentation
	require.NoError(t, os.MkdirAll(cfg.WorkDir, 0755))
	require.NoError(t, os.WriteFile(cfg.SignedAPK(), []byte("apk"), 0644))
	return cfg
}

func newEnv(t *testing.T, steps ...step) *env {
	t.Helper()
	if len(steps) == 0 {
		steps = []step{{total: 500, screens: 3}}
	}
	bridge := &fakeBridge{serial: "emulator-5554"}
	return &env{
		cfg:          testConfig(t, t.TempDir(), "emulator-5554"),
		bridge:       bridge,
		booter:       &fakeBooter{bridge: bridge},
		instrumenter: &fakeInstrumenter{},
		fuzzer:       &fakeFuzzer{},
		reader:       &fakeReader{steps: steps},
		recorder:     &progress.Recorder{},
	}
}

func (e *env) deps() orchestrator.Deps {
	return orchestrator.Deps{
		Bridge:       e.bridge,
		Booter:       e.booter,
		Instrumenter: e.instrumenter,
		Resolver:     fakeResolver{},
		Harvester:    &fakeHarvester{path: "/data/data/com.example/databases/x.db"},
		Reader:       e.reader,
		NewFuzzer:    func(string) orchestrator.FuzzRunner { return e.fuzzer },
	}
}

func (e *env) build(t *testing.T) *orchestrator.Orchestrator {
	t.Helper()
	logger, _ := test.NewNullLogger()
	o, err := orchestrator.New(e.cfg, e.deps(), logger, e.recorder, nil)
	require.NoError(t, err)
	return o
}
