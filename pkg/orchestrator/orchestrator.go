/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: orchestrator.go
Description: Run orchestrator for one AVD on one device. Boots the emulator under a bounded
retry loop, prepares the instrumented app, then repeats concurrent monkey/logcat cycles and
evaluates the pulled event store until the coverage target is reached, the cycle ceiling forces
a re-boot or the attempts run out. Every run ends with a device teardown; the batch loop archives
each run's store and redoes a run index whose archival failed.
*/

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kleascm/akaylee-telemetry-runner/pkg/eventstore"
	"github.com/kleascm/akaylee-telemetry-runner/pkg/logcat"
	"github.com/kleascm/akaylee-telemetry-runner/pkg/mobile"
	"github.com/kleascm/akaylee-telemetry-runner/pkg/monitoring"
	"github.com/kleascm/akaylee-telemetry-runner/pkg/monkey"
	"github.com/kleascm/akaylee-telemetry-runner/pkg/progress"
	"github.com/kleascm/akaylee-telemetry-runner/pkg/utils"
	"github.com/sirupsen/logrus"
)

// Booter creates and launches the emulator
type Booter interface {
	Create(ctx context.Context) error
	Launch(ctx context.Context, window bool) (mobile.Process, error)
}

// Instrumenter rewrites and signs the APK
type Instrumenter interface {
	Instrument(ctx context.Context, apkPath string) error
}

// PackageResolver reads the package name declared by an APK
type PackageResolver interface {
	PackageName(ctx context.Context, apkPath string) (string, error)
}

// FuzzRunner runs monkey sessions for one package
type FuzzRunner interface {
	Run(ctx context.Context, opts monkey.Options) (*monkey.Session, error)
	Kill() error
}

// LogHarvester reads the telemetry log of the device
type LogHarvester interface {
	Harvest(ctx context.Context, ready chan<- struct{}) (*logcat.Result, error)
	StorePath() string
}

// StoreReader reads progress counters from a pulled store
type StoreReader interface {
	ReadSummary(ctx context.Context, path string) (*eventstore.Summary, error)
}

// Deps are the collaborators of one orchestrator
type Deps struct {
	Bridge       mobile.DeviceBridge
	Booter       Booter
	Instrumenter Instrumenter
	Resolver     PackageResolver
	Harvester    LogHarvester
	Reader       StoreReader
	// NewFuzzer binds a fuzz runner to the resolved package
	NewFuzzer func(packageName string) FuzzRunner
}

func (d Deps) validate() error {
	switch {
	case d.Bridge == nil:
		return errors.New("missing device bridge")
	case d.Booter == nil:
		return errors.New("missing emulator booter")
	case d.Instrumenter == nil:
		return errors.New("missing instrumenter")
	case d.Resolver == nil:
		return errors.New("missing package resolver")
	case d.Harvester == nil:
		return errors.New("missing log harvester")
	case d.Reader == nil:
		return errors.New("missing store reader")
	case d.NewFuzzer == nil:
		return errors.New("missing fuzzer factory")
	}
	return nil
}

// BatchResult summarizes a batch of runs on one device
type BatchResult struct {
	Device  string
	Runs    []*Run
	Redone  int
	Reports []string
}

// Orchestrator drives the runs of one device. It is the only owner of the
// device's emulator process and fuzz runner.
type Orchestrator struct {
	cfg     Config
	deps    Deps
	target  Target
	seeds   []int64
	logger  *logrus.Logger
	sink    progress.Sink
	metrics *monitoring.Metrics

	mu       sync.Mutex
	emulator mobile.Process
	fuzzer   FuzzRunner
	// barHidden is set while the notification bar is disabled on the device
	barHidden bool
	// harvesting is closed once the last unjoined harvest session returns
	harvesting chan struct{}
}

// New validates cfg, resolves the coverage target and loads seeds
func New(cfg Config, deps Deps, logger *logrus.Logger, sink progress.Sink, metrics *monitoring.Metrics) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if sink == nil {
		sink = progress.Discard
	}

	nodes := cfg.NodeCount
	if nodes <= 0 {
		n, err := CountUniverse(cfg.UniversePath())
		if err != nil {
			return nil, err
		}
		nodes = n
	}
	seeds, err := LoadSeeds(cfg.SeedPath())
	if err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"device": cfg.Device,
		"apk":    cfg.APKName(),
		"nodes":  nodes,
		"degree": cfg.FanOut,
		"seeds":  len(seeds),
	}).Info("Orchestrator configured")

	return &Orchestrator{
		cfg:     cfg,
		deps:    deps,
		target:  Target{NodeCount: nodes, FanOut: cfg.FanOut},
		seeds:   seeds,
		logger:  logger,
		sink:    sink,
		metrics: metrics,
	}, nil
}

// Target is the coverage goal applied to every run
func (o *Orchestrator) Target() Target { return o.target }

func (o *Orchestrator) fields() logrus.Fields {
	return logrus.Fields{"device": o.cfg.Device, "avd": o.cfg.AVD}
}

func (o *Orchestrator) enter(run *Run, state State) {
	run.State = state
	o.sink.Emit(progress.Event{Kind: progress.KindPhase, Device: o.cfg.Device, Run: run.Index, Phase: string(state)})
}

func (o *Orchestrator) warn(run *Run, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	o.sink.Emit(progress.Event{Kind: progress.KindWarning, Device: o.cfg.Device, Run: run.Index, Cycle: run.Cycles, Message: msg})
}

// RunBatch executes runs [StartIndex, NumRuns). A run index only advances once its
// store has been archived; archival failure redoes the same index after a back-off.
func (o *Orchestrator) RunBatch(ctx context.Context) (*BatchResult, error) {
	result := &BatchResult{Device: o.cfg.Device}
	if err := o.deps.Booter.Create(ctx); err != nil {
		o.logger.WithFields(o.fields()).WithError(err).Error("Failed to create emulator")
	}
	if err := os.MkdirAll(o.cfg.DBDir, 0755); err != nil {
		return result, fmt.Errorf("failed to create db dir: %w", err)
	}

	redo := 0
	for index := o.cfg.StartIndex; index < o.cfg.NumRuns; {
		o.logger.WithFields(o.fields()).WithField("index", index).Info("------------- Run starting -------------")
		run, err := o.RunOnce(ctx, index)
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if errors.Is(err, mobile.ErrNoTelemetry) {
			o.sink.Emit(progress.Event{Kind: progress.KindFatal, Device: o.cfg.Device, Run: index, Message: err.Error()})
			o.metrics.RunFinished(o.cfg.Device, string(StateFatal))
			result.Runs = append(result.Runs, run)
			return result, err
		}
		if err != nil {
			o.logger.WithFields(o.fields()).WithError(err).Warn("Run ended with error")
		}

		archive := o.cfg.ArchivePath(index)
		if err := os.Rename(o.cfg.StorePath(), archive); err != nil {
			redo++
			result.Redone++
			o.warn(run, "Error during moving %s to %s, redo run %d", o.cfg.StorePath(), archive, index)
			if redo > o.cfg.MaxRunRetries {
				return result, fmt.Errorf("run %d on %s: archival failed %d times: %w", index, o.cfg.Device, redo, err)
			}
			if err := sleep(ctx, o.cfg.ArchiveRetryDelay); err != nil {
				return result, err
			}
			continue
		}
		redo = 0
		run.ArchivePath = archive
		o.logger.WithFields(o.fields()).WithFields(logrus.Fields{"from": o.cfg.StorePath(), "to": archive}).Info("Store archived")
		o.metrics.RunFinished(o.cfg.Device, string(run.State))

		if run.State == StateCompleted {
			report, err := utils.WriteRunReport(o.cfg.ReportDir, o.cfg.Stem(), index, o.cfg.Device, run)
			if err != nil {
				o.logger.WithFields(o.fields()).WithError(err).Warn("Failed to write run report")
			} else {
				result.Reports = append(result.Reports, report)
			}
		}
		result.Runs = append(result.Runs, run)
		index++
	}
	return result, nil
}

// RunOnce performs one run with bounded boot attempts and always tears the device down
func (o *Orchestrator) RunOnce(ctx context.Context, index int) (*Run, error) {
	run := &Run{
		ID:        uuid.New().String(),
		Index:     index,
		Device:    o.cfg.Device,
		Target:    o.target,
		StorePath: o.cfg.StorePath(),
		Seed:      SeedFor(o.seeds, index),
		Started:   time.Now(),
	}
	defer func() {
		o.teardown(ctx)
		run.Finished = time.Now()
	}()

	window := o.cfg.Window
	reason := ""
	for attempt := 1; attempt <= o.cfg.MaxBootAttempts; attempt++ {
		run.Attempt = attempt
		retry, err := o.attempt(ctx, run, &window)
		if retry == "" {
			return run, err
		}
		if ctx.Err() != nil {
			o.enter(run, StateAbandoned)
			return run, ctx.Err()
		}
		reason = retry
		o.metrics.BootRetry(o.cfg.Device, retry)
		o.enter(run, StateRetrying)
		o.logger.WithFields(o.fields()).WithFields(logrus.Fields{"attempt": attempt, "reason": retry}).Warn("Restarting run from boot")
	}
	o.enter(run, StateGaveUp)
	return run, &GiveUpError{Device: o.cfg.Device, Index: index, Attempts: o.cfg.MaxBootAttempts, Reason: reason}
}

// attempt boots the device and runs cycles. A non-empty reason asks for another attempt;
// otherwise run.State is terminal.
func (o *Orchestrator) attempt(ctx context.Context, run *Run, window *bool) (string, error) {
	run.resetCounters()
	o.enter(run, StateBooting)
	if err := o.shutdown(ctx); err != nil {
		o.logger.WithFields(o.fields()).WithError(err).Warn("Device did not power off")
	}
	o.killEmulator()

	proc, err := o.deps.Booter.Launch(ctx, *window)
	if err != nil {
		o.enter(run, StateAbandoned)
		return "", fmt.Errorf("failed to launch emulator: %w", err)
	}
	o.mu.Lock()
	o.emulator = proc
	o.mu.Unlock()
	o.logger.WithFields(o.fields()).WithFields(logrus.Fields{"pid": proc.Pid(), "window": *window}).Info("Running emulator")

	signal := mobile.WaitForBoot(ctx, proc.Stdout(), o.cfg.BootTimeout, func(string) {
		o.sink.Emit(progress.Event{Kind: progress.KindTick, Device: o.cfg.Device, Symbol: progress.SymbolBoot})
	})
	switch signal {
	case mobile.BootDuplicateInstance:
		o.warn(run, "Multiple instances of %s at %s for run %d", o.cfg.AVD, o.cfg.Device, run.Index)
		o.killEmulator()
		return signal.String(), sleep(ctx, o.cfg.BootRetryDelay)
	case mobile.BootNoDisplay:
		o.warn(run, "Failed to start %s at %s with window, restarting without window", o.cfg.AVD, o.cfg.Device)
		o.killEmulator()
		*window = false
		return signal.String(), sleep(ctx, o.cfg.BootRetryDelay)
	case mobile.BootClosed, mobile.BootTimedOut:
		if ctx.Err() != nil {
			o.enter(run, StateAbandoned)
			return "", ctx.Err()
		}
		o.warn(run, "AVD %s at %s closed before boot (%s)", o.cfg.AVD, o.cfg.Device, signal)
		o.enter(run, StateAbandoned)
		return "", nil
	}

	o.logger.WithFields(o.fields()).Info("Emulator boot completed")
	o.enter(run, StateReady)
	packageName, err := o.prepare(ctx)
	if err != nil {
		if errors.Is(err, mobile.ErrNoTelemetry) {
			o.enter(run, StateFatal)
		} else {
			o.enter(run, StateAbandoned)
		}
		return "", err
	}
	return o.cycles(ctx, run, packageName)
}

// prepare instruments the APK when needed and readies the app on the device
func (o *Orchestrator) prepare(ctx context.Context) (string, error) {
	signed := o.cfg.SignedAPK()
	if _, err := os.Stat(signed); errors.Is(err, os.ErrNotExist) {
		o.logger.WithFields(o.fields()).WithField("apk", o.cfg.APK).Warn("Instrument and sign")
		if err := o.deps.Instrumenter.Instrument(ctx, o.cfg.APK); err != nil {
			return "", err
		}
	}

	packageName, err := o.deps.Resolver.PackageName(ctx, signed)
	if err != nil {
		return "", fmt.Errorf("failed to get package name: %w", err)
	}
	bridge := o.deps.Bridge
	if err := bridge.Root(ctx); err != nil {
		o.logger.WithFields(o.fields()).WithError(err).Warn("Failed to restart adbd as root")
	}
	if err := bridge.DisableNotificationBar(ctx); err != nil {
		o.logger.WithFields(o.fields()).WithError(err).Warn("Failed to disable notification bar")
	} else {
		o.mu.Lock()
		o.barHidden = true
		o.mu.Unlock()
	}
	installed, err := bridge.IsInstalled(ctx, packageName)
	if err != nil {
		return "", err
	}
	if !installed {
		if err := bridge.Install(ctx, signed); err != nil {
			return "", fmt.Errorf("failed to install %s: %w", packageName, err)
		}
	}
	if err := bridge.Clear(ctx, packageName); err != nil {
		o.logger.WithFields(o.fields()).WithError(err).Warn("Failed to clear package")
	}
	return packageName, nil
}

// cycles repeats fuzz/harvest cycles until the target or the ceiling
func (o *Orchestrator) cycles(ctx context.Context, run *Run, packageName string) (string, error) {
	fuzzer := o.deps.NewFuzzer(packageName)
	o.mu.Lock()
	o.fuzzer = fuzzer
	o.mu.Unlock()

	opts := monkey.Options{Throttle: o.cfg.Throttle, Events: o.cfg.Events, Seed: run.Seed}
	previous := int64(0)
	for cycle := 0; ; {
		if ctx.Err() != nil {
			o.enter(run, StateAbandoned)
			return "", ctx.Err()
		}
		cycle++
		run.Cycles = cycle
		started := time.Now()

		o.enter(run, StateFuzzing)
		o.fuzzAndHarvest(ctx, run, fuzzer, opts)

		o.enter(run, StateEvaluating)
		if err := sleep(ctx, o.cfg.SettleDelay); err != nil {
			continue
		}
		pulled := o.pull(ctx, run)
		if err := sleep(ctx, o.cfg.SettleDelay); err != nil {
			continue
		}
		if pulled {
			summary, err := o.deps.Reader.ReadSummary(ctx, run.StorePath)
			if err != nil {
				o.warn(run, "Failed to read degree from %s: %v", run.StorePath, err)
				o.metrics.ReadError(o.cfg.Device)
				os.Remove(run.StorePath)
			} else {
				if summary.TotalEvents == previous {
					o.plateau(ctx, run, packageName)
				}
				previous = summary.TotalEvents
				run.observe(summary.TotalEvents, summary.DistinctScreens)
			}
		}

		o.metrics.ObserveCycle(o.cfg.Device, run.TotalEvents, run.DistinctScreens, time.Since(started))
		o.sink.Emit(progress.Event{
			Kind:    progress.KindCounts,
			Device:  o.cfg.Device,
			Run:     run.Index,
			Cycle:   cycle,
			Total:   run.TotalEvents,
			Screens: run.DistinctScreens,
		})

		if o.target.Reached(run.TotalEvents, run.DistinctScreens) {
			o.enter(run, StateCompleted)
			o.logger.WithFields(o.fields()).WithFields(logrus.Fields{
				"index":   run.Index,
				"cycles":  cycle,
				"total":   run.TotalEvents,
				"screens": run.DistinctScreens,
			}).Info("Run completed")
			return "", nil
		}
		if cycle >= o.cfg.MaxCycles {
			o.warn(run, "Too many (%d) Monkey tries, restart emulator", cycle)
			return "cycle-ceiling", nil
		}
	}
}

// plateau force-stops the app once to shake loose stuck UI state
func (o *Orchestrator) plateau(ctx context.Context, run *Run, packageName string) {
	o.logger.WithFields(o.fields()).WithField("cycle", run.Cycles).Info("No new events this cycle, force-stop")
	o.metrics.ForceStop(o.cfg.Device)
	if err := o.deps.Bridge.ForceStop(ctx, packageName); err != nil {
		o.warn(run, "Failed to force-stop %s: %v", packageName, err)
	}
	sleep(ctx, o.cfg.SettleDelay)
}

// pull copies the announced device store to the local store path
func (o *Orchestrator) pull(ctx context.Context, run *Run) bool {
	remote := o.deps.Harvester.StorePath()
	if remote == "" {
		o.warn(run, "No store opened on %s yet", o.cfg.Device)
		return false
	}
	if err := os.MkdirAll(filepath.Dir(run.StorePath), 0755); err != nil {
		o.warn(run, "Failed to create %s: %v", filepath.Dir(run.StorePath), err)
		return false
	}
	o.logger.WithFields(o.fields()).WithFields(logrus.Fields{"remote": remote, "local": run.StorePath}).Info("Retrieving store")
	if err := o.deps.Bridge.Pull(ctx, remote, run.StorePath); err != nil {
		o.warn(run, "Failed to pull %s: %v", remote, err)
		return false
	}
	return true
}

type taskResult struct {
	session *monkey.Session
	harvest *logcat.Result
	fuzz    bool
	err     error
}

// fuzzAndHarvest runs one monkey session with logcat harvested alongside. The log stream
// is started first so no telemetry of the session is missed; the harvester is cancelled
// once the monkey session has been joined.
func (o *Orchestrator) fuzzAndHarvest(ctx context.Context, run *Run, fuzzer FuzzRunner, opts monkey.Options) {
	if !o.awaitHarvest(ctx, run) {
		return
	}
	harvestCtx, cancelHarvest := context.WithCancel(ctx)
	defer cancelHarvest()

	results := make(chan taskResult, 2)
	ready := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		res, err := o.deps.Harvester.Harvest(harvestCtx, ready)
		results <- taskResult{harvest: res, err: err}
	}()
	select {
	case <-ready:
	case <-ctx.Done():
		o.harvesting = done
		return
	}
	go func() {
		session, err := fuzzer.Run(ctx, opts)
		results <- taskResult{session: session, fuzz: true, err: err}
	}()

	fuzzJoined, harvestJoined := false, false
	collect := func(r taskResult) {
		if r.fuzz {
			fuzzJoined = true
			if r.err != nil {
				o.warn(run, "Monkey session failed: %v", r.err)
			}
			return
		}
		harvestJoined = true
		if r.err != nil {
			o.warn(run, "Logcat session failed: %v", r.err)
		}
	}

	fuzzTimer := time.NewTimer(o.cfg.FuzzJoinTimeout)
	defer fuzzTimer.Stop()
	for !fuzzJoined {
		select {
		case r := <-results:
			collect(r)
		case <-fuzzTimer.C:
			o.warn(run, "Monkey did not finish within %s, killing", o.cfg.FuzzJoinTimeout)
			fuzzer.Kill()
			fuzzJoined = true
		}
	}

	cancelHarvest()
	harvestTimer := time.NewTimer(o.cfg.HarvestJoinTimeout)
	defer harvestTimer.Stop()
	for !harvestJoined {
		select {
		case r := <-results:
			collect(r)
		case <-harvestTimer.C:
			o.warn(run, "Logcat did not finish within %s", o.cfg.HarvestJoinTimeout)
			o.harvesting = done
			return
		}
	}
}

// awaitHarvest waits up to HarvestJoinTimeout for a harvest session left running by an
// earlier cycle. It reports false when that session is still reading; the cycle then
// runs no monkey session so that two log streams never read the same device.
func (o *Orchestrator) awaitHarvest(ctx context.Context, run *Run) bool {
	if o.harvesting == nil {
		return true
	}
	timer := time.NewTimer(o.cfg.HarvestJoinTimeout)
	defer timer.Stop()
	select {
	case <-o.harvesting:
		o.harvesting = nil
		return true
	case <-timer.C:
		o.warn(run, "Previous logcat on %s still running, skipping cycle", o.cfg.Device)
		return false
	case <-ctx.Done():
		return false
	}
}

// shutdown powers the device off and polls until adb no longer lists it
func (o *Orchestrator) shutdown(ctx context.Context) error {
	bridge := o.deps.Bridge
	for i := 0; i < o.cfg.ShutdownAttempts; i++ {
		devices, err := bridge.ListDevices(ctx)
		if err != nil {
			return err
		}
		if !mobile.HasDevice(devices, o.cfg.Device) {
			return nil
		}
		o.logger.WithFields(o.fields()).Warn("Shutting down device")
		if err := bridge.PowerOff(ctx); err != nil {
			o.logger.WithFields(o.fields()).WithError(err).Debug("Power-off failed")
		}
		if err := sleep(ctx, o.cfg.ShutdownPoll); err != nil {
			return err
		}
	}
	return fmt.Errorf("%s still online after %d power-off attempts", o.cfg.Device, o.cfg.ShutdownAttempts)
}

func (o *Orchestrator) killEmulator() {
	o.mu.Lock()
	proc := o.emulator
	o.emulator = nil
	o.mu.Unlock()
	if proc == nil {
		return
	}
	if err := proc.Kill(); err != nil {
		o.logger.WithFields(o.fields()).WithError(err).Warn("Failed to kill emulator")
		return
	}
	o.logger.WithFields(o.fields()).WithField("pid", proc.Pid()).Info("Kill emulator")
}

// teardown restores the notification bar and releases the device after a run, even when
// ctx is already cancelled
func (o *Orchestrator) teardown(ctx context.Context) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Duration(o.cfg.ShutdownAttempts+1)*(o.cfg.ShutdownPoll+mobile.DefaultCommandTimeout))
	defer cancel()

	o.mu.Lock()
	restoreBar := o.barHidden
	o.barHidden = false
	o.mu.Unlock()
	if restoreBar {
		if err := o.deps.Bridge.EnableNotificationBar(tctx); err != nil {
			o.logger.WithFields(o.fields()).WithError(err).Debug("Failed to restore notification bar")
		}
	}

	if err := o.shutdown(tctx); err != nil {
		o.logger.WithFields(o.fields()).WithError(err).Warn("Device did not power off")
	}
	o.killEmulator()

	o.mu.Lock()
	fuzzer := o.fuzzer
	o.fuzzer = nil
	o.mu.Unlock()
	if fuzzer != nil {
		fuzzer.Kill()
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
