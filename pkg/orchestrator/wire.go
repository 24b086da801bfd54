/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: wire.go
Description: Production wiring of an orchestrator: adb controller, emulator, gator instrumenter,
aapt resolver, logcat harvester, monkey supervisor and the SQLite store reader, all sharing one
process runner.
*/

package orchestrator

import (
	"path/filepath"

	"github.com/kleascm/akaylee-telemetry-runner/pkg/eventstore"
	"github.com/kleascm/akaylee-telemetry-runner/pkg/logcat"
	"github.com/kleascm/akaylee-telemetry-runner/pkg/mobile"
	"github.com/kleascm/akaylee-telemetry-runner/pkg/monitoring"
	"github.com/kleascm/akaylee-telemetry-runner/pkg/monkey"
	"github.com/kleascm/akaylee-telemetry-runner/pkg/progress"
	"github.com/sirupsen/logrus"
)

// Tools locates the external binaries
type Tools struct {
	mobile.Tools
	Gator string
}

// NewDeps builds the real collaborators for cfg.Device
func NewDeps(cfg Config, tools Tools, runner mobile.Runner, logger *logrus.Logger, sink progress.Sink) Deps {
	controller := mobile.NewAndroidDeviceController(runner, tools.ADB, cfg.Device)
	emulator := mobile.NewEmulator(runner, tools.Emulator, cfg.AVD, cfg.Device, cfg.WorkDir)
	gator := tools.Gator
	if gator == "" {
		gator = filepath.Join(cfg.GatorDir, "gator")
	}
	harvester := logcat.NewHarvester(controller, logger, sink)
	instrumenter := mobile.NewGatorInstrumenter(runner, gator, cfg.GatorDir, cfg.WorkDir, cfg.TrackingID)
	if sink != nil {
		instrumenter.OnLine = func(string) {
			sink.Emit(progress.Event{Kind: progress.KindTick, Device: cfg.Device, Symbol: progress.SymbolInstrument})
		}
	}
	return Deps{
		Bridge:       controller,
		Booter:       emulator,
		Instrumenter: instrumenter,
		Resolver:     mobile.NewAndroidAppAnalyzer(runner, tools.AAPT),
		Harvester:    harvester,
		Reader:       eventstore.Reader{},
		NewFuzzer: func(packageName string) FuzzRunner {
			return monkey.NewSupervisor(controller, packageName, logger, sink)
		},
	}
}

// NewForDevice wires a production orchestrator
func NewForDevice(cfg Config, tools Tools, logger *logrus.Logger, sink progress.Sink, metrics *monitoring.Metrics) (*Orchestrator, error) {
	deps := NewDeps(cfg, tools, mobile.NewExecRunner(), logger, sink)
	return New(cfg, deps, logger, sink, metrics)
}
