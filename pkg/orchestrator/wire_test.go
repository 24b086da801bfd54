/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: wire_test.go
Description: End-to-end run over the production wiring with a scripted adb/emulator runner:
real controller, emulator, logcat harvester, monkey supervisor and SQLite store reader.
*/

package orchestrator_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/kleascm/akaylee-telemetry-runner/pkg/eventstore/storetest"
	"github.com/kleascm/akaylee-telemetry-runner/pkg/mobile"
	"github.com/kleascm/akaylee-telemetry-runner/pkg/mobile/mobiletest"
	"github.com/kleascm/akaylee-telemetry-runner/pkg/orchestrator"
	"github.com/kleascm/akaylee-telemetry-runner/pkg/progress"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const logPrefix = "10-14 12:00:00.123  2345  2367 D "

type scripted struct {
	runner *mobiletest.Runner

	mu       sync.Mutex
	logcats  []*mobiletest.Process
	monkeys  int
	pulledTo string
}

// newScripted answers aapt, adb, emulator, gator and monkey like a healthy device
// whose app logs three hits per session
func newScripted() *scripted {
	s := &scripted{runner: &mobiletest.Runner{}}
	s.runner.OnRun = func(name string, args []string) ([]byte, error) {
		line := strings.Join(args, " ")
		switch {
		case name == "aapt":
			return []byte("package: name='com.example' versionCode='1' versionName='1.0'\n"), nil
		case strings.HasSuffix(line, "devices"):
			return []byte("List of devices attached\n\n"), nil
		case strings.Contains(line, "pm list packages"):
			return []byte("package:com.other\n"), nil
		case strings.Contains(line, " install "):
			return []byte("Performing Streamed Install\nSuccess\n"), nil
		case strings.Contains(line, " pull "):
			local := args[len(args)-1]
			s.mu.Lock()
			s.pulledTo = args[len(args)-2]
			s.mu.Unlock()
			return nil, storetest.Create(local, storetest.Fixture{
				Total: 3,
				Hits:  storetest.Screens("Main", "Settings", "About"),
			})
		}
		return nil, nil
	}
	s.runner.OnStart = func(name string, args []string) (mobile.Process, error) {
		line := strings.Join(args, " ")
		switch {
		case name == "emulator":
			return mobiletest.Script(300, true, "emulator: VERBOSE: starting", "emulator: INFO: boot completed"), nil
		case filepath.Base(name) == "gator":
			return mobiletest.Script(303, false, "Processing app.apk", "Replace Tracker.send() in MainActivity", "Done"), nil
		case strings.HasSuffix(line, "logcat"):
			proc := mobiletest.Script(301, false,
				logPrefix+"presto.ga.rt.Store: Opening database: /data/x.db",
				logPrefix+"presto.ga.rt.Queue: Enqueue [1] screenview",
				logPrefix+"presto.ga.rt.Store: Hit saved to hits",
				logPrefix+"presto.ga.rt.Queue: Enqueue [2] screenview",
				logPrefix+"presto.ga.rt.Store: Hit saved to hits",
				logPrefix+"presto.ga.rt.Queue: Enqueue [3] screenview",
				logPrefix+"presto.ga.rt.Store: Hit saved to hits",
			)
			s.mu.Lock()
			s.logcats = append(s.logcats, proc)
			s.mu.Unlock()
			return proc, nil
		case strings.Contains(line, "shell monkey"):
			s.mu.Lock()
			logcat := s.logcats[len(s.logcats)-1]
			s.monkeys++
			s.mu.Unlock()
			proc := mobiletest.NewProcess(302)
			go func() {
				proc.WriteLine(":Monkey: seed=1 count=500")
				// The session ends only after the app has logged its hits
				<-logcat.Written()
				proc.WriteLine("Events injected: 500")
				proc.Exit()
			}()
			return proc, nil
		}
		return mobiletest.Script(399, false), nil
	}
	return s
}

func (s *scripted) batch(t *testing.T, cfg orchestrator.Config, rec *progress.Recorder) *orchestrator.BatchResult {
	t.Helper()
	logger, _ := test.NewNullLogger()
	deps := orchestrator.NewDeps(cfg, orchestrator.Tools{Tools: mobile.Tools{ADB: "adb", Emulator: "emulator", AAPT: "aapt"}}, s.runner, logger, rec)
	o, err := orchestrator.New(cfg, deps, logger, rec, nil)
	require.NoError(t, err)

	result, err := o.RunBatch(context.Background())
	require.NoError(t, err)
	return result
}

func TestEndToEndRun(t *testing.T) {
	cfg := testConfig(t, t.TempDir(), "emulator-5554")
	cfg.NodeCount = 1
	cfg.FanOut = 1

	s := newScripted()
	rec := &progress.Recorder{}
	result := s.batch(t, cfg, rec)
	require.Len(t, result.Runs, 1)

	run := result.Runs[0]
	assert.Equal(t, orchestrator.StateCompleted, run.State)
	assert.Equal(t, 1, run.Cycles)
	assert.Equal(t, int64(3), run.TotalEvents)
	assert.Equal(t, 3, run.DistinctScreens)
	assert.FileExists(t, cfg.ArchivePath(0))
	assert.Len(t, result.Reports, 1)
	assert.Equal(t, "/data/x.db", s.pulledTo)
	assert.Equal(t, 1, s.monkeys)

	lines := s.runner.Lines()
	assert.Contains(t, lines, "adb -s emulator-5554 install -g "+filepath.Join(cfg.WorkDir, "app.apk"))
	assert.Contains(t, lines, "adb -s emulator-5554 shell pm clear com.example")
	assert.Contains(t, lines, "adb -s emulator-5554 logcat -c")
	assert.Contains(t, lines, cfg.WorkDir+"/create_avd.sh api_27")
	assert.Greater(t, rec.Count(progress.KindTick), 0)
}

// TestEndToEndInstruments tests that an unsigned APK is instrumented from the gator
// checkout and signed inside the work directory
func TestEndToEndInstruments(t *testing.T) {
	cfg := testConfig(t, t.TempDir(), "emulator-5554")
	cfg.NodeCount = 1
	cfg.FanOut = 1
	require.NoError(t, os.Remove(cfg.SignedAPK()))

	s := newScripted()
	rec := &progress.Recorder{}
	result := s.batch(t, cfg, rec)
	require.Len(t, result.Runs, 1)
	assert.Equal(t, orchestrator.StateCompleted, result.Runs[0].State)

	var gator, sign *mobiletest.Call
	for _, call := range s.runner.Calls() {
		call := call
		switch {
		case filepath.Base(call.Name) == "gator":
			gator = &call
		case call.Name == "bash":
			sign = &call
		}
	}
	require.NotNil(t, gator)
	require.NotNil(t, sign)
	assert.Equal(t, cfg.GatorDir, gator.Dir)
	assert.Equal(t, cfg.WorkDir, sign.Dir)
	assert.Equal(t, "bash sign.sh app.apk", sign.Line())

	instrumented := 0
	for _, e := range rec.Events() {
		if e.Kind == progress.KindTick && e.Symbol == progress.SymbolInstrument {
			instrumented++
		}
	}
	assert.Equal(t, 3, instrumented)
}
