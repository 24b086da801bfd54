/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: pool_test.go
Description: Tests for the multi-device pool.
*/

package orchestrator_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/kleascm/akaylee-telemetry-runner/pkg/mobile"
	"github.com/kleascm/akaylee-telemetry-runner/pkg/orchestrator"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deviceEnv(t *testing.T, dir, device string) *env {
	t.Helper()
	bridge := &fakeBridge{serial: device}
	return &env{
		cfg:          testConfig(t, dir, device),
		bridge:       bridge,
		booter:       &fakeBooter{bridge: bridge},
		instrumenter: &fakeInstrumenter{},
		fuzzer:       &fakeFuzzer{},
		reader:       &fakeReader{steps: []step{{total: 500, screens: 3}}},
	}
}

func (e *env) buildQuiet(t *testing.T) *orchestrator.Orchestrator {
	t.Helper()
	logger, _ := test.NewNullLogger()
	o, err := orchestrator.New(e.cfg, e.deps(), logger, nil, nil)
	require.NoError(t, err)
	return o
}

// TestPoolRunsDevicesInParallel tests per-device results in device order
func TestPoolRunsDevicesInParallel(t *testing.T) {
	dir := t.TempDir()
	first := deviceEnv(t, dir, "emulator-5554")
	second := deviceEnv(t, dir, "emulator-5556")
	second.cfg.NumRuns = 2

	pool := orchestrator.NewPool(first.buildQuiet(t), second.buildQuiet(t))
	assert.Equal(t, 2, pool.Size())

	results, err := pool.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "emulator-5554", results[0].Device)
	assert.Len(t, results[0].Runs, 1)
	assert.Equal(t, "emulator-5556", results[1].Device)
	assert.Len(t, results[1].Runs, 2)

	// Devices sharing a db dir keep separate archives
	assert.FileExists(t, first.cfg.ArchivePath(0))
	assert.FileExists(t, second.cfg.ArchivePath(0))
	assert.FileExists(t, second.cfg.ArchivePath(1))
	assert.NotEqual(t, first.cfg.ArchivePath(0), second.cfg.ArchivePath(0))
}

// TestPoolFatal tests that an app without telemetry is reported per device
func TestPoolFatal(t *testing.T) {
	dir := t.TempDir()
	healthy := deviceEnv(t, filepath.Join(dir, "a"), "emulator-5554")
	broken := deviceEnv(t, filepath.Join(dir, "b"), "emulator-5556")
	require.NoError(t, os.Remove(broken.cfg.SignedAPK()))
	broken.instrumenter.err = fmt.Errorf("app.apk: %w", mobile.ErrNoTelemetry)

	results, err := orchestrator.NewPool(healthy.buildQuiet(t), broken.buildQuiet(t)).Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, mobile.ErrNoTelemetry)
	assert.Contains(t, err.Error(), "emulator-5556")
	require.Len(t, results, 2)
	require.NotNil(t, results[1])
	assert.Equal(t, orchestrator.StateFatal, results[1].Runs[0].State)
}

// TestPoolEmpty tests that a pool needs devices
func TestPoolEmpty(t *testing.T) {
	_, err := orchestrator.NewPool().Run(context.Background())
	assert.Error(t, err)
}
