/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: emulator.go
Description: Android emulator lifecycle. Creates the AVD through the external creation script,
launches a wiped, headless-capable emulator bound to the device's console port and classifies
the emulator's own output stream into boot signals (completed, duplicate instance, no display).
*/

package mobile

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"
)

// BootSignal classifies a line of emulator output
type BootSignal int

const (
	BootNone BootSignal = iota
	BootCompleted
	BootDuplicateInstance
	BootNoDisplay
	// BootClosed means the stream ended without any signal
	BootClosed
	// BootTimedOut means no signal arrived within the boot timeout
	BootTimedOut
)

func (s BootSignal) String() string {
	switch s {
	case BootCompleted:
		return "boot-completed"
	case BootDuplicateInstance:
		return "duplicate-instance"
	case BootNoDisplay:
		return "no-display"
	case BootClosed:
		return "closed"
	case BootTimedOut:
		return "timed-out"
	default:
		return "none"
	}
}

const (
	bootCompletedMarker = "emulator: INFO: boot completed"
	duplicateMarker     = "emulator: ERROR: There's another emulator instance running with the current AVD"
	noDisplayMarker     = "QXcbConnection: Could not connect to display"
	avdExistsMarker     = "already exists"
)

// ClassifyBootLine maps one emulator output line to a boot signal
func ClassifyBootLine(line string) BootSignal {
	switch {
	case strings.Contains(line, duplicateMarker):
		return BootDuplicateInstance
	case strings.Contains(line, noDisplayMarker):
		return BootNoDisplay
	case strings.Contains(line, bootCompletedMarker):
		return BootCompleted
	default:
		return BootNone
	}
}

// Emulator launches one AVD on the console port of its device serial
type Emulator struct {
	AVD      string
	DeviceID string
	Binary   string
	// CreateScript builds the AVD when it does not exist yet
	CreateScript string
	WorkDir      string

	runner Runner
}

func NewEmulator(runner Runner, binary, avd, deviceID, workDir string) *Emulator {
	if binary == "" {
		binary = "emulator"
	}
	return &Emulator{
		AVD:          avd,
		DeviceID:     deviceID,
		Binary:       binary,
		CreateScript: filepath.Join(workDir, "create_avd.sh"),
		WorkDir:      workDir,
		runner:       runner,
	}
}

// Port extracts the console port from an emulator serial such as emulator-5554
func (e *Emulator) Port() (string, error) {
	port := strings.TrimPrefix(e.DeviceID, "emulator-")
	if port == e.DeviceID || port == "" {
		return "", fmt.Errorf("device %q is not an emulator serial", e.DeviceID)
	}
	return port, nil
}

// Create runs the AVD creation script. An AVD that already exists is fine.
func (e *Emulator) Create(ctx context.Context) error {
	script, err := filepath.Abs(e.CreateScript)
	if err != nil {
		return err
	}
	workDir, err := filepath.Abs(e.WorkDir)
	if err != nil {
		return err
	}
	out, err := e.runner.In(workDir).Run(ctx, 5*time.Minute, script, e.AVD)
	if err == nil {
		return nil
	}
	if strings.Contains(string(out), avdExistsMarker) {
		return nil
	}
	var cerr *CommandError
	if errors.As(err, &cerr) && strings.Contains(cerr.Output, avdExistsMarker) {
		return nil
	}
	return &CommandError{Op: "create-avd", Device: e.DeviceID, Args: []string{e.AVD}, Output: string(out), Err: err}
}

// Args builds the emulator command line
func (e *Emulator) Args(window bool) ([]string, error) {
	port, err := e.Port()
	if err != nil {
		return nil, err
	}
	args := []string{
		"-avd", e.AVD, "-verbose", "-wipe-data", "-no-audio",
		"-no-snapshot", "-port", port, "-no-boot-anim",
	}
	if !window {
		args = append(args, "-no-window")
	}
	return args, nil
}

// Launch starts the emulator process
func (e *Emulator) Launch(ctx context.Context, window bool) (Process, error) {
	args, err := e.Args(window)
	if err != nil {
		return nil, err
	}
	proc, err := e.runner.Start(ctx, e.Binary, args...)
	if err != nil {
		return nil, &CommandError{Op: "emulator", Device: e.DeviceID, Args: args, Err: err}
	}
	return proc, nil
}

// WaitForBoot reads the emulator stream until a boot signal, stream end or timeout.
// After returning, the remainder of the stream keeps being drained so the emulator
// never blocks on a full pipe. onLine is called for every line read before the signal.
func WaitForBoot(ctx context.Context, r io.Reader, timeout time.Duration, onLine func(string)) BootSignal {
	signals := make(chan BootSignal, 1)
	go func() {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		reported := false
		for scanner.Scan() {
			if reported {
				continue
			}
			line := scanner.Text()
			if onLine != nil {
				onLine(line)
			}
			if sig := ClassifyBootLine(line); sig != BootNone {
				signals <- sig
				reported = true
			}
		}
		if !reported {
			signals <- BootClosed
		}
	}()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	select {
	case sig := <-signals:
		return sig
	case <-deadline:
		return BootTimedOut
	case <-ctx.Done():
		return BootClosed
	}
}
