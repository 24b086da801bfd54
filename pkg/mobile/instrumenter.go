/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: instrumenter.go
Description: Wrapper around the external gator instrumentation CLI and signing script. Streams
the instrumenter output to detect whether the app has any telemetry send call to rewrite; an app
without one cannot produce events and is reported as a fatal, non-retryable condition.
*/

package mobile

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// ErrNoTelemetry means the app has no telemetry integration to instrument
var ErrNoTelemetry = errors.New("app has no telemetry send call")

const sendReplacedMarker = "Replace Tracker.send()"

// GatorInstrumenter instruments and signs an APK with the gator toolchain
type GatorInstrumenter struct {
	Gator      string // gator launcher
	GatorDir   string // gator checkout holding xml/<apk>.xml
	WorkDir    string // directory holding sign.sh and the signed output
	TrackingID string
	// OnLine is called for every line of instrumenter output
	OnLine func(string)

	runner Runner
}

func NewGatorInstrumenter(runner Runner, gator, gatorDir, workDir, trackingID string) *GatorInstrumenter {
	return &GatorInstrumenter{
		Gator:      gator,
		GatorDir:   gatorDir,
		WorkDir:    workDir,
		TrackingID: trackingID,
		runner:     runner,
	}
}

// Args builds the gator instrumentation command line
func (g *GatorInstrumenter) Args(apkPath string) []string {
	return g.args(g.GatorDir, apkPath)
}

func (g *GatorInstrumenter) args(gatorDir, apkPath string) []string {
	apkName := filepath.Base(apkPath)
	xml := filepath.Join(gatorDir, "xml", apkName+".xml")
	args := []string{"i", "-x", xml, "-p", apkPath, "--experiment", "--immediate"}
	if g.TrackingID != "" {
		args = append(args, "--id", g.TrackingID)
	}
	return args
}

// Instrument rewrites the app's telemetry calls and signs the result into WorkDir.
// gator runs from GatorDir and the signing script from WorkDir.
func (g *GatorInstrumenter) Instrument(ctx context.Context, apkPath string) error {
	absPath, err := filepath.Abs(apkPath)
	if err != nil {
		return err
	}
	gatorDir, err := filepath.Abs(g.GatorDir)
	if err != nil {
		return err
	}
	workDir, err := filepath.Abs(g.WorkDir)
	if err != nil {
		return err
	}
	gator := g.Gator
	if strings.ContainsRune(gator, filepath.Separator) {
		if gator, err = filepath.Abs(gator); err != nil {
			return err
		}
	}

	apkName := filepath.Base(absPath)
	args := g.args(gatorDir, absPath)
	proc, err := g.runner.In(gatorDir).Start(ctx, gator, args...)
	if err != nil {
		return fmt.Errorf("failed to start gator: %w", err)
	}
	defer proc.Kill()

	hasSend := false
	scanner := bufio.NewScanner(proc.Stdout())
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if g.OnLine != nil {
			g.OnLine(line)
		}
		if strings.Contains(line, sendReplacedMarker) {
			hasSend = true
		}
	}
	proc.Wait()
	if !hasSend {
		return fmt.Errorf("%s: %w", apkName, ErrNoTelemetry)
	}

	if _, err := g.runner.In(workDir).Run(ctx, 5*time.Minute, "bash", "sign.sh", apkName); err != nil {
		return fmt.Errorf("failed to sign %s: %w", apkName, err)
	}
	return nil
}
