/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: config.go
Description: Orchestrator configuration. Holds the experiment parameters (AVD, device, APK,
target, batch range, monkey options), the file layout of stores, seeds and universes, and every
retry bound and settling delay of the state machine, with defaults and validation.
*/

package orchestrator

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Config drives one orchestrator instance (one AVD on one device)
type Config struct {
	AVD        string
	Device     string
	APK        string
	TrackingID string

	// FanOut is the per-node event target (--degree)
	FanOut int
	// NodeCount overrides the universe size when positive
	NodeCount int

	StartIndex int
	NumRuns    int

	Throttle int
	Events   int
	Window   bool

	WorkDir   string // holds sign.sh, create_avd.sh, seed/ and the signed APK
	DBDir     string // pulled and archived stores
	ReportDir string
	GatorDir  string

	MaxBootAttempts  int
	MaxCycles        int
	MaxRunRetries    int
	ShutdownAttempts int

	BootTimeout        time.Duration
	FuzzJoinTimeout    time.Duration
	HarvestJoinTimeout time.Duration
	BootRetryDelay     time.Duration
	SettleDelay        time.Duration
	ArchiveRetryDelay  time.Duration
	ShutdownPoll       time.Duration
}

// DefaultConfig returns the bounds and delays of a production batch
func DefaultConfig() Config {
	return Config{
		TrackingID:         "UA-22467386-22",
		FanOut:             10,
		NumRuns:            1,
		Throttle:           200,
		Events:             500,
		WorkDir:            ".",
		DBDir:              "db",
		ReportDir:          "reports",
		MaxBootAttempts:    5,
		MaxCycles:          100,
		MaxRunRetries:      10,
		ShutdownAttempts:   12,
		BootTimeout:        10 * time.Minute,
		FuzzJoinTimeout:    6 * time.Minute,
		HarvestJoinTimeout: 30 * time.Second,
		BootRetryDelay:     15 * time.Second,
		SettleDelay:        5 * time.Second,
		ArchiveRetryDelay:  30 * time.Second,
		ShutdownPoll:       10 * time.Second,
	}
}

// Validate checks the configuration for missing or out-of-range values
func (c *Config) Validate() error {
	switch {
	case c.AVD == "":
		return fmt.Errorf("avd must not be empty")
	case !strings.HasPrefix(c.Device, "emulator-"):
		return fmt.Errorf("device %q is not an emulator serial", c.Device)
	case c.APK == "":
		return fmt.Errorf("apk must not be empty")
	case !strings.HasSuffix(c.APK, ".apk"):
		return fmt.Errorf("apk %q must end in .apk", c.APK)
	case c.FanOut <= 0:
		return fmt.Errorf("degree must be positive")
	case c.NodeCount < 0:
		return fmt.Errorf("nodes must not be negative")
	case c.StartIndex < 0:
		return fmt.Errorf("start index must not be negative")
	case c.NumRuns < c.StartIndex:
		return fmt.Errorf("num runs %d is below start index %d", c.NumRuns, c.StartIndex)
	case c.Events <= 0:
		return fmt.Errorf("events must be positive")
	case c.MaxBootAttempts <= 0:
		return fmt.Errorf("max boot attempts must be positive")
	case c.MaxCycles <= 0:
		return fmt.Errorf("max cycles must be positive")
	case c.MaxRunRetries < 0:
		return fmt.Errorf("max run retries must not be negative")
	case c.ShutdownAttempts <= 0:
		return fmt.Errorf("shutdown attempts must be positive")
	case c.DBDir == "":
		return fmt.Errorf("db dir must not be empty")
	}
	return nil
}

// APKName is the file name of the APK
func (c Config) APKName() string { return filepath.Base(c.APK) }

// Stem is the APK name without the .apk suffix
func (c Config) Stem() string { return strings.TrimSuffix(c.APKName(), ".apk") }

// SignedAPK is the instrumented APK produced by the signing script
func (c Config) SignedAPK() string { return filepath.Join(c.WorkDir, c.APKName()) }

// StorePath is where each cycle pulls the device store
func (c Config) StorePath() string {
	return filepath.Join(c.DBDir, fmt.Sprintf("%s_%s.db", c.Stem(), c.Device))
}

// ArchivePath is where a finished run's store is kept
func (c Config) ArchivePath(index int) string {
	return filepath.Join(c.DBDir, fmt.Sprintf("%s_%d_%s.random.db", c.Stem(), index, c.Device))
}

// SeedPath holds optional monkey seeds, one per run index
func (c Config) SeedPath() string {
	return filepath.Join(c.WorkDir, "seed", fmt.Sprintf("%s.%s.seed", c.Stem(), c.Device))
}

// UniversePath is the screen universe produced by static analysis
func (c Config) UniversePath() string {
	return filepath.Join(c.GatorDir, "xml", c.APKName()+".xml")
}
