/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: supervisor.go
Description: Fuzz-process supervisor for the Android Monkey. Builds the monkey invocation,
owns the single running monkey process of a device, streams its output under a session kill
timer and classifies the session outcome (success, aborted, killed). The kill timer is stopped
on every return path so it can never fire after a session has been reported.
*/

package monkey

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kleascm/akaylee-telemetry-runner/pkg/mobile"
	"github.com/kleascm/akaylee-telemetry-runner/pkg/progress"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultKillTimeout is the ceiling on one monkey session
	DefaultKillTimeout = 5 * time.Minute
	// DefaultAbortCooldown lets the device settle after an aborted session
	DefaultAbortCooldown = 5 * time.Second

	abortedMarker = "Monkey aborted due to error."
)

// Outcome of one fuzz session
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeAborted Outcome = "aborted"
	OutcomeKilled  Outcome = "killed"
)

// Options configures one fuzz session
type Options struct {
	// Throttle is the inter-event delay in ms; below 1 randomizes it
	Throttle int
	// Events is the event budget
	Events int
	// Seed makes the session replayable when set
	Seed *int64
}

// Session records one monkey invocation
type Session struct {
	ID       string
	Device   string
	Options  Options
	Args     []string
	Pid      int
	Outcome  Outcome
	Lines    int
	Started  time.Time
	Finished time.Time
}

func (s *Session) Duration() time.Duration { return s.Finished.Sub(s.Started) }

// LaunchError reports a monkey process that could not be started
type LaunchError struct {
	Device string
	Err    error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to launch monkey on %s: %v", e.Device, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Shell starts long-running shell commands on the device
type Shell interface {
	Serial() string
	StartShell(ctx context.Context, command ...string) (mobile.Process, error)
}

// Timer is the subset of *time.Timer the supervisor uses
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d; replaceable in tests
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Supervisor runs monkey sessions against one package on one device
type Supervisor struct {
	Package       string
	KillTimeout   time.Duration
	AbortCooldown time.Duration

	shell     Shell
	logger    *logrus.Logger
	sink      progress.Sink
	afterFunc AfterFunc

	mu      sync.Mutex
	current mobile.Process
}

func NewSupervisor(shell Shell, packageName string, logger *logrus.Logger, sink progress.Sink) *Supervisor {
	if sink == nil {
		sink = progress.Discard
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Supervisor{
		Package:       packageName,
		KillTimeout:   DefaultKillTimeout,
		AbortCooldown: DefaultAbortCooldown,
		shell:         shell,
		logger:        logger,
		sink:          sink,
		afterFunc:     realAfterFunc,
	}
}

// SetAfterFunc replaces the timer scheduler
func (s *Supervisor) SetAfterFunc(f AfterFunc) { s.afterFunc = f }

// BuildArgs assembles the monkey command line
func BuildArgs(packageName string, opts Options) []string {
	args := []string{
		"monkey", "-p", packageName,
		"--pct-permission", "0",
		"--pct-appswitch", "0",
		"--pct-trackball", "0",
		"--pct-syskeys", "0",
		"--kill-process-after-error", "-v",
	}
	if opts.Seed != nil {
		args = append(args, "-s", strconv.FormatInt(*opts.Seed, 10))
	}
	if opts.Throttle < 1 {
		args = append(args, "--randomize-throttle")
	} else {
		args = append(args, "--throttle", strconv.Itoa(opts.Throttle))
	}
	return append(args, strconv.Itoa(opts.Events))
}

// Run executes one fuzz session and blocks until it ends
func (s *Supervisor) Run(ctx context.Context, opts Options) (*Session, error) {
	if opts.Events <= 0 {
		return nil, fmt.Errorf("event budget must be positive, got %d", opts.Events)
	}
	device := s.shell.Serial()
	session := &Session{
		ID:      uuid.New().String(),
		Device:  device,
		Options: opts,
		Args:    BuildArgs(s.Package, opts),
		Started: time.Now(),
	}
	fields := logrus.Fields{"device": device, "session": session.ID}
	if opts.Seed != nil {
		fields["seed"] = *opts.Seed
	}
	if opts.Throttle < 1 {
		s.logger.WithFields(fields).Info("Monkey with randomized throttle")
	}

	s.mu.Lock()
	if s.current != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("monkey already running on %s", device)
	}
	proc, err := s.shell.StartShell(ctx, session.Args...)
	if err != nil {
		s.mu.Unlock()
		return nil, &LaunchError{Device: device, Err: err}
	}
	s.current = proc
	s.mu.Unlock()
	defer s.release(proc)

	session.Pid = proc.Pid()
	fields["pid"] = session.Pid
	s.logger.WithFields(fields).Info("Reading monkey")

	var fired atomic.Bool
	timer := s.afterFunc(s.KillTimeout, func() {
		fired.Store(true)
		s.logger.WithFields(fields).Warn("Monkey session timed out, killing")
		proc.Kill()
	})
	defer timer.Stop()

	outcome, err := s.read(ctx, proc.Stdout(), session)
	session.Finished = time.Now()
	if err != nil {
		return session, err
	}
	if outcome == OutcomeAborted {
		timer.Stop()
		s.logger.WithFields(fields).Error("Monkey aborted")
		proc.Kill()
		if err := sleep(ctx, s.AbortCooldown); err != nil {
			session.Outcome = outcome
			return session, err
		}
	} else if fired.Load() {
		outcome = OutcomeKilled
	}
	session.Outcome = outcome
	fields["lines"] = session.Lines
	fields["outcome"] = outcome
	s.logger.WithFields(fields).Info("Monkey finished")
	return session, nil
}

func (s *Supervisor) read(ctx context.Context, r io.Reader, session *Session) (Outcome, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		session.Lines++
		if strings.Contains(line, abortedMarker) {
			return OutcomeAborted, nil
		}
		s.sink.Emit(progress.Event{Kind: progress.KindTick, Device: session.Device, Symbol: progress.SymbolMonkey})
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		if ctx.Err() != nil {
			return OutcomeSuccess, ctx.Err()
		}
		return OutcomeSuccess, fmt.Errorf("reading monkey output on %s: %w", session.Device, err)
	}
	if ctx.Err() != nil {
		return OutcomeSuccess, ctx.Err()
	}
	return OutcomeSuccess, nil
}

// release reaps the session process and frees the device slot
func (s *Supervisor) release(proc mobile.Process) {
	proc.Kill()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == proc {
		s.current = nil
	}
}

// Running reports whether a session is in progress
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// Kill terminates the running session, if any
func (s *Supervisor) Kill() error {
	s.mu.Lock()
	proc := s.current
	s.mu.Unlock()
	if proc == nil {
		return nil
	}
	return proc.Kill()
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
