/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: fake.go
Description: In-memory Runner and Process fakes for exercising device automation without adb
or an emulator. Processes stream scripted lines over a pipe and can be held open until killed.
*/

package mobiletest

import (
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kleascm/akaylee-telemetry-runner/pkg/mobile"
)

// Process is a scripted mobile.Process
type Process struct {
	pid     int
	pr      *io.PipeReader
	pw      *io.PipeWriter
	done    chan struct{}
	written chan struct{}
	once    sync.Once
	kills   atomic.Int32
}

// NewProcess returns an open process with an empty stream
func NewProcess(pid int) *Process {
	pr, pw := io.Pipe()
	return &Process{
		pid:     pid,
		pr:      pr,
		pw:      pw,
		done:    make(chan struct{}),
		written: make(chan struct{}),
	}
}

// Script streams lines and then exits, or stays open until killed when hold is set
func Script(pid int, hold bool, lines ...string) *Process {
	p := NewProcess(pid)
	go func() {
		defer close(p.written)
		for _, line := range lines {
			if err := p.WriteLine(line); err != nil {
				return
			}
		}
		if !hold {
			p.Exit()
		}
	}()
	return p
}

// WriteLine blocks until the line has been read
func (p *Process) WriteLine(line string) error {
	_, err := io.WriteString(p.pw, line+"\n")
	return err
}

// Written is closed once every scripted line has been consumed
func (p *Process) Written() <-chan struct{} { return p.written }

// Exit ends the stream normally
func (p *Process) Exit() {
	p.once.Do(func() {
		p.pw.Close()
		close(p.done)
	})
}

func (p *Process) Stdout() io.Reader     { return p.pr }
func (p *Process) Done() <-chan struct{} { return p.done }
func (p *Process) Pid() int              { return p.pid }

func (p *Process) Wait() error {
	<-p.done
	return nil
}

func (p *Process) Kill() error {
	p.kills.Add(1)
	p.once.Do(func() {
		p.pw.Close()
		close(p.done)
	})
	p.pr.Close()
	return nil
}

// Kills counts Kill calls
func (p *Process) Kills() int { return int(p.kills.Load()) }

// Exited reports whether the process ended
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// KillOnCancel kills p once ctx is done, like a real runner does
func KillOnCancel(ctx context.Context, p mobile.Process) {
	go func() {
		select {
		case <-ctx.Done():
			p.Kill()
		case <-p.Done():
		}
	}()
}

// Call is one recorded command
type Call struct {
	Name    string
	Args    []string
	Timeout time.Duration
	// Dir is the working directory the command was started in
	Dir string
}

// Line joins the command for matching
func (c Call) Line() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Runner records commands and answers them through the optional hooks
type Runner struct {
	OnRun   func(name string, args []string) ([]byte, error)
	OnStart func(name string, args []string) (mobile.Process, error)

	mu    sync.Mutex
	calls []Call
}

func (r *Runner) record(c Call) {
	r.mu.Lock()
	r.calls = append(r.calls, c)
	r.mu.Unlock()
}

func (r *Runner) Run(ctx context.Context, timeout time.Duration, name string, args ...string) ([]byte, error) {
	return r.run("", timeout, name, args)
}

func (r *Runner) Start(ctx context.Context, name string, args ...string) (mobile.Process, error) {
	return r.start(ctx, "", name, args)
}

// In records dir on every command started through the returned Runner
func (r *Runner) In(dir string) mobile.Runner { return &dirRunner{parent: r, dir: dir} }

func (r *Runner) run(dir string, timeout time.Duration, name string, args []string) ([]byte, error) {
	r.record(Call{Name: name, Args: args, Timeout: timeout, Dir: dir})
	if r.OnRun == nil {
		return nil, nil
	}
	return r.OnRun(name, args)
}

func (r *Runner) start(ctx context.Context, dir, name string, args []string) (mobile.Process, error) {
	r.record(Call{Name: name, Args: args, Dir: dir})
	if r.OnStart == nil {
		return Script(1, false), nil
	}
	p, err := r.OnStart(name, args)
	if err != nil {
		return nil, err
	}
	KillOnCancel(ctx, p)
	return p, nil
}

type dirRunner struct {
	parent *Runner
	dir    string
}

func (d *dirRunner) Run(ctx context.Context, timeout time.Duration, name string, args ...string) ([]byte, error) {
	return d.parent.run(d.dir, timeout, name, args)
}

func (d *dirRunner) Start(ctx context.Context, name string, args ...string) (mobile.Process, error) {
	return d.parent.start(ctx, d.dir, name, args)
}

func (d *dirRunner) In(dir string) mobile.Runner { return &dirRunner{parent: d.parent, dir: dir} }

// Calls returns the recorded commands
func (r *Runner) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Lines returns the recorded commands as joined strings
func (r *Runner) Lines() []string {
	var lines []string
	for _, c := range r.Calls() {
		lines = append(lines, c.Line())
	}
	return lines
}

var _ mobile.Runner = (*Runner)(nil)
var _ mobile.Process = (*Process)(nil)
