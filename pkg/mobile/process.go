/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: process.go
Description: Process supervision primitives for device automation. Provides the Runner abstraction
for single-shot and long-running commands, an os/exec backed implementation with combined
stdout/stderr streaming, bounded single-shot timeouts and idempotent, escalating termination.
*/

package mobile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Process is a supervised long-running command
type Process interface {
	// Stdout streams combined stdout and stderr until the process exits
	Stdout() io.Reader
	Wait() error
	Done() <-chan struct{}
	Pid() int
	// Kill terminates the process. Safe to call repeatedly and after exit.
	Kill() error
}

// Runner starts device-side and host-side commands
type Runner interface {
	Run(ctx context.Context, timeout time.Duration, name string, args ...string) ([]byte, error)
	Start(ctx context.Context, name string, args ...string) (Process, error)
	// In returns a Runner whose commands start in dir
	In(dir string) Runner
}

// CommandError reports a failed command together with its diagnostic output
type CommandError struct {
	Op       string
	Device   string
	Args     []string
	Output   string
	ExitCode int
	TimedOut bool
	Err      error
}

func (e *CommandError) Error() string {
	title := fmt.Sprintf("%s failed", e.Op)
	if e.Device != "" {
		title = fmt.Sprintf("%s on %s failed", e.Op, e.Device)
	}
	if e.TimedOut {
		title += " (timed out)"
	}
	if e.Err != nil {
		title = fmt.Sprintf("%s: %v", title, e.Err)
	}
	if e.Output == "" {
		return title
	}
	return fmt.Sprintf("%s\n%s", title, e.Output)
}

func (e *CommandError) Unwrap() error { return e.Err }

// ExecRunner runs commands with os/exec
type ExecRunner struct {
	// KillAttempts bounds the number of termination polls
	KillAttempts int
	// KillBackoff is the wait between termination polls
	KillBackoff time.Duration
	// Dir is the working directory of started commands; empty means the current one
	Dir string
}

func NewExecRunner() *ExecRunner {
	return &ExecRunner{KillAttempts: 5, KillBackoff: 3 * time.Second}
}

// In returns a copy of r running commands in dir
func (r *ExecRunner) In(dir string) Runner {
	c := *r
	c.Dir = dir
	return &c
}

// Run executes a command to completion, killing it when timeout elapses.
// Returns combined output; on failure the error is a *CommandError.
func (r *ExecRunner) Run(ctx context.Context, timeout time.Duration, name string, args ...string) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	output := new(bytes.Buffer)
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.Dir
	cmd.Stdout = output
	cmd.Stderr = output
	cmd.WaitDelay = 5 * time.Second
	err := cmd.Run()
	if err == nil {
		return output.Bytes(), nil
	}
	cerr := &CommandError{
		Op:     name,
		Args:   args,
		Output: output.String(),
		Err:    err,
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		cerr.TimedOut = true
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		cerr.ExitCode = exitErr.ExitCode()
	}
	return output.Bytes(), cerr
}

// Start launches a long-running command. Output is streamed through Stdout();
// the process is killed when ctx is cancelled.
func (r *ExecRunner) Start(ctx context.Context, name string, args ...string) (Process, error) {
	pr, pw := io.Pipe()
	cmd := exec.Command(name, args...)
	cmd.Dir = r.Dir
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.WaitDelay = 5 * time.Second
	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		return nil, &CommandError{Op: name, Args: args, Err: err}
	}
	attempts, backoff := r.KillAttempts, r.KillBackoff
	if attempts <= 0 {
		attempts = 5
	}
	if backoff <= 0 {
		backoff = 3 * time.Second
	}
	p := &execProcess{
		cmd:      cmd,
		reader:   pr,
		done:     make(chan struct{}),
		attempts: attempts,
		backoff:  backoff,
	}
	go func() {
		p.err = cmd.Wait()
		pw.Close()
		close(p.done)
	}()
	go func() {
		select {
		case <-ctx.Done():
			p.Kill()
		case <-p.done:
		}
	}()
	return p, nil
}

type execProcess struct {
	cmd      *exec.Cmd
	reader   *io.PipeReader
	done     chan struct{}
	err      error
	attempts int
	backoff  time.Duration
	killMu   sync.Mutex
}

func (p *execProcess) Stdout() io.Reader     { return p.reader }
func (p *execProcess) Done() <-chan struct{} { return p.done }
func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }

func (p *execProcess) Wait() error {
	<-p.done
	return p.err
}

// Kill sends TERM, then KILL on later polls, until the process has exited.
func (p *execProcess) Kill() error {
	p.killMu.Lock()
	defer p.killMu.Unlock()
	for i := 0; i < p.attempts; i++ {
		select {
		case <-p.done:
			p.reader.Close()
			return nil
		default:
		}
		var err error
		if i == 0 {
			err = p.cmd.Process.Signal(syscall.SIGTERM)
		} else {
			err = p.cmd.Process.Kill()
		}
		if errors.Is(err, os.ErrProcessDone) {
			<-p.done
			p.reader.Close()
			return nil
		}
		select {
		case <-p.done:
			p.reader.Close()
			return nil
		case <-time.After(p.backoff):
		}
	}
	// Unblock readers even if the process refuses to die
	p.reader.Close()
	return fmt.Errorf("process %d still running after %d kill attempts", p.Pid(), p.attempts)
}
