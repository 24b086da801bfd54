/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: harvester.go
Description: Log-stream harvester. Owns one live logcat stream per device, classifies telemetry
lines into events and ends the session on stream end, cancellation or either idle timeout. The
last store path announced by the app is remembered for the orchestrator owning the device.
*/

package logcat

import (
	"bufio"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kleascm/akaylee-telemetry-runner/pkg/mobile"
	"github.com/kleascm/akaylee-telemetry-runner/pkg/progress"
	"github.com/sirupsen/logrus"
)

const (
	DefaultEnqueueIdle  = 60 * time.Second
	DefaultGlobalIdle   = 2 * DefaultEnqueueIdle
	DefaultTickInterval = time.Second
)

// Source provides a fresh log stream for one device
type Source interface {
	Serial() string
	ClearLog(ctx context.Context) error
	StartLogcat(ctx context.Context) (mobile.Process, error)
}

// StopReason tells why a harvest session ended
type StopReason string

const (
	StopEOF         StopReason = "eof"
	StopEnqueueIdle StopReason = "enqueue-idle"
	StopGlobalIdle  StopReason = "global-idle"
	StopCancelled   StopReason = "cancelled"
)

// Result summarizes one harvest session
type Result struct {
	Device    string
	StorePath string
	Events    []Event
	Lines     int
	Enqueued  int
	Persisted int
	Reason    StopReason
	Started   time.Time
	Finished  time.Time
}

// Harvester reads the telemetry log of one device
type Harvester struct {
	// EnqueueIdle ends a session when no item was enqueued for this long
	// since the last enqueue while unrelated lines keep arriving
	EnqueueIdle time.Duration
	// GlobalIdle ends a session when no telemetry line arrived for this long
	GlobalIdle   time.Duration
	TickInterval time.Duration

	source Source
	logger *logrus.Logger
	sink   progress.Sink
	now    func() time.Time

	mu        sync.Mutex
	storePath string
	running   bool
}

func NewHarvester(source Source, logger *logrus.Logger, sink progress.Sink) *Harvester {
	if sink == nil {
		sink = progress.Discard
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Harvester{
		EnqueueIdle:  DefaultEnqueueIdle,
		GlobalIdle:   DefaultGlobalIdle,
		TickInterval: DefaultTickInterval,
		source:       source,
		logger:       logger,
		sink:         sink,
		now:          time.Now,
	}
}

// SetClock replaces the time source used by the idle timers
func (h *Harvester) SetClock(now func() time.Time) { h.now = now }

// StorePath returns the last store path announced on this device
func (h *Harvester) StorePath() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.storePath
}

func (h *Harvester) setStorePath(path string) {
	h.mu.Lock()
	h.storePath = path
	h.mu.Unlock()
}

// Harvest clears the log backlog, starts the stream and closes ready once lines are
// being read. It blocks until the session ends; idle expiry and cancellation are
// normal endings. ready is closed on every return path. Only one session runs at a
// time; a second call fails while the first is still reading.
func (h *Harvester) Harvest(ctx context.Context, ready chan<- struct{}) (*Result, error) {
	var once sync.Once
	signal := func() {
		if ready != nil {
			once.Do(func() { close(ready) })
		}
	}
	defer signal()

	device := h.source.Serial()
	fields := logrus.Fields{"device": device}
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return nil, fmt.Errorf("logcat already running on %s", device)
	}
	h.running = true
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.running = false
		h.mu.Unlock()
	}()

	if err := h.source.ClearLog(ctx); err != nil {
		return nil, fmt.Errorf("failed to clear log on %s: %w", device, err)
	}
	proc, err := h.source.StartLogcat(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to start logcat on %s: %w", device, err)
	}
	defer proc.Kill()

	stop := make(chan struct{})
	defer close(stop)
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(proc.Stdout())
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-stop:
				return
			}
		}
	}()

	result := &Result{Device: device, Started: h.now()}
	finish := func(reason StopReason) (*Result, error) {
		result.Reason = reason
		result.Finished = h.now()
		result.StorePath = h.StorePath()
		h.logger.WithFields(fields).WithFields(logrus.Fields{
			"reason":    reason,
			"lines":     result.Lines,
			"enqueued":  result.Enqueued,
			"persisted": result.Persisted,
		}).Info("Logcat session finished")
		return result, nil
	}

	interval := h.TickInterval
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Enqueue idleness only counts once the app has enqueued its first item
	var lastEnqueue time.Time
	lastRelevant := result.Started
	h.logger.WithFields(fields).Info("Reading logcat")
	signal()

	for {
		select {
		case <-ctx.Done():
			return finish(StopCancelled)

		case <-ticker.C:
			if h.now().Sub(lastRelevant) > h.GlobalIdle {
				return finish(StopGlobalIdle)
			}

		case line, ok := <-lines:
			if !ok {
				// A cancelled stream is killed and ends like EOF
				if ctx.Err() != nil {
					return finish(StopCancelled)
				}
				return finish(StopEOF)
			}
			result.Lines++
			now := h.now()
			if !Relevant(line) {
				if !lastEnqueue.IsZero() && now.Sub(lastEnqueue) > h.EnqueueIdle {
					return finish(StopEnqueueIdle)
				}
				if now.Sub(lastRelevant) > h.GlobalIdle {
					return finish(StopGlobalIdle)
				}
				continue
			}
			lastRelevant = now
			h.sink.Emit(progress.Event{Kind: progress.KindTick, Device: device, Symbol: progress.SymbolLogcat})

			event, ok := Classify(line)
			if !ok {
				continue
			}
			result.Events = append(result.Events, event)
			switch event.Kind {
			case StoreOpened:
				h.setStorePath(event.Path)
				h.logger.WithFields(fields).WithField("path", event.Path).Info("Store opened")
			case ItemEnqueued:
				result.Enqueued++
				lastEnqueue = now
				h.logger.WithFields(fields).WithField("id", event.ID).Debug("Item enqueued")
			case ItemPersisted:
				result.Persisted++
				h.sink.Emit(progress.Event{Kind: progress.KindTick, Device: device, Symbol: progress.SymbolPersisted})
			}
		}
	}
}
