/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: progress.go
Description: Structured progress events for long-running experiment batches. Components emit
events into a Sink; a single Presenter owns the terminal progress line and renders phase changes,
per-line activity ticks, cycle counts and failures so no core logic touches display state.
*/

package progress

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Kind classifies a progress event
type Kind string

const (
	KindPhase   Kind = "phase"   // orchestrator state change
	KindTick    Kind = "tick"    // one unit of activity (line read)
	KindCounts  Kind = "counts"  // evaluation result of a cycle
	KindWarning Kind = "warning" // transient, per-cycle hiccup
	KindFatal   Kind = "fatal"   // irrecoverable per-app failure
)

// Tick symbols per activity source
const (
	SymbolBoot       = '+'
	SymbolMonkey     = '.'
	SymbolLogcat     = ':'
	SymbolPersisted  = ';'
	SymbolInstrument = '^'
)

// Event is one progress notification
type Event struct {
	Time    time.Time
	Kind    Kind
	Device  string
	Run     int
	Phase   string
	Symbol  rune
	Cycle   int
	Total   int64
	Screens int
	Message string
}

// Sink receives progress events
type Sink interface {
	Emit(Event)
}

// Discard drops every event
var Discard Sink = discard{}

type discard struct{}

func (discard) Emit(Event) {}

// Channel is a buffered Sink. Ticks are dropped when the buffer is full;
// every other kind blocks until the presenter catches up.
type Channel struct {
	ch     chan Event
	closed bool
	mu     sync.RWMutex
}

func NewChannel(size int) *Channel {
	if size <= 0 {
		size = 1024
	}
	return &Channel{ch: make(chan Event, size)}
}

func (c *Channel) Emit(e Event) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	if e.Kind == KindTick {
		select {
		case c.ch <- e:
		default:
		}
		return
	}
	c.ch <- e
}

// Events exposes the stream to the presenter
func (c *Channel) Events() <-chan Event { return c.ch }

func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}

// Presenter renders events. It is the only writer of the progress line.
type Presenter struct {
	out    io.Writer
	logger *logrus.Logger
	width  int
	column int
}

func NewPresenter(out io.Writer, logger *logrus.Logger) *Presenter {
	return &Presenter{out: out, logger: logger, width: 80}
}

// Run consumes events until the channel is closed
func (p *Presenter) Run(events <-chan Event) {
	for e := range events {
		p.Render(e)
	}
	p.newline()
}

func (p *Presenter) Render(e Event) {
	fields := logrus.Fields{"device": e.Device, "run": e.Run}
	switch e.Kind {
	case KindTick:
		p.tick(e.Symbol)
	case KindPhase:
		p.newline()
		fields["phase"] = e.Phase
		p.logger.WithFields(fields).Info(phaseMessage(e))
	case KindCounts:
		p.newline()
		fields["cycle"] = e.Cycle
		fields["total_events"] = e.Total
		fields["screens"] = e.Screens
		p.logger.WithFields(fields).Warn(fmt.Sprintf("[%d] %d: Current degree: %d, #Screen: %d", e.Run, e.Cycle, e.Total, e.Screens))
	case KindWarning:
		p.newline()
		p.logger.WithFields(fields).Warn(e.Message)
	case KindFatal:
		p.newline()
		p.logger.WithFields(fields).Error("FATAL: " + e.Message)
	}
}

func phaseMessage(e Event) string {
	if e.Message != "" {
		return e.Message
	}
	return "Entering " + e.Phase
}

func (p *Presenter) tick(symbol rune) {
	if symbol == 0 {
		symbol = '.'
	}
	if p.column >= p.width {
		// Rewind and clear the line instead of wrapping
		fmt.Fprint(p.out, "\x1b[2K\r")
		p.column = 0
	}
	fmt.Fprint(p.out, string(symbol))
	p.column++
}

func (p *Presenter) newline() {
	if p.column > 0 {
		fmt.Fprintln(p.out)
		p.column = 0
	}
}

// Recorder is a Sink that keeps events in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many recorded events have the given kind
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// Messages joins the messages of recorded events of one kind
func (r *Recorder) Messages(kind Kind) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var parts []string
	for _, e := range r.events {
		if e.Kind == kind {
			parts = append(parts, e.Message)
		}
	}
	return strings.Join(parts, "\n")
}
