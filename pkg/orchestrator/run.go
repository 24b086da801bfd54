/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: run.go
Description: Run model of the orchestrator: run states, the coverage target and its stopping
rule, the per-run record written to reports, and the typed give-up error returned once every
boot attempt of a run is exhausted.
*/

package orchestrator

import (
	"fmt"
	"time"
)

// State of a run in the orchestrator state machine
type State string

const (
	StateBooting    State = "booting"
	StateReady      State = "ready"
	StateFuzzing    State = "fuzzing"
	StateEvaluating State = "evaluating"
	StateCompleted  State = "completed"
	StateRetrying   State = "retrying"
	StateGaveUp     State = "gave-up"
	StateAbandoned  State = "abandoned"
	StateFatal      State = "fatal"
)

// Terminal reports whether no further transition follows
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateGaveUp, StateAbandoned, StateFatal:
		return true
	}
	return false
}

// Target is the coverage goal of a run
type Target struct {
	NodeCount int `json:"node_count"`
	FanOut    int `json:"fan_out"`
}

// Reached applies the stopping rule: strictly more events than nodes times fan-out,
// spread over at least two screens.
func (t Target) Reached(totalEvents int64, screens int) bool {
	return totalEvents > int64(t.NodeCount)*int64(t.FanOut) && screens >= 2
}

// Run records one end-to-end attempt to drive the app to its target
type Run struct {
	ID              string    `json:"id"`
	Index           int       `json:"index"`
	Device          string    `json:"device"`
	Target          Target    `json:"target"`
	TotalEvents     int64     `json:"total_events"`
	DistinctScreens int       `json:"distinct_screens"`
	Cycles          int       `json:"cycles"`
	Attempt         int       `json:"attempt"`
	State           State     `json:"state"`
	StorePath       string    `json:"store_path"`
	ArchivePath     string    `json:"archive_path,omitempty"`
	Seed            *int64    `json:"seed,omitempty"`
	Started         time.Time `json:"started"`
	Finished        time.Time `json:"finished"`
}

// resetCounters starts a boot attempt from an empty store; the emulator wipes its data on boot
func (r *Run) resetCounters() {
	r.TotalEvents = 0
	r.DistinctScreens = 0
}

// observe folds a freshly read summary into the run; counters never decrease within an attempt
func (r *Run) observe(total int64, screens int) {
	if total > r.TotalEvents {
		r.TotalEvents = total
	}
	if screens > r.DistinctScreens {
		r.DistinctScreens = screens
	}
}

// GiveUpError is returned when every boot attempt of a run was used up
type GiveUpError struct {
	Device   string
	Index    int
	Attempts int
	// Reason of the last retry
	Reason string
}

func (e *GiveUpError) Error() string {
	return fmt.Sprintf("run %d on %s gave up after %d attempts (last: %s)", e.Index, e.Device, e.Attempts, e.Reason)
}
