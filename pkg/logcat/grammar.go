/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: grammar.go
Description: Line grammar of the instrumented app's telemetry log. Lines are filtered on the
telemetry tag, the logcat timestamp/level/tag prefix is stripped and the remaining body is
matched against three markers: store opened, item enqueued and item persisted. Classification
is a pure function of a single line.
*/

package logcat

import (
	"regexp"
	"strconv"
	"strings"
)

// Tag is the log tag namespace of the telemetry component
const Tag = "presto.ga.rt"

const (
	storeOpenedMarker   = "Opening database"
	itemEnqueuedMarker  = "Enqueue ["
	itemPersistedMarker = "Hit saved to hits"
)

// EventKind identifies a recognized telemetry line
type EventKind string

const (
	StoreOpened   EventKind = "store-opened"
	ItemEnqueued  EventKind = "item-enqueued"
	ItemPersisted EventKind = "item-persisted"
)

// Event is a structured telemetry log line
type Event struct {
	Kind EventKind
	// Path is set for StoreOpened
	Path string
	// ID is set for ItemEnqueued
	ID int64
}

var (
	prefixPattern = regexp.MustCompile(`^[0-9\-:. A-Z]+ presto\.ga\.rt\.[A-Za-z]+: `)
	digitsPattern = regexp.MustCompile(`[0-9]+`)
)

// Relevant reports whether the line belongs to the telemetry component
func Relevant(line string) bool {
	return strings.Contains(line, Tag)
}

// Body strips the logcat prefix from a telemetry line
func Body(line string) string {
	if loc := prefixPattern.FindStringIndex(line); loc != nil {
		return line[loc[1]:]
	}
	return line
}

// Classify extracts the telemetry event carried by line, if any.
// Malformed marker lines (no path, no id) are not events.
func Classify(line string) (Event, bool) {
	if !Relevant(line) {
		return Event{}, false
	}
	body := strings.TrimRight(Body(line), "\r\n")

	if i := strings.Index(body, storeOpenedMarker); i >= 0 {
		path := strings.TrimSpace(body[i+len(storeOpenedMarker):])
		path = strings.TrimSpace(strings.TrimPrefix(path, ":"))
		if path == "" {
			return Event{}, false
		}
		return Event{Kind: StoreOpened, Path: path}, true
	}

	if i := strings.Index(body, itemEnqueuedMarker); i >= 0 {
		digits := digitsPattern.FindString(body[i+len(itemEnqueuedMarker):])
		if digits == "" {
			return Event{}, false
		}
		id, err := strconv.ParseInt(digits, 10, 64)
		if err != nil {
			return Event{}, false
		}
		return Event{Kind: ItemEnqueued, ID: id}, true
	}

	if strings.Contains(body, itemPersistedMarker) {
		return Event{Kind: ItemPersisted}, true
	}
	return Event{}, false
}
