/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: utils.go
Description: Log retention helpers. Batch logs are kept per invocation and the oldest
ones are removed once the configured count is exceeded.
*/

package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// PruneLogs removes the oldest batch logs in dir so at most keep remain.
// Returns the removed paths.
func PruneLogs(dir string, keep int) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, filePrefix+"*.log"))
	if err != nil {
		return nil, fmt.Errorf("failed to glob log files: %w", err)
	}
	if keep <= 0 || len(files) <= keep {
		return nil, nil
	}

	type logFile struct {
		path string
		mod  int64
	}
	entries := make([]logFile, 0, len(files))
	for _, f := range files {
		stat, err := os.Stat(f)
		if err != nil {
			continue
		}
		entries = append(entries, logFile{path: f, mod: stat.ModTime().UnixNano()})
	}
	// Oldest first; names carry the timestamp so they break ties
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].mod == entries[j].mod {
			return entries[i].path < entries[j].path
		}
		return entries[i].mod < entries[j].mod
	})

	var removed []string
	for i := 0; i < len(entries)-keep; i++ {
		if err := os.Remove(entries[i].path); err != nil {
			return removed, fmt.Errorf("failed to remove file %s: %w", entries[i].path, err)
		}
		removed = append(removed, entries[i].path)
	}
	return removed, nil
}
