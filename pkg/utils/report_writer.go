/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: report_writer.go
Description: Utility for writing per-run reports next to the archived event stores.
Names files by timestamp, app stem, run index and device, ensures the report directory
exists and writes indented JSON for later analysis.
*/

package utils

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ReportName builds the report file name, e.g. 2024-06-11_01-30-00_app_3_emulator-5554.json
func ReportName(at time.Time, stem string, index int, device string) string {
	return fmt.Sprintf("%s_%s_%d_%s.json", at.Format("2006-01-02_15-04-05"), stem, index, device)
}

// WriteRunReport writes report as JSON under dir and returns the file path
func WriteRunReport(dir, stem string, index int, device string, report any) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}

	path := filepath.Join(dir, ReportName(time.Now(), stem, index, device))
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal run report: %w", err)
	}

	// Write to a temp file first so readers never see a partial report
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write run report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to write run report: %w", err)
	}
	return path, nil
}
