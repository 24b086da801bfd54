/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: summary.go
Description: HTML batch summary for experiment batches. Collects the per-device batch results
into one page with a run table per device (state, cycles, attempts, event and screen counts,
archive) so a multi-device batch can be reviewed at a glance.
*/

package reporting

import (
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"time"

	"github.com/kleascm/akaylee-telemetry-runner/pkg/orchestrator"
	"github.com/sirupsen/logrus"
)

// SummaryGenerator writes batch summary pages
type SummaryGenerator struct {
	outputDir string
	logger    *logrus.Logger
	templates *template.Template
}

// BatchSummary contains all data of one summary page
type BatchSummary struct {
	Title       string          `json:"title"`
	GeneratedAt time.Time       `json:"generated_at"`
	APK         string          `json:"apk"`
	Target      string          `json:"target"`
	Error       string          `json:"error,omitempty"`
	Devices     []DeviceSummary `json:"devices"`
}

// DeviceSummary is the batch outcome of one device
type DeviceSummary struct {
	Device    string   `json:"device"`
	Completed int      `json:"completed"`
	Redone    int      `json:"redone"`
	Runs      []RunRow `json:"runs"`
}

// RunRow is one line of a device's run table
type RunRow struct {
	Index           int           `json:"index"`
	State           string        `json:"state"`
	Cycles          int           `json:"cycles"`
	Attempt         int           `json:"attempt"`
	TotalEvents     int64         `json:"total_events"`
	DistinctScreens int           `json:"distinct_screens"`
	Duration        time.Duration `json:"duration"`
	Archive         string        `json:"archive"`
}

func NewSummaryGenerator(outputDir string, logger *logrus.Logger) *SummaryGenerator {
	return &SummaryGenerator{
		outputDir: outputDir,
		logger:    logger,
		templates: template.Must(template.New("summary").Funcs(template.FuncMap{
			"rounded": func(d time.Duration) string { return d.Round(time.Second).String() },
		}).Parse(summaryTemplate)),
	}
}

// NewBatchSummary folds pool results into a summary. batchErr is the joined pool error, if any.
func NewBatchSummary(apk string, results []*orchestrator.BatchResult, batchErr error) *BatchSummary {
	summary := &BatchSummary{
		Title:       filepath.Base(apk),
		GeneratedAt: time.Now(),
		APK:         apk,
	}
	if batchErr != nil {
		summary.Error = batchErr.Error()
	}
	for _, result := range results {
		if result == nil {
			continue
		}
		device := DeviceSummary{Device: result.Device, Redone: result.Redone}
		for _, run := range result.Runs {
			if run == nil {
				continue
			}
			if summary.Target == "" && run.Target.NodeCount > 0 {
				summary.Target = describeTarget(run.Target)
			}
			if run.State == orchestrator.StateCompleted {
				device.Completed++
			}
			row := RunRow{
				Index:           run.Index,
				State:           string(run.State),
				Cycles:          run.Cycles,
				Attempt:         run.Attempt,
				TotalEvents:     run.TotalEvents,
				DistinctScreens: run.DistinctScreens,
				Archive:         filepath.Base(run.ArchivePath),
			}
			if !run.Finished.IsZero() {
				row.Duration = run.Finished.Sub(run.Started)
			}
			device.Runs = append(device.Runs, row)
		}
		summary.Devices = append(summary.Devices, device)
	}
	return summary
}

func describeTarget(t orchestrator.Target) string {
	return fmt.Sprintf("> %d events (%d nodes x %d) on 2+ screens", t.NodeCount*t.FanOut, t.NodeCount, t.FanOut)
}

// Generate writes the summary page and returns its path
func (g *SummaryGenerator) Generate(summary *BatchSummary) (string, error) {
	if err := os.MkdirAll(g.outputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	name := fmt.Sprintf("batch_%s.html", summary.GeneratedAt.Format("2006-01-02_15-04-05"))
	path := filepath.Join(g.outputDir, name)
	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create output file: %w", err)
	}
	defer file.Close()

	if err := g.templates.Execute(file, summary); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}

	g.logger.WithField("path", path).Info("Batch summary generated")
	return path, nil
}
