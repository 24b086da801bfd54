/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: run.go
Description: The run command. Builds one orchestrator per (AVD, device) pair, starts the
progress presenter and the optional metrics endpoint, and runs every device batch in the pool
until completion or interrupt.
*/

package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kleascm/akaylee-telemetry-runner/pkg/monitoring"
	"github.com/kleascm/akaylee-telemetry-runner/pkg/orchestrator"
	"github.com/kleascm/akaylee-telemetry-runner/pkg/progress"
	"github.com/kleascm/akaylee-telemetry-runner/pkg/reporting"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// RunBatch runs the experiment batch of every configured device
func RunBatch(cmd *cobra.Command, args []string) error {
	if err := LoadConfig(); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	configs, err := BuildConfigs()
	if err != nil {
		return err
	}
	logs, err := SetupLogging()
	if err != nil {
		return err
	}
	defer logs.Close()
	logger := logs.GetLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events := progress.NewChannel(4096)
	presenter := progress.NewPresenter(os.Stdout, logger)
	presented := make(chan struct{})
	go func() {
		defer close(presented)
		presenter.Run(events.Events())
	}()
	defer func() {
		events.Close()
		<-presented
	}()

	metrics := monitoring.NewMetrics()
	if addr := viper.GetString("metrics_addr"); addr != "" {
		go func() {
			if err := metrics.Serve(ctx, addr, logger); err != nil {
				logger.WithError(err).Error("Metrics endpoint failed")
			}
		}()
	}

	tools := BuildTools()
	orchestrators := make([]*orchestrator.Orchestrator, 0, len(configs))
	for _, cfg := range configs {
		logger.WithFields(logrus.Fields{
			"apk":    cfg.APKName(),
			"avd":    cfg.AVD,
			"device": cfg.Device,
			"runs":   fmt.Sprintf("[%d, %d)", cfg.StartIndex, cfg.NumRuns),
		}).Info("---------------------- Batch ----------------------")
		o, err := orchestrator.NewForDevice(cfg, tools, logger, events, metrics)
		if err != nil {
			return fmt.Errorf("%s: %w", cfg.Device, err)
		}
		orchestrators = append(orchestrators, o)
	}

	results, err := orchestrator.NewPool(orchestrators...).Run(ctx)
	for _, result := range results {
		if result == nil {
			continue
		}
		completed := 0
		for _, run := range result.Runs {
			if run != nil && run.State == orchestrator.StateCompleted {
				completed++
			}
		}
		logger.WithFields(logrus.Fields{
			"device":    result.Device,
			"runs":      len(result.Runs),
			"completed": completed,
			"redone":    result.Redone,
			"reports":   len(result.Reports),
		}).Info("Batch finished")
	}

	summary := reporting.NewBatchSummary(configs[0].APK, results, err)
	if _, genErr := reporting.NewSummaryGenerator(configs[0].ReportDir, logger).Generate(summary); genErr != nil {
		logger.WithError(genErr).Warn("Failed to write batch summary")
	}
	return err
}
