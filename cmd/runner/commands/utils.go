/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: utils.go
Description: Shared utilities for the runner commands. Provides configuration loading from
flags, config file and AKAYLEE_* environment, logging setup and the translation of viper
settings into per-device orchestrator configurations and tool locations.
*/

package commands

import (
	"fmt"
	"strings"

	"github.com/kleascm/akaylee-telemetry-runner/pkg/logging"
	"github.com/kleascm/akaylee-telemetry-runner/pkg/mobile"
	"github.com/kleascm/akaylee-telemetry-runner/pkg/orchestrator"
	"github.com/spf13/viper"
)

func init() {
	defaults := orchestrator.DefaultConfig()
	viper.SetDefault("max_cycles", defaults.MaxCycles)
	viper.SetDefault("max_run_retries", defaults.MaxRunRetries)
	viper.SetDefault("shutdown_attempts", defaults.ShutdownAttempts)
	viper.SetDefault("boot_timeout", defaults.BootTimeout)
	viper.SetDefault("fuzz_join_timeout", defaults.FuzzJoinTimeout)
	viper.SetDefault("harvest_join_timeout", defaults.HarvestJoinTimeout)
	viper.SetDefault("boot_retry_delay", defaults.BootRetryDelay)
	viper.SetDefault("settle_delay", defaults.SettleDelay)
	viper.SetDefault("archive_retry_delay", defaults.ArchiveRetryDelay)
	viper.SetDefault("shutdown_poll", defaults.ShutdownPoll)
}

// LoadConfig loads configuration from files and environment
func LoadConfig() error {
	if configFile := viper.GetString("config"); configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	viper.SetEnvPrefix("AKAYLEE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	return nil
}

// SetupLogging builds the batch logger from the log_* settings
func SetupLogging() (*logging.Logger, error) {
	config := &logging.LoggerConfig{
		Level:     logging.LogLevel(viper.GetString("log_level")),
		Format:    logging.LogFormat(viper.GetString("log_format")),
		OutputDir: viper.GetString("log_dir"),
		MaxFiles:  viper.GetInt("log_max_files"),
		Timestamp: true,
		Colors:    true,
	}
	logger, err := logging.NewLogger(config, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to setup logging: %w", err)
	}
	return logger, nil
}

// BuildTools resolves tool paths, letting adb/emulator/aapt settings override $ANDROID_SDK
func BuildTools() orchestrator.Tools {
	tools := orchestrator.Tools{Tools: mobile.DefaultTools(), Gator: viper.GetString("gator")}
	if adb := viper.GetString("adb"); adb != "" {
		tools.ADB = adb
	}
	if emulator := viper.GetString("emulator"); emulator != "" {
		tools.Emulator = emulator
	}
	if aapt := viper.GetString("aapt"); aapt != "" {
		tools.AAPT = aapt
	}
	return tools
}

// BuildConfigs pairs every AVD with its device into one orchestrator config each
func BuildConfigs() ([]orchestrator.Config, error) {
	avds := viper.GetStringSlice("avd")
	devices := viper.GetStringSlice("device")
	if len(avds) == 0 || len(devices) == 0 {
		return nil, fmt.Errorf("--avd and --device are required")
	}
	if len(avds) != len(devices) {
		return nil, fmt.Errorf("got %d AVDs for %d devices", len(avds), len(devices))
	}
	seen := make(map[string]bool, len(devices))
	for _, d := range devices {
		if seen[d] {
			return nil, fmt.Errorf("device %s given twice", d)
		}
		seen[d] = true
	}

	base := orchestrator.DefaultConfig()
	base.APK = viper.GetString("apk")
	base.TrackingID = viper.GetString("ga_id")
	base.FanOut = viper.GetInt("degree")
	base.NodeCount = viper.GetInt("nodes")
	base.StartIndex = viper.GetInt("start_index")
	base.NumRuns = viper.GetInt("num_runs")
	base.Throttle = viper.GetInt("throttle")
	base.Events = viper.GetInt("events")
	base.Window = viper.GetBool("window")
	base.WorkDir = viper.GetString("workdir")
	base.DBDir = viper.GetString("db_dir")
	base.ReportDir = viper.GetString("report_dir")
	base.GatorDir = viper.GetString("gator_dir")
	base.MaxBootAttempts = viper.GetInt("max_boot_attempts")
	base.MaxCycles = viper.GetInt("max_cycles")
	base.MaxRunRetries = viper.GetInt("max_run_retries")
	base.ShutdownAttempts = viper.GetInt("shutdown_attempts")
	base.BootTimeout = viper.GetDuration("boot_timeout")
	base.FuzzJoinTimeout = viper.GetDuration("fuzz_join_timeout")
	base.HarvestJoinTimeout = viper.GetDuration("harvest_join_timeout")
	base.BootRetryDelay = viper.GetDuration("boot_retry_delay")
	base.SettleDelay = viper.GetDuration("settle_delay")
	base.ArchiveRetryDelay = viper.GetDuration("archive_retry_delay")
	base.ShutdownPoll = viper.GetDuration("shutdown_poll")

	configs := make([]orchestrator.Config, 0, len(devices))
	for i := range devices {
		cfg := base
		cfg.AVD = avds[i]
		cfg.Device = devices[i]
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration for %s: %w", cfg.Device, err)
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}
