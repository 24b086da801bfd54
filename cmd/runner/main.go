/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: main.go
Description: Command-line interface of the Akaylee telemetry runner. Drives batches of monkey
experiments on Android emulators while harvesting the app's telemetry log, and provides helper
commands to list devices, inspect pulled event stores and validate the host setup.
*/

package main

import (
	"fmt"
	"os"

	"github.com/kleascm/akaylee-telemetry-runner/cmd/runner/commands"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "akaylee-runner",
		Short: "Akaylee Runner - telemetry coverage experiments on Android emulators",
		Long: `Akaylee Runner boots Android emulators, installs an instrumented app, and repeats
Monkey fuzzing sessions while harvesting the app's telemetry log until every run reaches
its event coverage target. Each run's event store is archived for later analysis.`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags
	rootCmd.PersistentFlags().String("config", "", "Configuration file path")
	rootCmd.PersistentFlags().String("log-level", "info", "Logging level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-dir", "./logs", "Log output directory (empty disables file logs)")
	rootCmd.PersistentFlags().String("log-format", "custom", "Log format (text, json, custom)")
	rootCmd.PersistentFlags().Int("log-max-files", 10, "Maximum number of batch log files to keep")
	rootCmd.PersistentFlags().String("workdir", ".", "Directory holding sign.sh, create_avd.sh, seed/ and signed APKs")
	rootCmd.PersistentFlags().String("db-dir", "db", "Directory for pulled and archived event stores")

	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_dir", rootCmd.PersistentFlags().Lookup("log-dir"))
	viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindPFlag("log_max_files", rootCmd.PersistentFlags().Lookup("log-max-files"))
	viper.BindPFlag("workdir", rootCmd.PersistentFlags().Lookup("workdir"))
	viper.BindPFlag("db_dir", rootCmd.PersistentFlags().Lookup("db-dir"))

	// Add run command
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a batch of telemetry experiments",
		Long: `Run experiment indexes [start-index, num-runs) on every (avd, device) pair. Each run
boots a fresh emulator, repeats Monkey/logcat cycles until the app recorded more than
nodes x degree events over at least two screens, then archives the pulled event store.`,
		RunE: commands.RunBatch,
	}

	runCmd.Flags().StringSliceP("avd", "v", []string{}, "AVD name, one per device (required)")
	runCmd.Flags().StringSliceP("device", "d", []string{}, "Emulator serial such as emulator-5554 (required)")
	runCmd.Flags().StringP("apk", "p", "", "Path to the APK (required)")
	runCmd.Flags().StringP("ga-id", "i", "UA-22467386-22", "Tracking ID injected by the instrumenter")
	runCmd.Flags().IntP("degree", "g", 10, "Events targeted per screen")
	runCmd.Flags().Int("nodes", 0, "Screen count of the target (0 = count the universe XML)")
	runCmd.Flags().IntP("start-index", "s", 0, "First run index")
	runCmd.Flags().IntP("num-runs", "n", 1, "Run indexes end before this value")
	runCmd.Flags().IntP("throttle", "t", 200, "Monkey throttle in ms, <1 for randomized throttle")
	runCmd.Flags().IntP("events", "e", 500, "Monkey events per session")
	runCmd.Flags().BoolP("window", "w", false, "Show the emulator window")
	runCmd.Flags().String("gator", "", "Gator launcher (default <gator-dir>/gator)")
	runCmd.Flags().String("gator-dir", "../..", "Gator checkout holding xml/<apk>.xml")
	runCmd.Flags().String("report-dir", "reports", "Directory for JSON run reports")
	runCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	runCmd.Flags().Int("max-boot-attempts", 5, "Boot attempts per run before giving up")

	viper.BindPFlag("avd", runCmd.Flags().Lookup("avd"))
	viper.BindPFlag("device", runCmd.Flags().Lookup("device"))
	viper.BindPFlag("apk", runCmd.Flags().Lookup("apk"))
	viper.BindPFlag("ga_id", runCmd.Flags().Lookup("ga-id"))
	viper.BindPFlag("degree", runCmd.Flags().Lookup("degree"))
	viper.BindPFlag("nodes", runCmd.Flags().Lookup("nodes"))
	viper.BindPFlag("start_index", runCmd.Flags().Lookup("start-index"))
	viper.BindPFlag("num_runs", runCmd.Flags().Lookup("num-runs"))
	viper.BindPFlag("throttle", runCmd.Flags().Lookup("throttle"))
	viper.BindPFlag("events", runCmd.Flags().Lookup("events"))
	viper.BindPFlag("window", runCmd.Flags().Lookup("window"))
	viper.BindPFlag("gator", runCmd.Flags().Lookup("gator"))
	viper.BindPFlag("gator_dir", runCmd.Flags().Lookup("gator-dir"))
	viper.BindPFlag("report_dir", runCmd.Flags().Lookup("report-dir"))
	viper.BindPFlag("metrics_addr", runCmd.Flags().Lookup("metrics-addr"))
	viper.BindPFlag("max_boot_attempts", runCmd.Flags().Lookup("max-boot-attempts"))

	rootCmd.AddCommand(runCmd)

	// Add devices command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "devices",
		Short: "List online devices",
		Long:  `List device serials adb reports in the "device" state.`,
		RunE:  commands.ListDevices,
	})

	// Add read-db command
	readDBCmd := &cobra.Command{
		Use:   "read-db <store.db>...",
		Short: "Print the counters of pulled event stores",
		Long: `Print total events, distinct screens, the screen universe and the actual
histogram of one or more pulled or archived event stores.`,
		Args: cobra.MinimumNArgs(1),
		RunE: commands.ReadDB,
	}
	readDBCmd.Flags().Int("hits", 0, "Also print the first N raw hits")
	viper.BindPFlag("read_db.hits", readDBCmd.Flags().Lookup("hits"))
	rootCmd.AddCommand(readDBCmd)

	// Add check command for built-in self-checks
	rootCmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate tools and directories before a batch",
		Long: `Check that adb, emulator and aapt are executable, that the work directory holds the
signing and AVD scripts, and that the store directory is writable.`,
		RunE: commands.PerformSelfCheck,
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
