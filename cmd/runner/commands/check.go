/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: check.go
Description: Built-in self-checks run before a batch: tool binaries, work directory scripts
and a writable store directory.
*/

package commands

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// PerformSelfCheck validates the host setup
func PerformSelfCheck(cmd *cobra.Command, args []string) error {
	if err := LoadConfig(); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Akaylee Runner - System Self-Check")
	fmt.Fprintln(out, "==================================")

	tools := BuildTools()
	workDir := viper.GetString("workdir")
	checks := []struct {
		name     string
		function func() error
	}{
		{"adb", func() error { return checkBinary(tools.ADB) }},
		{"emulator", func() error { return checkBinary(tools.Emulator) }},
		{"aapt", func() error { return checkBinary(tools.AAPT) }},
		{"sign.sh", func() error { return checkFile(filepath.Join(workDir, "sign.sh")) }},
		{"create_avd.sh", func() error { return checkFile(filepath.Join(workDir, "create_avd.sh")) }},
		{"store directory", func() error { return checkWritable(viper.GetString("db_dir")) }},
	}

	passed := 0
	for _, check := range checks {
		fmt.Fprintf(out, "%-16s ", check.name)
		if err := check.function(); err != nil {
			fmt.Fprintf(out, "FAILED: %v\n", err)
			continue
		}
		fmt.Fprintln(out, "ok")
		passed++
	}

	fmt.Fprintf(out, "\n%d/%d checks passed\n", passed, len(checks))
	if passed != len(checks) {
		return fmt.Errorf("%d/%d checks failed", len(checks)-passed, len(checks))
	}
	return nil
}

func checkBinary(path string) error {
	_, err := exec.LookPath(path)
	return err
}

func checkFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	return nil
}

func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".check-*")
	if err != nil {
		return err
	}
	tmp.Close()
	return os.Remove(tmp.Name())
}
