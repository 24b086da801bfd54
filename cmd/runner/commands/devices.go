/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: devices.go
Description: The devices command. Lists the serials adb reports online.
*/

package commands

import (
	"context"
	"fmt"

	"github.com/kleascm/akaylee-telemetry-runner/pkg/mobile"
	"github.com/spf13/cobra"
)

// ListDevices prints one online serial per line
func ListDevices(cmd *cobra.Command, args []string) error {
	if err := LoadConfig(); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	tools := BuildTools()
	devices, err := mobile.ListDevices(context.Background(), mobile.NewExecRunner(), tools.ADB)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(devices) == 0 {
		fmt.Fprintln(out, "No online devices")
		return nil
	}
	for _, d := range devices {
		fmt.Fprintln(out, d)
	}
	return nil
}
