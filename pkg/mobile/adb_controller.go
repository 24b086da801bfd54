/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: adb_controller.go
Description: AndroidDeviceController using ADB. Implements the DeviceBridge for one device serial:
app install/uninstall/clear/force-stop, root, file pull, logcat control, notification bar
toggles and power-off, plus device enumeration and long-running shell/logcat streams.
Every invocation carries the device serial explicitly for multi-device fan-out.
*/

package mobile

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"
)

// AndroidDeviceController implements DeviceBridge for Android devices/emulators via ADB
type AndroidDeviceController struct {
	DeviceID string // ADB device serial
	ADB      string // adb binary
	Timeout  time.Duration

	runner Runner
}

func NewAndroidDeviceController(runner Runner, adb, deviceID string) *AndroidDeviceController {
	if adb == "" {
		adb = "adb"
	}
	return &AndroidDeviceController{
		DeviceID: deviceID,
		ADB:      adb,
		Timeout:  DefaultCommandTimeout,
		runner:   runner,
	}
}

func (c *AndroidDeviceController) Serial() string { return c.DeviceID }

// adb runs a single-shot command against this device
func (c *AndroidDeviceController) adb(ctx context.Context, op string, timeout time.Duration, args ...string) ([]byte, error) {
	full := append([]string{"-s", c.DeviceID}, args...)
	out, err := c.runner.Run(ctx, timeout, c.ADB, full...)
	if err != nil {
		return out, c.wrap(op, full, out, err)
	}
	return out, nil
}

func (c *AndroidDeviceController) wrap(op string, args []string, out []byte, err error) error {
	cerr := &CommandError{Op: op, Device: c.DeviceID, Args: args, Output: string(out), Err: err}
	if inner, ok := err.(*CommandError); ok {
		cerr.ExitCode = inner.ExitCode
		cerr.TimedOut = inner.TimedOut
		cerr.Err = inner.Err
		if cerr.Output == "" {
			cerr.Output = inner.Output
		}
	}
	return cerr
}

func (c *AndroidDeviceController) Install(ctx context.Context, apkPath string) error {
	out, err := c.adb(ctx, "install", InstallTimeout, "install", "-g", apkPath)
	if err != nil {
		return err
	}
	if !bytes.Contains(out, []byte("Success")) {
		return &CommandError{Op: "install", Device: c.DeviceID, Args: []string{apkPath}, Output: string(out)}
	}
	return nil
}

// Uninstall removes the package; a package that is not installed is not an error
func (c *AndroidDeviceController) Uninstall(ctx context.Context, packageName string) error {
	installed, err := c.IsInstalled(ctx, packageName)
	if err != nil {
		return err
	}
	if !installed {
		return nil
	}
	out, err := c.adb(ctx, "uninstall", c.Timeout, "uninstall", packageName)
	if err != nil {
		return err
	}
	if !bytes.Contains(out, []byte("Success")) {
		return &CommandError{Op: "uninstall", Device: c.DeviceID, Args: []string{packageName}, Output: string(out)}
	}
	return nil
}

// IsInstalled checks third-party packages for an exact name match
func (c *AndroidDeviceController) IsInstalled(ctx context.Context, packageName string) (bool, error) {
	out, err := c.adb(ctx, "list-packages", c.Timeout, "shell", "pm", "list", "packages", "-3")
	if err != nil {
		return false, err
	}
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.TrimPrefix(line, "package:") == packageName {
			return true, nil
		}
	}
	return false, nil
}

func (c *AndroidDeviceController) Clear(ctx context.Context, packageName string) error {
	_, err := c.adb(ctx, "clear", c.Timeout, "shell", "pm", "clear", packageName)
	return err
}

func (c *AndroidDeviceController) Root(ctx context.Context) error {
	_, err := c.adb(ctx, "root", c.Timeout, "root")
	return err
}

func (c *AndroidDeviceController) ForceStop(ctx context.Context, packageName string) error {
	_, err := c.adb(ctx, "force-stop", c.Timeout, "shell", "am", "force-stop", packageName)
	return err
}

func (c *AndroidDeviceController) Pull(ctx context.Context, remotePath, localPath string) error {
	_, err := c.adb(ctx, "pull", c.Timeout, "pull", remotePath, localPath)
	return err
}

// ClearLog drops the logcat backlog
func (c *AndroidDeviceController) ClearLog(ctx context.Context) error {
	_, err := c.adb(ctx, "logcat-clear", c.Timeout, "logcat", "-c")
	return err
}

// DisableNotificationBar hides system UI so monkey cannot pull down the shade
func (c *AndroidDeviceController) DisableNotificationBar(ctx context.Context) error {
	if err := c.Root(ctx); err != nil {
		return err
	}
	if _, err := c.adb(ctx, "immersive", c.Timeout, "shell", "settings", "put", "global", "policy_control", "immersive.full=*"); err != nil {
		return err
	}
	_, err := c.adb(ctx, "disable-systemui", c.Timeout, "shell", "pm", "disable", "com.android.systemui")
	return err
}

func (c *AndroidDeviceController) EnableNotificationBar(ctx context.Context) error {
	if err := c.Root(ctx); err != nil {
		return err
	}
	if _, err := c.adb(ctx, "immersive", c.Timeout, "shell", "settings", "put", "global", "policy_control", "null"); err != nil {
		return err
	}
	_, err := c.adb(ctx, "enable-systemui", c.Timeout, "shell", "pm", "enable", "com.android.systemui")
	return err
}

// PowerOff asks the device to shut down
func (c *AndroidDeviceController) PowerOff(ctx context.Context) error {
	_, err := c.adb(ctx, "power-off", c.Timeout, "shell", "reboot", "-p")
	return err
}

// ListDevices enumerates devices visible to the adb server
func (c *AndroidDeviceController) ListDevices(ctx context.Context) ([]string, error) {
	return ListDevices(ctx, c.runner, c.ADB)
}

// StartLogcat opens a live logcat stream for this device
func (c *AndroidDeviceController) StartLogcat(ctx context.Context) (Process, error) {
	args := []string{"-s", c.DeviceID, "logcat"}
	proc, err := c.runner.Start(ctx, c.ADB, args...)
	if err != nil {
		return nil, c.wrap("logcat", args, nil, err)
	}
	return proc, nil
}

// StartShell starts a long-running `adb shell` command on this device
func (c *AndroidDeviceController) StartShell(ctx context.Context, command ...string) (Process, error) {
	args := append([]string{"-s", c.DeviceID, "shell"}, command...)
	proc, err := c.runner.Start(ctx, c.ADB, args...)
	if err != nil {
		return nil, c.wrap("shell", args, nil, err)
	}
	return proc, nil
}

// ListDevices runs `adb devices` and returns serials whose state is exactly "device"
func ListDevices(ctx context.Context, runner Runner, adb string) ([]string, error) {
	out, err := runner.Run(ctx, DefaultCommandTimeout, adb, "devices")
	if err != nil {
		return nil, &CommandError{Op: "devices", Args: []string{"devices"}, Output: string(out), Err: err}
	}
	return ParseDevices(string(out)), nil
}

// ParseDevices parses the tabular `adb devices` response
func ParseDevices(output string) []string {
	var devices []string
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		if DeviceState(fields[1]) != DeviceOnline {
			continue
		}
		devices = append(devices, fields[0])
	}
	return devices
}

// HasDevice reports whether serial is in devices
func HasDevice(devices []string, serial string) bool {
	for _, d := range devices {
		if d == serial {
			return true
		}
	}
	return false
}

var _ DeviceBridge = (*AndroidDeviceController)(nil)

func (c *AndroidDeviceController) String() string {
	return fmt.Sprintf("adb[%s]", c.DeviceID)
}
