/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: interfaces.go
Description: Core interfaces and types for driving Android devices during telemetry experiments.
Defines the DeviceBridge contract used by the run orchestrator, device state parsing
constants and the tool locations shared by the adb, emulator and aapt wrappers.
*/

package mobile

import (
	"context"
	"os"
	"path/filepath"
	"time"
)

// DeviceState is the status column reported by `adb devices`
type DeviceState string

const (
	DeviceOnline       DeviceState = "device"
	DeviceOffline      DeviceState = "offline"
	DeviceUnauthorized DeviceState = "unauthorized"
)

const (
	// DefaultCommandTimeout bounds every single-shot adb call
	DefaultCommandTimeout = time.Minute
	// InstallTimeout bounds `adb install`
	InstallTimeout = 120 * time.Second
)

// DeviceBridge abstracts single-shot device control for one device serial. It is the
// device surface a run orchestrator drives between boot and teardown.
type DeviceBridge interface {
	Serial() string
	Install(ctx context.Context, apkPath string) error
	IsInstalled(ctx context.Context, packageName string) (bool, error)
	Clear(ctx context.Context, packageName string) error
	Root(ctx context.Context) error
	ForceStop(ctx context.Context, packageName string) error
	Pull(ctx context.Context, remotePath, localPath string) error
	DisableNotificationBar(ctx context.Context) error
	EnableNotificationBar(ctx context.Context) error
	PowerOff(ctx context.Context) error
	ListDevices(ctx context.Context) ([]string, error)
}

// Tools holds the host binaries used for device automation
type Tools struct {
	ADB      string
	Emulator string
	AAPT     string
}

// DefaultTools resolves tool paths from $ANDROID_SDK, falling back to $PATH lookups
func DefaultTools() Tools {
	tools := Tools{ADB: "adb", Emulator: "emulator", AAPT: "aapt"}
	if sdk := os.Getenv("ANDROID_SDK"); sdk != "" {
		tools.ADB = filepath.Join(sdk, "platform-tools", "adb")
		tools.Emulator = filepath.Join(sdk, "emulator", "emulator")
	}
	return tools
}
