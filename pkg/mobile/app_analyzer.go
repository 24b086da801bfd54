/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: app_analyzer.go
Description: AndroidAppAnalyzer. Resolves APK metadata with `aapt dump badging`: the package
name used for install/clear/force-stop and the monkey target, plus version and launchable
activities for operator reports.
*/

package mobile

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// AppAnalysis holds the subset of badging output the runner uses
type AppAnalysis struct {
	PackageName string
	Version     string
	Activities  []string
	Permissions []string
}

// AndroidAppAnalyzer inspects APK files with aapt
type AndroidAppAnalyzer struct {
	AAPT   string
	runner Runner
}

func NewAndroidAppAnalyzer(runner Runner, aapt string) *AndroidAppAnalyzer {
	if aapt == "" {
		aapt = "aapt"
	}
	return &AndroidAppAnalyzer{AAPT: aapt, runner: runner}
}

var quotedValue = regexp.MustCompile(`'[^']*'`)

func (a *AndroidAppAnalyzer) AnalyzeApp(ctx context.Context, appPath string) (*AppAnalysis, error) {
	out, err := a.runner.Run(ctx, time.Minute, a.AAPT, "dump", "badging", appPath)
	if err != nil {
		return nil, fmt.Errorf("aapt failed: %w", err)
	}
	return ParseBadging(string(out))
}

// PackageName returns the package declared by the APK
func (a *AndroidAppAnalyzer) PackageName(ctx context.Context, appPath string) (string, error) {
	analysis, err := a.AnalyzeApp(ctx, appPath)
	if err != nil {
		return "", err
	}
	return analysis.PackageName, nil
}

// ParseBadging extracts package, version, activities and permissions from badging output
func ParseBadging(output string) (*AppAnalysis, error) {
	analysis := &AppAnalysis{}
	scanner := bufio.NewScanner(bytes.NewReader([]byte(output)))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "package: name="):
			// package: name='com.example' versionCode='1' versionName='1.0'
			values := quotedValue.FindAllString(line, -1)
			if len(values) > 0 {
				analysis.PackageName = strings.Trim(values[0], "'")
			}
			for _, f := range strings.Fields(line) {
				if strings.HasPrefix(f, "versionName=") {
					analysis.Version = strings.Trim(f[len("versionName="):], "'\"")
				}
			}
		case strings.HasPrefix(line, "launchable-activity: "):
			for _, f := range strings.Fields(line) {
				if strings.HasPrefix(f, "name=") {
					analysis.Activities = append(analysis.Activities, strings.Trim(f[5:], "'\""))
				}
			}
		case strings.HasPrefix(line, "uses-permission: "):
			if values := quotedValue.FindAllString(line, 1); len(values) > 0 {
				analysis.Permissions = append(analysis.Permissions, strings.Trim(values[0], "'"))
			}
		}
	}
	if analysis.PackageName == "" {
		return nil, fmt.Errorf("no package name in badging output")
	}
	return analysis, nil
}
