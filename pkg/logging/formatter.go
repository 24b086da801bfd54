/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: formatter.go
Description: Console log formatters for the telemetry runner. CustomFormatter renders colored,
timestamped lines with sorted structured fields; PhaseFormatter adds a BOOT/MONKEY/LOGCAT/
CYCLE/RUN tag so interleaved device output of a batch stays readable.
*/

package logging

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// CustomFormatter provides structured, optionally colored output
type CustomFormatter struct {
	Timestamp bool
	Caller    bool
	Colors    bool
}

// Format formats a log entry
func (f *CustomFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	return f.format(entry, "", entry.Data), nil
}

func (f *CustomFormatter) format(entry *logrus.Entry, prefix string, fields logrus.Fields) []byte {
	var output strings.Builder

	if f.Timestamp {
		timestamp := entry.Time.Format("2006-01-02 15:04:05.000")
		if f.Colors {
			output.WriteString(fmt.Sprintf("\033[36m%s\033[0m ", timestamp)) // Cyan
		} else {
			output.WriteString(timestamp + " ")
		}
	}

	level := strings.ToUpper(entry.Level.String())
	if f.Colors {
		output.WriteString(fmt.Sprintf("\033[%dm%s\033[0m ", f.getLevelColor(entry.Level), level))
	} else {
		output.WriteString(level + " ")
	}

	if prefix != "" {
		if f.Colors {
			output.WriteString(fmt.Sprintf("\033[35m[%s]\033[0m ", prefix)) // Magenta
		} else {
			output.WriteString(fmt.Sprintf("[%s] ", prefix))
		}
	}

	if f.Caller && entry.HasCaller() {
		caller := fmt.Sprintf("%s:%d", entry.Caller.File, entry.Caller.Line)
		if f.Colors {
			output.WriteString(fmt.Sprintf("\033[33m[%s]\033[0m ", caller)) // Yellow
		} else {
			output.WriteString(fmt.Sprintf("[%s] ", caller))
		}
	}

	output.WriteString(entry.Message)

	if len(fields) > 0 {
		output.WriteString(" ")
		output.WriteString(f.formatFields(fields))
	}

	output.WriteString("\n")
	return []byte(output.String())
}

// getLevelColor returns the ANSI color code for a log level
func (f *CustomFormatter) getLevelColor(level logrus.Level) int {
	switch level {
	case logrus.DebugLevel:
		return 37 // White
	case logrus.InfoLevel:
		return 32 // Green
	case logrus.WarnLevel:
		return 33 // Yellow
	case logrus.ErrorLevel:
		return 31 // Red
	case logrus.FatalLevel, logrus.PanicLevel:
		return 35 // Magenta
	default:
		return 37
	}
}

// formatFields renders fields sorted by key
func (f *CustomFormatter) formatFields(fields logrus.Fields) string {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		value := f.formatValue(fields[key])
		if f.Colors {
			parts = append(parts, fmt.Sprintf("\033[34m%s\033[0m=\033[32m%s\033[0m", key, value)) // Blue key, Green value
		} else {
			parts = append(parts, fmt.Sprintf("%s=%s", key, value))
		}
	}
	return strings.Join(parts, " ")
}

// formatValue formats a field value appropriately
func (f *CustomFormatter) formatValue(value interface{}) string {
	switch v := value.(type) {
	case time.Duration:
		return v.String()
	case time.Time:
		return v.Format("15:04:05.000")
	case string:
		if len(v) > 80 {
			return v[:80] + "..."
		}
		return v
	case error:
		return v.Error()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// PhaseField names the entry field that selects the phase tag explicitly
const PhaseField = "phase"

// PhaseFormatter tags each line with the batch phase that produced it
type PhaseFormatter struct {
	CustomFormatter
}

func (f *PhaseFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	fields := entry.Data
	prefix := ""
	if phase, ok := entry.Data[PhaseField].(string); ok && phase != "" {
		prefix = strings.ToUpper(phase)
		fields = make(logrus.Fields, len(entry.Data))
		for k, v := range entry.Data {
			if k != PhaseField {
				fields[k] = v
			}
		}
	} else {
		prefix = PhasePrefix(entry.Message)
	}
	return f.format(entry, prefix, fields), nil
}

var phaseKeywords = []struct {
	keyword string
	prefix  string
}{
	{"emulator", "BOOT"},
	{"boot", "BOOT"},
	{"monkey", "MONKEY"},
	{"logcat", "LOGCAT"},
	{"store", "LOGCAT"},
	{"cycle", "CYCLE"},
	{"degree", "CYCLE"},
	{"force-stop", "CYCLE"},
	{"run", "RUN"},
	{"batch", "RUN"},
}

// PhasePrefix picks the phase tag from message keywords
func PhasePrefix(message string) string {
	lower := strings.ToLower(message)
	for _, k := range phaseKeywords {
		if strings.Contains(lower, k.keyword) {
			return k.prefix
		}
	}
	return ""
}
