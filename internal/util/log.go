package util

import (
	"fmt"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging functions backed by the pterm default logger.
// All output goes to stderr by default (pterm's default).

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogSuccess(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// Scoped prefixes every message with a fixed tag such as "[call-1/initiator]".
type Scoped struct {
	prefix string
}

// NewScoped returns a Scoped logger that tags its output with prefix.
func NewScoped(prefix string) Scoped {
	return Scoped{prefix: "[" + prefix + "] "}
}

func (s Scoped) Debugf(format string, args ...interface{}) { LogDebug(s.prefix+format, args...) }
func (s Scoped) Infof(format string, args ...interface{})  { LogInfo(s.prefix+format, args...) }
func (s Scoped) Warnf(format string, args ...interface{})  { LogWarning(s.prefix+format, args...) }
func (s Scoped) Errorf(format string, args ...interface{}) { LogError(s.prefix+format, args...) }
