package common

import (
	"log"

	"github.com/fatih/color"
)

// Color functions for different log levels
var (
	colorDebug   = color.New(color.FgCyan).SprintfFunc()
	colorVerbose = color.New(color.FgBlue).SprintfFunc()
	colorInfo    = color.New(color.FgGreen).SprintfFunc()
	colorError   = color.New(color.FgRed, color.Bold).SprintfFunc()
	colorWarning = color.New(color.FgYellow).SprintfFunc()
	colorSuccess = color.New(color.FgGreen, color.Bold).SprintfFunc()
)

// Logger prints colored, leveled log lines. Debug and verbose output is
// gated by the corresponding flags; everything else is always shown.
// A nil *Logger is valid and discards debug/verbose output.
type Logger struct {
	DebugMode   bool
	VerboseMode bool
	Prefix      string
}

// NewLogger returns a logger tagging every line with prefix (e.g. "shortcuts").
func NewLogger(prefix string, debug, verbose bool) *Logger {
	return &Logger{DebugMode: debug, VerboseMode: verbose, Prefix: prefix}
}

// With returns a copy of l with a different prefix.
func (l *Logger) With(prefix string) *Logger {
	if l == nil {
		return &Logger{Prefix: prefix}
	}
	cp := *l
	cp.Prefix = prefix
	return &cp
}

func (l *Logger) tag(level string) string {
	if l == nil || l.Prefix == "" {
		return "[" + level + "] "
	}
	return "[" + level + "] " + l.Prefix + ": "
}

// Debugf prints debug messages if debug mode is enabled
func (l *Logger) Debugf(format string, args ...interface{}) {
	if l != nil && l.DebugMode {
		log.Print(colorDebug(l.tag("DEBUG")+format, args...))
	}
}

// Verbosef prints verbose messages if verbose or debug mode is enabled
func (l *Logger) Verbosef(format string, args ...interface{}) {
	if l != nil && (l.VerboseMode || l.DebugMode) {
		log.Print(colorVerbose(l.tag("VERBOSE")+format, args...))
	}
}

// Infof prints info messages (always shown)
func (l *Logger) Infof(format string, args ...interface{}) {
	log.Print(colorInfo(l.tag("INFO")+format, args...))
}

// Warningf prints warning messages (always shown)
func (l *Logger) Warningf(format string, args ...interface{}) {
	log.Print(colorWarning(l.tag("WARNING")+format, args...))
}

// Errorf prints error messages (always shown)
func (l *Logger) Errorf(format string, args ...interface{}) {
	log.Print(colorError(l.tag("ERROR")+format, args...))
}

// Successf prints success messages (always shown)
func (l *Logger) Successf(format string, args ...interface{}) {
	log.Print(colorSuccess(l.tag("SUCCESS")+format, args...))
}
