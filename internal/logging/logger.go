// Package logging provides formatted logging with color support and
// JSON-RPC message tracking for the conduit client.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// ANSI color codes used when color output is enabled.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
)

// Logger writes formatted log output for the client, the transport channel
// and the authorization engine. It supports a verbose mode for chatty
// transport internals and a JSON-RPC mode that dumps full message payloads.
type Logger struct {
	mu          sync.Mutex
	verbose     bool
	useColor    bool
	jsonRPCMode bool
	writer      io.Writer
}

// NewLogger creates a logger writing to stdout.
func NewLogger(verbose, useColor, jsonRPCMode bool) *Logger {
	return NewLoggerWithWriter(verbose, useColor, jsonRPCMode, os.Stdout)
}

// NewLoggerWithWriter creates a logger writing to the given writer.
// Used by tests to capture output.
func NewLoggerWithWriter(verbose, useColor, jsonRPCMode bool, w io.Writer) *Logger {
	return &Logger{
		verbose:     verbose,
		useColor:    useColor,
		jsonRPCMode: jsonRPCMode,
		writer:      w,
	}
}

// SetVerbose toggles verbose output.
func (l *Logger) SetVerbose(verbose bool) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.verbose = verbose
}

// SetWriter replaces the output writer.
func (l *Logger) SetWriter(w io.Writer) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writer = w
}

// Verbose reports whether verbose output is enabled.
func (l *Logger) Verbose() bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.verbose
}

func (l *Logger) log(color, prefix, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg := fmt.Sprintf(format, args...)
	ts := time.Now().Format("15:04:05")

	if l.useColor && color != "" {
		fmt.Fprintf(l.writer, "%s[%s]%s %s%s%s %s\n", colorGray, ts, colorReset, color, prefix, colorReset, msg)
		return
	}
	fmt.Fprintf(l.writer, "[%s] %s %s\n", ts, prefix, msg)
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.log(colorBlue, "INFO", format, args...)
}

// Success logs a success message.
func (l *Logger) Success(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.log(colorGreen, "OK  ", format, args...)
}

// Warning logs a warning message.
func (l *Logger) Warning(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.log(colorYellow, "WARN", format, args...)
}

// Error logs an error message.
func (l *Logger) Error(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.log(colorRed, "ERR ", format, args...)
}

// Debug logs a message only when verbose mode is enabled.
func (l *Logger) Debug(format string, args ...interface{}) {
	if l == nil || !l.Verbose() {
		return
	}
	l.log(colorGray, "DBG ", format, args...)
}

// InfoVerbose logs an informational message only in verbose mode.
// Safe to call on a nil logger.
func (l *Logger) InfoVerbose(format string, args ...interface{}) {
	if l == nil || !l.Verbose() {
		return
	}
	l.log(colorBlue, "INFO", format, args...)
}

// WarningVerbose logs a warning only in verbose mode.
// Safe to call on a nil logger.
func (l *Logger) WarningVerbose(format string, args ...interface{}) {
	if l == nil || !l.Verbose() {
		return
	}
	l.log(colorYellow, "WARN", format, args...)
}

// Request logs an outbound JSON-RPC request. In JSON-RPC mode the full
// payload is printed, otherwise just the method name.
func (l *Logger) Request(method string, payload interface{}) {
	if l == nil {
		return
	}
	if l.jsonRPCModeEnabled() {
		l.log(colorCyan, "-->", "%s\n%s", method, prettyJSON(payload))
		return
	}
	l.log(colorCyan, "-->", "%s", method)
}

// Response logs an inbound JSON-RPC response.
func (l *Logger) Response(method string, payload interface{}) {
	if l == nil {
		return
	}
	if l.jsonRPCModeEnabled() {
		l.log(colorCyan, "<--", "%s\n%s", method, prettyJSON(payload))
		return
	}
	l.log(colorCyan, "<--", "%s", method)
}

// Notification logs an inbound JSON-RPC notification.
func (l *Logger) Notification(method string, payload interface{}) {
	if l == nil {
		return
	}
	if l.jsonRPCModeEnabled() {
		l.log(colorCyan, "<-*", "%s\n%s", method, prettyJSON(payload))
		return
	}
	l.log(colorCyan, "<-*", "%s", method)
}

func (l *Logger) jsonRPCModeEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.jsonRPCMode
}

// prettyJSON renders a value as indented JSON for logging.
func prettyJSON(v interface{}) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(b)
}
