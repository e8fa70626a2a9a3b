//go:build nolog
// +build nolog

package build

// LoggingType disables all logging.
const LoggingType = LogTypeNone

// LogLevel is unused when logging is disabled.
const LogLevel = "off"
