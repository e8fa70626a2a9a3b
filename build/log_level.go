//go:build !nolog
// +build !nolog

package build

// LoggingType writes all log output to stdout.
const LoggingType = LogTypeStdOut

// LogLevel is the default logging level of the stdout logger.
const LogLevel = "info"
