// Package debug provides the runtime's debug and trace logging, gated by
// the ADLB_DEBUG and ADLB_TRACE environment variables. Setting a variable
// to 0 (or leaving it unset) silences the corresponding stream.
package debug

import (
	"log"
	"os"
)

var (
	debugOn = envOn("ADLB_DEBUG")
	traceOn = envOn("ADLB_TRACE")
)

func envOn(key string) bool {
	v := os.Getenv(key)
	return v != "" && v != "0"
}

// Enabled reports whether debug logging is on.
func Enabled() bool { return debugOn }

// Logf emits a debug line when ADLB_DEBUG is enabled.
func Logf(format string, args ...any) {
	if debugOn {
		log.Printf(format, args...)
	}
}

// Tracef emits a trace line when ADLB_TRACE is enabled. Trace is a
// superset of debug: the per-message and per-operation firehose.
func Tracef(format string, args ...any) {
	if traceOn {
		log.Printf(format, args...)
	}
}
