// Package monitoring holds the service-level logger shared by the CLI
// entry point and the HTTP surface. The pipeline packages carry their
// own leveled writers; this one is for operational messages.
package monitoring

import "log"

// Logf is the service logger. It defaults to log.Printf and may be
// swapped with SetLogger to redirect or mute output.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the service logger. Passing nil installs a no-op.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
