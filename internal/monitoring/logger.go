// Package monitoring holds the process-wide diagnostic logger used by the
// estimation packages. Leaf packages log through Logf so that binaries and
// tests can redirect or silence diagnostics without threading a logger
// through every constructor.
package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf;
// replace it via SetLogger to redirect or mute diagnostics.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. A nil argument installs a no-op
// logger, which silences all diagnostic output.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
