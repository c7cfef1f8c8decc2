package monitoring

import "log"

// Logf is the package-level diagnostic logger for the session core and
// its collaborators. It defaults to log.Printf; tests mute it and
// production code may redirect it with SetLogger.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil installs a no-op
// logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Mute silences the logger and returns a restore function, for use in
// tests: defer monitoring.Mute()().
func Mute() func() {
	prev := Logf
	Logf = func(string, ...interface{}) {}
	return func() { Logf = prev }
}
