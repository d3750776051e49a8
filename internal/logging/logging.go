// Package logging is the leveled logger every other package in this
// module logs through. It mirrors the register of the teacher's own
// secondary/logging package (Infof/Errorf/Fatalf/Tracef/Debugf, lazy
// evaluation for expensive trace lines, and TagUD/TagStrUD for marking
// user data in log output) on top of logrus.
package logging

import (
	"fmt"
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// Level mirrors logrus' levels but keeps Trace distinct from Debug the
// way the teacher's logging package does.
type Level = logrus.Level

var std = logrus.New()

func init() {
	std.SetLevel(logrus.InfoLevel)
}

// SetLevel adjusts the minimum level that reaches output.
func SetLevel(l Level) { std.SetLevel(l) }

// SetOutput is exposed for tests that want to capture log lines.
func SetOutput(w interface{ Write([]byte) (int, error) }) { std.SetOutput(w) }

func Tracef(format string, args ...interface{}) { std.Tracef(format, args...) }
func Debugf(format string, args ...interface{}) { std.Debugf(format, args...) }
func Infof(format string, args ...interface{})  { std.Infof(format, args...) }
func Warnf(format string, args ...interface{})  { std.Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { std.Errorf(format, args...) }

// Fatalf logs at error severity without calling os.Exit: callers in this
// module treat "fatal" as "fatal to the channel/partition", never fatal
// to the process.
func Fatalf(format string, args ...interface{}) {
	std.WithField("severity", "fatal").Errorf(format, args...)
}

// LazyTrace defers building the trace string until trace logging is
// actually enabled, for call sites where formatting the message (e.g.
// redacting a document body) is itself non-trivial work.
func LazyTrace(build func() string) {
	if std.IsLevelEnabled(logrus.TraceLevel) {
		std.Trace(build())
	}
}

// StackTrace captures the current goroutine's stack for crash logging.
func StackTrace() string {
	return string(debug.Stack())
}

// TagUD wraps a value that may contain user document data so it reads
// distinctly in log output without actually redacting it (this module
// has no redaction policy of its own; the embedder's logging pipeline
// owns that).
func TagUD(v interface{}) string {
	return fmt.Sprintf("<ud>%v</ud>", v)
}

// TagStrUD is TagUD specialised for byte slices (document keys/values).
func TagStrUD(b []byte) string {
	return fmt.Sprintf("<ud>%s</ud>", b)
}
