// Package recovery provides panic recovery for session goroutines.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Recorder counts recovered panics. *metrics.Metrics implements it.
type Recorder interface {
	RecordPanic(goroutine string)
}

// RecoverWithLog recovers from panics and logs them with the provided logger. When rec
// is non-nil the panic is also counted. Defer it at the start of every goroutine that
// serves a connection so that one broken session cannot take the process down.
//
// Example:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "session", m)
//	    // ... goroutine work
//	}()
func RecoverWithLog(logger *slog.Logger, name string, rec Recorder) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
		if rec != nil {
			rec.RecordPanic(name)
		}
	}
}

func logPanic(logger *slog.Logger, name string, r any) {
	logger.Error("panic recovered",
		"goroutine", name,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()))
}
