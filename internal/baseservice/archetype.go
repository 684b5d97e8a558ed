// Package baseservice provides the small bundle of ambient dependencies
// (a logger and a clock) that every maintenance/producer loop needs, so
// that tests can stub time without threading a *testing.T through the
// whole call graph. Grounded on the teacher's rivershared/baseservice
// package (referenced from riversharedtest.BaseServiceArchetype).
package baseservice

import (
	"context"
	"log/slog"
	"time"

	"github.com/riverstage/barge/bargedriver"
)

// TimeGenerator returns the current time. The production implementation is
// just time.Now().UTC(); tests substitute a stub so stager/lifeline/pruner
// ticks can be deterministic.
type TimeGenerator interface {
	NowUTC() time.Time
}

// Archetype bundles dependencies shared by every long-running service.
type Archetype struct {
	Logger *slog.Logger
	Time   TimeGenerator
}

// systemTime is the default TimeGenerator used when an Archetype is built
// with NewArchetype and no override is supplied.
type systemTime struct{}

func (systemTime) NowUTC() time.Time { return time.Now().UTC() }

// NewArchetype returns an Archetype wired to the real clock and the given
// logger. Pass slog.Default() if the caller hasn't configured one.
func NewArchetype(logger *slog.Logger) *Archetype {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archetype{Logger: logger, Time: systemTime{}}
}

// LogTickError logs a single maintenance-loop tick's failure, at
// slog.LevelWarn by default. When driver implements
// bargedriver.TransientClassifier and classifies err as an expected,
// self-clearing blip (serialization failure, deadlock, momentary
// connection loss) rather than a programmer error, it logs at
// slog.LevelDebug instead, so ordinary contention doesn't spam the warn
// log on every tick.
func (a *Archetype) LogTickError(driver bargedriver.Executor, msg string, err error, args ...any) {
	level := slog.LevelWarn
	if classifier, ok := driver.(bargedriver.TransientClassifier); ok && classifier.IsTransient(err) {
		level = slog.LevelDebug
	}

	a.Logger.Log(context.Background(), level, msg, append([]any{"error", err}, args...)...)
}
