// Package bargetest provides test-support helpers shared across barge's
// internal packages: a stubbable clock, a test logger, and goroutine-leak
// checking for TestMain. Grounded directly on the teacher's
// rivershared/riversharedtest package.
package bargetest

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

// TimeStub implements baseservice.TimeGenerator with an overridable clock,
// defaulting to the real time.Now().UTC() until StubNowUTC is called.
type TimeStub struct {
	mu     sync.RWMutex
	nowUTC *time.Time
}

func (t *TimeStub) NowUTC() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.nowUTC == nil {
		return time.Now().UTC()
	}
	return *t.nowUTC
}

// StubNowUTC pins the clock to the given instant until reset or stubbed
// again.
func (t *TimeStub) StubNowUTC(nowUTC time.Time) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nowUTC = &nowUTC
	return nowUTC
}

// Logger returns a logger suitable for tests: debug verbosity written to
// stderr when BARGE_DEBUG=1/true is set, and warn-level output discarded
// otherwise so `go test -v` isn't flooded.
func Logger(tb testing.TB) *slog.Logger {
	tb.Helper()

	var out io.Writer = io.Discard
	level := slog.LevelWarn
	if v := os.Getenv("BARGE_DEBUG"); v == "1" || v == "true" {
		out = os.Stderr
		level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
}

// IgnoredKnownGoroutineLeaks lists goroutines known to still be winding
// down at process exit that aren't indicative of a real leak, mirroring
// the teacher's own carve-outs for pgxpool's background health checker.
var IgnoredKnownGoroutineLeaks = []goleak.Option{
	goleak.IgnoreTopFunction("github.com/jackc/pgx/v5/pgxpool.(*Pool).backgroundHealthCheck"),
	goleak.IgnoreAnyFunction("github.com/jackc/pgx/v5/pgxpool.(*Pool).triggerHealthCheck.func1"),
}

// WrapTestMain runs m and then fails the run if any unexpected goroutines
// are still alive, so leaked background loops (a producer or maintenance
// service whose Stop was never called) show up as a test failure instead
// of silently accumulating.
func WrapTestMain(m *testing.M) {
	status := m.Run()

	if status == 0 {
		if err := goleak.Find(IgnoredKnownGoroutineLeaks...); err != nil {
			fmt.Fprintf(os.Stderr, "goleak: errors on successful test run: %v\n", err)
			status = 1
		}
	}

	os.Exit(status)
}
