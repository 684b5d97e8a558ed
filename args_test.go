package barge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type plainArgs struct{}

func (plainArgs) Kind() string { return "plain" }

type optsArgs struct {
	opts InsertOpts
}

func (optsArgs) Kind() string { return "with_opts" }

func (a optsArgs) InsertOpts() InsertOpts { return a.opts }

func TestResolveInsertOpts_Defaults(t *testing.T) {
	resolved := resolveInsertOpts(plainArgs{}, InsertOpts{})

	require.Equal(t, DefaultQueue, resolved.Queue)
	require.NotNil(t, resolved.Priority)
	require.Equal(t, DefaultPriority, *resolved.Priority)
	require.Equal(t, DefaultMaxAttempts, resolved.MaxAttempts)
	require.Empty(t, resolved.Tags)
	require.True(t, resolved.ScheduledAt.IsZero())
}

func TestResolveInsertOpts_WorkerDefaultsLayerOverClientDefaults(t *testing.T) {
	args := optsArgs{opts: InsertOpts{Queue: "emails", Priority: Priority(3), Tags: []string{"x"}}}

	resolved := resolveInsertOpts(args, InsertOpts{})

	require.Equal(t, "emails", resolved.Queue)
	require.Equal(t, 3, *resolved.Priority)
	require.Equal(t, DefaultMaxAttempts, resolved.MaxAttempts)
	require.Equal(t, []string{"x"}, resolved.Tags)
}

func TestResolveInsertOpts_ExplicitOptsWinOverWorkerDefaults(t *testing.T) {
	args := optsArgs{opts: InsertOpts{Queue: "emails", Priority: Priority(3)}}
	scheduledAt := time.Now().Add(time.Hour)

	resolved := resolveInsertOpts(args, InsertOpts{Queue: "priority_emails", ScheduledAt: scheduledAt, UniqueKey: "dedupe-me"})

	require.Equal(t, "priority_emails", resolved.Queue)
	require.Equal(t, 3, *resolved.Priority, "explicit opts left Priority unset, worker default should survive")
	require.Equal(t, scheduledAt, resolved.ScheduledAt)
	require.Equal(t, "dedupe-me", resolved.UniqueKey)
}

func TestResolveInsertOpts_PlainArgsIgnoresOptionalInterface(t *testing.T) {
	resolved := resolveInsertOpts(plainArgs{}, InsertOpts{Queue: "custom"})
	require.Equal(t, "custom", resolved.Queue)
}

func TestResolveInsertOpts_ExplicitPriorityZeroIsExpressible(t *testing.T) {
	args := optsArgs{opts: InsertOpts{Queue: "emails", Priority: Priority(5)}}

	resolved := resolveInsertOpts(args, InsertOpts{Priority: Priority(0)})

	require.NotNil(t, resolved.Priority)
	require.Equal(t, 0, *resolved.Priority, "an explicit zero priority must override a non-zero worker default")
}
