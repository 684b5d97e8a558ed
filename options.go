package barge

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/riverstage/barge/internal/cron"
	"github.com/riverstage/barge/internal/jobexecutor"
	"github.com/riverstage/barge/internal/maintenance"
)

// QueueConfig sets the local concurrency limit for a single queue.
type QueueConfig struct {
	MaxWorkers int
}

// Config holds everything needed to build a Client. Construct it with New
// and a list of Options, the idiomatic Go shape for what the original
// expresses as constructor keyword arguments.
type Config struct {
	Node         string
	InstanceName string

	Queues map[string]QueueConfig

	StagerInterval time.Duration
	StagerLimit    int

	LeaderTTL time.Duration

	LifelineInterval time.Duration

	PruneInterval time.Duration
	PruneMaxAge   time.Duration
	PruneLimit    int

	CronEntries []cron.Entry

	ExecutionMode jobexecutor.ExecutionMode

	Logger *slog.Logger
}

func newConfig(opts []Option) *Config {
	cfg := &Config{
		InstanceName:     "barge",
		Queues:           make(map[string]QueueConfig),
		StagerInterval:   maintenance.DefaultStageInterval,
		StagerLimit:      maintenance.DefaultStageLimit,
		LeaderTTL:        maintenance.DefaultLeaderTTL,
		LifelineInterval: maintenance.DefaultLifelineInterval,
		PruneInterval:    maintenance.DefaultPruneInterval,
		PruneMaxAge:      maintenance.DefaultPruneMaxAge,
		PruneLimit:       maintenance.DefaultPruneLimit,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	return cfg
}

// Option configures a Client at construction time.
type Option func(*Config)

// WithQueue registers a queue this Client will run a Producer for, with
// the given local concurrency limit.
func WithQueue(name string, maxWorkers int) Option {
	return func(c *Config) { c.Queues[name] = QueueConfig{MaxWorkers: maxWorkers} }
}

// WithNode sets the node identifier recorded in AttemptedBy and the
// producer/leader registries, typically a hostname or pod name. Defaults
// to the OS hostname if never set.
func WithNode(node string) Option {
	return func(c *Config) { c.Node = node }
}

// WithName sets the instance name used to scope leader election, so
// multiple independent barge instances can share one database without
// contending for the same leadership lease.
func WithName(name string) Option {
	return func(c *Config) { c.InstanceName = name }
}

// WithStagerInterval overrides the default one-second staging cadence.
func WithStagerInterval(d time.Duration) Option {
	return func(c *Config) { c.StagerInterval = d }
}

// WithLeaderTTL overrides the default leadership lease lifetime.
func WithLeaderTTL(d time.Duration) Option {
	return func(c *Config) { c.LeaderTTL = d }
}

// WithLifelineInterval overrides the default orphan-rescue sweep cadence.
func WithLifelineInterval(d time.Duration) Option {
	return func(c *Config) { c.LifelineInterval = d }
}

// WithPruneConfig overrides the terminal-row retention sweep's cadence,
// age threshold, and per-tick row cap.
func WithPruneConfig(interval, maxAge time.Duration, limit int) Option {
	return func(c *Config) {
		c.PruneInterval = interval
		c.PruneMaxAge = maxAge
		c.PruneLimit = limit
	}
}

// WithExecutionMode overrides the default ModeRecord behavior; tests
// typically pass jobexecutor.ModePropagate so handler errors surface
// directly instead of being swallowed after being recorded.
func WithExecutionMode(mode jobexecutor.ExecutionMode) Option {
	return func(c *Config) { c.ExecutionMode = mode }
}

// WithLogger overrides the default slog.Default() logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// WithCronEntry schedules args to be enqueued on expr's crontab schedule,
// for as long as this Client holds instance leadership. expr accepts the
// standard five-field syntax plus the "@every"/"@hourly" descriptors.
func WithCronEntry(expr string, args JobArgs, explicit InsertOpts) Option {
	return func(c *Config) {
		payload, err := json.Marshal(args)
		if err != nil {
			// Deferred rather than returned: Option has no error return, and a
			// malformed cron argument is a programmer error that should fail
			// loudly at Client construction instead of silently no-opping.
			panic(fmt.Sprintf("barge: WithCronEntry: marshaling args for %q: %v", args.Kind(), err))
		}

		resolved := resolveInsertOpts(args, explicit)

		priority := DefaultPriority
		if resolved.Priority != nil {
			priority = *resolved.Priority
		}

		c.CronEntries = append(c.CronEntries, cron.Entry{
			Expr: expr, Queue: resolved.Queue, Worker: args.Kind(), Args: payload,
			Priority: priority, MaxAttempts: resolved.MaxAttempts, Tags: resolved.Tags,
		})
	}
}
