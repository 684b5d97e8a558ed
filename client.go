package barge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/cases"

	"github.com/riverstage/barge/bargedriver"
	"github.com/riverstage/barge/bargetype"
	"github.com/riverstage/barge/internal/baseservice"
	"github.com/riverstage/barge/internal/cron"
	"github.com/riverstage/barge/internal/jobexecutor"
	"github.com/riverstage/barge/internal/maintenance"
	"github.com/riverstage/barge/internal/notifier"
	"github.com/riverstage/barge/internal/producer"
	"github.com/riverstage/barge/internal/startstop"
	"github.com/riverstage/barge/internal/telemetry"
)

// Client is an instance of the job processing platform: one set of
// per-queue producers plus the leader-elected stager/lifeline/pruner/cron
// maintenance services, all backed by a single bargedriver.Executor.
type Client struct {
	config   *Config
	driver   bargedriver.Executor
	registry *Registry
	bus      *telemetry.Bus
	notifier *notifier.Notifier

	producers map[string]*producer.Producer
	stager    *maintenance.Stager
	leader    *maintenance.Leader
	lifeline  *maintenance.Lifeline
	pruner    *maintenance.Pruner
	cron      *cron.Scheduler

	mu      sync.Mutex
	started []startstop.Service
}

// New builds a Client against driver, applying opts. At least one queue
// must be configured via WithQueue.
func New(driver bargedriver.Executor, opts ...Option) (*Client, error) {
	cfg := newConfig(opts)

	if len(cfg.Queues) == 0 {
		return nil, fmt.Errorf("barge: New: at least one queue must be configured with WithQueue")
	}

	if cfg.StagerInterval <= 0 {
		return nil, fmt.Errorf("barge: New: stager interval must be positive, got %s", cfg.StagerInterval)
	}

	if cfg.Node == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "unknown"
		}
		cfg.Node = host
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	arch := baseservice.NewArchetype(logger)
	bus := &telemetry.Bus{}
	registry := NewRegistry()
	nf := notifier.New(driver, arch)

	exec := &jobexecutor.Executor{Driver: driver, Resolver: registry, Bus: bus, Mode: cfg.ExecutionMode}

	client := &Client{
		config: cfg, driver: driver, registry: registry, bus: bus, notifier: nf,
		producers: make(map[string]*producer.Producer, len(cfg.Queues)),
	}

	for queue, qc := range cfg.Queues {
		p, err := producer.New(driver, exec, bus, arch, queue, qc.MaxWorkers, cfg.Node)
		if err != nil {
			return nil, err
		}
		p.Notifications = nf.Subscribe(queue)
		client.producers[queue] = p
	}

	stager := maintenance.NewStager(driver, bus, arch, cfg.StagerInterval, cfg.StagerLimit)
	for queue, p := range client.producers {
		stager.RegisterQueue(queue, p)
	}

	leader := maintenance.NewLeader(driver, arch, cfg.InstanceName, cfg.Node, cfg.LeaderTTL)
	lifeline := maintenance.NewLifeline(driver, bus, arch, leader, cfg.LifelineInterval)
	pruner := maintenance.NewPruner(driver, bus, arch, leader, cfg.PruneInterval, cfg.PruneMaxAge, cfg.PruneLimit)

	client.stager = stager
	client.leader = leader
	client.lifeline = lifeline
	client.pruner = pruner

	if len(cfg.CronEntries) > 0 {
		scheduler, err := cron.New(cfg.CronEntries, driver, bus, arch, leader, 0)
		if err != nil {
			return nil, fmt.Errorf("barge: New: %w", err)
		}
		client.cron = scheduler
	}

	return client, nil
}

// Registry exposes the worker registry so AddWorker can be called against
// it before Start.
func (c *Client) Registry() *Registry { return c.registry }

func (c *Client) services() []startstop.Service {
	services := make([]startstop.Service, 0, len(c.producers)+5)

	services = append(services, c.notifier, c.leader, c.lifeline, c.pruner, c.stager)
	if c.cron != nil {
		services = append(services, c.cron)
	}
	for _, p := range c.producers {
		services = append(services, p)
	}

	return services
}

// Start launches every configured service concurrently via errgroup,
// returning the first error encountered. On any failure, already-started
// services are stopped before returning.
func (c *Client) Start(ctx context.Context) error {
	services := c.services()

	var (
		startedMu sync.Mutex
		started   []startstop.Service
	)

	// Services get ctx itself, not an errgroup-derived context: the latter
	// is cancelled as soon as Wait returns, which would cancel every
	// running loop's database calls.
	g := new(errgroup.Group)
	for _, svc := range services {
		svc := svc
		g.Go(func() error {
			if err := svc.Start(ctx); err != nil {
				return err
			}
			startedMu.Lock()
			started = append(started, svc)
			startedMu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		stopG := new(errgroup.Group)
		for _, svc := range started {
			svc := svc
			stopG.Go(func() error { svc.Stop(); return nil })
		}
		_ = stopG.Wait()
		return fmt.Errorf("barge: Client.Start: %w", err)
	}

	c.mu.Lock()
	c.started = services
	c.mu.Unlock()

	if c.config.InstanceName != "" {
		Register(c.config.InstanceName, c)
	}

	return nil
}

// Stop shuts down every started service concurrently and waits for them
// all to finish.
func (c *Client) Stop() {
	c.mu.Lock()
	services := c.started
	c.started = nil
	c.mu.Unlock()

	g := new(errgroup.Group)
	for _, svc := range services {
		svc := svc
		g.Go(func() error { svc.Stop(); return nil })
	}
	_ = g.Wait()

	if c.config.InstanceName != "" {
		Unregister(c.config.InstanceName)
	}
}

// Subscribe attaches handler to the client's telemetry bus and returns a
// detach function.
func (c *Client) Subscribe(handler telemetry.Handler) (detach func()) {
	return c.bus.Attach(handler)
}

// InsertParams is a single job to enqueue via InsertMany.
type InsertParams struct {
	Args JobArgs
	Opts InsertOpts
}

// Insert enqueues a single job.
func (c *Client) Insert(ctx context.Context, args JobArgs, opts InsertOpts) (*bargetype.JobRow, error) {
	rows, err := c.InsertMany(ctx, []InsertParams{{Args: args, Opts: opts}})
	if err != nil {
		return nil, err
	}
	return rows[0], nil
}

var tagCaser = cases.Fold()

// buildInsertParams validates and normalizes a batch of jobs into the
// driver's insert shape, plus the distinct set of queues that gained
// work, shared by both InsertMany and InsertManyFast.
func (c *Client) buildInsertParams(params []InsertParams) ([]*bargedriver.InsertJobsParams, map[string]struct{}, error) {
	driverParams := make([]*bargedriver.InsertJobsParams, len(params))
	queues := make(map[string]struct{})

	for i, p := range params {
		resolved := resolveInsertOpts(p.Args, p.Opts)

		if _, ok := c.config.Queues[resolved.Queue]; !ok {
			return nil, nil, fmt.Errorf("barge: inserting job kind %q into queue %q: %w", p.Args.Kind(), resolved.Queue, ErrUnknownQueue)
		}
		priority := DefaultPriority
		if resolved.Priority != nil {
			priority = *resolved.Priority
		}
		if priority < 0 || priority > 9 {
			return nil, nil, fmt.Errorf("barge: inserting job kind %q: %w", p.Args.Kind(), ErrInvalidPriority)
		}
		if resolved.MaxAttempts <= 0 {
			return nil, nil, fmt.Errorf("barge: inserting job kind %q: %w", p.Args.Kind(), ErrInvalidMaxAttempts)
		}

		payload, err := json.Marshal(p.Args)
		if err != nil {
			return nil, nil, fmt.Errorf("barge: inserting job kind %q: marshaling args: %w", p.Args.Kind(), err)
		}

		dp := &bargedriver.InsertJobsParams{
			Queue: resolved.Queue, Worker: p.Args.Kind(), Args: payload,
			Tags: normalizeTags(resolved.Tags), MaxAttempts: resolved.MaxAttempts,
			Priority: priority, ScheduledAt: resolved.ScheduledAt,
		}
		if resolved.UniqueKey != "" {
			dp.UniqueKey = &resolved.UniqueKey
		}

		driverParams[i] = dp
		queues[resolved.Queue] = struct{}{}
	}

	return driverParams, queues, nil
}

func (c *Client) notifyQueues(ctx context.Context, queues map[string]struct{}) {
	for queue := range queues {
		// Best effort: a missed notification costs at most one idle-ceiling
		// poll interval, never correctness.
		_ = c.notifier.NotifyInsert(ctx, queue)
	}
}

// InsertMany validates and enqueues a batch of jobs in a single round
// trip, then nudges the notifier for every distinct queue that gained
// work so waiting producers wake immediately instead of on their next
// poll.
func (c *Client) InsertMany(ctx context.Context, params []InsertParams) ([]*bargetype.JobRow, error) {
	driverParams, queues, err := c.buildInsertParams(params)
	if err != nil {
		return nil, err
	}

	rows, err := c.driver.InsertJobs(ctx, driverParams)
	if err != nil {
		return nil, fmt.Errorf("barge: inserting jobs: %w", err)
	}

	c.notifyQueues(ctx, queues)

	return rows, nil
}

// InsertManyFast enqueues a batch of jobs over the driver's COPY-based
// bulk path (bargedriver.Executor.InsertJobsFast), for the high-throughput
// case where the caller has no use for the inserted rows' identifiers and
// wants to avoid paying for their construction and return. It validates
// and normalizes exactly as InsertMany does; only the insert and return
// shape differ.
func (c *Client) InsertManyFast(ctx context.Context, params []InsertParams) (int64, error) {
	driverParams, queues, err := c.buildInsertParams(params)
	if err != nil {
		return 0, err
	}

	count, err := c.driver.InsertJobsFast(ctx, driverParams)
	if err != nil {
		return 0, fmt.Errorf("barge: inserting jobs (fast path): %w", err)
	}

	c.notifyQueues(ctx, queues)

	return count, nil
}

// normalizeTags trims, case-folds, de-duplicates, and sorts tags, per
// spec.md section 3's tag invariant. Case-folding goes through
// golang.org/x/text/cases rather than strings.ToLower so multi-byte
// casing normalizes correctly.
func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))

	for _, t := range tags {
		folded := tagCaser.String(strings.TrimSpace(t))
		if folded == "" {
			continue
		}
		if _, dup := seen[folded]; dup {
			continue
		}
		seen[folded] = struct{}{}
		out = append(out, folded)
	}

	sort.Strings(out)

	if len(out) == 0 {
		return nil
	}
	return out
}

// process-wide registry of named, running clients, the Go-native
// equivalent of the original's single global Oban instance: a client
// started with WithName can be looked up from anywhere in the process
// without threading a reference through every call site. Grounded on
// spec.md section 9's explicit guidance to keep this "a plain
// synchronized map" rather than something requiring an async lock.
var clientRegistry sync.Map

// Register associates name with client in the process-wide registry.
// Called automatically by Client.Start when InstanceName is set.
func Register(name string, client *Client) { clientRegistry.Store(name, client) }

// Unregister removes name from the process-wide registry. Called
// automatically by Client.Stop.
func Unregister(name string) { clientRegistry.Delete(name) }

// ClientByName looks up a running Client previously registered under
// name, returning false if none is found.
func ClientByName(name string) (*Client, bool) {
	v, ok := clientRegistry.Load(name)
	if !ok {
		return nil, false
	}
	return v.(*Client), true
}
