// Package cron implements spec.md section 4.9: a leader-only periodic
// scheduler that inserts a job for each configured entry whose crontab
// expression becomes due. Grounded on oban's Cron plugin (described in
// original_source/oban/cron.py, whose hand-rolled field parser the spec's
// Open Question flags as a source of subtle bugs); this implementation
// replaces it outright with github.com/robfig/cron/v3's parser and
// Schedule.Next, which also buys "@hourly"/"@every 5m" style nicknames
// for free.
package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/riverstage/barge/bargedriver"
	"github.com/riverstage/barge/internal/baseservice"
	"github.com/riverstage/barge/internal/telemetry"
)

// DefaultTickInterval is how often the scheduler checks whether any entry
// has come due. Entries are specified at minute granularity, so ticking
// faster than a minute would only waste cycles; ticking slower risks
// missing an entry within the same minute it fires.
const DefaultTickInterval = time.Minute

// Entry is one scheduled job template.
type Entry struct {
	Expr        string
	Queue       string
	Worker      string
	Args        []byte
	Meta        []byte
	Tags        []string
	Priority    int
	MaxAttempts int
}

// LeadershipInfo mirrors internal/maintenance.LeadershipInfo; duplicated
// locally so this package doesn't need to import internal/maintenance
// just for a one-method interface.
type LeadershipInfo interface {
	IsLeader() bool
}

// Scheduler periodically inserts jobs for entries whose schedule is due,
// running only on the node that currently holds instance leadership. Each
// insert carries a deterministic UniqueKey derived from the entry and the
// fire time it matched, truncated to the minute; this is what keeps two
// nodes that both briefly believe they're leader (during an election
// handoff) from double-inserting the same scheduled run, since the
// dedup happens at the unique index in storage rather than in this
// in-memory loop.
type Scheduler struct {
	Entries   []Entry
	Leader    LeadershipInfo
	Driver    bargedriver.Executor
	Bus       *telemetry.Bus
	Archetype *baseservice.Archetype
	Interval  time.Duration

	schedules []cron.Schedule
	lastTick  time.Time

	stopCh   chan struct{}
	loopDone chan struct{}
}

// New parses every Entry's Expr using the standard five-field parser plus
// the "@every"/"@hourly" style descriptors, and returns an error naming
// the offending entry if any expression is invalid.
func New(entries []Entry, driver bargedriver.Executor, bus *telemetry.Bus, arch *baseservice.Archetype, leader LeadershipInfo, interval time.Duration) (*Scheduler, error) {
	if interval <= 0 {
		interval = DefaultTickInterval
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

	schedules := make([]cron.Schedule, len(entries))
	for i, e := range entries {
		sched, err := parser.Parse(e.Expr)
		if err != nil {
			return nil, fmt.Errorf("cron: entry %d (worker %q) has invalid expression %q: %w", i, e.Worker, e.Expr, err)
		}
		schedules[i] = sched
	}

	return &Scheduler{
		Entries: entries, Leader: leader, Driver: driver, Bus: bus, Archetype: arch,
		Interval: interval, schedules: schedules,
	}, nil
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.lastTick = time.Now().UTC()
	s.stopCh = make(chan struct{})
	s.loopDone = make(chan struct{})

	go s.loop(ctx)

	return nil
}

func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.loopDone
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.loopDone)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if !s.Leader.IsLeader() {
		s.lastTick = time.Now().UTC()
		return
	}

	now := time.Now().UTC()

	var due []*bargedriver.InsertJobsParams
	for i, entry := range s.Entries {
		next := s.schedules[i].Next(s.lastTick)
		if next.After(now) {
			continue
		}

		fireAt := next.Truncate(time.Minute)
		uniqueKey := fmt.Sprintf("cron:%s:%s:%s", entry.Worker, entry.Expr, fireAt.Format(time.RFC3339))

		due = append(due, &bargedriver.InsertJobsParams{
			Queue: entry.Queue, Worker: entry.Worker, Args: entry.Args, Meta: entry.Meta,
			Tags: entry.Tags, Priority: entry.Priority, MaxAttempts: entry.MaxAttempts,
			UniqueKey: &uniqueKey,
		})
	}

	if len(due) == 0 {
		s.lastTick = now
		return
	}

	span := telemetry.StartSpan(s.Bus, "cron.tick", telemetry.Meta{"due_count": len(due)})

	if _, err := s.Driver.InsertJobs(ctx, due); err != nil {
		// lastTick is left unadvanced so the next tick recomputes the same
		// fire times (and unique keys) and inserts them again.
		s.Archetype.Logger.Warn("cron: inserting due jobs failed, will retry next tick", "error", err)
		return
	}

	s.lastTick = now

	span.Finish()
}
