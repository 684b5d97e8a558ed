package maintenance

import (
	"context"
	"time"

	"github.com/riverstage/barge/bargedriver"
	"github.com/riverstage/barge/internal/baseservice"
	"github.com/riverstage/barge/internal/telemetry"
)

// DefaultPruneInterval, DefaultPruneMaxAge, and DefaultPruneLimit follow
// spec.md section 4.8's defaults: sweep once a minute, retire rows older
// than a day, and bound each sweep to avoid a single long-running delete.
const (
	DefaultPruneInterval = time.Minute
	DefaultPruneMaxAge   = 24 * time.Hour
	DefaultPruneLimit    = 10_000
)

// Pruner deletes terminal (completed, cancelled, discarded) job rows past
// their retention window, on the elected leader only. Grounded on oban's
// pruner behavior described in spec.md section 4.8; no direct Python
// analogue exists in original_source since that port left pruning as a
// database-side retention policy, a feature this expansion reinstates as
// a first-class service.
type Pruner struct {
	Leader    LeadershipInfo
	Driver    bargedriver.Executor
	Bus       *telemetry.Bus
	Archetype *baseservice.Archetype
	Interval  time.Duration
	MaxAge    time.Duration
	Limit     int

	stopCh   chan struct{}
	loopDone chan struct{}
}

func NewPruner(driver bargedriver.Executor, bus *telemetry.Bus, arch *baseservice.Archetype, leader LeadershipInfo, interval, maxAge time.Duration, limit int) *Pruner {
	if interval <= 0 {
		interval = DefaultPruneInterval
	}
	if maxAge <= 0 {
		maxAge = DefaultPruneMaxAge
	}
	if limit <= 0 {
		limit = DefaultPruneLimit
	}
	return &Pruner{
		Leader: leader, Driver: driver, Bus: bus, Archetype: arch,
		Interval: interval, MaxAge: maxAge, Limit: limit,
	}
}

func (p *Pruner) Start(ctx context.Context) error {
	p.stopCh = make(chan struct{})
	p.loopDone = make(chan struct{})

	go p.loop(ctx)

	return nil
}

func (p *Pruner) Stop() {
	close(p.stopCh)
	<-p.loopDone
}

func (p *Pruner) loop(ctx context.Context) {
	defer close(p.loopDone)

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.prune(ctx)
		}
	}
}

func (p *Pruner) prune(ctx context.Context) {
	if !p.Leader.IsLeader() {
		return
	}

	span := telemetry.StartSpan(p.Bus, "pruner.sweep", nil)

	n, err := p.Driver.PruneJobs(ctx, &bargedriver.PruneJobsParams{MaxAge: p.MaxAge, Limit: p.Limit})
	if err != nil {
		p.Archetype.LogTickError(p.Driver, "pruner: sweep failed, retrying next tick", err)
		return
	}

	span.Add(telemetry.Meta{"pruned_count": n})
	span.Finish()
}
