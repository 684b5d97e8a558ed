package maintenance

import (
	"context"
	"time"

	"github.com/riverstage/barge/bargedriver"
	"github.com/riverstage/barge/internal/baseservice"
	"github.com/riverstage/barge/internal/telemetry"
)

// DefaultLifelineInterval matches spec.md section 4.7's guidance of
// checking for orphaned executing jobs roughly once a minute.
const DefaultLifelineInterval = time.Minute

// LeadershipInfo is the narrow view of Leader the Lifeline depends on.
// Defined locally rather than importing Leader's concrete type so the
// dependency can be swapped in tests without constructing a real election
// loop.
type LeadershipInfo interface {
	IsLeader() bool
}

// Lifeline rescues jobs left stuck in the executing state by a producer
// that crashed or was killed before it could record an outcome. Grounded
// on oban/_lifeline.py, which runs this same sweep only on the elected
// leader node.
type Lifeline struct {
	Leader    LeadershipInfo
	Driver    bargedriver.Executor
	Bus       *telemetry.Bus
	Archetype *baseservice.Archetype
	Interval  time.Duration

	stopCh   chan struct{}
	loopDone chan struct{}
}

func NewLifeline(driver bargedriver.Executor, bus *telemetry.Bus, arch *baseservice.Archetype, leader LeadershipInfo, interval time.Duration) *Lifeline {
	if interval <= 0 {
		interval = DefaultLifelineInterval
	}
	return &Lifeline{Leader: leader, Driver: driver, Bus: bus, Archetype: arch, Interval: interval}
}

func (l *Lifeline) Start(ctx context.Context) error {
	l.stopCh = make(chan struct{})
	l.loopDone = make(chan struct{})

	go l.loop(ctx)

	return nil
}

func (l *Lifeline) Stop() {
	close(l.stopCh)
	<-l.loopDone
}

func (l *Lifeline) loop(ctx context.Context) {
	defer close(l.loopDone)

	ticker := time.NewTicker(l.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.rescue(ctx)
		}
	}
}

func (l *Lifeline) rescue(ctx context.Context) {
	if !l.Leader.IsLeader() {
		return
	}

	span := telemetry.StartSpan(l.Bus, "lifeline.rescue", nil)

	n, err := l.Driver.RescueJobs(ctx)
	if err != nil {
		l.Archetype.LogTickError(l.Driver, "lifeline: rescue sweep failed, retrying next tick", err)
		return
	}

	span.Add(telemetry.Meta{"rescued_count": n})
	span.Finish()
}
