package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/riverstage/barge/bargedriver"
	"github.com/riverstage/barge/internal/baseservice"
	"github.com/riverstage/barge/internal/telemetry"
)

// DefaultStageInterval matches spec.md section 4.5's one-second default
// staging cadence.
const DefaultStageInterval = time.Second

// DefaultStageLimit bounds how many rows a single staging tick promotes,
// avoiding an unbounded UPDATE against a large backlog.
const DefaultStageLimit = 5_000

// Notifier is the narrow view of a queue's producer.Producer that the
// Stager needs: a way to wake its fetch loop immediately instead of
// waiting out the idle ceiling. Defined locally to avoid an import cycle
// with internal/producer.
type Notifier interface {
	Notify()
}

// Stager promotes scheduled and retryable jobs whose time has come to
// available, then nudges any producer whose queue gained work. Every
// instance node runs its own Stager independently; concurrent stagers are
// safe because StageJobs is a single UPDATE over rows selected FOR UPDATE
// SKIP LOCKED, and flipping a row that is already available is a no-op.
// Grounded on oban/_stager.py.
type Stager struct {
	Driver    bargedriver.Executor
	Bus       *telemetry.Bus
	Archetype *baseservice.Archetype
	Interval  time.Duration
	Limit     int

	mu        sync.RWMutex
	producers map[string]Notifier

	stopCh   chan struct{}
	loopDone chan struct{}
}

func NewStager(driver bargedriver.Executor, bus *telemetry.Bus, arch *baseservice.Archetype, interval time.Duration, limit int) *Stager {
	if interval <= 0 {
		interval = DefaultStageInterval
	}
	if limit <= 0 {
		limit = DefaultStageLimit
	}
	return &Stager{
		Driver: driver, Bus: bus, Archetype: arch, Interval: interval, Limit: limit,
		producers: make(map[string]Notifier),
	}
}

// RegisterQueue associates a queue name with the Notifier (normally its
// producer.Producer) that should be woken when staging promotes a row
// into that queue.
func (s *Stager) RegisterQueue(queue string, n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.producers[queue] = n
}

func (s *Stager) Start(ctx context.Context) error {
	s.stopCh = make(chan struct{})
	s.loopDone = make(chan struct{})

	go s.loop(ctx)

	return nil
}

func (s *Stager) Stop() {
	close(s.stopCh)
	<-s.loopDone
}

func (s *Stager) loop(ctx context.Context) {
	defer close(s.loopDone)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.stage(ctx)
		}
	}
}

func (s *Stager) stage(ctx context.Context) {
	span := telemetry.StartSpan(s.Bus, "stager.stage", nil)

	queues, err := s.Driver.StageJobs(ctx, &bargedriver.StageJobsParams{Limit: s.Limit})
	if err != nil {
		s.Archetype.LogTickError(s.Driver, "stager: staging tick failed, retrying next tick", err)
		return
	}

	span.Add(telemetry.Meta{"queues": queues})
	span.Finish()

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, queue := range queues {
		if n, ok := s.producers[queue]; ok {
			n.Notify()
		}
	}
}
