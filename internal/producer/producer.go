// Package producer implements the per-queue fetch/dispatch loop described
// in spec.md section 4.4: idle-wait on a notification with a polling
// ceiling, fetch jobs under the queue's available demand, dispatch one
// executor goroutine per job, and track in-flight work so graceful stop
// can wait for it. Grounded on oban/_producer.py's Producer class, with
// the in-flight "running" set replaced by a github.com/jackc/puddle/v2
// resource pool (the teacher's own direct dependency) instead of a
// hand-rolled semaphore or task set.
package producer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/puddle/v2"

	"github.com/riverstage/barge/bargedriver"
	"github.com/riverstage/barge/bargetype"
	"github.com/riverstage/barge/internal/baseservice"
	"github.com/riverstage/barge/internal/jobexecutor"
	"github.com/riverstage/barge/internal/telemetry"
)

// idleCeiling is the maximum time the loop will wait for a notification
// before waking up and checking for work anyway, guaranteeing progress
// even if a wakeup is missed (spec.md section 4.4/4.5).
const idleCeiling = time.Second

// heartbeatInterval bumps barge_producer.updated_at well inside the
// lifeline's one-minute staleness threshold (bargepgx.RescueJobs), so a
// live producer is never mistaken for a crashed one and has its in-flight
// jobs rescued out from under it.
const heartbeatInterval = 15 * time.Second

// Producer fetches and dispatches jobs for a single queue.
type Producer struct {
	Queue     string
	Limit     int
	Node      string
	Driver    bargedriver.Executor
	Executor  *jobexecutor.Executor
	Bus       *telemetry.Bus
	Archetype *baseservice.Archetype

	// Notifications, if non-nil, is a channel of pg_notify payloads for
	// this queue's wakeup channel. It supplements the idle-ceiling poll;
	// it is never load-bearing for correctness.
	Notifications <-chan string

	uuid          string
	pool          *puddle.Pool[struct{}]
	notifyCh      chan struct{}
	stopCh        chan struct{}
	loopDone      chan struct{}
	heartbeatDone chan struct{}
	wg            sync.WaitGroup
}

// New constructs a Producer. Start must be called before it does anything.
func New(driver bargedriver.Executor, exec *jobexecutor.Executor, bus *telemetry.Bus, arch *baseservice.Archetype, queue string, limit int, node string) (*Producer, error) {
	pool, err := puddle.NewPool(&puddle.Config[struct{}]{
		Constructor: func(ctx context.Context) (struct{}, error) { return struct{}{}, nil },
		Destructor:  func(struct{}) {},
		MaxSize:     int32(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("producer: building slot pool for queue %q: %w", queue, err)
	}

	return &Producer{
		Queue:     queue,
		Limit:     limit,
		Node:      node,
		Driver:    driver,
		Executor:  exec,
		Bus:       bus,
		Archetype: arch,
		uuid:      uuid.NewString(),
		pool:      pool,
		notifyCh:  make(chan struct{}, 1),
	}, nil
}

// UUID returns the producer's identity, used by FetchJobs to mark which
// rows it has claimed.
func (p *Producer) UUID() string { return p.uuid }

func (p *Producer) Start(ctx context.Context) error {
	if err := p.Driver.InsertProducer(ctx, &bargedriver.InsertProducerParams{
		UUID: p.uuid, Name: "barge", Node: p.Node, Queue: p.Queue,
		Meta: []byte(fmt.Sprintf(`{"local_limit":%d}`, p.Limit)),
	}); err != nil {
		return fmt.Errorf("producer: registering queue %q: %w", p.Queue, err)
	}

	p.stopCh = make(chan struct{})
	p.loopDone = make(chan struct{})
	p.heartbeatDone = make(chan struct{})

	go p.loop(ctx)
	go p.heartbeat(ctx)

	if p.Notifications != nil {
		go p.relayNotifications()
	}

	return nil
}

func (p *Producer) Stop() {
	close(p.stopCh)
	<-p.loopDone
	<-p.heartbeatDone
	p.wg.Wait()

	if err := p.Driver.DeleteProducer(context.Background(), p.uuid); err != nil {
		p.Archetype.Logger.Warn("producer: failed to deregister on stop", "queue", p.Queue, "error", err)
	}
}

// Notify wakes the fetch loop immediately rather than waiting out the idle
// ceiling. It is a one-shot signal: multiple notifies before the loop
// wakes collapse into a single fetch, matching the asyncio.Event
// semantics of the original.
func (p *Producer) Notify() {
	select {
	case p.notifyCh <- struct{}{}:
	default:
	}
}

func (p *Producer) heartbeat(ctx context.Context) {
	defer close(p.heartbeatDone)

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.Driver.HeartbeatProducer(ctx, p.uuid); err != nil {
				p.Archetype.LogTickError(p.Driver, "producer: heartbeat failed, retrying next tick", err, "queue", p.Queue)
			}
		}
	}
}

func (p *Producer) relayNotifications() {
	for {
		select {
		case _, ok := <-p.Notifications:
			if !ok {
				return
			}
			p.Notify()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Producer) loop(ctx context.Context) {
	defer close(p.loopDone)

	for {
		select {
		case <-p.stopCh:
			return
		case <-p.notifyCh:
		case <-time.After(idleCeiling):
		}

		if err := p.fetchAndDispatch(ctx); err != nil {
			p.Archetype.LogTickError(p.Driver, "producer: fetch failed, will retry next tick", err, "queue", p.Queue)
		}
	}
}

func (p *Producer) fetchAndDispatch(ctx context.Context) error {
	demand := p.Limit - int(p.pool.Stat().AcquiredResources())
	if demand <= 0 {
		return nil
	}

	jobs, err := p.Driver.FetchJobs(ctx, &bargedriver.FetchJobsParams{
		Queue: p.Queue, Demand: demand, Node: p.Node, ProducerUUID: p.uuid,
	})
	if err != nil {
		return err
	}

	if len(jobs) == 0 {
		return nil
	}

	span := telemetry.StartSpan(p.Bus, "producer.fetch", telemetry.Meta{"queue": p.Queue})
	span.Add(telemetry.Meta{"count": len(jobs)})
	span.Finish()

	for _, job := range jobs {
		res, err := p.pool.Acquire(ctx)
		if err != nil {
			// Acquire waits while every slot is in use and fails only when
			// ctx is cancelled or the pool is closed; the job is then left
			// executing for the lifeline to rescue.
			continue
		}

		p.wg.Add(1)
		go p.dispatch(ctx, job, res)
	}

	return nil
}

func (p *Producer) dispatch(ctx context.Context, job *bargetype.JobRow, res *puddle.Resource[struct{}]) {
	defer p.wg.Done()
	defer res.Release()
	defer p.Notify() // freed capacity should trigger another fetch immediately

	if err := p.Executor.Run(ctx, job); err != nil {
		p.Archetype.Logger.Warn("producer: job execution returned an error", "queue", p.Queue, "job_id", job.ID, "error", err)
	}
}
