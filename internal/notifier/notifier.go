// Package notifier wires Postgres LISTEN/NOTIFY wakeups for freshly
// inserted available jobs, supplementing each producer's idle-ceiling
// poll with an immediate nudge. It is never a correctness dependency --
// every producer.Producer still polls on its own ceiling -- only a
// latency optimization, grounded on River's internal/notifier design
// intent (named directly in SPEC_FULL.md's component map) layered over
// the bargedriver.Executor.Listen/Notify primitives.
package notifier

import (
	"context"
	"sync"

	"github.com/riverstage/barge/bargedriver"
	"github.com/riverstage/barge/internal/baseservice"
)

// Channel is the single Postgres NOTIFY channel barge uses for insert
// wakeups; payloads are the queue name that gained a row.
const Channel = "barge_insert"

// Notifier subscribes once to Channel and fans out payloads to whichever
// per-queue subscriber channel matches.
type Notifier struct {
	Driver    bargedriver.Executor
	Archetype *baseservice.Archetype

	mu   sync.RWMutex
	subs map[string]chan string

	closeListen func()
	loopDone    chan struct{}
}

func New(driver bargedriver.Executor, arch *baseservice.Archetype) *Notifier {
	return &Notifier{Driver: driver, Archetype: arch, subs: make(map[string]chan string)}
}

// Subscribe registers queue for wakeups and returns the channel a
// producer.Producer should read from. Calling Subscribe again for the
// same queue replaces the previous subscription.
func (n *Notifier) Subscribe(queue string) <-chan string {
	ch := make(chan string, 1)

	n.mu.Lock()
	n.subs[queue] = ch
	n.mu.Unlock()

	return ch
}

func (n *Notifier) Start(ctx context.Context) error {
	notifications, closeFn, err := n.Driver.Listen(ctx, Channel)
	if err != nil {
		return err
	}

	n.closeListen = closeFn
	n.loopDone = make(chan struct{})

	go n.loop(notifications)

	return nil
}

func (n *Notifier) Stop() {
	if n.closeListen != nil {
		n.closeListen()
	}
	if n.loopDone != nil {
		<-n.loopDone
	}
}

func (n *Notifier) loop(notifications <-chan string) {
	defer close(n.loopDone)

	for queue := range notifications {
		n.mu.RLock()
		ch, ok := n.subs[queue]
		n.mu.RUnlock()

		if !ok {
			continue
		}

		select {
		case ch <- queue:
		default:
		}
	}
}

// NotifyInsert announces that queue gained at least one freshly available
// row. Callers that can't reach a live listener (a driver that doesn't
// support LISTEN/NOTIFY) should treat a returned error as non-fatal: the
// affected producer will still pick the row up on its next poll.
func (n *Notifier) NotifyInsert(ctx context.Context, queue string) error {
	return n.Driver.Notify(ctx, Channel, queue)
}
