// Package maintenance implements the leader-elected background services
// described in spec.md sections 4.5-4.8: the stager (promotes matured
// scheduled jobs), the leader-election loop, the lifeline (orphan
// rescue), and the pruner (terminal-job reaper).
package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/riverstage/barge/bargedriver"
	"github.com/riverstage/barge/internal/baseservice"
)

// DefaultLeaderTTL follows spec.md section 4.6's guidance: the lease is
// extended roughly three times per lifetime, so a missed extension or two
// doesn't immediately hand leadership to another node.
const (
	DefaultLeaderTTL = 30 * time.Second
)

// Leader runs the best-effort single-leader election protocol. At most
// one node per instance Name holds leadership at any logical time, modulo
// clock skew bounded by TTL.
type Leader struct {
	Name      string
	Node      string
	TTL       time.Duration
	Driver    bargedriver.Executor
	Archetype *baseservice.Archetype

	uuid string

	mu       sync.RWMutex
	isLeader bool

	stopCh   chan struct{}
	loopDone chan struct{}
}

// NewLeader constructs a Leader; TTL defaults to DefaultLeaderTTL when zero.
func NewLeader(driver bargedriver.Executor, arch *baseservice.Archetype, name, node string, ttl time.Duration) *Leader {
	if ttl <= 0 {
		ttl = DefaultLeaderTTL
	}
	return &Leader{
		Name: name, Node: node, TTL: ttl, Driver: driver, Archetype: arch,
		uuid: uuid.NewString(),
	}
}

// IsLeader reports whether this node currently believes it holds the lease.
func (l *Leader) IsLeader() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isLeader
}

func (l *Leader) setLeader(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.isLeader = v
}

func (l *Leader) Start(ctx context.Context) error {
	l.stopCh = make(chan struct{})
	l.loopDone = make(chan struct{})

	l.attempt(ctx)

	go l.loop(ctx)

	return nil
}

func (l *Leader) Stop() {
	close(l.stopCh)
	<-l.loopDone

	if l.IsLeader() {
		if err := l.Driver.ReleaseLeader(context.Background(), l.Name, l.uuid); err != nil {
			l.Archetype.Logger.Warn("leader: failed to release lease on stop", "name", l.Name, "error", err)
		}
		l.setLeader(false)
	}
}

func (l *Leader) loop(ctx context.Context) {
	defer close(l.loopDone)

	ticker := time.NewTicker(l.TTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.attempt(ctx)
		}
	}
}

func (l *Leader) attempt(ctx context.Context) {
	params := &bargedriver.AcquireLeaderParams{Name: l.Name, Node: l.Node, UUID: l.uuid, TTL: l.TTL}

	var (
		ok  bool
		err error
	)

	if l.IsLeader() {
		ok, err = l.Driver.ExtendLeader(ctx, params)
	} else {
		ok, err = l.Driver.AcquireLeader(ctx, params)
	}

	if err != nil {
		l.Archetype.Logger.Warn("leader: election round failed, retrying next tick", "name", l.Name, "error", err)
		return
	}

	l.setLeader(ok)
}
