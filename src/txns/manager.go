package txns

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/Blackdeer1524/rawstore/src"
	"github.com/Blackdeer1524/rawstore/src/pkg/assert"
	"github.com/Blackdeer1524/rawstore/src/rawerr"
)

const (
	// NoWait fails a conflicting request immediately.
	NoWait time.Duration = 0
	// WaitForever never times out.
	WaitForever time.Duration = -1
)

type waiter struct {
	owner    Owner
	mode     LockMode
	notifier chan struct{}
	granted  bool
}

type lockQueue struct {
	granted map[Owner]LockMode
	waiters []*waiter
}

// Manager grants shared, update and exclusive locks in FIFO order.
// Deadlocks are not detected, waits end by timeout.
type Manager struct {
	log src.Logger

	mu     sync.Mutex
	queues map[Resource]*lockQueue
	held   map[Owner]map[Resource]struct{}
}

func NewManager(log src.Logger) *Manager {
	return &Manager{
		log:    log,
		queues: make(map[Resource]*lockQueue),
		held:   make(map[Owner]map[Resource]struct{}),
	}
}

func (q *lockQueue) compatibleLocked(owner Owner, mode LockMode) bool {
	for h, hm := range q.granted {
		if h.Space == owner.Space {
			continue
		}
		if !hm.Compatible(mode) {
			return false
		}
	}
	return true
}

// waitsAhead reports whether a waiter from another space is queued.
func (q *lockQueue) waitsAhead(owner Owner) bool {
	for _, w := range q.waiters {
		if w.owner.Space != owner.Space {
			return true
		}
	}
	return false
}

func (m *Manager) grantLocked(q *lockQueue, res Resource, owner Owner, mode LockMode) {
	if cur, ok := q.granted[owner]; !ok || mode > cur {
		q.granted[owner] = mode
	}

	locks, ok := m.held[owner]
	if !ok {
		locks = make(map[Resource]struct{})
		m.held[owner] = locks
	}
	locks[res] = struct{}{}
}

// Acquire blocks until the lock is granted, the timeout passes or ctx is
// done. A request from an owner that already holds a covering mode returns
// at once.
func (m *Manager) Acquire(
	ctx context.Context,
	owner Owner,
	res Resource,
	mode LockMode,
	timeout time.Duration,
) error {
	m.mu.Lock()

	q, ok := m.queues[res]
	if !ok {
		q = &lockQueue{granted: make(map[Owner]LockMode)}
		m.queues[res] = q
	}

	cur, holds := q.granted[owner]
	if holds && cur.Covers(mode) {
		m.mu.Unlock()
		return nil
	}

	// upgrades skip the queue, otherwise they would wait behind requests
	// that wait for them
	if q.compatibleLocked(owner, mode) && (holds || !q.waitsAhead(owner)) {
		m.grantLocked(q, res, owner, mode)
		m.mu.Unlock()
		return nil
	}

	if timeout == NoWait {
		m.dropIfUnusedLocked(res, q)
		m.mu.Unlock()
		m.log.Debugw("lock not available", "resource", res.String(), "mode", mode.String())
		return rawerr.LockTimeout("%s lock on %s", mode, res)
	}

	w := &waiter{owner: owner, mode: mode, notifier: make(chan struct{})}
	q.waiters = append(q.waiters, w)
	m.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	var cause error
	select {
	case <-w.notifier:
		return nil
	case <-expired:
		cause = rawerr.LockTimeout("%s lock on %s after %s", mode, res, timeout)
	case <-ctx.Done():
		cause = ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if w.granted {
		return nil
	}

	q.waiters = slices.DeleteFunc(q.waiters, func(x *waiter) bool { return x == w })
	m.wakeLocked(res, q)

	m.log.Debugw("lock wait failed", "resource", res.String(), "mode", mode.String(), "error", cause)
	return cause
}

// wakeLocked grants queued requests in order until one does not fit.
func (m *Manager) wakeLocked(res Resource, q *lockQueue) {
	for len(q.waiters) > 0 {
		w := q.waiters[0]
		if !q.compatibleLocked(w.owner, w.mode) {
			break
		}

		m.grantLocked(q, res, w.owner, w.mode)
		w.granted = true
		close(w.notifier)
		q.waiters = q.waiters[1:]
	}

	m.dropIfUnusedLocked(res, q)
}

func (m *Manager) dropIfUnusedLocked(res Resource, q *lockQueue) {
	if len(q.granted) == 0 && len(q.waiters) == 0 {
		delete(m.queues, res)
	}
}

func (m *Manager) Release(owner Owner, res Resource) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.releaseLocked(owner, res)
}

func (m *Manager) releaseLocked(owner Owner, res Resource) {
	q, ok := m.queues[res]
	if !ok {
		return
	}

	if _, ok := q.granted[owner]; !ok {
		return
	}
	delete(q.granted, owner)

	if locks, ok := m.held[owner]; ok {
		delete(locks, res)
		if len(locks) == 0 {
			delete(m.held, owner)
		}
	}

	m.wakeLocked(res, q)
}

func (m *Manager) ReleaseAll(owner Owner) {
	m.mu.Lock()
	defer m.mu.Unlock()

	locks := m.held[owner]
	for res := range locks {
		m.releaseLocked(owner, res)
	}
	assert.Assert(len(m.held[owner]) == 0, "owner %+v still holds locks", owner)
}

// AreLocksHeld reports whether any owner of the space holds a lock.
func (m *Manager) AreLocksHeld(space Space) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for owner := range m.held {
		if owner.Space == space {
			return true
		}
	}
	return false
}

// IsHeld returns the mode owner holds on res.
func (m *Manager) IsHeld(owner Owner, res Resource) (LockMode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[res]
	if !ok {
		return 0, false
	}
	mode, ok := q.granted[owner]
	return mode, ok
}
