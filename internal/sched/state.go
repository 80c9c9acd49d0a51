package sched

import (
	"container/heap"
	"sort"
	"sync"
	"time"
)

// inflightRecord tracks one system currently holding a device.
type inflightRecord struct {
	sys     System
	device  int
	started time.Time
	token   uint64
}

// state owns all shared mutable scheduler data: the priority queue, the
// free-device set and the in-flight table. Every transition happens under
// one coarse mutex; external command execution never runs while it is held.
//
// Invariants maintained here:
//   - a device is in the free set XOR held by exactly one in-flight record,
//     and the two sets together always cover the full device set;
//   - a system is tracked in at most one of: the queue, the held set, the
//     in-flight table — so no two workers can ever run it concurrently;
//   - re-enqueue after reclamation happens atomically with record removal,
//     so a system reappears in the queue exactly once.
type state struct {
	mu sync.Mutex

	queue  entryHeap
	queued map[string]bool // systems currently in the queue

	// held tracks systems a worker popped but has not yet registered or
	// pushed back. Without it a concurrent enqueue (the discovery watcher)
	// would be admitted in that window and a second worker could run the
	// same system, leaking the loser's device.
	held map[string]bool

	free     map[int]struct{}
	inflight map[string]inflightRecord // keyed by system name

	seq      uint64 // queue arrival order
	tokenSeq uint64 // in-flight registration tokens
}

func newState(devices []int) *state {
	st := &state{
		queued:   make(map[string]bool),
		held:     make(map[string]bool),
		free:     make(map[int]struct{}, len(devices)),
		inflight: make(map[string]inflightRecord),
	}
	for _, d := range devices {
		st.free[d] = struct{}{}
	}
	return st
}

// enqueue adds sys to the backlog. Returns false when the system is already
// queued or in flight (duplicates are never admitted).
func (st *state) enqueue(sys System) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.enqueueLocked(sys)
}

func (st *state) enqueueLocked(sys System) bool {
	if st.queued[sys.Name] || st.held[sys.Name] {
		return false
	}
	if _, ok := st.inflight[sys.Name]; ok {
		return false
	}
	st.seq++
	heap.Push(&st.queue, entry{sys: sys, seq: st.seq})
	st.queued[sys.Name] = true
	return true
}

// popNext removes and returns the highest-priority queued system, marking
// it held. The caller must hand it to registerInflight or pushBack; a held
// system is refused by enqueue just like a queued or in-flight one.
func (st *state) popNext() (System, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.queue.Len() == 0 {
		return System{}, false
	}
	it := heap.Pop(&st.queue).(entry)
	delete(st.queued, it.sys.Name)
	st.held[it.sys.Name] = true
	return it.sys, true
}

// pushBack returns a popped system to the queue (no free device was
// available). It keeps the original weight, so the entry keeps its place
// in the priority order.
func (st *state) pushBack(sys System) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.held, sys.Name)
	st.enqueueLocked(sys)
}

// acquire claims a free device, lowest id first. Non-blocking.
func (st *state) acquire() (int, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.free) == 0 {
		return 0, false
	}
	ids := make([]int, 0, len(st.free))
	for d := range st.free {
		ids = append(ids, d)
	}
	sort.Ints(ids)
	d := ids[0]
	delete(st.free, d)
	return d, true
}

// release returns a device to the free set. Idempotent: releasing a device
// that is already free (the reclamation path and the completion path can
// both try) is a no-op.
func (st *state) release(device int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.releaseLocked(device)
}

func (st *state) releaseLocked(device int) {
	for _, rec := range st.inflight {
		if rec.device == device {
			// Device is owned by an in-flight record; refuse to free it.
			return
		}
	}
	st.free[device] = struct{}{}
}

// registerInflight records that sys now holds device. The returned token
// must be presented on finish so a worker whose job was reclaimed in the
// meantime cannot release a device that has moved on.
func (st *state) registerInflight(sys System, device int) uint64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.held, sys.Name)
	st.tokenSeq++
	st.inflight[sys.Name] = inflightRecord{
		sys:     sys,
		device:  device,
		started: time.Now(),
		token:   st.tokenSeq,
	}
	return st.tokenSeq
}

// finish removes the in-flight record and frees its device, but only when
// the record still carries the caller's token. Returns false when the
// monitor already reclaimed the job (the device then belongs to someone
// else and must not be touched).
func (st *state) finish(name string, token uint64) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	rec, ok := st.inflight[name]
	if !ok || rec.token != token {
		return false
	}
	delete(st.inflight, name)
	st.releaseLocked(rec.device)
	return true
}

// reclaimStale removes every in-flight record older than budget, frees its
// device and re-enqueues its system, all in one critical section. Each
// returned record was reclaimed exactly once.
func (st *state) reclaimStale(budget time.Duration, now time.Time) []inflightRecord {
	st.mu.Lock()
	defer st.mu.Unlock()

	var stale []inflightRecord
	for name, rec := range st.inflight {
		if now.Sub(rec.started) <= budget {
			continue
		}
		delete(st.inflight, name)
		st.releaseLocked(rec.device)
		st.enqueueLocked(rec.sys)
		stale = append(stale, rec)
	}
	return stale
}

// counts reports pending systems (queued plus held), free devices and
// in-flight jobs. Held systems count as pending so WaitIdle cannot report
// an idle scheduler while a worker is between pop and register.
func (st *state) counts() (pending, free, inflight int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.queue.Len() + len(st.held), len(st.free), len(st.inflight)
}
