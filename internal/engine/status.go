package engine

import "sync"

// SyncState is the engine's externally visible state. idle/syncing/
// synced/error cycle while a mirror is usable; offline and disconnected
// override them when no usable mirror exists (never chosen vs. access
// lost).
type SyncState string

const (
	StateIdle         SyncState = "idle"
	StateSyncing      SyncState = "syncing"
	StateSynced       SyncState = "synced"
	StateError        SyncState = "error"
	StateOffline      SyncState = "offline"
	StateDisconnected SyncState = "disconnected"
)

// Status is the value collaborators observe. Cause is a human-readable
// explanation for error and disconnected states; faults never propagate
// into collaborator code as errors.
type Status struct {
	Project          string    `json:"project,omitempty"`
	State            SyncState `json:"state"`
	Cause            string    `json:"cause,omitempty"`
	Pending          int       `json:"pending"`
	ReconnectPending bool      `json:"reconnect_pending,omitempty"`
}

// statusValue is the project-scoped observable sync status. Created on
// activation, reset on deactivation, exposed only via subscription and
// snapshot reads; it is never shared as ambient global state.
type statusValue struct {
	mu     sync.Mutex
	cur    Status
	subs   map[int]func(Status)
	nextID int
}

func newStatusValue() *statusValue {
	return &statusValue{
		cur:  Status{State: StateOffline},
		subs: make(map[int]func(Status)),
	}
}

func (v *statusValue) get() Status {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.cur
}

// set stores the new status and notifies subscribers. Callbacks run
// outside the lock so a subscriber can call back into the engine.
func (v *statusValue) set(st Status) {
	v.mu.Lock()

	if st == v.cur {
		v.mu.Unlock()
		return
	}

	v.cur = st

	cbs := make([]func(Status), 0, len(v.subs))
	for _, cb := range v.subs {
		cbs = append(cbs, cb)
	}

	v.mu.Unlock()

	for _, cb := range cbs {
		cb(st)
	}
}

// subscribe registers a callback for status changes and returns an
// unsubscribe function. The current value is delivered immediately so
// subscribers never start blind.
func (v *statusValue) subscribe(cb func(Status)) func() {
	v.mu.Lock()
	id := v.nextID
	v.nextID++
	v.subs[id] = cb
	cur := v.cur
	v.mu.Unlock()

	cb(cur)

	return func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		delete(v.subs, id)
	}
}
