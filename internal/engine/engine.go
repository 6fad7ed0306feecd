// Package engine implements the sync orchestrator: the state machine
// that owns the local record store and the mirror adapter for the
// active project, decides when to push and pull, delegates two-sided
// divergence to the conflict service, and publishes sync status.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gridnote/gridsync/internal/apperrors"
	"github.com/gridnote/gridsync/internal/conflict"
	"github.com/gridnote/gridsync/internal/mirror"
	"github.com/gridnote/gridsync/internal/store"
	"github.com/tidwall/gjson"
)

// defaultDebounce is the quiet window after a node save before the
// record's change triggers a sync cycle. A new edit resets the window,
// so only the latest content is pushed per window.
const defaultDebounce = 2 * time.Second

// ConflictHandler receives the conflicts found in one sync cycle and
// returns one decision per conflict, in order. The engine expects the
// UI layer behind this callback; returning fewer decisions than
// conflicts leaves the remainder pending (and their records dirty).
type ConflictHandler func(conflicts []*conflict.Conflict) []conflict.Decision

// Config holds the dependencies and tunables for New.
type Config struct {
	Store     *store.Store
	Conflicts *conflict.Service
	Logger    *slog.Logger

	// Debounce defaults to 2s when zero.
	Debounce time.Duration

	// SyncInterval enables the periodic trigger when positive.
	SyncInterval time.Duration
}

// Engine is the sync orchestrator for one active project at a time.
// It exclusively owns LastSyncedAt on records and the mirror adapter
// for the duration of a project's activation.
type Engine struct {
	store     *store.Store
	conflicts *conflict.Service
	logger    *slog.Logger

	debounce time.Duration
	interval time.Duration

	// generation invalidates in-flight cycles when the active project
	// changes: a cycle captures the value at start and aborts before
	// every write if it moved.
	generation atomic.Uint64

	mu               sync.Mutex
	projectID        string
	adapter          mirror.Adapter
	reconnectPending bool
	timers           map[string]*time.Timer
	onConflict       ConflictHandler

	// syncMu enforces one cycle at a time even when SyncOnce is called
	// directly alongside Run.
	syncMu sync.Mutex

	status *statusValue

	// wake carries coalesced sync triggers: a trigger arriving while a
	// cycle is in flight parks in the buffer and re-evaluates once the
	// cycle finishes; further triggers are dropped, not queued twice.
	wake chan struct{}
}

// New creates an engine. No project is active until Activate.
func New(cfg Config) *Engine {
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	return &Engine{
		store:     cfg.Store,
		conflicts: cfg.Conflicts,
		logger:    cfg.Logger,
		debounce:  debounce,
		interval:  cfg.SyncInterval,
		timers:    make(map[string]*time.Timer),
		status:    newStatusValue(),
		wake:      make(chan struct{}, 1),
	}
}

// Run processes sync triggers until the context is cancelled. Triggers
// are the per-record debounce timers, RequestSyncNow, NotifyVisible,
// and the optional periodic timer.
func (e *Engine) Run(ctx context.Context) error {
	var tick <-chan time.Time

	if e.interval > 0 {
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()

		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-e.wake:
			e.SyncOnce(ctx)

		case <-tick:
			e.SyncOnce(ctx)
		}
	}
}

// trigger coalesces a sync request. Non-blocking: if a trigger is
// already parked, this one is dropped.
func (e *Engine) trigger() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// MarkDirty persists a node's serialized content as a local write and
// arms the debounce timer for its path. Called by the application store
// on every node create/update. Content is durable immediately; only the
// push is debounced.
func (e *Engine) MarkDirty(path string, content []byte) error {
	e.mu.Lock()
	projectID := e.projectID
	e.mu.Unlock()

	if projectID == "" {
		return apperrors.ErrNoActiveProject
	}

	rec := store.FileRecord{Path: path, Content: content}
	if err := e.store.PutRecord(projectID, rec); err != nil {
		return err
	}

	if t := gjson.GetBytes(content, "type").String(); t != "" {
		e.logger.Debug("node marked dirty",
			slog.String("path", path),
			slog.String("node_type", t),
		)
	} else {
		e.logger.Debug("record marked dirty", slog.String("path", path))
	}

	e.armDebounce(path)
	e.publishPending()

	return nil
}

// MarkDeleted tombstones a record for a deleted node. The record is
// removed from the store only after the mirror deletion succeeds (or
// immediately when the project has no mirror).
func (e *Engine) MarkDeleted(path string) error {
	e.mu.Lock()
	projectID := e.projectID
	hasMirror := e.adapter != nil
	e.mu.Unlock()

	if projectID == "" {
		return apperrors.ErrNoActiveProject
	}

	if !hasMirror {
		// Nothing external to clean up.
		if err := e.store.DeleteRecord(projectID, path); err != nil {
			return err
		}

		e.publishPending()

		return nil
	}

	rec := store.FileRecord{Path: path, Deleted: true}
	if err := e.store.PutRecord(projectID, rec); err != nil {
		return err
	}

	e.armDebounce(path)
	e.publishPending()

	return nil
}

// Mkdir records a namespace marker and schedules its mirror creation.
func (e *Engine) Mkdir(path string) error {
	e.mu.Lock()
	projectID := e.projectID
	e.mu.Unlock()

	if projectID == "" {
		return apperrors.ErrNoActiveProject
	}

	if err := e.store.Mkdir(projectID, path); err != nil {
		return err
	}

	e.armDebounce(path)

	return nil
}

// RequestSyncNow triggers a sync cycle immediately, bypassing the
// debounce window.
func (e *Engine) RequestSyncNow() {
	e.trigger()
}

// NotifyVisible signals that the application regained focus after being
// hidden; the engine uses it as a sync trigger.
func (e *Engine) NotifyVisible() {
	e.trigger()
}

// NotifyExternalChange flags a record as changed on the mirror side and
// triggers a cycle. Fed by the mirror watcher; the periodic pull remains
// the correctness backstop when no watcher runs.
func (e *Engine) NotifyExternalChange(path string) {
	e.mu.Lock()
	projectID := e.projectID
	e.mu.Unlock()

	if projectID == "" {
		return
	}

	if err := e.store.SetExternallyModified(projectID, path, true); err != nil {
		e.logger.Warn("failed to flag external change",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}

	e.trigger()
}

// SubscribeState registers a status callback and returns an unsubscribe
// function. The current status is delivered immediately.
func (e *Engine) SubscribeState(cb func(Status)) func() {
	return e.status.subscribe(cb)
}

// Status returns a snapshot of the current sync status.
func (e *Engine) Status() Status {
	return e.status.get()
}

// MirrorRoot returns the connected mirror's directory, or empty when
// offline or when the adapter has no real root.
func (e *Engine) MirrorRoot() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.adapter == nil {
		return ""
	}

	return e.adapter.Root()
}

// OnConflict installs the handler consulted when a cycle finds records
// changed on both sides. Without a handler, conflicts stay pending and
// the affected records stay dirty.
func (e *Engine) OnConflict(h ConflictHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onConflict = h
}

// PendingChangesCount returns the number of dirty records for the
// active project.
func (e *Engine) PendingChangesCount() (int, error) {
	e.mu.Lock()
	projectID := e.projectID
	e.mu.Unlock()

	if projectID == "" {
		return 0, apperrors.ErrNoActiveProject
	}

	return e.store.CountDirty(projectID)
}

// armDebounce starts or resets the per-path debounce timer. The timer
// firing is a sync trigger; the cycle itself picks up every dirty
// record, so overlapping timers collapse into one pass.
func (e *Engine) armDebounce(path string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if t, ok := e.timers[path]; ok {
		t.Reset(e.debounce)
		return
	}

	e.timers[path] = time.AfterFunc(e.debounce, func() {
		e.mu.Lock()
		delete(e.timers, path)
		e.mu.Unlock()

		e.trigger()
	})
}

// stopTimers cancels all pending debounce timers. Called on project
// switch so a previous project's edits cannot trigger cycles against
// the new one.
func (e *Engine) stopTimers() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for path, t := range e.timers {
		t.Stop()
		delete(e.timers, path)
	}
}

// publishPending refreshes the pending count on the current status
// without changing the state itself.
func (e *Engine) publishPending() {
	st := e.status.get()

	pending, err := e.PendingChangesCount()
	if err != nil {
		return
	}

	st.Pending = pending
	e.status.set(st)
}

// snapshot returns the fields a sync cycle needs, read consistently.
func (e *Engine) snapshot() (projectID string, ad mirror.Adapter, gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.projectID, e.adapter, e.generation.Load()
}

// stale reports whether the given cycle generation has been invalidated
// by a project switch.
func (e *Engine) stale(gen uint64) bool {
	return e.generation.Load() != gen
}

func causeString(err error) string {
	if err == nil {
		return ""
	}

	return fmt.Sprintf("%v", err)
}
