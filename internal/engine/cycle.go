package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/gridnote/gridsync/internal/apperrors"
	"github.com/gridnote/gridsync/internal/conflict"
	"github.com/gridnote/gridsync/internal/mirror"
	"github.com/gridnote/gridsync/internal/store"
	"github.com/gridnote/gridsync/internal/track"
)

// cycleReport accumulates the outcome of one sync cycle. Faults are
// collected per record, not thrown; a failed record simply stays dirty
// for the next trigger.
type cycleReport struct {
	pushed    int
	pulled    int
	restored  int
	deleted   int
	resolved  int
	pending   int // conflicts left without a decision
	permFault error
	faults    []error
	aborted   bool // generation moved, cycle results discarded
}

// SyncOnce runs a single sync cycle for the active project. Safe to
// call concurrently with Run; cycles are serialized and a trigger
// arriving mid-cycle is coalesced by the wake buffer, not queued twice.
func (e *Engine) SyncOnce(ctx context.Context) {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	projectID, ad, gen := e.snapshot()
	if projectID == "" {
		return
	}

	if ad == nil {
		st := e.status.get()
		if st.State != StateDisconnected {
			st.State = StateOffline
		}

		st.Pending = e.pendingOrZero()
		e.status.set(st)

		return
	}

	e.status.set(Status{Project: projectID, State: StateSyncing, Pending: e.pendingOrZero()})

	start := time.Now()
	rep := e.runCycle(ctx, projectID, ad, gen)

	if rep.aborted || e.stale(gen) {
		// Project switched mid-cycle; results for the old project were
		// already discarded and its status no longer exists.
		return
	}

	pending := e.pendingOrZero()

	switch {
	case rep.permFault != nil:
		e.mu.Lock()
		e.adapter = nil
		e.reconnectPending = true
		e.mu.Unlock()

		e.status.set(Status{
			Project:          projectID,
			State:            StateDisconnected,
			Cause:            causeString(rep.permFault),
			Pending:          pending,
			ReconnectPending: true,
		})

	case len(rep.faults) > 0:
		e.status.set(Status{
			Project: projectID,
			State:   StateError,
			Cause:   causeString(rep.faults[0]),
			Pending: pending,
		})

	case rep.pending > 0:
		e.status.set(Status{
			Project: projectID,
			State:   StateIdle,
			Cause:   causeString(fmt.Errorf("%d record(s): %w", rep.pending, apperrors.ErrConflictPending)),
			Pending: pending,
		})

	default:
		e.status.set(Status{Project: projectID, State: StateSynced, Pending: pending})
	}

	e.logger.Info("sync cycle finished",
		slog.String("project", projectID),
		slog.Int("pushed", rep.pushed),
		slog.Int("pulled", rep.pulled),
		slog.Int("restored", rep.restored),
		slog.Int("deleted", rep.deleted),
		slog.Int("conflicts_resolved", rep.resolved),
		slog.Int("conflicts_pending", rep.pending),
		slog.Int("faults", len(rep.faults)),
		slog.Duration("took", time.Since(start)),
	)
}

// runCycle walks every record for the project: pushes dirty records
// whose mirror copy is unchanged, pulls mirror-only changes, adopts
// brand-new mirror files, and collects two-sided divergences for the
// conflict handler. Processing order across records is unspecified and
// independent; no record's outcome depends on another's.
func (e *Engine) runCycle(ctx context.Context, projectID string, ad mirror.Adapter, gen uint64) cycleReport {
	var rep cycleReport

	recs, err := e.store.ListRecords(projectID, "")
	if err != nil {
		rep.faults = append(rep.faults, err)
		return rep
	}

	known := make(map[string]struct{}, len(recs))

	var conflicts []*conflict.Conflict

	for _, rec := range recs {
		if ctx.Err() != nil || e.stale(gen) {
			rep.aborted = true
			return rep
		}

		known[rec.Path] = struct{}{}

		switch {
		case rec.Deleted:
			e.syncDelete(projectID, ad, rec, &rep)

		case rec.Dir:
			e.syncDir(projectID, ad, rec, &rep)

		case track.IsDirty(rec):
			c := e.syncDirty(projectID, ad, rec, &rep)
			if c != nil {
				conflicts = append(conflicts, c)
			}

		default:
			e.syncClean(projectID, ad, rec, &rep)
		}

		if rep.permFault != nil {
			return rep
		}
	}

	e.adoptNewMirrorFiles(projectID, ad, known, gen, &rep)

	if rep.aborted || rep.permFault != nil {
		return rep
	}

	e.resolveConflicts(projectID, ad, conflicts, gen, &rep)

	return rep
}

// syncDelete propagates a tombstone: the record is removed only after
// the mirror file is gone.
func (e *Engine) syncDelete(projectID string, ad mirror.Adapter, rec store.FileRecord, rep *cycleReport) {
	if !track.IsDirty(rec) {
		// Already propagated; drop the leftover tombstone.
		if err := e.store.DeleteRecord(projectID, rec.Path); err != nil {
			rep.faults = append(rep.faults, err)
		}

		return
	}

	if err := ad.DeleteFile(rec.Path); err != nil {
		e.recordFault(rep, rec.Path, "deleting mirror file", err)
		return
	}

	if err := e.store.DeleteRecord(projectID, rec.Path); err != nil {
		rep.faults = append(rep.faults, err)
		return
	}

	rep.deleted++

	e.logger.Info("deletion propagated to mirror", slog.String("path", rec.Path))
}

// syncDir mirrors a namespace marker as a directory.
func (e *Engine) syncDir(projectID string, ad mirror.Adapter, rec store.FileRecord, rep *cycleReport) {
	if !track.IsDirty(rec) {
		return
	}

	if err := ad.Mkdir(rec.Path); err != nil {
		e.recordFault(rep, rec.Path, "creating mirror directory", err)
		return
	}

	if err := e.store.TouchSynced(projectID, rec.Path, time.Now().UnixMilli()); err != nil {
		rep.faults = append(rep.faults, err)
		return
	}

	rep.pushed++
}

// syncDirty handles a locally changed record. The conflict service
// classifies it against the mirror copy: push when the mirror is
// unchanged, advance metadata when both sides already agree, or return
// the conflict for the handler.
func (e *Engine) syncDirty(projectID string, ad mirror.Adapter, rec store.FileRecord, rep *cycleReport) *conflict.Conflict {
	outcome, c, err := e.conflicts.Detect(rec, ad)
	if err != nil {
		e.recordFault(rep, rec.Path, "classifying dirty record", err)
		return nil
	}

	switch outcome {
	case conflict.OutcomeAgree:
		// Both sides hold identical content; agree without a push.
		applied, err := e.store.PutRecordSynced(projectID, rec, time.Now().UnixMilli())
		if err != nil {
			rep.faults = append(rep.faults, err)
			return nil
		}

		if applied {
			rep.pushed++
		}

		return nil

	case conflict.OutcomeConflict:
		return c

	default:
		e.push(projectID, ad, rec, rep)
		return nil
	}
}

// syncClean handles a record with no local changes: pull mirror-side
// changes, restore the mirror copy if it vanished, or do nothing.
func (e *Engine) syncClean(projectID string, ad mirror.Adapter, rec store.FileRecord, rep *cycleReport) {
	extMod, err := ad.Stat(rec.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// The mirror copy vanished without a node deletion. The
			// store is the source of record; rebuild the mirror copy
			// rather than silently losing the node's external file.
			if err := ad.WriteFile(rec.Path, rec.Content); err != nil {
				e.recordFault(rep, rec.Path, "restoring mirror copy", err)
				return
			}

			if err := e.store.TouchSynced(projectID, rec.Path, time.Now().UnixMilli()); err != nil {
				rep.faults = append(rep.faults, err)
				return
			}

			rep.restored++

			e.logger.Info("mirror copy restored", slog.String("path", rec.Path))

			return
		}

		e.recordFault(rep, rec.Path, "stat mirror copy", err)

		return
	}

	extModMs := extMod.UnixMilli()

	if extModMs <= rec.LastSyncedAt {
		if rec.ExternallyModified {
			// Watcher hint turned out to be stale; clear it.
			if err := e.store.SetExternallyModified(projectID, rec.Path, false); err != nil {
				rep.faults = append(rep.faults, err)
			}
		}

		return
	}

	extContent, _, err := ad.ReadFile(rec.Path)
	if err != nil {
		e.recordFault(rep, rec.Path, "reading mirror copy", err)
		return
	}

	now := time.Now().UnixMilli()

	if store.HashContent(extContent) == rec.SyncHash {
		// mtime bump only; nothing to pull.
		if err := e.store.TouchSynced(projectID, rec.Path, now); err != nil {
			rep.faults = append(rep.faults, err)
		}

		return
	}

	// LastModified pins the snapshot this pull was decided against; a
	// local write racing the pull wins and the record stays dirty.
	pulled := store.FileRecord{Path: rec.Path, Content: extContent, LastModified: rec.LastModified}

	applied, err := e.store.PutRecordSynced(projectID, pulled, now)
	if err != nil {
		rep.faults = append(rep.faults, err)
		return
	}

	if !applied {
		return
	}

	rep.pulled++

	e.logger.Info("mirror change pulled",
		slog.String("path", rec.Path),
		slog.Int("bytes", len(extContent)),
	)
}

// push writes a record's content to the mirror and advances its sync
// point. Failures leave the record dirty for the next cycle, as does a
// local write landing while the push was in flight: the store rejects
// the stale snapshot and the next cycle pushes the newer content.
func (e *Engine) push(projectID string, ad mirror.Adapter, rec store.FileRecord, rep *cycleReport) {
	if err := ad.WriteFile(rec.Path, rec.Content); err != nil {
		e.recordFault(rep, rec.Path, "writing mirror file", err)
		return
	}

	applied, err := e.store.PutRecordSynced(projectID, rec, time.Now().UnixMilli())
	if err != nil {
		rep.faults = append(rep.faults, err)
		return
	}

	if !applied {
		return
	}

	rep.pushed++

	e.logger.Info("local change pushed to mirror",
		slog.String("path", rec.Path),
		slog.Int("bytes", len(rec.Content)),
	)
}

// adoptNewMirrorFiles pulls files that exist on the mirror but have no
// record yet (created externally). They enter the store clean.
func (e *Engine) adoptNewMirrorFiles(projectID string, ad mirror.Adapter, known map[string]struct{}, gen uint64, rep *cycleReport) {
	paths, err := ad.ListFiles("")
	if err != nil {
		e.recordFault(rep, "", "listing mirror", err)
		return
	}

	for _, path := range paths {
		if e.stale(gen) {
			rep.aborted = true
			return
		}

		if _, ok := known[path]; ok {
			continue
		}

		content, _, err := ad.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue // vanished between list and read
			}

			e.recordFault(rep, path, "reading new mirror file", err)

			if rep.permFault != nil {
				return
			}

			continue
		}

		rec := store.FileRecord{Path: path, Content: content}

		applied, err := e.store.PutRecordSynced(projectID, rec, time.Now().UnixMilli())
		if err != nil {
			rep.faults = append(rep.faults, err)
			continue
		}

		if !applied {
			// A local write created the same path mid-cycle; it wins.
			continue
		}

		rep.pulled++

		e.logger.Info("new mirror file adopted",
			slog.String("path", path),
			slog.Int("bytes", len(content)),
		)
	}
}

// resolveConflicts hands the batch to the handler and applies its
// decisions. Conflicts without a decision (or with no handler at all)
// stay pending; their records remain dirty until a later cycle gets an
// answer.
func (e *Engine) resolveConflicts(projectID string, ad mirror.Adapter, conflicts []*conflict.Conflict, gen uint64, rep *cycleReport) {
	if len(conflicts) == 0 {
		return
	}

	e.mu.Lock()
	handler := e.onConflict
	e.mu.Unlock()

	if handler == nil {
		rep.pending = len(conflicts)

		e.logger.Warn("conflicts detected with no handler installed",
			slog.Int("count", len(conflicts)),
		)

		return
	}

	decisions := handler(conflicts)

	for i, c := range conflicts {
		if e.stale(gen) {
			rep.aborted = true
			return
		}

		if i >= len(decisions) {
			rep.pending++
			continue
		}

		if _, err := e.conflicts.Resolve(projectID, ad, c, decisions[i]); err != nil {
			e.recordFault(rep, c.Path, "resolving conflict", err)

			if rep.permFault != nil {
				return
			}

			continue
		}

		rep.resolved++
	}
}

// recordFault classifies a per-record failure. Permission faults stop
// the cycle and route to the reconnection flow; everything else is
// transient and retried on the next trigger.
func (e *Engine) recordFault(rep *cycleReport, path, op string, err error) {
	if errors.Is(err, apperrors.ErrPermissionDenied) {
		rep.permFault = err

		e.logger.Warn("mirror access revoked, suspending sync",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)

		return
	}

	if path != "" {
		err = fmt.Errorf("%s %s: %w", op, path, err)
	} else {
		err = fmt.Errorf("%s: %w", op, err)
	}

	rep.faults = append(rep.faults, err)

	e.logger.Warn("sync fault, will retry", slog.String("error", err.Error()))
}

// pendingOrZero is PendingChangesCount with failures collapsed to zero,
// for status publication paths that must not fail.
func (e *Engine) pendingOrZero() int {
	n, err := e.PendingChangesCount()
	if err != nil {
		return 0
	}

	return n
}
