package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gridnote/gridsync/internal/apperrors"
	"github.com/gridnote/gridsync/internal/mirror"
	"github.com/gridnote/gridsync/internal/store"
)

// Activate makes a project the engine's active project and runs the
// reconnection flow: a persisted handle entry is verified silently; if
// verification fails the project starts in disconnected mode with a
// reconnect affordance instead of blocking. A project with no handle
// entry starts offline. Local edits work in every case.
func (e *Engine) Activate(ctx context.Context, projectID string) error {
	meta, err := e.store.GetProject(projectID)
	if err != nil {
		return err
	}

	if meta == nil {
		return fmt.Errorf("activating %s: %w", projectID, apperrors.ErrProjectNotFound)
	}

	if err := e.store.InitProject(projectID); err != nil {
		return err
	}

	// Invalidate any in-flight cycle for the previous project before
	// swapping state, so a slow cycle cannot write into this one.
	e.generation.Add(1)
	e.stopTimers()

	e.mu.Lock()
	e.projectID = projectID
	e.adapter = nil
	e.reconnectPending = false
	e.mu.Unlock()

	entry, err := e.store.GetHandle(projectID)
	if err != nil {
		return err
	}

	if entry == nil {
		e.status.set(Status{Project: projectID, State: StateOffline, Pending: e.pendingOrZero()})
		e.logger.Info("project activated offline",
			slog.String("project", projectID),
			slog.String("name", meta.Name),
		)

		return nil
	}

	ad, err := e.openHandle(entry)
	if err != nil {
		e.mu.Lock()
		e.reconnectPending = true
		e.mu.Unlock()

		e.status.set(Status{
			Project:          projectID,
			State:            StateDisconnected,
			Cause:            causeString(err),
			Pending:          e.pendingOrZero(),
			ReconnectPending: true,
		})

		e.logger.Warn("mirror folder needs reconnection",
			slog.String("project", projectID),
			slog.String("dir", entry.Dir),
			slog.String("error", err.Error()),
		)

		return nil
	}

	e.mu.Lock()
	e.adapter = ad
	e.mu.Unlock()

	e.status.set(Status{Project: projectID, State: StateIdle, Pending: e.pendingOrZero()})
	e.logger.Info("project activated",
		slog.String("project", projectID),
		slog.String("name", meta.Name),
		slog.String("mirror", entry.Dir),
	)

	e.trigger()

	return nil
}

// Deactivate releases the active project. Pending debounce timers are
// cancelled and any in-flight cycle is invalidated; the handle entry
// stays persisted for the next activation.
func (e *Engine) Deactivate() {
	e.generation.Add(1)
	e.stopTimers()

	e.mu.Lock()
	e.projectID = ""
	e.adapter = nil
	e.reconnectPending = false
	e.mu.Unlock()

	e.status.set(Status{State: StateOffline})
}

// Connect attaches a mirror folder to the active project after a user
// chose one, persists the handle entry, and triggers an initial sync.
func (e *Engine) Connect(ctx context.Context, dir string) error {
	e.mu.Lock()
	projectID := e.projectID
	e.mu.Unlock()

	if projectID == "" {
		return apperrors.ErrNoActiveProject
	}

	ad, err := mirror.NewDir(dir)
	if err != nil {
		return err
	}

	if err := ad.Verify(); err != nil {
		return err
	}

	return e.attach(projectID, ad)
}

// ConnectAdapter attaches a caller-supplied adapter (the in-memory
// double, or a platform-specific handle wrapper). Adapters without a
// real root directory get no persisted handle entry.
func (e *Engine) ConnectAdapter(ad mirror.Adapter) error {
	e.mu.Lock()
	projectID := e.projectID
	e.mu.Unlock()

	if projectID == "" {
		return apperrors.ErrNoActiveProject
	}

	return e.attach(projectID, ad)
}

func (e *Engine) attach(projectID string, ad mirror.Adapter) error {
	if root := ad.Root(); root != "" {
		entry := store.DirectoryHandleEntry{ProjectID: projectID, Dir: root}
		if err := e.store.PutHandle(entry); err != nil {
			return err
		}
	}

	e.mu.Lock()
	e.adapter = ad
	e.reconnectPending = false
	e.mu.Unlock()

	e.status.set(Status{Project: projectID, State: StateIdle, Pending: e.pendingOrZero()})
	e.logger.Info("mirror folder connected",
		slog.String("project", projectID),
		slog.String("dir", ad.Root()),
	)

	e.trigger()

	return nil
}

// Reconnect retries access to the persisted mirror folder after the
// user's explicit gesture. On success sync resumes; on failure the
// reconnect affordance stays up and the error is returned for display.
func (e *Engine) Reconnect(ctx context.Context) error {
	e.mu.Lock()
	projectID := e.projectID
	e.mu.Unlock()

	if projectID == "" {
		return apperrors.ErrNoActiveProject
	}

	entry, err := e.store.GetHandle(projectID)
	if err != nil {
		return err
	}

	if entry == nil {
		return apperrors.ErrNotConnected
	}

	ad, err := e.openHandle(entry)
	if err != nil {
		return err
	}

	return e.attach(projectID, ad)
}

// ReconnectPending reports whether the engine is waiting for a user
// gesture to restore mirror access.
func (e *Engine) ReconnectPending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.reconnectPending
}

// Disconnect detaches the mirror folder and clears the persisted handle
// entry. The folder itself is untouched; the engine drops to offline
// mode and local edits keep accumulating as dirty records.
func (e *Engine) Disconnect() error {
	e.mu.Lock()
	projectID := e.projectID
	e.mu.Unlock()

	if projectID == "" {
		return apperrors.ErrNoActiveProject
	}

	if err := e.store.DeleteHandle(projectID); err != nil {
		return err
	}

	e.generation.Add(1)

	e.mu.Lock()
	e.adapter = nil
	e.reconnectPending = false
	e.mu.Unlock()

	e.status.set(Status{Project: projectID, State: StateOffline, Pending: e.pendingOrZero()})
	e.logger.Info("mirror folder disconnected", slog.String("project", projectID))

	return nil
}

// CloseProject deactivates the project and clears its handle entry, per
// the close-project flow. Records stay in the store.
func (e *Engine) CloseProject() error {
	if err := e.Disconnect(); err != nil && !errors.Is(err, apperrors.ErrNoActiveProject) {
		return err
	}

	e.Deactivate()

	return nil
}

// openHandle builds and verifies an adapter from a persisted handle
// entry. The root is opened without creating it: a mirror folder that
// vanished since the grant must not come back as an empty directory.
// Failure means access must be re-granted by an explicit user gesture.
func (e *Engine) openHandle(entry *store.DirectoryHandleEntry) (mirror.Adapter, error) {
	ad, err := mirror.OpenDir(entry.Dir)
	if err != nil {
		return nil, err
	}

	if err := ad.Verify(); err != nil {
		return nil, err
	}

	return ad, nil
}
