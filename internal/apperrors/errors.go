// Package apperrors defines the sentinel errors shared across the sync
// engine. Callers classify failures with errors.Is rather than string
// matching, so wrapped causes stay intact.
package apperrors

import "errors"

// Storage faults. Transient: the orchestrator retries on the next trigger
// and never drops local data because of them.
var (
	// ErrQuotaExceeded is returned when the local record store cannot
	// grow the database file (disk full or quota hit). Distinct from
	// ErrStorage so the orchestrator can report it specifically.
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	// ErrStorage covers all other record store transaction failures.
	ErrStorage = errors.New("storage transaction failed")
)

// Mirror faults.
var (
	// ErrNotConnected means no mirror folder has been chosen for the
	// project. Expected steady state, not a fault: the engine operates
	// purely on the local record store.
	ErrNotConnected = errors.New("no mirror folder connected")

	// ErrPermissionDenied means access to the mirror folder was revoked.
	// Requires an explicit reconnect; never retried silently.
	ErrPermissionDenied = errors.New("mirror folder permission denied")
)

// Engine conditions.
var (
	// ErrConflictPending marks a record that cannot leave the dirty state
	// until the user supplies a resolution. Not a fault.
	ErrConflictPending = errors.New("conflict awaiting resolution")

	// ErrProjectNotFound is returned when activating an unknown project.
	ErrProjectNotFound = errors.New("project not found")

	// ErrNoActiveProject is returned by collaborator calls made before
	// Activate or after Deactivate.
	ErrNoActiveProject = errors.New("no active project")
)
