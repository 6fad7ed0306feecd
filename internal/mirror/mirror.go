// Package mirror provides access to the external copy of a project: a
// user-chosen folder on the real file system. The orchestrator only
// sees the Adapter interface; a directory-backed implementation and an
// in-memory double both satisfy it, so engine behavior can be tested
// without touching the disk.
package mirror

import "time"

//go:generate mockgen -source=mirror.go -destination=mock_adapter.go -package=mirror

// Adapter is the contract the sync orchestrator consumes. Paths are
// relative, slash-separated, NFC-normalized by the implementation.
//
// Implementations report revoked access as apperrors.ErrPermissionDenied;
// the orchestrator never retries that silently. A missing file is
// reported as fs.ErrNotExist.
type Adapter interface {
	// ReadFile returns the file's content and modification time.
	ReadFile(path string) ([]byte, time.Time, error)

	// WriteFile writes content, creating parent directories as needed.
	WriteFile(path string, content []byte) error

	// DeleteFile removes a file. Deleting a missing file is not an error.
	DeleteFile(path string) error

	// ListFiles returns the relative paths of all files under prefix,
	// sorted. Directories are not listed.
	ListFiles(prefix string) ([]string, error)

	// Mkdir creates a directory (and parents). Idempotent.
	Mkdir(path string) error

	// Stat returns a file's modification time without reading it.
	Stat(path string) (time.Time, error)

	// Verify checks that the folder is still reachable and writable.
	// Used by the reconnection flow after restart.
	Verify() error

	// Root returns the absolute folder path, or empty when the adapter
	// is not backed by a real directory.
	Root() string
}
