package mirror

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gridnote/gridsync/internal/apperrors"
	"golang.org/x/text/unicode/norm"
)

const (
	// mirrorDirPerm is the permission mode for directories created inside
	// the mirror. Group and other get read+execute so the folder stays
	// usable by the tools the user mirrors for.
	mirrorDirPerm = fs.FileMode(0o755)

	// mirrorFilePerm is the permission mode for files written inside the
	// mirror.
	mirrorFilePerm = fs.FileMode(0o644)
)

// Dir is an Adapter over a real directory. All writes are serialized by
// an exclusive lock; reads take a shared lock so partial writes are
// never observed.
type Dir struct {
	root string
	mu   sync.RWMutex
}

// NewDir creates a directory-backed adapter rooted at the given absolute
// path, creating the directory if it does not exist.
func NewDir(root string) (*Dir, error) {
	if root == "" {
		return nil, apperrors.ErrNotConnected
	}

	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("mirror root must be absolute, got %s", root)
	}

	if err := os.MkdirAll(root, mirrorDirPerm); err != nil {
		return nil, mapFSErr("creating mirror root", err)
	}

	return &Dir{root: root}, nil
}

// OpenDir reopens an existing mirror root, for adapters rebuilt from a
// persisted directory handle. Unlike NewDir it never creates the
// directory: a root that vanished since the grant must surface as a
// lost connection, not come back as a silently recreated empty mirror.
func OpenDir(root string) (*Dir, error) {
	if root == "" {
		return nil, apperrors.ErrNotConnected
	}

	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("mirror root must be absolute, got %s", root)
	}

	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("mirror root %s is gone: %w", root, apperrors.ErrPermissionDenied)
		}

		return nil, mapFSErr("opening mirror root", err)
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("mirror root %s is not a directory: %w", root, apperrors.ErrPermissionDenied)
	}

	return &Dir{root: root}, nil
}

// Root returns the mirror's absolute root path.
func (d *Dir) Root() string {
	return d.root
}

// resolve maps a relative record path to an absolute path inside the
// mirror, rejecting anything that would escape the root.
func (d *Dir) resolve(relPath string) (string, error) {
	relPath = norm.NFC.String(relPath)

	if relPath == "" {
		return "", fmt.Errorf("empty path")
	}

	if filepath.IsAbs(relPath) {
		return "", fmt.Errorf("absolute path not allowed: %s", relPath)
	}

	abs := filepath.Join(d.root, filepath.FromSlash(relPath))
	if abs != d.root && !strings.HasPrefix(abs, d.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes mirror root: %s", relPath)
	}

	return abs, nil
}

// ReadFile reads a file by relative path.
func (d *Dir) ReadFile(relPath string) ([]byte, time.Time, error) {
	abs, err := d.resolve(relPath)
	if err != nil {
		return nil, time.Time{}, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	info, err := os.Stat(abs)
	if err != nil {
		return nil, time.Time{}, mapFSErr("stat "+relPath, err)
	}

	content, err := os.ReadFile(abs) //nolint:gosec // G304: abs validated by resolve
	if err != nil {
		return nil, time.Time{}, mapFSErr("reading "+relPath, err)
	}

	return content, info.ModTime(), nil
}

// WriteFile writes content to a relative path, creating parent
// directories as needed.
func (d *Dir) WriteFile(relPath string, content []byte) error {
	abs, err := d.resolve(relPath)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(abs), mirrorDirPerm); err != nil {
		return mapFSErr("creating directory for "+relPath, err)
	}

	if err := os.WriteFile(abs, content, mirrorFilePerm); err != nil {
		return mapFSErr("writing "+relPath, err)
	}

	return nil
}

// DeleteFile removes a file. Returns nil if the file does not exist.
func (d *Dir) DeleteFile(relPath string) error {
	abs, err := d.resolve(relPath)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	err = os.Remove(abs)
	if err != nil && !os.IsNotExist(err) {
		return mapFSErr("removing "+relPath, err)
	}

	return nil
}

// ListFiles walks the mirror and returns relative file paths under
// prefix, sorted. Dotfiles at the top level (editor locks, .git) are
// skipped.
func (d *Dir) ListFiles(prefix string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var paths []string

	err := filepath.WalkDir(d.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(d.root, path)
		if err != nil {
			return err
		}

		rel = norm.NFC.String(filepath.ToSlash(rel))

		if entry.IsDir() {
			if rel != "." && strings.HasPrefix(filepath.Base(rel), ".") {
				return filepath.SkipDir
			}

			return nil
		}

		if strings.HasPrefix(filepath.Base(rel), ".") {
			return nil
		}

		if strings.HasPrefix(rel, norm.NFC.String(prefix)) {
			paths = append(paths, rel)
		}

		return nil
	})
	if err != nil {
		return nil, mapFSErr("listing mirror", err)
	}

	sort.Strings(paths)

	return paths, nil
}

// Mkdir creates a directory by relative path. Idempotent.
func (d *Dir) Mkdir(relPath string) error {
	abs, err := d.resolve(relPath)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := os.MkdirAll(abs, mirrorDirPerm); err != nil {
		return mapFSErr("creating directory "+relPath, err)
	}

	return nil
}

// Stat returns the modification time of a file by relative path.
func (d *Dir) Stat(relPath string) (time.Time, error) {
	abs, err := d.resolve(relPath)
	if err != nil {
		return time.Time{}, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	info, err := os.Stat(abs)
	if err != nil {
		return time.Time{}, mapFSErr("stat "+relPath, err)
	}

	return info.ModTime(), nil
}

// Verify checks the mirror root is still a reachable, writable
// directory. A root that disappeared or lost access reports
// ErrPermissionDenied so the reconnection flow takes over.
func (d *Dir) Verify() error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	info, err := os.Stat(d.root)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("mirror root %s: %w", d.root, apperrors.ErrPermissionDenied)
		}

		return mapFSErr("verifying mirror root", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("mirror root %s is not a directory: %w", d.root, apperrors.ErrPermissionDenied)
	}

	// Probe writability: access flags alone miss read-only remounts.
	probe := filepath.Join(d.root, ".gridsync-probe")

	f, err := os.OpenFile(probe, os.O_CREATE|os.O_WRONLY, mirrorFilePerm) //nolint:gosec // G304: probe path built from verified root
	if err != nil {
		return mapFSErr("probing mirror root", err)
	}

	f.Close()
	os.Remove(probe)

	return nil
}

// mapFSErr translates OS-level failures into the engine's taxonomy.
// Missing files pass through as fs.ErrNotExist so callers can branch on
// them; permission failures become PermissionFaults.
func mapFSErr(op string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%s: %w: %w", op, apperrors.ErrPermissionDenied, err)
	}

	return fmt.Errorf("%s: %w", op, err)
}
