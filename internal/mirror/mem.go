package mirror

import (
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Mem is an in-memory Adapter used by tests and by callers that want
// engine semantics without a real folder. It supports fault injection
// and backdated modification times so conflict and reconnection paths
// can be exercised deterministically.
type Mem struct {
	mu    sync.RWMutex
	files map[string]memFile
	dirs  map[string]struct{}

	// failWith, when non-nil, is returned by every operation. Set with
	// SetError to simulate revoked access or I/O faults.
	failWith error

	// clock returns "now" for writes. Replaceable in tests.
	clock func() time.Time
}

type memFile struct {
	content []byte
	modTime time.Time
}

// NewMem creates an empty in-memory mirror.
func NewMem() *Mem {
	return &Mem{
		files: make(map[string]memFile),
		dirs:  make(map[string]struct{}),
		clock: time.Now,
	}
}

// SetError makes every subsequent operation fail with err. Pass nil to
// restore normal behavior.
func (m *Mem) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

// SetClock replaces the time source used to stamp writes.
func (m *Mem) SetClock(clock func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
}

// PutExternal writes a file with an explicit modification time,
// bypassing fault injection. Tests use it to simulate edits made
// outside the engine.
func (m *Mem) PutExternal(path string, content []byte, modTime time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[norm.NFC.String(path)] = memFile{content: append([]byte(nil), content...), modTime: modTime}
}

// DeleteExternal removes a file, bypassing fault injection.
func (m *Mem) DeleteExternal(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, norm.NFC.String(path))
}

func (m *Mem) ReadFile(path string) ([]byte, time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.failWith != nil {
		return nil, time.Time{}, m.failWith
	}

	f, ok := m.files[norm.NFC.String(path)]
	if !ok {
		return nil, time.Time{}, fmt.Errorf("reading %s: %w", path, fs.ErrNotExist)
	}

	return append([]byte(nil), f.content...), f.modTime, nil
}

func (m *Mem) WriteFile(path string, content []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWith != nil {
		return m.failWith
	}

	m.files[norm.NFC.String(path)] = memFile{
		content: append([]byte(nil), content...),
		modTime: m.clock(),
	}

	return nil
}

func (m *Mem) DeleteFile(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWith != nil {
		return m.failWith
	}

	delete(m.files, norm.NFC.String(path))

	return nil
}

func (m *Mem) ListFiles(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.failWith != nil {
		return nil, m.failWith
	}

	prefix = norm.NFC.String(prefix)

	var paths []string

	for p := range m.files {
		if strings.HasPrefix(p, prefix) {
			paths = append(paths, p)
		}
	}

	sort.Strings(paths)

	return paths, nil
}

func (m *Mem) Mkdir(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWith != nil {
		return m.failWith
	}

	m.dirs[norm.NFC.String(path)] = struct{}{}

	return nil
}

func (m *Mem) Stat(path string) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.failWith != nil {
		return time.Time{}, m.failWith
	}

	f, ok := m.files[norm.NFC.String(path)]
	if !ok {
		return time.Time{}, fmt.Errorf("stat %s: %w", path, fs.ErrNotExist)
	}

	return f.modTime, nil
}

func (m *Mem) Verify() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.failWith
}

func (m *Mem) Root() string {
	return ""
}

// HasDir reports whether Mkdir was called for path. Test helper.
func (m *Mem) HasDir(path string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.dirs[norm.NFC.String(path)]

	return ok
}
