package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gridnote/gridsync/internal/logging"
)

// recorder collects external-change hints.
type recorder struct {
	mu    sync.Mutex
	paths []string
}

func (r *recorder) NotifyExternalChange(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
}

func (r *recorder) seen(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.paths {
		if p == path {
			return true
		}
	}

	return false
}

// waitFor polls until cond returns true or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(20 * time.Millisecond)
	}

	t.Fatal("timed out waiting for condition")
}

// watchedDir creates a mirror root and starts a watcher over it in a
// background goroutine, stopped when the test ends.
func watchedDir(t *testing.T) (string, *recorder) {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nodes"), 0o755))

	rec := &recorder{}
	w := New(dir, rec, logging.NewLogger("development"))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)

	go func() {
		errCh <- w.Watch(ctx)
	}()

	// Give fsnotify a moment to set up watches.
	time.Sleep(50 * time.Millisecond)

	t.Cleanup(func() {
		cancel()

		err := <-errCh
		// context.Canceled is the expected shutdown error.
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("watcher error: %v", err)
		}
	})

	return dir, rec
}

func TestWatch_NewFileNotified(t *testing.T) {
	dir, rec := watchedDir(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "nodes", "new.json"), []byte(`{"type":"task"}`), 0o644))

	waitFor(t, 3*time.Second, func() bool {
		return rec.seen("nodes/new.json")
	})
}

func TestWatch_RemovedFileNotifiedImmediately(t *testing.T) {
	dir, rec := watchedDir(t)

	abs := filepath.Join(dir, "nodes", "gone.json")
	require.NoError(t, os.WriteFile(abs, []byte("x"), 0o644))

	waitFor(t, 3*time.Second, func() bool {
		return rec.seen("nodes/gone.json")
	})

	require.NoError(t, os.Remove(abs))

	waitFor(t, 3*time.Second, func() bool {
		r := rec
		r.mu.Lock()
		defer r.mu.Unlock()

		n := 0
		for _, p := range r.paths {
			if p == "nodes/gone.json" {
				n++
			}
		}

		return n >= 2
	})
}

func TestWatch_NewDirectoryWatchedRecursively(t *testing.T) {
	dir, rec := watchedDir(t)

	sub := filepath.Join(dir, "decisions")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	// fsnotify needs a beat to pick up the new directory watch.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(sub, "d1.json"), []byte("x"), 0o644))

	waitFor(t, 3*time.Second, func() bool {
		return rec.seen("decisions/d1.json")
	})
}

func TestWatch_DotfilesIgnored(t *testing.T) {
	dir, rec := watchedDir(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".lockfile"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nodes", "real.json"), []byte("x"), 0o644))

	waitFor(t, 3*time.Second, func() bool {
		return rec.seen("nodes/real.json")
	})

	require.False(t, rec.seen(".lockfile"))
}
