// Package store implements the local record store: durable persistence
// for file-shaped node records, project metadata, and mirror folder
// handle entries, backed by a bbolt database. It is the only component
// that touches the database file; everything else goes through it.
package store

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gridnote/gridsync/internal/apperrors"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/text/unicode/norm"
)

const (
	// storeDirPerm is the permission mode for the data directory.
	storeDirPerm = fs.FileMode(0o700)

	// storeFilePerm is the permission mode for the database file.
	storeFilePerm = fs.FileMode(0o600)

	// storeOpenTimeout is the maximum time to wait for the bolt database
	// lock. A second gridsync process against the same data dir fails
	// here rather than silently corrupting sync state.
	storeOpenTimeout = 5 * time.Second
)

var (
	projectsBucket = []byte("projects")
	handlesBucket  = []byte("handles")
)

func recordsBucket(projectID string) []byte {
	return []byte("project:" + projectID + ":records")
}

// Store wraps a bbolt database holding all persistent engine state.
type Store struct {
	db *bolt.DB
}

// Open opens the store database at the given path, creating it and its
// parent directory if they do not exist.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), storeDirPerm); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := bolt.Open(path, storeFilePerm, &bolt.Options{Timeout: storeOpenTimeout})
	if err != nil {
		return nil, storageErr("opening store db", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(projectsBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(handlesBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, storageErr("initializing store db", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// storageErr classifies a failed storage operation into the engine's
// error taxonomy. Disk-full failures get their own kind so the
// orchestrator can report quota exhaustion without treating it as a
// sync conflict; everything else is a generic storage fault.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}

	kind := apperrors.ErrStorage
	if errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT) {
		kind = apperrors.ErrQuotaExceeded
	}

	return fmt.Errorf("%s: %w: %w", op, kind, err)
}

// HashContent returns the BLAKE2b-256 hex digest of a content payload.
// Record hashes are used to skip pushes of unchanged content and to
// suppress pulls when only the mirror file's mtime changed.
func HashContent(data []byte) string {
	h := blake2b.Sum256(data)
	return hex.EncodeToString(h[:])
}

// normalizePath applies NFC normalization so records written from
// differently-composed Unicode paths (macOS mirrors decompose) land on
// the same key.
func normalizePath(path string) string {
	return norm.NFC.String(path)
}

func nowMilli() int64 {
	return time.Now().UnixMilli()
}
