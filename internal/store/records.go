package store

import (
	"bytes"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// FileRecord is the unit of persistence: one node's serialized content
// plus the sync metadata needed to decide whether it has diverged from
// the mirror copy.
//
// A record is dirty iff LastSyncedAt == 0 (never pushed) or
// LastModified > LastSyncedAt. Only the sync orchestrator advances
// LastSyncedAt.
type FileRecord struct {
	Path    string `json:"path"`
	Content []byte `json:"content"`

	// ContentHash is the BLAKE2b digest of Content. SyncHash is the
	// digest of the content last confirmed identical on both sides;
	// it lags ContentHash while the record is dirty.
	ContentHash string `json:"content_hash"`
	SyncHash    string `json:"sync_hash,omitempty"`

	// LastModified and LastSyncedAt are unix milliseconds.
	// LastSyncedAt 0 means the record was never pushed.
	LastModified int64 `json:"last_modified"`
	LastSyncedAt int64 `json:"last_synced_at"`

	// ExternallyModified is set when a pull or the mirror watcher
	// detects that the mirror copy changed since the last sync.
	ExternallyModified bool `json:"externally_modified,omitempty"`

	// Dir marks a namespace marker created by Mkdir.
	Dir bool `json:"dir,omitempty"`

	// Deleted marks a tombstone: the node was deleted locally and the
	// record is removed only after the mirror deletion succeeds.
	Deleted bool `json:"deleted,omitempty"`
}

// Dirty reports whether the record carries local changes the mirror has
// not confirmed yet. Never-synced records are always dirty.
func (r FileRecord) Dirty() bool {
	return r.LastSyncedAt == 0 || r.LastModified > r.LastSyncedAt
}

// InitProject ensures the records bucket exists for the given project.
// Call this once after registering the project.
func (s *Store) InitProject(projectID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(recordsBucket(projectID))
		return err
	})

	return storageErr("initializing project bucket", err)
}

// GetRecord returns the record for a path, or nil if not found.
func (s *Store) GetRecord(projectID, path string) (*FileRecord, error) {
	path = normalizePath(path)

	var rec *FileRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket(projectID))
		if b == nil {
			return nil
		}

		v := b.Get([]byte(path))
		if v == nil {
			return nil
		}

		rec = &FileRecord{}

		return json.Unmarshal(v, rec)
	})
	if err != nil {
		return nil, storageErr("reading record", err)
	}

	return rec, nil
}

// PutRecord upserts a record as a local write: Content and ContentHash
// are refreshed and LastModified is stamped in the same transaction, so
// a reader can never observe content updated with a stale timestamp.
// Sync metadata (SyncHash, LastSyncedAt) is preserved from any existing
// record.
//
// The stamp is clamped strictly above the previous LastModified and
// LastSyncedAt. Millisecond clocks make same-instant writes routine; a
// write landing in the same millisecond as a completed sync must still
// read dirty, and LastModified must stay strictly monotonic per record
// so the orchestrator can tell a concurrent write from its own
// snapshot.
func (s *Store) PutRecord(projectID string, rec FileRecord) error {
	rec.Path = normalizePath(rec.Path)
	rec.ContentHash = HashContent(rec.Content)
	rec.LastModified = nowMilli()

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket(projectID))
		if b == nil {
			return fmt.Errorf("records bucket not initialized for project %s", projectID)
		}

		if v := b.Get([]byte(rec.Path)); v != nil {
			var prev FileRecord
			if err := json.Unmarshal(v, &prev); err == nil {
				rec.LastSyncedAt = prev.LastSyncedAt
				rec.SyncHash = prev.SyncHash
				rec.ExternallyModified = prev.ExternallyModified

				if floor := prev.LastModified + 1; rec.LastModified < floor {
					rec.LastModified = floor
				}
				if floor := prev.LastSyncedAt + 1; rec.LastModified < floor {
					rec.LastModified = floor
				}
			}
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		return b.Put([]byte(rec.Path), data)
	})

	return storageErr("writing record", err)
}

// PutRecordSynced upserts a record on behalf of the orchestrator after a
// successful push, pull, or conflict resolution. The caller supplies
// the sync timestamp along with the record it based the decision on;
// rec.LastModified identifies that snapshot. SyncHash is set to the
// content hash: both sides now agree.
//
// The write is applied only if the stored record has not moved past the
// snapshot. A local write landing between the orchestrator reading the
// record and confirming the transfer must win: the stale snapshot is
// discarded, the record stays dirty, and the next cycle picks it up.
// Returns whether the write was applied.
func (s *Store) PutRecordSynced(projectID string, rec FileRecord, syncedAt int64) (bool, error) {
	rec.Path = normalizePath(rec.Path)
	rec.ContentHash = HashContent(rec.Content)
	rec.SyncHash = rec.ContentHash
	rec.ExternallyModified = false

	applied := true

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket(projectID))
		if b == nil {
			return fmt.Errorf("records bucket not initialized for project %s", projectID)
		}

		if v := b.Get([]byte(rec.Path)); v != nil {
			var prev FileRecord
			if err := json.Unmarshal(v, &prev); err != nil {
				return err
			}

			if prev.LastModified > rec.LastModified {
				applied = false
				return nil
			}
		}

		rec.LastSyncedAt = syncedAt
		if rec.LastModified == 0 {
			rec.LastModified = syncedAt
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		return b.Put([]byte(rec.Path), data)
	})
	if err != nil {
		return false, storageErr("writing synced record", err)
	}

	return applied, nil
}

// TouchSynced advances LastSyncedAt for a record without changing its
// content. Used when the mirror file's mtime moved but its content hash
// still matches the last agreed state. A record whose content no longer
// matches its SyncHash is left alone: a local write landed after the
// caller read it, and marking it clean would strand the new content.
func (s *Store) TouchSynced(projectID, path string, syncedAt int64) error {
	path = normalizePath(path)

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket(projectID))
		if b == nil {
			return fmt.Errorf("records bucket not initialized for project %s", projectID)
		}

		v := b.Get([]byte(path))
		if v == nil {
			return nil
		}

		var rec FileRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}

		if !rec.Dir && rec.ContentHash != rec.SyncHash {
			return nil
		}

		rec.LastSyncedAt = syncedAt
		rec.ExternallyModified = false

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		return b.Put([]byte(path), data)
	})

	return storageErr("touching record", err)
}

// SetExternallyModified flags or clears the externally-modified marker
// on a record. Missing records are ignored: the watcher may report
// mirror files the store has never seen, and those are handled by the
// pull phase instead.
func (s *Store) SetExternallyModified(projectID, path string, flag bool) error {
	path = normalizePath(path)

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket(projectID))
		if b == nil {
			return nil
		}

		v := b.Get([]byte(path))
		if v == nil {
			return nil
		}

		var rec FileRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}

		if rec.ExternallyModified == flag {
			return nil
		}

		rec.ExternallyModified = flag

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		return b.Put([]byte(path), data)
	})

	return storageErr("flagging record", err)
}

// DeleteRecord removes a record. Callers outside the orchestrator should
// prefer tombstoning (Deleted flag) so the mirror copy is cleaned up
// first.
func (s *Store) DeleteRecord(projectID, path string) error {
	path = normalizePath(path)

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket(projectID))
		if b == nil {
			return nil
		}

		return b.Delete([]byte(path))
	})

	return storageErr("deleting record", err)
}

// ListRecords returns all records whose path starts with prefix, in key
// order. An empty prefix returns every record in the project.
func (s *Store) ListRecords(projectID, prefix string) ([]FileRecord, error) {
	prefix = normalizePath(prefix)

	var recs []FileRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket(projectID))
		if b == nil {
			return nil
		}

		c := b.Cursor()
		p := []byte(prefix)

		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			var rec FileRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}

			recs = append(recs, rec)
		}

		return nil
	})
	if err != nil {
		return nil, storageErr("listing records", err)
	}

	return recs, nil
}

// Mkdir creates a namespace marker record for a directory path.
// Idempotent: an existing marker is left untouched so its sync metadata
// survives.
func (s *Store) Mkdir(projectID, path string) error {
	path = normalizePath(path)

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket(projectID))
		if b == nil {
			return fmt.Errorf("records bucket not initialized for project %s", projectID)
		}

		if b.Get([]byte(path)) != nil {
			return nil
		}

		rec := FileRecord{
			Path:         path,
			Dir:          true,
			LastModified: nowMilli(),
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		return b.Put([]byte(path), data)
	})

	return storageErr("creating directory marker", err)
}

// CountRecords returns the number of records in a project.
func (s *Store) CountRecords(projectID string) (int, error) {
	count := 0

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket(projectID))
		if b == nil {
			return nil
		}

		count = b.Stats().KeyN

		return nil
	})
	if err != nil {
		return 0, storageErr("counting records", err)
	}

	return count, nil
}

// CountDirty returns the number of dirty records in a project with a
// single bucket scan, without materializing the records.
func (s *Store) CountDirty(projectID string) (int, error) {
	count := 0

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket(projectID))
		if b == nil {
			return nil
		}

		return b.ForEach(func(_, v []byte) error {
			var rec FileRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}

			if rec.Dirty() {
				count++
			}

			return nil
		})
	})
	if err != nil {
		return 0, storageErr("counting dirty records", err)
	}

	return count, nil
}
