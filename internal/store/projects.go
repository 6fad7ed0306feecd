package store

import (
	"encoding/json"

	bolt "go.etcd.io/bbolt"
)

// ProjectMetadata describes one project. HandleKey references the
// persisted directory handle entry for the project's mirror folder;
// empty means the project has no mirror.
type ProjectMetadata struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	CreatedAt  int64  `json:"created_at"`
	ModifiedAt int64  `json:"modified_at"`
	HandleKey  string `json:"handle_key,omitempty"`
}

// DirectoryHandleEntry is a persisted reference to a previously granted
// mirror folder, keyed by project id. Access is not guaranteed durable
// across restarts and must be re-verified by the reconnection flow.
type DirectoryHandleEntry struct {
	ProjectID string `json:"project_id"`
	Dir       string `json:"dir"`
	GrantedAt int64  `json:"granted_at"`
}

// PutProject upserts project metadata, stamping ModifiedAt and, for new
// projects, CreatedAt.
func (s *Store) PutProject(meta ProjectMetadata) error {
	now := nowMilli()
	meta.ModifiedAt = now

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(projectsBucket)

		if v := b.Get([]byte(meta.ID)); v != nil {
			var prev ProjectMetadata
			if err := json.Unmarshal(v, &prev); err == nil {
				meta.CreatedAt = prev.CreatedAt
			}
		}

		if meta.CreatedAt == 0 {
			meta.CreatedAt = now
		}

		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}

		return b.Put([]byte(meta.ID), data)
	})

	return storageErr("writing project metadata", err)
}

// GetProject returns project metadata by id, or nil if not found.
func (s *Store) GetProject(id string) (*ProjectMetadata, error) {
	var meta *ProjectMetadata

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(projectsBucket).Get([]byte(id))
		if v == nil {
			return nil
		}

		meta = &ProjectMetadata{}

		return json.Unmarshal(v, meta)
	})
	if err != nil {
		return nil, storageErr("reading project metadata", err)
	}

	return meta, nil
}

// ListProjects returns all registered projects.
func (s *Store) ListProjects() ([]ProjectMetadata, error) {
	var projects []ProjectMetadata

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(projectsBucket).ForEach(func(_, v []byte) error {
			var meta ProjectMetadata
			if err := json.Unmarshal(v, &meta); err != nil {
				return err
			}

			projects = append(projects, meta)

			return nil
		})
	})
	if err != nil {
		return nil, storageErr("listing projects", err)
	}

	return projects, nil
}

// DeleteProject removes a project's metadata, handle entry, and record
// bucket in one transaction. The mirror folder itself is untouched.
func (s *Store) DeleteProject(id string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(projectsBucket).Delete([]byte(id)); err != nil {
			return err
		}

		if err := tx.Bucket(handlesBucket).Delete([]byte(id)); err != nil {
			return err
		}

		if tx.Bucket(recordsBucket(id)) != nil {
			return tx.DeleteBucket(recordsBucket(id))
		}

		return nil
	})

	return storageErr("deleting project", err)
}

// PutHandle persists a directory handle entry and records the reference
// on the project metadata.
func (s *Store) PutHandle(entry DirectoryHandleEntry) error {
	entry.GrantedAt = nowMilli()

	err := s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}

		if err := tx.Bucket(handlesBucket).Put([]byte(entry.ProjectID), data); err != nil {
			return err
		}

		return setProjectHandleKey(tx, entry.ProjectID, entry.ProjectID)
	})

	return storageErr("writing handle entry", err)
}

// GetHandle returns the handle entry for a project, or nil if the
// project has no mirror folder.
func (s *Store) GetHandle(projectID string) (*DirectoryHandleEntry, error) {
	var entry *DirectoryHandleEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(handlesBucket).Get([]byte(projectID))
		if v == nil {
			return nil
		}

		entry = &DirectoryHandleEntry{}

		return json.Unmarshal(v, entry)
	})
	if err != nil {
		return nil, storageErr("reading handle entry", err)
	}

	return entry, nil
}

// DeleteHandle removes the handle entry for a project and clears the
// reference on the project metadata. Called on explicit disconnect or
// project close; the folder itself is untouched.
func (s *Store) DeleteHandle(projectID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(handlesBucket).Delete([]byte(projectID)); err != nil {
			return err
		}

		return setProjectHandleKey(tx, projectID, "")
	})

	return storageErr("deleting handle entry", err)
}

func setProjectHandleKey(tx *bolt.Tx, projectID, key string) error {
	b := tx.Bucket(projectsBucket)

	v := b.Get([]byte(projectID))
	if v == nil {
		return nil
	}

	var meta ProjectMetadata
	if err := json.Unmarshal(v, &meta); err != nil {
		return err
	}

	meta.HandleKey = key
	meta.ModifiedAt = nowMilli()

	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	return b.Put([]byte(projectID), data)
}
