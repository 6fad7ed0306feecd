// Package track derives dirty/clean status for records. Pure functions
// over the two sync timestamps; no hidden state.
package track

import "github.com/gridnote/gridsync/internal/store"

// IsDirty reports whether a record has local changes the mirror has not
// confirmed. A record that was never synced (LastSyncedAt == 0) is
// always dirty, even if LastModified is old, because its content has
// never reached the mirror.
func IsDirty(rec store.FileRecord) bool {
	return rec.Dirty()
}

// DirtyRecords filters records down to the dirty ones, preserving order.
func DirtyRecords(recs []store.FileRecord) []store.FileRecord {
	var dirty []store.FileRecord

	for _, rec := range recs {
		if IsDirty(rec) {
			dirty = append(dirty, rec)
		}
	}

	return dirty
}
