// Package conflict detects and resolves records that diverged on both
// sides of the mirror. Detection is a pure timestamp comparison; the
// service only builds the decision point and applies the caller's
// choice. It never resolves anything on its own.
package conflict

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/gridnote/gridsync/internal/mirror"
	"github.com/gridnote/gridsync/internal/store"
	"github.com/gridnote/gridsync/internal/track"
	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/tidwall/gjson"
)

// diffCleanupThreshold is the minimum number of diffs before running
// semantic cleanup. Below this count the raw diffs are already readable.
const diffCleanupThreshold = 2

// Conflict is the ephemeral decision point surfaced when a record is
// dirty locally while the mirror copy also changed since the last
// agreed state. Destroyed once a resolution is applied.
type Conflict struct {
	Path string

	// NodeType is the node's "type" field (task, decision, component,
	// note) extracted from the serialized content, for UI labels. Empty
	// when the content is not JSON or carries no type.
	NodeType string

	LocalContent  []byte
	LocalModified int64

	ExternalContent  []byte
	ExternalModified int64

	// Diffs is the structured local-vs-external diff, external as the
	// baseline. Presentation is the caller's concern.
	Diffs []diffmatchpatch.Diff
}

// DecisionKind selects how a conflict is resolved.
type DecisionKind int

const (
	// DecisionKeepLocal pushes the local content to the mirror.
	DecisionKeepLocal DecisionKind = iota

	// DecisionKeepExternal overwrites local content with the mirror copy.
	DecisionKeepExternal

	// DecisionMerge writes caller-supplied merged content, treated as a
	// new local write followed by a push.
	DecisionMerge
)

// Decision is a resolution choice. Use the constructors; a merge
// decision must carry content.
type Decision struct {
	Kind   DecisionKind
	Merged []byte
}

// KeepLocal resolves by pushing the local content.
func KeepLocal() Decision { return Decision{Kind: DecisionKeepLocal} }

// KeepExternal resolves by adopting the mirror content.
func KeepExternal() Decision { return Decision{Kind: DecisionKeepExternal} }

// Merge resolves with caller-supplied merged content.
func Merge(content []byte) Decision {
	return Decision{Kind: DecisionMerge, Merged: content}
}

// IsConflict reports whether a record and an external modification time
// constitute a conflict: the record is locally dirty and the mirror
// copy moved past the last agreed sync point. When only one side
// changed there is no conflict; that side simply wins.
func IsConflict(rec store.FileRecord, externalModifiedAt int64) bool {
	return track.IsDirty(rec) && externalModifiedAt > rec.LastSyncedAt
}

// Build assembles the conflict value for a record and an already-read
// mirror copy. Pure; callers check IsConflict and hash equality first.
func Build(rec store.FileRecord, externalContent []byte, externalModifiedAt int64) *Conflict {
	return &Conflict{
		Path:             rec.Path,
		NodeType:         nodeType(rec.Content, externalContent),
		LocalContent:     rec.Content,
		LocalModified:    rec.LastModified,
		ExternalContent:  externalContent,
		ExternalModified: externalModifiedAt,
		Diffs:            buildDiffs(externalContent, rec.Content),
	}
}

// Service builds conflicts from the local record store and the mirror,
// and applies resolutions to both.
type Service struct {
	store  *store.Store
	logger *slog.Logger
}

// NewService creates a conflict service over the given record store.
func NewService(st *store.Store, logger *slog.Logger) *Service {
	return &Service{store: st, logger: logger}
}

// Outcome classifies a dirty record against its mirror copy.
type Outcome int

const (
	// OutcomePush means the mirror copy is missing or unchanged since
	// the last agreed state; the local content simply wins.
	OutcomePush Outcome = iota

	// OutcomeAgree means both sides already hold identical content and
	// only the sync metadata needs to advance.
	OutcomeAgree

	// OutcomeConflict means both sides changed; a Conflict is surfaced.
	OutcomeConflict
)

// Detect classifies a dirty record against its mirror copy, reading the
// copy through ext, and returns the conflict when both sides diverged.
//
// Two hash comparisons soften the timestamp test. A mirror copy
// byte-identical to the local record is agreement regardless of
// timestamps. A mirror copy whose content still hashes to the last
// agreed state (SyncHash) only had its mtime bumped, so the local write
// wins; surfacing a decision point for untouched bytes would be noise.
func (s *Service) Detect(rec store.FileRecord, ext mirror.Adapter) (Outcome, *Conflict, error) {
	if rec.Dir || rec.Deleted || !track.IsDirty(rec) {
		return OutcomePush, nil, nil
	}

	extContent, extMod, err := ext.ReadFile(rec.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// Nothing on the mirror side; a plain push handles this.
			return OutcomePush, nil, nil
		}

		return OutcomePush, nil, fmt.Errorf("reading mirror copy of %s: %w", rec.Path, err)
	}

	extModMs := extMod.UnixMilli()
	if !IsConflict(rec, extModMs) {
		return OutcomePush, nil, nil
	}

	extHash := store.HashContent(extContent)
	if extHash == rec.ContentHash {
		return OutcomeAgree, nil, nil
	}

	if extHash == rec.SyncHash {
		return OutcomePush, nil, nil
	}

	c := Build(rec, extContent, extModMs)

	s.logger.Info("conflict detected",
		slog.String("path", rec.Path),
		slog.String("node_type", c.NodeType),
		slog.Int64("local_modified", c.LocalModified),
		slog.Int64("external_modified", c.ExternalModified),
	)

	return OutcomeConflict, c, nil
}

// Resolve applies a decision to a conflict, updating both the mirror
// and the record store, and returns the resulting clean record.
// Batch mode is the caller looping Resolve with one decision; what
// counts as "similar" is the caller's policy, not the service's.
func (s *Service) Resolve(projectID string, ext mirror.Adapter, c *Conflict, d Decision) (*store.FileRecord, error) {
	now := time.Now().UnixMilli()

	var rec store.FileRecord

	switch d.Kind {
	case DecisionKeepLocal:
		if err := ext.WriteFile(c.Path, c.LocalContent); err != nil {
			return nil, fmt.Errorf("pushing local content for %s: %w", c.Path, err)
		}

		rec = store.FileRecord{
			Path:         c.Path,
			Content:      c.LocalContent,
			LastModified: c.LocalModified,
		}

	case DecisionKeepExternal:
		rec = store.FileRecord{
			Path:         c.Path,
			Content:      c.ExternalContent,
			LastModified: c.LocalModified,
		}

	case DecisionMerge:
		if d.Merged == nil {
			return nil, fmt.Errorf("merge decision for %s carries no content", c.Path)
		}

		if err := ext.WriteFile(c.Path, d.Merged); err != nil {
			return nil, fmt.Errorf("pushing merged content for %s: %w", c.Path, err)
		}

		rec = store.FileRecord{
			Path:         c.Path,
			Content:      d.Merged,
			LastModified: c.LocalModified,
		}

	default:
		return nil, fmt.Errorf("unknown decision kind %d for %s", d.Kind, c.Path)
	}

	// LastModified carries the snapshot the decision was made against;
	// the store refuses to apply a resolution over a newer local write.
	applied, err := s.store.PutRecordSynced(projectID, rec, now)
	if err != nil {
		return nil, err
	}

	result, err := s.store.GetRecord(projectID, c.Path)
	if err != nil {
		return nil, err
	}

	if !applied {
		s.logger.Info("conflict resolution superseded by a newer local write",
			slog.String("path", c.Path),
		)

		return result, nil
	}

	s.logger.Info("conflict resolved",
		slog.String("path", c.Path),
		slog.Int("decision", int(d.Kind)),
	)

	return result, nil
}

// buildDiffs computes the structured diff, external content as baseline.
func buildDiffs(external, local []byte) []diffmatchpatch.Diff {
	dmp := diffmatchpatch.New()

	diffs := dmp.DiffMain(string(external), string(local), true)
	if len(diffs) > diffCleanupThreshold {
		diffs = dmp.DiffCleanupSemantic(diffs)
	}

	return diffs
}

// nodeType extracts the node's type field from serialized content,
// preferring the local side.
func nodeType(local, external []byte) string {
	if t := gjson.GetBytes(local, "type").String(); t != "" {
		return t
	}

	return gjson.GetBytes(external, "type").String()
}
