package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	s, err := Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testProject(t *testing.T, s *Store) string {
	t.Helper()
	const id = "proj-test-001"
	require.NoError(t, s.PutProject(ProjectMetadata{ID: id, Name: "Test Project"}))
	require.NoError(t, s.InitProject(id))
	return id
}

func putSynced(t *testing.T, s *Store, id string, rec FileRecord, syncedAt int64) {
	t.Helper()

	applied, err := s.PutRecordSynced(id, rec, syncedAt)
	require.NoError(t, err)
	require.True(t, applied)
}

// --- Open / Close ---

func TestOpen_CreatesDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sub", "state.db")
	s, err := Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestOpen_ReopensExistingDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	s1, err := Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, s1.PutProject(ProjectMetadata{ID: "p1", Name: "persist me"}))
	require.NoError(t, s1.Close())

	s2, err := Open(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	meta, err := s2.GetProject("p1")
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, "persist me", meta.Name)
}

// --- Records ---

func TestGetRecord_MissingReturnsNil(t *testing.T) {
	s := testStore(t)
	id := testProject(t, s)

	rec, err := s.GetRecord(id, "nodes/none.json")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestPutRecord_RoundTrip(t *testing.T) {
	s := testStore(t)
	id := testProject(t, s)

	content := []byte(`{"type":"task","title":"write tests"}`)
	require.NoError(t, s.PutRecord(id, FileRecord{Path: "nodes/t1.json", Content: content}))

	rec, err := s.GetRecord(id, "nodes/t1.json")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, content, rec.Content)
	assert.Equal(t, HashContent(content), rec.ContentHash)
	assert.Positive(t, rec.LastModified)
	assert.Zero(t, rec.LastSyncedAt, "a fresh record has never been synced")
}

func TestPutRecord_PreservesSyncMetadata(t *testing.T) {
	s := testStore(t)
	id := testProject(t, s)

	putSynced(t, s, id, FileRecord{Path: "a", Content: []byte("v1")}, 1000)

	require.NoError(t, s.PutRecord(id, FileRecord{Path: "a", Content: []byte("v2")}))

	rec, err := s.GetRecord(id, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), rec.Content)
	assert.Equal(t, int64(1000), rec.LastSyncedAt)
	assert.Equal(t, HashContent([]byte("v1")), rec.SyncHash)
	assert.Greater(t, rec.LastModified, rec.LastSyncedAt, "new local write must re-dirty the record")
}

func TestPutRecordSynced_DoesNotReDirty(t *testing.T) {
	s := testStore(t)
	id := testProject(t, s)

	syncedAt := int64(5_000_000)
	putSynced(t, s, id, FileRecord{Path: "a", Content: []byte("x")}, syncedAt)

	rec, err := s.GetRecord(id, "a")
	require.NoError(t, err)
	assert.Equal(t, syncedAt, rec.LastSyncedAt)
	assert.Equal(t, syncedAt, rec.LastModified)
	assert.Equal(t, rec.ContentHash, rec.SyncHash)
	assert.False(t, rec.ExternallyModified)
}

func TestPutRecordSynced_StaleSnapshotKeepsNewerWrite(t *testing.T) {
	s := testStore(t)
	id := testProject(t, s)

	require.NoError(t, s.PutRecord(id, FileRecord{Path: "a", Content: []byte("v1")}))

	snapshot, err := s.GetRecord(id, "a")
	require.NoError(t, err)

	// A local write lands after the snapshot was taken, as when an edit
	// arrives while a push of the old content is in flight.
	require.NoError(t, s.PutRecord(id, FileRecord{Path: "a", Content: []byte("v2")}))

	applied, err := s.PutRecordSynced(id, *snapshot, nowMilli())
	require.NoError(t, err)
	assert.False(t, applied)

	rec, err := s.GetRecord(id, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), rec.Content, "newer local write must survive")
	assert.True(t, rec.Dirty(), "record stays dirty until the new content syncs")
}

func TestPutRecord_DirtyImmediatelyAfterSync(t *testing.T) {
	s := testStore(t)
	id := testProject(t, s)

	// Millisecond timestamps make a write land in the same instant as a
	// completed sync all the time; every such write must still read
	// dirty.
	for i := 0; i < 100; i++ {
		require.NoError(t, s.PutRecord(id, FileRecord{Path: "a", Content: []byte("pushed")}))

		snap, err := s.GetRecord(id, "a")
		require.NoError(t, err)

		applied, err := s.PutRecordSynced(id, *snap, snap.LastModified)
		require.NoError(t, err)
		require.True(t, applied)

		require.NoError(t, s.PutRecord(id, FileRecord{Path: "a", Content: []byte("edited")}))

		rec, err := s.GetRecord(id, "a")
		require.NoError(t, err)
		require.True(t, rec.Dirty(), "iteration %d: write after sync must read dirty", i)
		require.Greater(t, rec.LastModified, rec.LastSyncedAt)
	}
}

func TestTouchSynced_AdvancesWithoutContentChange(t *testing.T) {
	s := testStore(t)
	id := testProject(t, s)

	putSynced(t, s, id, FileRecord{Path: "a", Content: []byte("x")}, 1000)
	require.NoError(t, s.SetExternallyModified(id, "a", true))

	require.NoError(t, s.TouchSynced(id, "a", 2000))

	rec, err := s.GetRecord(id, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), rec.Content)
	assert.Equal(t, int64(2000), rec.LastSyncedAt)
	assert.False(t, rec.ExternallyModified)
}

func TestTouchSynced_SkipsRecordWithNewLocalWrite(t *testing.T) {
	s := testStore(t)
	id := testProject(t, s)

	putSynced(t, s, id, FileRecord{Path: "a", Content: []byte("v1")}, 1000)
	require.NoError(t, s.PutRecord(id, FileRecord{Path: "a", Content: []byte("v2")}))

	// The caller decided to touch based on the synced state; the write
	// that landed since must not be marked clean behind its back.
	require.NoError(t, s.TouchSynced(id, "a", nowMilli()))

	rec, err := s.GetRecord(id, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), rec.LastSyncedAt, "sync point must not advance past an unconfirmed write")
	assert.True(t, rec.Dirty())
}

func TestTouchSynced_MissingRecordIsNoop(t *testing.T) {
	s := testStore(t)
	id := testProject(t, s)

	require.NoError(t, s.TouchSynced(id, "ghost", 2000))
}

func TestSetExternallyModified_RoundTrip(t *testing.T) {
	s := testStore(t)
	id := testProject(t, s)

	require.NoError(t, s.PutRecord(id, FileRecord{Path: "a", Content: []byte("x")}))
	require.NoError(t, s.SetExternallyModified(id, "a", true))

	rec, err := s.GetRecord(id, "a")
	require.NoError(t, err)
	assert.True(t, rec.ExternallyModified)

	require.NoError(t, s.SetExternallyModified(id, "a", false))

	rec, err = s.GetRecord(id, "a")
	require.NoError(t, err)
	assert.False(t, rec.ExternallyModified)
}

func TestDeleteRecord_RemovesAndToleratesMissing(t *testing.T) {
	s := testStore(t)
	id := testProject(t, s)

	require.NoError(t, s.PutRecord(id, FileRecord{Path: "a", Content: []byte("x")}))
	require.NoError(t, s.DeleteRecord(id, "a"))

	rec, err := s.GetRecord(id, "a")
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, s.DeleteRecord(id, "a"))
}

func TestListRecords_PrefixFilter(t *testing.T) {
	s := testStore(t)
	id := testProject(t, s)

	for _, p := range []string{"nodes/a", "nodes/b", "decisions/d1", "nodes/sub/c"} {
		require.NoError(t, s.PutRecord(id, FileRecord{Path: p, Content: []byte(p)}))
	}

	recs, err := s.ListRecords(id, "nodes/")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "nodes/a", recs[0].Path)
	assert.Equal(t, "nodes/b", recs[1].Path)
	assert.Equal(t, "nodes/sub/c", recs[2].Path)

	all, err := s.ListRecords(id, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestMkdir_Idempotent(t *testing.T) {
	s := testStore(t)
	id := testProject(t, s)

	require.NoError(t, s.Mkdir(id, "nodes"))

	rec, err := s.GetRecord(id, "nodes")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.Dir)

	first := rec.LastModified

	require.NoError(t, s.Mkdir(id, "nodes"))

	rec, err = s.GetRecord(id, "nodes")
	require.NoError(t, err)
	assert.Equal(t, first, rec.LastModified, "existing marker must be untouched")
}

func TestCountRecords(t *testing.T) {
	s := testStore(t)
	id := testProject(t, s)

	n, err := s.CountRecords(id)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, s.PutRecord(id, FileRecord{Path: "a", Content: []byte("x")}))
	require.NoError(t, s.PutRecord(id, FileRecord{Path: "b", Content: []byte("y")}))

	n, err = s.CountRecords(id)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCountDirty(t *testing.T) {
	s := testStore(t)
	id := testProject(t, s)

	n, err := s.CountDirty(id)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, s.PutRecord(id, FileRecord{Path: "a", Content: []byte("x")}))
	require.NoError(t, s.PutRecord(id, FileRecord{Path: "b", Content: []byte("y")}))
	putSynced(t, s, id, FileRecord{Path: "c", Content: []byte("z")}, 1000)

	n, err = s.CountDirty(id)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "synced records do not count")
}

func TestPutRecord_NormalizesUnicodePaths(t *testing.T) {
	s := testStore(t)
	id := testProject(t, s)

	// NFD spelling (e + combining acute) on write, NFC on read.
	require.NoError(t, s.PutRecord(id, FileRecord{Path: "notes/café.json", Content: []byte("x")}))

	rec, err := s.GetRecord(id, "notes/café.json")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, []byte("x"), rec.Content)
}

func TestRecords_IsolatedBetweenProjects(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.PutProject(ProjectMetadata{ID: "p1"}))
	require.NoError(t, s.PutProject(ProjectMetadata{ID: "p2"}))
	require.NoError(t, s.InitProject("p1"))
	require.NoError(t, s.InitProject("p2"))

	require.NoError(t, s.PutRecord("p1", FileRecord{Path: "a", Content: []byte("one")}))

	rec, err := s.GetRecord("p2", "a")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

// --- Projects ---

func TestPutProject_StampsTimestamps(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.PutProject(ProjectMetadata{ID: "p1", Name: "First"}))

	meta, err := s.GetProject("p1")
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Positive(t, meta.CreatedAt)
	assert.Positive(t, meta.ModifiedAt)

	created := meta.CreatedAt

	require.NoError(t, s.PutProject(ProjectMetadata{ID: "p1", Name: "Renamed"}))

	meta, err = s.GetProject("p1")
	require.NoError(t, err)
	assert.Equal(t, created, meta.CreatedAt, "CreatedAt survives updates")
	assert.Equal(t, "Renamed", meta.Name)
}

func TestListProjects(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.PutProject(ProjectMetadata{ID: "p1"}))
	require.NoError(t, s.PutProject(ProjectMetadata{ID: "p2"}))

	projects, err := s.ListProjects()
	require.NoError(t, err)
	assert.Len(t, projects, 2)
}

func TestDeleteProject_RemovesEverything(t *testing.T) {
	s := testStore(t)
	id := testProject(t, s)

	require.NoError(t, s.PutRecord(id, FileRecord{Path: "a", Content: []byte("x")}))
	require.NoError(t, s.PutHandle(DirectoryHandleEntry{ProjectID: id, Dir: "/tmp/mirror"}))

	require.NoError(t, s.DeleteProject(id))

	meta, err := s.GetProject(id)
	require.NoError(t, err)
	assert.Nil(t, meta)

	handle, err := s.GetHandle(id)
	require.NoError(t, err)
	assert.Nil(t, handle)
}

// --- Handles ---

func TestPutHandle_SetsProjectReference(t *testing.T) {
	s := testStore(t)
	id := testProject(t, s)

	require.NoError(t, s.PutHandle(DirectoryHandleEntry{ProjectID: id, Dir: "/data/mirror"}))

	handle, err := s.GetHandle(id)
	require.NoError(t, err)
	require.NotNil(t, handle)
	assert.Equal(t, "/data/mirror", handle.Dir)
	assert.Positive(t, handle.GrantedAt)

	meta, err := s.GetProject(id)
	require.NoError(t, err)
	assert.Equal(t, id, meta.HandleKey)
}

func TestDeleteHandle_ClearsProjectReference(t *testing.T) {
	s := testStore(t)
	id := testProject(t, s)

	require.NoError(t, s.PutHandle(DirectoryHandleEntry{ProjectID: id, Dir: "/data/mirror"}))
	require.NoError(t, s.DeleteHandle(id))

	handle, err := s.GetHandle(id)
	require.NoError(t, err)
	assert.Nil(t, handle)

	meta, err := s.GetProject(id)
	require.NoError(t, err)
	assert.Empty(t, meta.HandleKey)
}

func TestGetHandle_MissingReturnsNil(t *testing.T) {
	s := testStore(t)

	handle, err := s.GetHandle("nobody")
	require.NoError(t, err)
	assert.Nil(t, handle)
}

// --- Hashing ---

func TestHashContent_Stable(t *testing.T) {
	a := HashContent([]byte("same"))
	b := HashContent([]byte("same"))
	c := HashContent([]byte("different"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}
