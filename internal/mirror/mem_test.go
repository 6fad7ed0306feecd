package mirror

import (
	"errors"
	"io/fs"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMem_WriteReadRoundTrip(t *testing.T) {
	m := NewMem()

	require.NoError(t, m.WriteFile("a.json", []byte("x")))

	got, modTime, err := m.ReadFile("a.json")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got)
	assert.False(t, modTime.IsZero())
}

func TestMem_ReadMissingFile(t *testing.T) {
	m := NewMem()

	_, _, err := m.ReadFile("nope")
	require.ErrorIs(t, err, fs.ErrNotExist)

	_, err = m.Stat("nope")
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func TestMem_FaultInjection(t *testing.T) {
	m := NewMem()
	boom := errors.New("disk on fire")

	m.SetError(boom)

	require.ErrorIs(t, m.WriteFile("a", []byte("x")), boom)
	require.ErrorIs(t, m.Verify(), boom)

	_, err := m.ListFiles("")
	require.ErrorIs(t, err, boom)

	m.SetError(nil)
	require.NoError(t, m.WriteFile("a", []byte("x")))
}

func TestMem_ExternalWritesBypassFaults(t *testing.T) {
	m := NewMem()
	m.SetError(errors.New("revoked"))

	stamp := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.PutExternal("a", []byte("outside edit"), stamp)
	m.SetError(nil)

	got, modTime, err := m.ReadFile("a")
	require.NoError(t, err)
	assert.Equal(t, []byte("outside edit"), got)
	assert.Equal(t, stamp, modTime)

	m.DeleteExternal("a")

	_, _, err = m.ReadFile("a")
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func TestMem_SetClock(t *testing.T) {
	m := NewMem()
	stamp := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return stamp })

	require.NoError(t, m.WriteFile("a", []byte("x")))

	_, modTime, err := m.ReadFile("a")
	require.NoError(t, err)
	assert.Equal(t, stamp, modTime)
}

func TestMem_ListFilesSortedWithPrefix(t *testing.T) {
	m := NewMem()

	require.NoError(t, m.WriteFile("nodes/b", nil))
	require.NoError(t, m.WriteFile("nodes/a", nil))
	require.NoError(t, m.WriteFile("edges/e", nil))

	paths, err := m.ListFiles("nodes/")
	require.NoError(t, err)
	assert.Equal(t, []string{"nodes/a", "nodes/b"}, paths)
}

func TestMem_Mkdir(t *testing.T) {
	m := NewMem()

	require.NoError(t, m.Mkdir("nodes"))
	assert.True(t, m.HasDir("nodes"))
	assert.False(t, m.HasDir("edges"))
}
