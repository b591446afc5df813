package persistence_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"webdht/internal/persistence"
)

func TestFileCrashRecoveryReplaysWAL(t *testing.T) {
	dir := t.TempDir()

	f, err := persistence.NewFile(dir)
	require.NoError(t, err)
	require.NoError(t, f.Set("a", []byte("1"), nil))
	require.NoError(t, f.Set("b", []byte("2"), nil))
	require.NoError(t, f.Delete("a"))
	require.NoError(t, f.Close())

	reopened, err := persistence.NewFile(dir)
	require.NoError(t, err)
	defer reopened.Close()

	_, ok, err := reopened.Get("a")
	require.NoError(t, err)
	require.False(t, ok)

	v, ok, err := reopened.Get("b")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("2"), v)
}

func TestFileSnapshotTruncatesWAL(t *testing.T) {
	dir := t.TempDir()

	f, err := persistence.NewFile(dir)
	require.NoError(t, err)
	require.NoError(t, f.Set("k", []byte("v"), nil))
	require.NoError(t, f.Snapshot())
	require.NoError(t, f.Close())

	reopened, err := persistence.NewFile(dir)
	require.NoError(t, err)
	defer reopened.Close()

	v, ok, err := reopened.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), v)
}
