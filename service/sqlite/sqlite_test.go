package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/imagvfx/grade/service"
)

func TestOpenMissing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.db"))
	require.Error(t, err)
}

func TestBlobService(t *testing.T) {
	db, err := OpenOrCreate(filepath.Join(t.TempDir(), "grade.db"))
	require.NoError(t, err)
	defer db.Close()
	s := NewServices(db).BlobService()

	at := time.Unix(100, 0)
	require.NoError(t, s.AddBlob(&service.Blob{Key: "b", Size: 2, LastAccess: at}))
	require.NoError(t, s.AddBlob(&service.Blob{Key: "a", Size: 1, LastAccess: at}))
	require.NoError(t, s.AddBlob(&service.Blob{Key: "a", Size: 1, LastAccess: at}))
	require.NoError(t, s.TouchBlob("b", time.Unix(200, 0)))

	blobs, err := s.FindBlobs()
	require.NoError(t, err)
	require.Len(t, blobs, 2)
	require.Equal(t, "a", blobs[0].Key)
	require.Equal(t, int64(2), blobs[1].Size)
	require.True(t, blobs[1].LastAccess.Equal(time.Unix(200, 0)))

	require.NoError(t, s.RemoveBlob("a"))
	blobs, err = s.FindBlobs()
	require.NoError(t, err)
	require.Len(t, blobs, 1)
}

func TestCacheService(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grade.db")
	db, err := Create(path)
	require.NoError(t, err)
	s := NewCacheService(db)

	require.NoError(t, s.PutEntry(&service.CacheEntry{Base: "x", Limits: "{}", Result: "r1", Outputs: "{}"}))
	require.NoError(t, s.PutEntry(&service.CacheEntry{Base: "x", Limits: "{}", Result: "r2", Outputs: "{}"}))
	require.NoError(t, s.PutEntry(&service.CacheEntry{Base: "x", Limits: `{"cpu":1}`, Result: "r3", Outputs: "{}"}))
	require.NoError(t, s.PutEntry(&service.CacheEntry{Base: "y", Limits: "{}", Result: "r4", Outputs: "{}"}))
	require.NoError(t, db.Close())

	// Entries survive reopening.
	db, err = OpenOrCreate(path)
	require.NoError(t, err)
	defer db.Close()
	s = NewCacheService(db)
	entries, err := s.FindEntries()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, "r2", entries[1].Result)

	require.NoError(t, s.DeleteEntries("x"))
	entries, err = s.FindEntries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "y", entries[0].Base)
}
