package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := logrus.New()
	logger.Level = logrus.ErrorLevel
	path := filepath.Join(t.TempDir(), "wizdiff.db")
	s, err := Open(logger, path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenIsIdempotent(t *testing.T) {
	logger := logrus.New()
	path := filepath.Join(t.TempDir(), "wizdiff.db")

	s1, err := Open(logger, path)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(logger, path)
	require.NoError(t, err)
	require.NoError(t, s2.Close())
}

func TestHasRevisionAndLatestRevision(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	has, err := s.HasRevision(ctx, "WizPatcher/1.0")
	require.NoError(t, err)
	assert.False(t, has)

	latest, err := s.LatestRevision(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, tx.AddRevision(ctx, "WizPatcher/1.0", now))
	require.NoError(t, tx.Commit())

	has, err = s.HasRevision(ctx, "WizPatcher/1.0")
	require.NoError(t, err)
	assert.True(t, has)

	latest, err = s.LatestRevision(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "WizPatcher/1.0", latest.Name)
	assert.True(t, latest.ObservedAt.Equal(now))
}

func TestVersionedFileLifecycleAndClassification(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.AddRevision(ctx, "rev1", time.Now()))
	require.NoError(t, tx.AddVersionedFile(ctx, VersionedFile{
		Revision: "rev1", Name: "Root.wad", CRC: 111, Size: 100,
	}))
	require.NoError(t, tx.Commit())

	tx2, err := s.Begin(ctx)
	require.NoError(t, err)

	status, oldCRC, oldSize, err := tx2.ClassifyVersionedFile(ctx, 111, 100, "rev1", "Root.wad")
	require.NoError(t, err)
	assert.Equal(t, StatusUnchanged, status)
	require.NotNil(t, oldCRC)
	assert.Equal(t, uint32(111), *oldCRC)
	require.NotNil(t, oldSize)
	assert.Equal(t, int64(100), *oldSize)

	status, _, _, err = tx2.ClassifyVersionedFile(ctx, 222, 100, "rev1", "Root.wad")
	require.NoError(t, err)
	assert.Equal(t, StatusChanged, status)

	status, oldCRC, oldSize, err = tx2.ClassifyVersionedFile(ctx, 1, 1, "rev1", "NewFile.wad")
	require.NoError(t, err)
	assert.Equal(t, StatusNew, status)
	assert.Nil(t, oldCRC)
	assert.Nil(t, oldSize)

	files, err := tx2.AllVersionedFilesFor(ctx, "rev1")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "Root.wad", files[0].Name)

	require.NoError(t, tx2.DeleteVersionedFilesFor(ctx, "rev1"))
	require.NoError(t, tx2.Commit())

	tx3, err := s.Begin(ctx)
	require.NoError(t, err)
	files, err = tx3.AllVersionedFilesFor(ctx, "rev1")
	require.NoError(t, err)
	assert.Empty(t, files)
	require.NoError(t, tx3.Rollback())
}

func TestAddVersionedFileValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	require.NoError(t, tx.AddRevision(ctx, "rev1", time.Now()))

	err = tx.AddVersionedFile(ctx, VersionedFile{Revision: "rev1", Name: "", CRC: 1, Size: 1})
	assert.Error(t, err)

	err = tx.AddVersionedFile(ctx, VersionedFile{Revision: "rev1", Name: "x", CRC: 1, Size: -1})
	assert.Error(t, err)
}

func TestArchiveEntryLifecycleAndRetag(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.AddRevision(ctx, "rev1", time.Now()))
	require.NoError(t, tx.AddArchiveEntry(ctx, ArchiveEntry{
		Revision: "rev1", Name: "a.txt", ArchiveName: "Root.wad",
		FileOffset: 0, CRC: 7, Size: 10, CompressedSize: 5, IsCompressed: true,
	}))
	require.NoError(t, tx.Commit())

	tx2, err := s.Begin(ctx)
	require.NoError(t, err)

	status, oldCRC, oldSize, err := tx2.ClassifyArchiveEntry(ctx, 7, 10, "rev1", "a.txt", "Root.wad")
	require.NoError(t, err)
	assert.Equal(t, StatusUnchanged, status)
	assert.Equal(t, uint32(7), *oldCRC)
	assert.Equal(t, int64(10), *oldSize)

	entries, err := tx2.AllArchiveEntriesFor(ctx, "Root.wad", "rev1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].IsCompressed)

	require.NoError(t, tx2.AddRevision(ctx, "rev2", time.Now()))
	require.NoError(t, tx2.RetagArchiveEntries(ctx, "rev1", []string{"Root.wad"}, "rev2"))
	require.NoError(t, tx2.Commit())

	tx3, err := s.Begin(ctx)
	require.NoError(t, err)
	entries, err = tx3.AllArchiveEntriesFor(ctx, "Root.wad", "rev2")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "rev2", entries[0].Revision)

	entries, err = tx3.AllArchiveEntriesFor(ctx, "Root.wad", "rev1")
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, tx3.DeleteArchiveEntriesFor(ctx, "rev2"))
	require.NoError(t, tx3.Commit())
}

func TestAddArchiveEntryValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	require.NoError(t, tx.AddRevision(ctx, "rev1", time.Now()))

	err = tx.AddArchiveEntry(ctx, ArchiveEntry{Revision: "rev1", Name: "", ArchiveName: "Root.wad"})
	assert.Error(t, err)

	err = tx.AddArchiveEntry(ctx, ArchiveEntry{Revision: "rev1", Name: "a.txt", ArchiveName: ""})
	assert.Error(t, err)

	err = tx.AddArchiveEntry(ctx, ArchiveEntry{Revision: "rev1", Name: "a.txt", ArchiveName: "Root.wad", Size: -1})
	assert.Error(t, err)
}

func TestVacuum(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Vacuum(context.Background()))
}
