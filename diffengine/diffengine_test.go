package diffengine

import (
	"bytes"
	"context"
	"encoding/binary"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wizdiff/wizdiff/delta"
	"github.com/wizdiff/wizdiff/store"
	"github.com/wizdiff/wizdiff/wad"
)

func newTestLogger() *logrus.Logger {
	l := logrus.New()
	l.Level = logrus.ErrorLevel
	return l
}

func TestRevisionTagFromURL(t *testing.T) {
	tag, err := RevisionTagFromURL("http://cdn.example.test/WizPatcher/1.560.0/LatestFileList.bin")
	require.NoError(t, err)
	assert.Equal(t, "1.560.0", tag)

	_, err = RevisionTagFromURL("http://cdn.example.test/NoRevisionHere")
	assert.Error(t, err)
}

type stubDirectory struct {
	manifestURL string
	assetURL    string
	err         error
}

func (s *stubDirectory) GetPatchURLs() (string, string, error) {
	return s.manifestURL, s.assetURL, s.err
}

type stubManifestFetcher struct {
	body []byte
	err  error
}

func (s *stubManifestFetcher) FetchManifest(ctx context.Context, url string) ([]byte, error) {
	return s.body, s.err
}

// recordingNotifier captures NotifyRevision, NotifyPlainFile and
// NotifyArchiveFile calls in order; NotifyAnyFile calls are not recorded.
type recordingNotifier struct {
	calls []string
}

func (r *recordingNotifier) NotifyRevision(ctx context.Context, rev delta.RevisionAnnounced) error {
	r.calls = append(r.calls, "revision:"+rev.Revision)
	return nil
}
func (r *recordingNotifier) NotifyAnyFile(ctx context.Context, d interface{}) error {
	return nil
}
func (r *recordingNotifier) NotifyPlainFile(ctx context.Context, d interface{}) error {
	r.calls = append(r.calls, "plain")
	return nil
}
func (r *recordingNotifier) NotifyArchiveFile(ctx context.Context, d interface{}) error {
	r.calls = append(r.calls, "archive")
	return nil
}

// encodeString/encodeTemplate/encodeValue/encodeStructure mirror manifest_test.go's binary
// manifest encoder, kept local to avoid exporting test-only helpers across
// packages.
func encodeString(s string) []byte {
	var buf bytes.Buffer
	var n [2]byte
	binary.LittleEndian.PutUint16(n[:], uint16(len(s)))
	buf.Write(n[:])
	buf.WriteString(s)
	return buf.Bytes()
}

type manifestField struct {
	name      string
	typeIndex uint8
}

func encodeTemplate(table string, fields []manifestField) []byte {
	var buf bytes.Buffer
	for _, f := range fields {
		buf.Write(encodeString(f.name))
		buf.WriteByte(f.typeIndex)
		buf.WriteByte(0x28)
	}
	buf.Write(encodeString("_TargetTable"))
	buf.WriteByte(0)
	buf.WriteByte(0x28)
	buf.Write(encodeString(table))
	return buf.Bytes()
}

func encodeValue(fields []manifestField, values []interface{}) []byte {
	var buf bytes.Buffer
	for i, f := range fields {
		switch f.typeIndex {
		case 3: // typeU32 + 1
			var b [4]byte
			binary.LittleEndian.PutUint32(b[:], values[i].(uint32))
			buf.Write(b[:])
		case 2: // typeI32 + 1
			var b [4]byte
			binary.LittleEndian.PutUint32(b[:], uint32(values[i].(int32)))
			buf.Write(b[:])
		case 9: // typeString + 1
			buf.Write(encodeString(values[i].(string)))
		}
	}
	return buf.Bytes()
}

func encodeStructure(kind uint8, payload []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(0x02) // marker
	buf.WriteByte(kind)
	var l [2]byte
	binary.LittleEndian.PutUint16(l[:], uint16(len(payload)+4))
	buf.Write(l[:])
	buf.Write(payload)
	return buf.Bytes()
}

func buildManifest(t *testing.T, entries map[string][2]uint32) []byte {
	t.Helper()
	fields := []manifestField{
		{"SrcFileName", 9},
		{"CRC", 3},
		{"Size", 3},
	}
	var buf bytes.Buffer
	var count [4]byte
	binary.LittleEndian.PutUint32(count[:], uint32(len(entries))) // value records (+1 template implied)
	buf.Write(count[:])
	buf.Write(encodeStructure(0x01, encodeTemplate("Files", fields)))
	for name, cs := range entries {
		buf.Write(encodeStructure(0x02, encodeValue(fields, []interface{}{name, cs[0], cs[1]})))
	}
	return buf.Bytes()
}

func TestDiffPassCreatesFirstRevisionFiles(t *testing.T) {
	logger := newTestLogger()
	dbPath := filepath.Join(t.TempDir(), "wizdiff.db")
	db, err := store.Open(logger, dbPath)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	tx, err := db.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.AddRevision(ctx, "rev0", time.Now()))
	require.NoError(t, tx.Commit())

	manifestBody := buildManifest(t, map[string][2]uint32{
		"Root.exe": {111, 100},
	})

	dir := &stubDirectory{manifestURL: "http://cdn.test/WizPatcher/rev1/LatestFileList.bin", assetURL: "http://cdn.test/base"}
	fetcher := &stubManifestFetcher{body: manifestBody}
	rec := &recordingNotifier{}

	eng := New(logger, dir, db, rec, WithManifestFetcher(fetcher), WithSleepTime(time.Hour))
	defer eng.Close()

	require.NoError(t, eng.Tick(ctx))

	assert.Contains(t, rec.calls, "revision:rev1")
	assert.Contains(t, rec.calls, "plain")

	has, err := db.HasRevision(ctx, "rev1")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestTickSkipsAlreadySeenRevision(t *testing.T) {
	logger := newTestLogger()
	dbPath := filepath.Join(t.TempDir(), "wizdiff.db")
	db, err := store.Open(logger, dbPath)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	tx, err := db.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.AddRevision(ctx, "rev1", time.Now()))
	require.NoError(t, tx.Commit())

	dir := &stubDirectory{manifestURL: "http://cdn.test/WizPatcher/rev1/LatestFileList.bin", assetURL: "http://cdn.test/base"}
	rec := &recordingNotifier{}
	eng := New(logger, dir, db, rec, WithManifestFetcher(&stubManifestFetcher{}))
	defer eng.Close()

	require.NoError(t, eng.Tick(ctx))
	assert.Empty(t, rec.calls)
}

func TestTickFailsWithoutBootstrap(t *testing.T) {
	logger := newTestLogger()
	dbPath := filepath.Join(t.TempDir(), "wizdiff.db")
	db, err := store.Open(logger, dbPath)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	dir := &stubDirectory{manifestURL: "http://cdn.test/WizPatcher/rev1/LatestFileList.bin", assetURL: "http://cdn.test/base"}
	eng := New(logger, dir, db, &recordingNotifier{}, WithManifestFetcher(&stubManifestFetcher{}))
	defer eng.Close()

	err = eng.Tick(ctx)
	assert.Error(t, err)
}

func TestArchiveDiffClassifiesEntries(t *testing.T) {
	logger := newTestLogger()
	dbPath := filepath.Join(t.TempDir(), "wizdiff.db")
	db, err := store.Open(logger, dbPath)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	tx, err := db.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.AddRevision(ctx, "rev0", time.Now()))
	require.NoError(t, tx.AddArchiveEntry(ctx, store.ArchiveEntry{
		Revision: "rev0", Name: "keep.txt", ArchiveName: "Root.wad", CRC: 1, Size: 1,
	}))
	require.NoError(t, tx.AddArchiveEntry(ctx, store.ArchiveEntry{
		Revision: "rev0", Name: "gone.txt", ArchiveName: "Root.wad", CRC: 2, Size: 2,
	}))
	require.NoError(t, tx.Commit())

	eng := New(logger, &stubDirectory{}, db, &recordingNotifier{}, WithManifestFetcher(&stubManifestFetcher{}))
	defer eng.Close()

	tx2, err := db.Begin(ctx)
	require.NoError(t, err)
	defer tx2.Rollback()

	journal := wad.Journal{
		"keep.txt": {Name: "keep.txt", CRC: 1, Size: 1},
		"new.txt":  {Name: "new.txt", CRC: 9, Size: 9},
	}
	created, changed, deleted, err := eng.archiveDiff(ctx, tx2, journal, "Root.wad", "rev1", "rev0")
	require.NoError(t, err)
	assert.Len(t, created, 1)
	assert.Equal(t, "new.txt", created[0].Name)
	assert.Empty(t, changed)
	require.Len(t, deleted, 1)
	assert.Equal(t, "gone.txt", deleted[0].Name)
	assert.Equal(t, uint32(2), *deleted[0].OldCRC)
}
