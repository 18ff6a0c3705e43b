// Package diffengine implements DiffEngine & Lifecycle (spec §4.5/§4.6):
// the tick loop that turns a newly observed manifest into a sequence of
// deltas, driving InventoryStore classification and notifier dispatch.
package diffengine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/alitto/pond"
	"github.com/sirupsen/logrus"

	"github.com/wizdiff/wizdiff/delta"
	"github.com/wizdiff/wizdiff/internal/wizerr"
	"github.com/wizdiff/wizdiff/manifest"
	"github.com/wizdiff/wizdiff/metrics"
	"github.com/wizdiff/wizdiff/notifier"
	"github.com/wizdiff/wizdiff/store"
	"github.com/wizdiff/wizdiff/wad"
)

// revisionTagPattern extracts the revision tag from a manifest URL, per
// spec §4.5 step 2.
var revisionTagPattern = regexp.MustCompile(`WizPatcher/([^/]+)`)

// RevisionTagFromURL returns the WizPatcher/<tag> component of url. Its
// absence is a fatal protocol error: the manifest URL shape is assumed
// stable across revisions.
func RevisionTagFromURL(url string) (string, error) {
	m := revisionTagPattern.FindStringSubmatch(url)
	if m == nil {
		return "", wizerr.NewProtocol("RevisionTagFromURL", fmt.Errorf("no WizPatcher/<tag> in %q", url))
	}
	return m[1], nil
}

// ManifestFetcher downloads a manifest body, used by Engine and stubbed in
// tests.
type ManifestFetcher interface {
	FetchManifest(ctx context.Context, url string) ([]byte, error)
}

// PatchDirectory resolves the manifest/asset URL pair. *patchdirectory.Directory
// satisfies this; narrowed to an interface so tests can stub the handshake.
type PatchDirectory interface {
	GetPatchURLs() (manifestURL, assetBaseURL string, err error)
}

type httpManifestFetcher struct {
	client   *http.Client
	maxBytes int64
}

func (f *httpManifestFetcher) FetchManifest(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, wizerr.NewTransientNetwork("FetchManifest", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, wizerr.NewTransientNetwork("FetchManifest", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, wizerr.NewTransientNetwork("FetchManifest", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	if f.maxBytes <= 0 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, wizerr.NewTransientNetwork("FetchManifest", err)
		}
		return body, nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, wizerr.NewTransientNetwork("FetchManifest", err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, wizerr.NewProtocol("FetchManifest", fmt.Errorf("manifest exceeds configured max size of %d bytes", f.maxBytes))
	}
	return body, nil
}

// Engine wires PatchDirectory, ManifestParser/ArchiveJournalParser and
// InventoryStore together into the tick/diff-pass lifecycle.
type Engine struct {
	logger             *logrus.Logger
	directory          PatchDirectory
	manifestFetcher    ManifestFetcher
	wadParser          *wad.Parser
	db                 *store.Store
	notifier           notifier.Notifier
	metrics            *metrics.Metrics
	pool               *pond.WorkerPool
	sleepTime          time.Duration
	deleteOldRevisions bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithManifestFetcher overrides the manifest HTTP transport (used by tests).
func WithManifestFetcher(f ManifestFetcher) Option {
	return func(e *Engine) { e.manifestFetcher = f }
}

// WithWadParser overrides the default ArchiveJournalParser.
func WithWadParser(p *wad.Parser) Option {
	return func(e *Engine) { e.wadParser = p }
}

// WithMetrics attaches a Metrics collector set.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithSleepTime overrides the default 3600s inter-tick sleep floor.
func WithSleepTime(d time.Duration) Option {
	return func(e *Engine) { e.sleepTime = d }
}

// WithDeleteOldRevisions enables purge-on-commit retention.
func WithDeleteOldRevisions(enabled bool) Option {
	return func(e *Engine) { e.deleteOldRevisions = enabled }
}

// WithMaxManifestSize bounds a single manifest download; fetches exceeding
// it fail with a protocol error instead of buffering unbounded attacker-controlled
// responses into memory. A non-positive value leaves the download unbounded.
func WithMaxManifestSize(n int64) Option {
	return func(e *Engine) {
		if f, ok := e.manifestFetcher.(*httpManifestFetcher); ok {
			f.maxBytes = n
		}
	}
}

// WithWorkerPoolSize overrides the default runtime.NumCPU()-sized archive
// fetch pool.
func WithWorkerPoolSize(size int) Option {
	return func(e *Engine) {
		if e.pool != nil {
			e.pool.StopAndWait()
		}
		e.pool = pond.New(size, 0, pond.MinWorkers(1))
	}
}

// New builds an Engine over directory, db and n, with a worker pool sized
// to runtime.NumCPU() for parallel archive-journal fetches (spec §5).
func New(logger *logrus.Logger, directory PatchDirectory, db *store.Store, n notifier.Notifier, opts ...Option) *Engine {
	e := &Engine{
		logger:             logger,
		directory:          directory,
		manifestFetcher:    &httpManifestFetcher{client: &http.Client{Timeout: 60 * time.Second}},
		wadParser:          wad.New(logger),
		db:                 db,
		notifier:           n,
		sleepTime:          3600 * time.Second,
		deleteOldRevisions: false,
		pool:               pond.New(runtime.NumCPU(), 0, pond.MinWorkers(1)),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Close stops the archive-fetch worker pool.
func (e *Engine) Close() { e.pool.StopAndWait() }

// Run drives Tick forever, sleeping sleepTime between ticks, until ctx is
// canceled.
func (e *Engine) Run(ctx context.Context) error {
	for {
		if err := e.Tick(ctx); err != nil {
			e.logger.Errorf("diffengine: tick failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.sleepTime):
		}
	}
}

// Tick implements spec §4.5's Tick: resolve patch URLs, extract the
// revision tag, and either skip (already-seen revision) or run a full
// diff pass.
func (e *Engine) Tick(ctx context.Context) error {
	if e.metrics != nil {
		e.metrics.Ticks.Inc()
	}

	manifestURL, assetBaseURL, err := e.directory.GetPatchURLs()
	if err != nil {
		return fmt.Errorf("resolve patch urls: %w", err)
	}

	newRevision, err := RevisionTagFromURL(manifestURL)
	if err != nil {
		return err
	}

	seen, err := e.db.HasRevision(ctx, newRevision)
	if err != nil {
		return fmt.Errorf("has_revision(%s): %w", newRevision, err)
	}
	if seen {
		e.logger.Infof("diffengine: no new revision (%s); sleeping", newRevision)
		return nil
	}

	oldRevision, err := e.db.LatestRevision(ctx)
	if err != nil {
		return fmt.Errorf("latest_revision: %w", err)
	}
	if oldRevision == nil {
		return wizerr.NewState("Tick", fmt.Errorf("no committed revision; bootstrap with init_db before ticking"))
	}

	start := time.Now()
	err = e.diffPass(ctx, oldRevision.Name, newRevision, manifestURL, assetBaseURL)
	if e.metrics != nil {
		e.metrics.DiffPassSeconds.Observe(time.Since(start).Seconds())
	}
	return err
}

// archiveJournalResult is the parallel-fetch outcome for one .wad
// encountered while walking a manifest.
type archiveJournalResult struct {
	archiveName string
	journal     wad.Journal
	err         error
}

// diffPass implements the diff pass described in spec §4.5: top-level file
// classification, nested archive diffing, deleted-file detection, and
// revision commit, all inside one enclosing transaction.
func (e *Engine) diffPass(ctx context.Context, oldRevision, newRevision, manifestURL, assetBaseURL string) error {
	e.logger.Infof("diffengine: new revision found: %s", newRevision)

	body, err := e.manifestFetcher.FetchManifest(ctx, manifestURL)
	if err != nil {
		return err
	}
	tables, err := parseManifestBody(body)
	if err != nil {
		return err
	}

	// Identify .wad archives up front so their journal fetches can be
	// dispatched in parallel (spec §5); DB writes stay serialized below.
	type manifestRow struct {
		table string
		rec   manifest.Record
		name  string
	}
	var rows []manifestRow
	archiveNames := map[string]bool{}
	for tableName, records := range tables {
		if manifest.IsMetaTable(tableName) {
			continue
		}
		for _, rec := range records {
			name, _ := rec["SrcFileName"].(string)
			rows = append(rows, manifestRow{table: tableName, rec: rec, name: name})
			if strings.HasSuffix(name, ".wad") {
				archiveNames[name] = true
			}
		}
	}

	journals := e.fetchJournalsParallel(ctx, archiveNames, assetBaseURL)

	tx, err := e.db.Begin(ctx)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	if err := tx.AddRevision(ctx, newRevision, time.Now().UTC()); err != nil {
		return err
	}

	oldTopLevel, err := tx.AllVersionedFilesFor(ctx, oldRevision)
	if err != nil {
		return err
	}
	seenInManifest := map[string]bool{}

	e.emit(ctx, e.notifier.NotifyRevision(ctx, delta.RevisionAnnounced{Revision: newRevision}))

	var unchangedArchives []string

	for _, row := range rows {
		name := row.name
		seenInManifest[name] = true
		crc, size := fieldCRCSize(row.rec)
		fileURL := assetBaseURL + "/" + name

		status, oldCRC, oldSize, err := tx.ClassifyVersionedFile(ctx, crc, size, oldRevision, name)
		if err != nil {
			return err
		}

		if strings.HasSuffix(name, ".wad") && status == store.StatusUnchanged {
			// Inner entries are promoted by RetagArchiveEntries below.
			unchangedArchives = append(unchangedArchives, name)
		} else if strings.HasSuffix(name, ".wad") {
			jr := journals[name]
			if jr.err != nil {
				return fmt.Errorf("archive diff %s: %w", name, jr.err)
			}
			created, changed, deleted, err := e.archiveDiff(ctx, tx, jr.journal, name, newRevision, oldRevision)
			if err != nil {
				return err
			}

			switch status {
			case store.StatusNew:
				if len(changed) != 0 || len(deleted) != 0 {
					return wizerr.NewState("diffPass", fmt.Errorf("archive %s reported created with non-empty changed/deleted", name))
				}
				d := delta.CreatedArchive{
					FileCreated:    delta.FileCreated{Name: name, Revision: newRevision, URL: fileURL, NewCRC: crc, NewSize: size},
					CreatedEntries: created, ChangedEntries: changed, DeletedEntries: deleted,
				}
				e.emit(ctx, e.notifier.NotifyAnyFile(ctx, d))
				e.emit(ctx, e.notifier.NotifyArchiveFile(ctx, d))
				if e.metrics != nil {
					e.metrics.DeltasEmitted.WithLabelValues("CreatedArchive").Inc()
				}
			case store.StatusChanged:
				d := delta.ChangedArchive{
					FileChanged:    delta.FileChanged{Name: name, Revision: newRevision, URL: fileURL, NewCRC: crc, NewSize: size, OldCRC: deref(oldCRC), OldSize: derefSize(oldSize)},
					CreatedEntries: created, ChangedEntries: changed, DeletedEntries: deleted,
				}
				e.emit(ctx, e.notifier.NotifyAnyFile(ctx, d))
				e.emit(ctx, e.notifier.NotifyArchiveFile(ctx, d))
				if e.metrics != nil {
					e.metrics.DeltasEmitted.WithLabelValues("ChangedArchive").Inc()
				}
			}
		} else {
			switch status {
			case store.StatusNew:
				d := delta.FileCreated{Name: name, Revision: newRevision, URL: fileURL, NewCRC: crc, NewSize: size}
				e.emit(ctx, e.notifier.NotifyAnyFile(ctx, d))
				e.emit(ctx, e.notifier.NotifyPlainFile(ctx, d))
				if e.metrics != nil {
					e.metrics.DeltasEmitted.WithLabelValues("FileCreated").Inc()
				}
			case store.StatusChanged:
				d := delta.FileChanged{Name: name, Revision: newRevision, URL: fileURL, NewCRC: crc, NewSize: size, OldCRC: deref(oldCRC), OldSize: derefSize(oldSize)}
				e.emit(ctx, e.notifier.NotifyAnyFile(ctx, d))
				e.emit(ctx, e.notifier.NotifyPlainFile(ctx, d))
				if e.metrics != nil {
					e.metrics.DeltasEmitted.WithLabelValues("FileChanged").Inc()
				}
			case store.StatusUnchanged:
				// nothing to emit
			}
		}

		if err := tx.AddVersionedFile(ctx, store.VersionedFile{Revision: newRevision, Name: name, CRC: crc, Size: size}); err != nil {
			return err
		}
	}

	if err := tx.RetagArchiveEntries(ctx, oldRevision, unchangedArchives, newRevision); err != nil {
		return err
	}

	// Deleted top-level files: present in oldTopLevel, absent from the new
	// manifest.
	for _, f := range oldTopLevel {
		if seenInManifest[f.Name] {
			continue
		}
		fileURL := assetBaseURL + "/" + f.Name
		if strings.HasSuffix(f.Name, ".wad") {
			oldEntries, err := tx.AllArchiveEntriesFor(ctx, f.Name, oldRevision)
			if err != nil {
				return err
			}
			deletedEntries := make([]delta.ArchiveEntryDelta, 0, len(oldEntries))
			for _, ae := range oldEntries {
				crc := ae.CRC
				size := ae.Size
				deletedEntries = append(deletedEntries, delta.ArchiveEntryDelta{
					Name: ae.Name, ArchiveName: ae.ArchiveName, Revision: newRevision,
					FileOffset: ae.FileOffset, CRC: 0, Size: 0, CompressedSize: 0, IsCompressed: false,
					OldCRC: &crc, OldSize: &size,
				})
			}
			d := delta.DeletedArchive{
				FileDeleted:    delta.FileDeleted{Name: f.Name, Revision: newRevision, URL: fileURL, OldCRC: f.CRC, OldSize: f.Size},
				DeletedEntries: deletedEntries,
			}
			e.emit(ctx, e.notifier.NotifyAnyFile(ctx, d))
			e.emit(ctx, e.notifier.NotifyArchiveFile(ctx, d))
			if e.metrics != nil {
				e.metrics.DeltasEmitted.WithLabelValues("DeletedArchive").Inc()
			}
		} else {
			d := delta.FileDeleted{Name: f.Name, Revision: newRevision, URL: fileURL, OldCRC: f.CRC, OldSize: f.Size}
			e.emit(ctx, e.notifier.NotifyAnyFile(ctx, d))
			e.emit(ctx, e.notifier.NotifyPlainFile(ctx, d))
			if e.metrics != nil {
				e.metrics.DeltasEmitted.WithLabelValues("FileDeleted").Inc()
			}
		}
	}

	if e.deleteOldRevisions {
		if err := tx.DeleteVersionedFilesFor(ctx, oldRevision); err != nil {
			return err
		}
		if err := tx.DeleteArchiveEntriesFor(ctx, oldRevision); err != nil {
			return err
		}
		if err := tx.DeleteRevision(ctx, oldRevision); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// archiveDiff implements spec §4.5's archive diff: classify every journal
// entry, insert its ArchiveEntry row under newRevision, and collect
// entries absent from the journal as deletions.
func (e *Engine) archiveDiff(ctx context.Context, tx *store.Tx, journal wad.Journal, archiveName, newRevision, oldRevision string) (created, changed, deleted []delta.ArchiveEntryDelta, err error) {
	inJournal := make(map[string]bool, len(journal))
	for name, entry := range journal {
		inJournal[name] = true
		crc := uint32(entry.CRC)
		size := int64(entry.Size)

		status, oldCRC, oldSize, cerr := tx.ClassifyArchiveEntry(ctx, crc, size, oldRevision, name, archiveName)
		if cerr != nil {
			return nil, nil, nil, cerr
		}

		ed := delta.ArchiveEntryDelta{
			Name: name, ArchiveName: archiveName, Revision: newRevision,
			FileOffset: int64(entry.Offset), CRC: crc, Size: size,
			CompressedSize: int64(entry.ZSize), IsCompressed: entry.IsCompressed,
			OldCRC: oldCRC, OldSize: oldSize,
		}

		switch status {
		case store.StatusNew:
			created = append(created, ed)
		case store.StatusChanged:
			changed = append(changed, ed)
		}

		if err := tx.AddArchiveEntry(ctx, store.ArchiveEntry{
			Revision: newRevision, Name: name, ArchiveName: archiveName,
			FileOffset: int64(entry.Offset), CRC: crc, Size: size,
			CompressedSize: int64(entry.ZSize), IsCompressed: entry.IsCompressed,
		}); err != nil {
			return nil, nil, nil, err
		}
	}

	oldEntries, err := tx.AllArchiveEntriesFor(ctx, archiveName, oldRevision)
	if err != nil {
		return nil, nil, nil, err
	}
	for _, oe := range oldEntries {
		if inJournal[oe.Name] {
			continue
		}
		crc := oe.CRC
		size := oe.Size
		deleted = append(deleted, delta.ArchiveEntryDelta{
			Name: oe.Name, ArchiveName: archiveName, Revision: newRevision,
			FileOffset: oe.FileOffset, CRC: 0, Size: 0, CompressedSize: 0, IsCompressed: false,
			OldCRC: &crc, OldSize: &size,
		})
	}

	return created, changed, deleted, nil
}

// fetchJournalsParallel dispatches one archive-journal fetch per distinct
// archive name onto the worker pool, returning once all complete. DB
// writes happen afterward on the calling goroutine, so the enclosing
// transaction is never touched concurrently (spec §5).
func (e *Engine) fetchJournalsParallel(ctx context.Context, archiveNames map[string]bool, assetBaseURL string) map[string]archiveJournalResult {
	results := make(map[string]archiveJournalResult, len(archiveNames))
	if len(archiveNames) == 0 {
		return results
	}

	type outcome struct {
		name string
		res  archiveJournalResult
	}
	out := make(chan outcome, len(archiveNames))

	for name := range archiveNames {
		name := name
		e.pool.Submit(func() {
			archiveURL := assetBaseURL + "/" + name
			j, err := e.wadParser.FetchJournal(ctx, archiveURL)
			if err != nil && e.metrics != nil {
				e.metrics.ArchiveRetries.Inc()
			}
			out <- outcome{name: name, res: archiveJournalResult{archiveName: name, journal: j, err: err}}
		})
	}

	for range archiveNames {
		o := <-out
		results[o.name] = o.res
	}
	return results
}

func (e *Engine) emit(ctx context.Context, err error) {
	if err != nil {
		e.logger.Warnf("diffengine: notifier error: %v", err)
	}
}

func parseManifestBody(body []byte) (manifest.Tables, error) {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '<' {
		return manifest.ParseXML(body)
	}
	return manifest.ParseBinary(body)
}

// fieldCRCSize coerces a manifest record's CRC/Size fields (decoded as one
// of several numeric Go types, per manifest.Record's field type table)
// into the uint32/int64 pair the store and delta types use.
func fieldCRCSize(rec manifest.Record) (crc uint32, size int64) {
	return toUint32(rec["CRC"]), toInt64(rec["Size"])
}

func toUint32(v interface{}) uint32 {
	switch n := v.(type) {
	case uint32:
		return n
	case int64:
		return uint32(n)
	case int32:
		return uint32(n)
	case uint16:
		return uint32(n)
	case int16:
		return uint32(n)
	case uint8:
		return uint32(n)
	case int8:
		return uint32(n)
	case int:
		return uint32(n)
	default:
		return 0
	}
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case uint32:
		return int64(n)
	case int32:
		return int64(n)
	case uint16:
		return int64(n)
	case int16:
		return int64(n)
	case uint8:
		return int64(n)
	case int8:
		return int64(n)
	case int:
		return int64(n)
	default:
		return 0
	}
}

func deref(p *uint32) uint32 {
	if p == nil {
		return 0
	}
	return *p
}

func derefSize(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}
