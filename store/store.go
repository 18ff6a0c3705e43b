// Package store implements InventoryStore (spec §4.4): persistent relational
// state for revisions, top-level file inventory and archive-entry inventory,
// plus the change-classification queries the diff engine drives.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlite3migrate "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/wizdiff/wizdiff/internal/wizerr"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Status is the outcome of classifying a new (crc, size) pair against a
// prior revision's row for the same primary key.
type Status int

const (
	// StatusNew means no row exists for (oldRevision, name[, archiveName]).
	StatusNew Status = iota
	// StatusUnchanged means crc and size both match the prior row.
	StatusUnchanged
	// StatusChanged means a prior row exists but crc or size differs.
	StatusChanged
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusUnchanged:
		return "unchanged"
	case StatusChanged:
		return "changed"
	default:
		return "unknown"
	}
}

// Revision mirrors spec §3's Revision row.
type Revision struct {
	Name       string
	ObservedAt time.Time
}

// VersionedFile mirrors spec §3's top-level inventory entry.
type VersionedFile struct {
	Revision string
	Name     string
	CRC      uint32
	Size     int64
}

// ArchiveEntry mirrors spec §3's inner-archive-entry row.
type ArchiveEntry struct {
	Revision       string
	Name           string
	ArchiveName    string
	FileOffset     int64
	CRC            uint32
	Size           int64
	CompressedSize int64
	IsCompressed   bool
}

// Store owns exactly one write-capable sqlite handle for its lifetime;
// callers never see the handle directly, per the "Caching of the DB
// handle" design note.
type Store struct {
	logger *logrus.Logger
	db     *sql.DB
}

// Open opens (creating if absent) the sqlite file at path and runs pending
// migrations. Repeated calls against an already-migrated file are
// no-ops, satisfying the "tolerate repeated initialization" contract of
// spec §6.
func Open(logger *logrus.Logger, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // one write-capable handle, per the design note

	s := &Store{logger: logger, db: db}
	if err := s.migrate(path); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(path string) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}
	driver, err := sqlite3migrate.WithInstance(s.db, &sqlite3migrate.Config{})
	if err != nil {
		return fmt.Errorf("sqlite3 migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("build migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("run migrations: %w", err)
	}
	s.logger.Debugf("store: migrations applied for %s", path)
	return nil
}

// Close releases the underlying sqlite handle.
func (s *Store) Close() error { return s.db.Close() }

// Vacuum reclaims free pages. Must run outside any open transaction.
func (s *Store) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// HasRevision reports whether name has ever been committed.
func (s *Store) HasRevision(ctx context.Context, name string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM revisions WHERE name = ?", name).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// LatestRevision returns the most recently observed Revision, or nil if
// none has been committed yet.
func (s *Store) LatestRevision(ctx context.Context) (*Revision, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT name, observed_at FROM revisions ORDER BY observed_at DESC LIMIT 1")
	var r Revision
	var observedAt string
	if err := row.Scan(&r.Name, &observedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	ts, err := time.Parse(time.RFC3339Nano, observedAt)
	if err != nil {
		return nil, fmt.Errorf("parse observed_at: %w", err)
	}
	r.ObservedAt = ts
	return &r, nil
}

// Tx brackets one diff-run's worth of classification and insertion
// operations, per spec §4.4's transaction requirement.
type Tx struct {
	logger *logrus.Logger
	tx     *sql.Tx
}

// Begin starts the transaction enclosing one diff pass.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{logger: s.logger, tx: tx}, nil
}

// Commit finalizes the diff pass's transaction.
func (t *Tx) Commit() error { return t.tx.Commit() }

// Rollback abandons the diff pass's transaction; safe to call after Commit
// (becomes a no-op returning sql.ErrTxDone).
func (t *Tx) Rollback() error { return t.tx.Rollback() }

// AddRevision inserts a Revision row. A second insert for the same name is
// a programming error (primary-key violation), not a silent upsert.
func (t *Tx) AddRevision(ctx context.Context, name string, observedAt time.Time) error {
	_, err := t.tx.ExecContext(ctx,
		"INSERT INTO revisions (name, observed_at) VALUES (?, ?)",
		name, observedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return wizerr.NewValidation("AddRevision "+name, err)
	}
	return nil
}

// DeleteRevision removes a Revision row. Callers must independently purge
// its inventory rows via DeleteVersionedFilesFor/DeleteArchiveEntriesFor.
func (t *Tx) DeleteRevision(ctx context.Context, name string) error {
	_, err := t.tx.ExecContext(ctx, "DELETE FROM revisions WHERE name = ?", name)
	return err
}

// AddVersionedFile validates and inserts a top-level inventory row.
func (t *Tx) AddVersionedFile(ctx context.Context, f VersionedFile) error {
	if f.Size < 0 {
		return wizerr.NewValidation("AddVersionedFile "+f.Name, fmt.Errorf("size %d < 0", f.Size))
	}
	if f.Name == "" {
		return wizerr.NewValidation("AddVersionedFile", fmt.Errorf("name is empty"))
	}
	_, err := t.tx.ExecContext(ctx,
		"INSERT INTO versioned_files (revision, name, crc, size) VALUES (?, ?, ?, ?)",
		f.Revision, f.Name, f.CRC, f.Size)
	if err != nil {
		return wizerr.NewValidation("AddVersionedFile "+f.Name, err)
	}
	return nil
}

// DeleteVersionedFilesFor removes every top-level inventory row for revision.
func (t *Tx) DeleteVersionedFilesFor(ctx context.Context, revision string) error {
	_, err := t.tx.ExecContext(ctx, "DELETE FROM versioned_files WHERE revision = ?", revision)
	return err
}

// ClassifyVersionedFile compares (newCRC, newSize) against the row for
// (oldRevision, name), if any.
func (t *Tx) ClassifyVersionedFile(ctx context.Context, newCRC uint32, newSize int64, oldRevision, name string) (Status, *uint32, *int64, error) {
	row := t.tx.QueryRowContext(ctx,
		"SELECT crc, size FROM versioned_files WHERE revision = ? AND name = ?", oldRevision, name)
	var oldCRC uint32
	var oldSize int64
	if err := row.Scan(&oldCRC, &oldSize); err != nil {
		if err == sql.ErrNoRows {
			return StatusNew, nil, nil, nil
		}
		return StatusNew, nil, nil, err
	}
	if oldCRC == newCRC && oldSize == newSize {
		return StatusUnchanged, &oldCRC, &oldSize, nil
	}
	return StatusChanged, &oldCRC, &oldSize, nil
}

// AllVersionedFilesFor returns the complete top-level inventory snapshot for
// revision.
func (t *Tx) AllVersionedFilesFor(ctx context.Context, revision string) ([]VersionedFile, error) {
	rows, err := t.tx.QueryContext(ctx,
		"SELECT revision, name, crc, size FROM versioned_files WHERE revision = ?", revision)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []VersionedFile
	for rows.Next() {
		var f VersionedFile
		if err := rows.Scan(&f.Revision, &f.Name, &f.CRC, &f.Size); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// AddArchiveEntry validates and inserts an inner-entry row. For every
// ArchiveEntry there must exist a VersionedFile with the same
// (revision, archive_name); the diff engine is responsible for inserting
// that row before or alongside the entries (spec §3 invariant) — this
// layer only enforces the attribute-level invariants.
func (t *Tx) AddArchiveEntry(ctx context.Context, e ArchiveEntry) error {
	if e.Size < 0 {
		return wizerr.NewValidation("AddArchiveEntry "+e.Name, fmt.Errorf("size %d < 0", e.Size))
	}
	if e.Name == "" {
		return wizerr.NewValidation("AddArchiveEntry", fmt.Errorf("name is empty"))
	}
	if e.ArchiveName == "" {
		return wizerr.NewValidation("AddArchiveEntry "+e.Name, fmt.Errorf("archive_name is empty"))
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO archive_entries
			(revision, name, archive_name, file_offset, crc, size, compressed_size, is_compressed)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Revision, e.Name, e.ArchiveName, e.FileOffset, e.CRC, e.Size, e.CompressedSize, boolToInt(e.IsCompressed))
	if err != nil {
		return wizerr.NewValidation("AddArchiveEntry "+e.Name, err)
	}
	return nil
}

// RetagArchiveEntries bulk-promotes every archive_entries row tagged
// oldRevision under one of archiveNames to newRevision, leaving all other
// attributes byte-identical. Executed as prepared statements in a loop
// inside the enclosing transaction rather than unsafe string-built
// IN (...) lists, per the design note.
func (t *Tx) RetagArchiveEntries(ctx context.Context, oldRevision string, archiveNames []string, newRevision string) error {
	if len(archiveNames) == 0 {
		return nil
	}
	stmt, err := t.tx.PrepareContext(ctx,
		"UPDATE archive_entries SET revision = ? WHERE revision = ? AND archive_name = ?")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, name := range archiveNames {
		if _, err := stmt.ExecContext(ctx, newRevision, oldRevision, name); err != nil {
			return err
		}
	}
	return nil
}

// DeleteArchiveEntriesFor removes every archive_entries row for revision.
func (t *Tx) DeleteArchiveEntriesFor(ctx context.Context, revision string) error {
	_, err := t.tx.ExecContext(ctx, "DELETE FROM archive_entries WHERE revision = ?", revision)
	return err
}

// ClassifyArchiveEntry is the ArchiveEntry counterpart of
// ClassifyVersionedFile.
func (t *Tx) ClassifyArchiveEntry(ctx context.Context, newCRC uint32, newSize int64, oldRevision, name, archiveName string) (Status, *uint32, *int64, error) {
	row := t.tx.QueryRowContext(ctx,
		"SELECT crc, size FROM archive_entries WHERE revision = ? AND name = ? AND archive_name = ?",
		oldRevision, name, archiveName)
	var oldCRC uint32
	var oldSize int64
	if err := row.Scan(&oldCRC, &oldSize); err != nil {
		if err == sql.ErrNoRows {
			return StatusNew, nil, nil, nil
		}
		return StatusNew, nil, nil, err
	}
	if oldCRC == newCRC && oldSize == newSize {
		return StatusUnchanged, &oldCRC, &oldSize, nil
	}
	return StatusChanged, &oldCRC, &oldSize, nil
}

// AllArchiveEntriesFor returns every inner-entry row for (archiveName,
// revision).
func (t *Tx) AllArchiveEntriesFor(ctx context.Context, archiveName, revision string) ([]ArchiveEntry, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT revision, name, archive_name, file_offset, crc, size, compressed_size, is_compressed
		 FROM archive_entries WHERE archive_name = ? AND revision = ?`, archiveName, revision)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ArchiveEntry
	for rows.Next() {
		var e ArchiveEntry
		var compressed int
		if err := rows.Scan(&e.Revision, &e.Name, &e.ArchiveName, &e.FileOffset, &e.CRC, &e.Size, &e.CompressedSize, &compressed); err != nil {
			return nil, err
		}
		e.IsCompressed = compressed != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
