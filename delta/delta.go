// Package delta defines the typed, sealed set of change events the diff
// engine emits for a single revision transition (spec §3). Each variant is
// a distinct type rather than a member of an inheritance tree: there is no
// common interface to switch on besides the dispatch that the notifier
// hooks already provide (Revision / PlainFile / ArchiveFile).
package delta

// RevisionAnnounced fires once per diff pass, before any file delta for
// that revision.
type RevisionAnnounced struct {
	Revision string
}

// ArchiveEntryDelta describes one changed inner entry of a .wad container.
// OldCRC/OldSize are absent (nil) for a created entry, present for changed
// and deleted entries. CRC/Size are 0 for a deleted entry to signify no
// new state.
type ArchiveEntryDelta struct {
	Name           string
	ArchiveName    string
	Revision       string
	FileOffset     int64
	CRC            uint32
	Size           int64
	CompressedSize int64
	IsCompressed   bool
	OldCRC         *uint32
	OldSize        *int64
}

// FileCreated describes a plain top-level file absent from the prior
// revision's inventory.
type FileCreated struct {
	Name     string
	Revision string
	URL      string
	NewCRC   uint32
	NewSize  int64
}

// FileChanged describes a plain top-level file present in both revisions
// with a different CRC or size.
type FileChanged struct {
	Name     string
	Revision string
	URL      string
	NewCRC   uint32
	NewSize  int64
	OldCRC   uint32
	OldSize  int64
}

// FileDeleted describes a plain top-level file present in the prior
// revision but absent from the new manifest.
type FileDeleted struct {
	Name     string
	Revision string
	URL      string
	OldCRC   uint32
	OldSize  int64
}

// CreatedArchive is the archive-bearing super-variant of FileCreated. A
// newly created archive must carry an empty Changed and Deleted list; a
// non-empty one is an internal invariant failure (StateError).
type CreatedArchive struct {
	FileCreated
	CreatedEntries []ArchiveEntryDelta
	ChangedEntries []ArchiveEntryDelta
	DeletedEntries []ArchiveEntryDelta
}

// ChangedArchive is the archive-bearing super-variant of FileChanged.
type ChangedArchive struct {
	FileChanged
	CreatedEntries []ArchiveEntryDelta
	ChangedEntries []ArchiveEntryDelta
	DeletedEntries []ArchiveEntryDelta
}

// DeletedArchive is the archive-bearing super-variant of FileDeleted. Its
// DeletedEntries carry each inner entry with its old crc/size and
// crc = size = 0 on the new side.
type DeletedArchive struct {
	FileDeleted
	CreatedEntries []ArchiveEntryDelta
	ChangedEntries []ArchiveEntryDelta
	DeletedEntries []ArchiveEntryDelta
}
