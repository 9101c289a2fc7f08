// Package inventory holds the stat-annotated file inventory a drm job
// operates on: the per-rank record list the walker fills, the packed
// fixed-width buffer the ranks agree on, and the versioned cache file
// codec.
package inventory

import "golang.org/x/sys/unix"

// Type classifies a filesystem entry. The numeric values are part of
// the cache file format and must not change.
type Type uint32

const (
	TypeNull    Type = 0
	TypeUnknown Type = 1
	TypeFile    Type = 2
	TypeDir     Type = 3
	TypeLink    Type = 4
)

func (t Type) String() string {
	switch t {
	case TypeNull:
		return "null"
	case TypeFile:
		return "file"
	case TypeDir:
		return "dir"
	case TypeLink:
		return "link"
	default:
		return "unknown"
	}
}

// TypeFromMode derives the Type from raw lstat mode bits.
func TypeFromMode(mode uint32) Type {
	switch mode & unix.S_IFMT {
	case unix.S_IFREG:
		return TypeFile
	case unix.S_IFDIR:
		return TypeDir
	case unix.S_IFLNK:
		return TypeLink
	default:
		return TypeUnknown
	}
}

// Stat carries the lstat fields recorded in stat mode. Timestamps are
// kept at full width in memory; the v3 cache format truncates them to
// 32 bits on serialization.
type Stat struct {
	Mode  uint32
	UID   uint32
	GID   uint32
	Atime int64
	Mtime int64
	Ctime int64
	Size  uint64
}

// FileRecord is one walked entry. Stat is nil in lite mode.
type FileRecord struct {
	Path string
	Type Type
	Stat *Stat
}

// List is a rank's growable record sequence. Ordering within a rank
// puts parent directories before the children they caused to be
// walked; there is no ordering across ranks.
type List struct {
	Records []FileRecord
}

// Append adds a record to the list.
func (l *List) Append(rec FileRecord) {
	l.Records = append(l.Records, rec)
}

// Len returns the number of records held.
func (l *List) Len() int { return len(l.Records) }
