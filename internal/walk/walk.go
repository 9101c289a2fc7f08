// Package walk traverses a directory tree in parallel over the
// distributed work queue and produces each rank's slice of the
// inventory. Two modes: stat mode lstats every item; lite mode relies
// on directory-entry type hints and lstats only when the hint is
// unknown. All walking uses lstat semantics; symlink targets are never
// followed.
package walk

import (
	"os"

	"github.com/karrick/godirwalk"
	"golang.org/x/sys/unix"

	"github.com/pfstools/drm/internal/comm"
	"github.com/pfstools/drm/internal/inventory"
	"github.com/pfstools/drm/internal/logging"
	"github.com/pfstools/drm/internal/queue"
)

// Mode selects the walk flavor.
type Mode int

const (
	// Stat lstats every enumerated item.
	Stat Mode = iota
	// Lite takes types from directory entries where available.
	Lite
)

// PathMax bounds the byte length of a walked path including its
// terminating NUL. Longer paths are logged and dropped; they never
// enter the inventory.
const PathMax = 4096

type walker struct {
	c    comm.Comm
	mode Mode
	root string
	list *inventory.List
	log  *logging.Logger
}

// Run walks root and returns this rank's record list. root must be
// canonicalized (absolute, no dot components, no trailing slash). A
// failure at the root is logged and yields an empty inventory; child
// failures are logged and skipped. Run is collective: every rank of
// the fabric must enter it.
func Run(c comm.Comm, root string, mode Mode, log *logging.Logger) *inventory.List {
	w := &walker{c: c, mode: mode, root: root, list: &inventory.List{}, log: log}

	var process queue.ProcessFunc
	if mode == Stat {
		process = w.processStat
	} else {
		process = w.processLite
	}

	q := queue.New(c, process)
	q.Begin(func(q *queue.Queue) {
		if c.Rank() != 0 {
			return
		}
		w.seed(q)
	})
	q.Finalize()
	return w.list
}

// seed starts the walk on rank 0. In stat mode the root is simply
// enqueued; in lite mode it is stat'd once to emit its record and, if
// it is a directory, its children are scanned.
func (w *walker) seed(q *queue.Queue) {
	if w.mode == Stat {
		q.Enqueue(w.root)
		return
	}

	var st unix.Stat_t
	if err := unix.Lstat(w.root, &st); err != nil {
		w.log.Errorf("failed to lstat root %s: %v", w.root, err)
		return
	}
	w.record(w.root, inventory.TypeFromMode(st.Mode), nil)
	if st.Mode&unix.S_IFMT == unix.S_IFDIR {
		w.scanDirLite(q, w.root)
	}
}

// processStat handles one queued item in stat mode: lstat it, record
// it, and if it is a directory enqueue every child.
func (w *walker) processStat(q *queue.Queue, path string) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		w.log.Warnf("failed to lstat %s: %v", path, err)
		return
	}

	w.record(path, inventory.TypeFromMode(st.Mode), &inventory.Stat{
		Mode:  st.Mode,
		UID:   st.Uid,
		GID:   st.Gid,
		Atime: st.Atim.Sec,
		Mtime: st.Mtim.Sec,
		Ctime: st.Ctim.Sec,
		Size:  uint64(st.Size),
	})

	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		return
	}
	names, err := godirwalk.ReadDirnames(path, nil)
	if err != nil {
		w.log.Warnf("failed to read directory %s: %v", path, err)
		return
	}
	for _, name := range names {
		child, ok := w.join(path, name)
		if !ok {
			continue
		}
		q.Enqueue(child)
	}
}

// processLite handles one queued item in lite mode; only directories
// are ever enqueued.
func (w *walker) processLite(q *queue.Queue, path string) {
	w.scanDirLite(q, path)
}

// scanDirLite reads dir's entries, records each child with the type
// from its directory entry, and enqueues child directories. The
// scanner resolves an unknown d_type with lstat on its own; entries it
// still cannot classify are recorded as unknown.
func (w *walker) scanDirLite(q *queue.Queue, dir string) {
	scanner, err := godirwalk.NewScanner(dir)
	if err != nil {
		w.log.Warnf("failed to open directory %s: %v", dir, err)
		return
	}
	for scanner.Scan() {
		de, err := scanner.Dirent()
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			w.log.Warnf("failed to read entry in %s: %v", dir, err)
			continue
		}

		child, ok := w.join(dir, de.Name())
		if !ok {
			continue
		}

		var typ inventory.Type
		switch {
		case de.IsDir():
			typ = inventory.TypeDir
		case de.IsSymlink():
			typ = inventory.TypeLink
		case de.IsRegular():
			typ = inventory.TypeFile
		default:
			typ = inventory.TypeUnknown
		}
		w.record(child, typ, nil)

		if typ == inventory.TypeDir {
			q.Enqueue(child)
		}
	}
	if err := scanner.Err(); err != nil {
		w.log.Warnf("failed to read directory %s: %v", dir, err)
	}
}

// join builds dir/name and enforces the path buffer limit. Oversize
// paths are dropped with a diagnostic.
func (w *walker) join(dir, name string) (string, bool) {
	if len(dir)+1+len(name)+1 > PathMax {
		w.log.Warnf("path name is too long: %d chars exceeds limit %d: %s/%s",
			len(dir)+1+len(name)+1, PathMax, dir, name)
		return "", false
	}
	return dir + "/" + name, true
}

func (w *walker) record(path string, typ inventory.Type, st *inventory.Stat) {
	w.list.Append(inventory.FileRecord{Path: path, Type: typ, Stat: st})
}
