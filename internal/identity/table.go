// Package identity resolves numeric uids and gids to names. Rank 0
// enumerates the host account database once, the packed tables are
// broadcast, and every rank builds identical two-way maps. Tables are
// only populated in stat mode.
package identity

import (
	"bufio"
	"encoding/binary"
	"errors"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/pfstools/drm/internal/comm"
	"github.com/pfstools/drm/internal/logging"
)

const (
	passwdPath = "/etc/passwd"
	groupPath  = "/etc/group"

	// namePad is the multiple the packed name width rounds up to.
	namePad = 4

	// enumRetries bounds retries of a transient enumeration error.
	enumRetries = 3
)

// Table is a packed set of (name, id) pairs plus the lookup maps built
// from it. Chars is identical on every rank. Each rank owns its copy;
// the maps are touched from a single goroutine per rank.
type Table struct {
	Count uint64
	Chars uint64
	Buf   []byte

	nameToID map[string]uint32
	idToName map[uint32]string
}

type entry struct {
	name string
	id   uint32
}

// LoadUsers enumerates users on rank 0 and broadcasts the table.
func LoadUsers(c comm.Comm, log *logging.Logger) *Table {
	return Load(c, passwdPath, log)
}

// LoadGroups enumerates groups on rank 0 and broadcasts the table.
func LoadGroups(c comm.Comm, log *logging.Logger) *Table {
	return Load(c, groupPath, log)
}

// Load builds a table from a passwd-format file: rank 0 parses it,
// packs (name, id) pairs at a name width padded to a multiple of 4,
// and broadcasts count, chars, and the buffer. Every rank returns an
// identical table.
func Load(c comm.Comm, path string, log *logging.Logger) *Table {
	var (
		entries []entry
		chars   int
	)
	if c.Rank() == 0 {
		entries, chars = enumerate(path, log)
	}

	hdr := c.BcastUint64s(0, []uint64{uint64(len(entries)), uint64(chars)})
	count, width := hdr[0], hdr[1]

	var buf []byte
	if count > 0 && width > 0 {
		if c.Rank() == 0 {
			buf = serialize(entries, int(width))
		}
		buf = c.Bcast(0, buf)
	}

	t := &Table{Count: count, Chars: width, Buf: buf}
	t.buildMaps()
	return t
}

// FromPacked rebuilds a table from the packed form, as read from a v3
// cache file.
func FromPacked(count, chars uint64, buf []byte) *Table {
	t := &Table{Count: count, Chars: chars, Buf: buf}
	t.buildMaps()
	return t
}

// enumerate parses (name, id) pairs out of a passwd-format file,
// retrying a transient open or read error a bounded number of times
// and breaking early on a terminal one. It returns the pairs and the
// longest name length + 1 rounded up to a multiple of 4.
func enumerate(path string, log *logging.Logger) ([]entry, int) {
	var lastErr error
	for attempt := 0; attempt <= enumRetries; attempt++ {
		entries, chars, err := parseFile(path)
		if err == nil {
			return entries, chars
		}
		lastErr = err
		if !transient(err) {
			break
		}
	}
	log.Errorf("failed to enumerate %s: %v", path, lastErr)
	return nil, 0
}

func transient(err error) bool {
	return errors.Is(err, unix.EIO) || errors.Is(err, unix.EINTR)
}

func parseFile(path string) ([]entry, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var (
		entries []entry
		chars   int
	)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// name:passwd:id:... for both passwd and group files.
		fields := strings.Split(line, ":")
		if len(fields) < 3 {
			continue
		}
		id, err := strconv.ParseUint(fields[2], 10, 32)
		if err != nil {
			continue
		}
		entries = append(entries, entry{name: fields[0], id: uint32(id)})
		if n := len(fields[0]) + 1; n > chars {
			chars = n
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, err
	}

	pad := chars / namePad
	if pad*namePad < chars {
		pad++
	}
	return entries, pad * namePad, nil
}

// serialize packs entries as name bytes NUL-padded to chars followed by
// a big-endian u32 id, matching the v3 cache table layout.
func serialize(entries []entry, chars int) []byte {
	buf := make([]byte, len(entries)*(chars+4))
	off := 0
	for _, e := range entries {
		copy(buf[off:off+chars], e.name)
		binary.BigEndian.PutUint32(buf[off+chars:off+chars+4], e.id)
		off += chars + 4
	}
	return buf
}

func (t *Table) buildMaps() {
	t.nameToID = make(map[string]uint32, t.Count)
	t.idToName = make(map[uint32]string, t.Count)
	stride := int(t.Chars) + 4
	for i := 0; i < int(t.Count); i++ {
		off := i * stride
		raw := t.Buf[off : off+int(t.Chars)]
		name := raw
		for j, b := range raw {
			if b == 0 {
				name = raw[:j]
				break
			}
		}
		id := binary.BigEndian.Uint32(t.Buf[off+int(t.Chars) : off+stride])
		t.nameToID[string(name)] = id
		t.idToName[id] = string(name)
	}
}

// NameFromID returns the name for id. An unknown id resolves to its
// decimal rendering, which is memoized so the second lookup is a map
// hit.
func (t *Table) NameFromID(id uint32) string {
	if name, ok := t.idToName[id]; ok {
		return name
	}
	name := strconv.FormatUint(uint64(id), 10)
	t.idToName[id] = name
	return name
}

// IDFromName returns the id for name, if known.
func (t *Table) IDFromName(name string) (uint32, bool) {
	id, ok := t.nameToID[name]
	return id, ok
}
