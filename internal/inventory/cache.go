package inventory

import (
	"encoding/binary"
	"os"

	"github.com/pfstools/drm/internal/comm"
	"github.com/pfstools/drm/internal/identity"
	"github.com/pfstools/drm/internal/logging"
)

// Cache file versions. All integers in the file are big-endian.
//
// v2 (lite):  u64 version, walk_start, walk_end, total_count, chars,
//             then total_count records of path[chars] + u32 type.
// v3 (stat):  u64 version, walk_start, walk_end, users_count,
//             users_chars, groups_count, groups_chars, total_count,
//             chars; the users table, the groups table, then
//             total_count records of path[chars] + mode, uid, gid,
//             atime, mtime, ctime (u32) + size (u64). Timestamps are
//             truncated to 32 bits by the format.
//
// Records are split evenly across ranks: floor(N/R) each, with the
// first N mod R ranks taking one extra.
const (
	cacheVersionLite uint64 = 2
	cacheVersionStat uint64 = 3
)

// CacheData is the result of a cache read: the rank's share of the
// inventory plus, for v3 files, the id tables and walk timestamps.
type CacheData struct {
	Files     *Packed
	Users     *identity.Table
	Groups    *identity.Table
	WalkStart uint64
	WalkEnd   uint64
}

// rankShare splits total evenly across ranks and returns this rank's
// count and its global record offset.
func rankShare(c comm.Comm, total uint64) (count, offset uint64) {
	ranks := uint64(c.Size())
	rank := uint64(c.Rank())
	count = total / ranks
	remainder := total - count*ranks
	if rank < remainder {
		count++
	}
	offset = c.ExscanSum(count)
	return count, offset
}

func putUint64s(vals ...uint64) []byte {
	buf := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.BigEndian.PutUint64(buf[i*8:], v)
	}
	return buf
}

// WriteCache collectively writes the inventory to path. Rank 0 writes
// the header (and, in stat mode, the id tables); every rank writes its
// records at its exscan offset. Errors are logged and the job
// continues; the collectives run regardless so no rank is left behind.
func WriteCache(c comm.Comm, path string, p *Packed, users, groups *identity.Table, walkStart, walkEnd uint64, log *logging.Logger) {
	allCount := c.AllreduceUint64(comm.Sum, p.Count)
	offset := c.ExscanSum(p.Count)

	var base uint64
	ok := true
	if c.Rank() == 0 {
		f, err := os.Create(path)
		if err != nil {
			log.Errorf("failed to create cache file %s: %v", path, err)
			ok = false
		} else {
			var header []byte
			if p.Stat {
				header = putUint64s(cacheVersionStat, walkStart, walkEnd,
					users.Count, users.Chars, groups.Count, groups.Chars,
					allCount, p.Chars)
			} else {
				header = putUint64s(cacheVersionLite, walkStart, walkEnd,
					allCount, p.Chars)
			}
			if _, err := f.Write(header); err != nil {
				log.Errorf("failed to write cache header to %s: %v", path, err)
				ok = false
			}
			base = uint64(len(header))
			if ok && p.Stat {
				if _, err := f.Write(users.Buf); err != nil {
					log.Errorf("failed to write id tables to %s: %v", path, err)
					ok = false
				} else if _, err := f.Write(groups.Buf); err != nil {
					log.Errorf("failed to write id tables to %s: %v", path, err)
					ok = false
				}
				base += uint64(len(users.Buf)) + uint64(len(groups.Buf))
			}
			f.Close()
		}
	}

	// Everyone learns the record base and whether rank 0 succeeded.
	hdr := c.BcastUint64s(0, []uint64{base, boolToUint64(ok)})
	base, ok = hdr[0], hdr[1] != 0
	if !ok || allCount == 0 || p.Chars == 0 {
		c.Barrier()
		return
	}

	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		log.Errorf("failed to open cache file %s: %v", path, err)
	} else {
		rs := uint64(p.RecordSize())
		if _, err := f.WriteAt(p.Buf, int64(base+offset*rs)); err != nil {
			log.Errorf("failed to write cache records to %s: %v", path, err)
		}
		f.Close()
	}
	c.Barrier()
}

func boolToUint64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// cacheReader bundles one rank's open handle on the cache file with
// the fabric endpoint the decode runs over. The handle is nil when the
// open failed; reads through a nil handle come back empty and the
// inventory stays empty on that rank.
type cacheReader struct {
	c   comm.Comm
	f   *os.File
	log *logging.Logger
}

// ReadCache collectively reads a cache file. The decoder is selected by
// the version read and broadcast from rank 0; an unrecognized version
// or a failed open is logged on rank 0 and leaves the inventory empty.
func ReadCache(c comm.Comm, path string, log *logging.Logger) *CacheData {
	f, err := os.Open(path)
	if err != nil {
		if c.Rank() == 0 {
			log.Errorf("failed to open cache file %s: %v", path, err)
		}
		f = nil
	}
	r := &cacheReader{c: c, f: f, log: log}
	if f != nil {
		defer f.Close()
	}

	var version uint64
	if c.Rank() == 0 && f != nil {
		var buf [8]byte
		if _, err := f.ReadAt(buf[:], 0); err != nil {
			log.Errorf("failed to read cache version: %v", err)
		} else {
			version = binary.BigEndian.Uint64(buf[:])
		}
	}
	version = c.BcastUint64s(0, []uint64{version})[0]

	switch version {
	case cacheVersionLite:
		return r.readLite()
	case cacheVersionStat:
		return r.readStat()
	default:
		if c.Rank() == 0 && version != 0 {
			log.Errorf("unrecognized cache version %d", version)
		}
		return &CacheData{Files: &Packed{}}
	}
}

// header reads count u64 values at disp on rank 0 and broadcasts them.
// A read failure yields zeros, which downstream code treats as an empty
// inventory.
func (r *cacheReader) header(disp uint64, count int) []uint64 {
	vals := make([]uint64, count)
	if r.c.Rank() == 0 && r.f != nil {
		buf := make([]byte, 8*count)
		if _, err := r.f.ReadAt(buf, int64(disp)); err != nil {
			r.log.Errorf("failed to read cache header: %v", err)
		} else {
			for i := range vals {
				vals[i] = binary.BigEndian.Uint64(buf[i*8:])
			}
		}
	}
	return r.c.BcastUint64s(0, vals)
}

func (r *cacheReader) readLite() *CacheData {
	header := r.header(8, 4)
	data := &CacheData{
		WalkStart: header[0],
		WalkEnd:   header[1],
	}
	allCount, chars := header[2], header[3]

	p := &Packed{Stat: false, Chars: chars}
	data.Files = p
	if allCount == 0 || chars == 0 {
		return data
	}

	count, offset := rankShare(r.c, allCount)
	p.Count = count
	r.share(p, 8+4*8, offset)
	return data
}

func (r *cacheReader) readStat() *CacheData {
	header := r.header(8, 8)
	data := &CacheData{
		WalkStart: header[0],
		WalkEnd:   header[1],
	}
	usersCount, usersChars := header[2], header[3]
	groupsCount, groupsChars := header[4], header[5]
	allCount, chars := header[6], header[7]

	disp := uint64(8 + 8*8)

	// The id tables are small and identical everywhere: rank 0 reads,
	// everyone else gets them by broadcast.
	usersBuf := r.table(disp, usersCount, usersChars)
	disp += usersCount * (usersChars + 4)
	groupsBuf := r.table(disp, groupsCount, groupsChars)
	disp += groupsCount * (groupsChars + 4)

	data.Users = identity.FromPacked(usersCount, usersChars, usersBuf)
	data.Groups = identity.FromPacked(groupsCount, groupsChars, groupsBuf)

	p := &Packed{Stat: true, Chars: chars}
	data.Files = p
	if allCount == 0 || chars == 0 {
		return data
	}

	count, offset := rankShare(r.c, allCount)
	p.Count = count
	r.share(p, disp, offset)
	return data
}

func (r *cacheReader) table(disp, count, chars uint64) []byte {
	if count == 0 || chars == 0 {
		return nil
	}
	var buf []byte
	if r.c.Rank() == 0 && r.f != nil {
		buf = make([]byte, count*(chars+4))
		if _, err := r.f.ReadAt(buf, int64(disp)); err != nil {
			r.log.Errorf("failed to read id table: %v", err)
			buf = nil
		}
	}
	return r.c.Bcast(0, buf)
}

// share reads this rank's count records starting at the global record
// offset. A local read failure empties this rank's share but leaves
// other ranks intact.
func (r *cacheReader) share(p *Packed, base, offset uint64) {
	if p.Count == 0 {
		return
	}
	if r.f == nil {
		p.Count = 0
		return
	}
	rs := uint64(p.RecordSize())
	p.Buf = make([]byte, p.Count*rs)
	if _, err := r.f.ReadAt(p.Buf, int64(base+offset*rs)); err != nil {
		r.log.Errorf("failed to read cache records: %v", err)
		p.Count = 0
		p.Buf = nil
	}
}
