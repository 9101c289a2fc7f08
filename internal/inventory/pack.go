package inventory

import (
	"bytes"
	"encoding/binary"

	"github.com/pfstools/drm/internal/comm"
)

// Trailer widths in bytes, following the padded path in each packed
// record. They match the v2/v3 cache record layouts exactly, so a
// packed buffer can be written to or read from a cache file verbatim.
const (
	liteTrailer = 4       // u32 type
	statTrailer = 6*4 + 8 // mode, uid, gid, atime, mtime, ctime (u32), size (u64)
	pathPad     = 8       // path width rounds up to a multiple of 8
)

// Packed is a rank's share of the inventory as a contiguous buffer of
// fixed-width big-endian records. Chars is the globally agreed padded
// path width and is identical on every rank.
type Packed struct {
	Stat  bool
	Count uint64
	Chars uint64
	Buf   []byte
}

// RecordSize returns the byte width of one packed record.
func (p *Packed) RecordSize() int {
	if p.Stat {
		return int(p.Chars) + statTrailer
	}
	return int(p.Chars) + liteTrailer
}

func roundUp(n, mult int) int {
	r := n / mult
	if r*mult < n {
		r++
	}
	return r * mult
}

// Pack converts a rank's record list into a packed buffer. The path
// width is the global maximum of len(path)+1 rounded up to a multiple
// of 8, agreed via an allreduce; a globally empty inventory yields an
// empty buffer with Chars 0. The list should be considered consumed
// afterwards.
func Pack(c comm.Comm, list *List, stat bool) *Packed {
	maxLen := 0
	for i := range list.Records {
		if n := len(list.Records[i].Path) + 1; n > maxLen {
			maxLen = n
		}
	}
	maxLen = roundUp(maxLen, pathPad)

	chars := c.AllreduceUint64(comm.Max, uint64(maxLen))
	p := &Packed{Stat: stat, Chars: chars}
	if chars == 0 {
		return p
	}

	p.Count = uint64(list.Len())
	rs := p.RecordSize()
	p.Buf = make([]byte, int(p.Count)*rs)

	for i := range list.Records {
		rec := &list.Records[i]
		off := i * rs
		copy(p.Buf[off:off+int(chars)], rec.Path) // zero fill is the NUL padding
		tr := p.Buf[off+int(chars) : off+rs]
		if stat {
			st := rec.Stat
			if st == nil {
				st = &Stat{}
			}
			binary.BigEndian.PutUint32(tr[0:4], st.Mode)
			binary.BigEndian.PutUint32(tr[4:8], st.UID)
			binary.BigEndian.PutUint32(tr[8:12], st.GID)
			binary.BigEndian.PutUint32(tr[12:16], uint32(st.Atime))
			binary.BigEndian.PutUint32(tr[16:20], uint32(st.Mtime))
			binary.BigEndian.PutUint32(tr[20:24], uint32(st.Ctime))
			binary.BigEndian.PutUint64(tr[24:32], st.Size)
		} else {
			binary.BigEndian.PutUint32(tr[0:4], uint32(rec.Type))
		}
	}
	return p
}

func (p *Packed) record(i int) []byte {
	rs := p.RecordSize()
	return p.Buf[i*rs : (i+1)*rs]
}

// PathAt returns the path of the i-th record.
func (p *Packed) PathAt(i int) string {
	raw := p.record(i)[:p.Chars]
	if n := bytes.IndexByte(raw, 0); n >= 0 {
		raw = raw[:n]
	}
	return string(raw)
}

// TypeAt returns the record type of the i-th record in a lite buffer.
func (p *Packed) TypeAt(i int) Type {
	tr := p.record(i)[p.Chars:]
	return Type(binary.BigEndian.Uint32(tr[0:4]))
}

// StatAt returns the stat trailer of the i-th record in a stat buffer.
func (p *Packed) StatAt(i int) Stat {
	tr := p.record(i)[p.Chars:]
	return Stat{
		Mode:  binary.BigEndian.Uint32(tr[0:4]),
		UID:   binary.BigEndian.Uint32(tr[4:8]),
		GID:   binary.BigEndian.Uint32(tr[8:12]),
		Atime: int64(binary.BigEndian.Uint32(tr[12:16])),
		Mtime: int64(binary.BigEndian.Uint32(tr[16:20])),
		Ctime: int64(binary.BigEndian.Uint32(tr[20:24])),
		Size:  binary.BigEndian.Uint64(tr[24:32]),
	}
}
