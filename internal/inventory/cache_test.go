package inventory

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"pgregory.net/rapid"

	"github.com/pfstools/drm/internal/comm"
	"github.com/pfstools/drm/internal/identity"
	"github.com/pfstools/drm/internal/logging"
)

func testLogger(rank int) *logging.Logger {
	return logging.NewWithWriter(rank, false, io.Discard)
}

// statRec pairs a path with its trailer for multiset comparison.
type statRec struct {
	path string
	st   Stat
}

func collectStat(p *Packed) []statRec {
	out := make([]statRec, 0, p.Count)
	for i := 0; i < int(p.Count); i++ {
		out = append(out, statRec{path: p.PathAt(i), st: p.StatAt(i)})
	}
	return out
}

func sortStat(recs []statRec) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].path < recs[j].path })
}

// writeThenRead runs a collective cache write followed by a collective
// read on a fresh fabric, with perRank[i] appended on rank i.
func writeThenRead(t *testing.T, ranks int, stat bool, perRank [][]FileRecord) (string, []*CacheData) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.drm")

	f := comm.NewFabric(ranks)
	var mu sync.Mutex
	results := make([]*CacheData, ranks)
	err := f.Run(func(c comm.Comm) error {
		log := testLogger(c.Rank())
		list := &List{}
		for _, rec := range perRank[c.Rank()] {
			list.Append(rec)
		}
		p := Pack(c, list, stat)

		var users, groups *identity.Table
		if stat {
			users = identity.FromPacked(0, 0, nil)
			groups = identity.FromPacked(0, 0, nil)
		}
		WriteCache(c, path, p, users, groups, 1700000100, 1700000200, log)

		data := ReadCache(c, path, log)
		mu.Lock()
		results[c.Rank()] = data
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return path, results
}

func TestCacheV3RoundTrip(t *testing.T) {
	perRank := [][]FileRecord{
		{
			{Path: "/t", Type: TypeDir, Stat: &Stat{Mode: 0o040755, UID: 0, GID: 0, Atime: 1, Mtime: 2, Ctime: 3, Size: 4096}},
			{Path: "/t/a", Type: TypeFile, Stat: &Stat{Mode: 0o100644, UID: 1000, GID: 100, Atime: 10, Mtime: 20, Ctime: 30, Size: 512}},
		},
		{
			{Path: "/t/sub", Type: TypeDir, Stat: &Stat{Mode: 0o040700, UID: 1000, GID: 100, Atime: 5, Mtime: 6, Ctime: 7, Size: 4096}},
			{Path: "/t/sub/b", Type: TypeLink, Stat: &Stat{Mode: 0o120777, UID: 1000, GID: 100, Atime: 8, Mtime: 9, Ctime: 11, Size: 3}},
			{Path: "/t/sub/c", Type: TypeFile, Stat: &Stat{Mode: 0o100600, UID: 65534, GID: 65534, Atime: 12, Mtime: 13, Ctime: 14, Size: 0}},
		},
	}

	path, results := writeThenRead(t, 2, true, perRank)

	var want, got []statRec
	for _, recs := range perRank {
		for _, rec := range recs {
			want = append(want, statRec{path: rec.Path, st: *rec.Stat})
		}
	}
	for rank, data := range results {
		if !data.Files.Stat {
			t.Fatalf("rank %d: read a lite buffer from a v3 file", rank)
		}
		if data.WalkStart != 1700000100 || data.WalkEnd != 1700000200 {
			t.Fatalf("rank %d: walk window %d..%d", rank, data.WalkStart, data.WalkEnd)
		}
		got = append(got, collectStat(data.Files)...)
	}

	sortStat(want)
	sortStat(got)
	if len(got) != len(want) {
		t.Fatalf("read %d records, wrote %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("record %d: got %+v, want %+v", i, got[i], want[i])
		}
	}

	// The on-disk version field is a big-endian u64 at offset 0.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if v := binary.BigEndian.Uint64(raw[:8]); v != 3 {
		t.Fatalf("version on disk = %d, want 3", v)
	}
	// Header: version + 8 fields; total count at field index 7.
	if n := binary.BigEndian.Uint64(raw[8+6*8 : 8+7*8]); n != 5 {
		t.Fatalf("total count on disk = %d, want 5", n)
	}
}

func TestCacheV2RoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ranks := rapid.IntRange(1, 4).Draw(rt, "ranks")
		n := rapid.IntRange(0, 30).Draw(rt, "n")

		paths := make(map[string]Type, n)
		for i := 0; i < n; i++ {
			depth := rapid.IntRange(1, 4).Draw(rt, fmt.Sprintf("depth%d", i))
			p := "/t"
			for d := 0; d < depth; d++ {
				p += fmt.Sprintf("/d%d", rapid.IntRange(0, 9).Draw(rt, fmt.Sprintf("c%d-%d", i, d)))
			}
			typ := Type(rapid.IntRange(1, 4).Draw(rt, fmt.Sprintf("t%d", i)))
			paths[p] = typ
		}

		perRank := make([][]FileRecord, ranks)
		i := 0
		for p, typ := range paths {
			perRank[i%ranks] = append(perRank[i%ranks], FileRecord{Path: p, Type: typ})
			i++
		}

		dir, err := os.MkdirTemp("", "drm-cache-test")
		if err != nil {
			rt.Fatal(err)
		}
		defer os.RemoveAll(dir)
		path := filepath.Join(dir, "cache.drm")

		f := comm.NewFabric(ranks)
		var mu sync.Mutex
		got := make(map[string]Type, len(paths))
		err = f.Run(func(c comm.Comm) error {
			log := testLogger(c.Rank())
			list := &List{}
			for _, rec := range perRank[c.Rank()] {
				list.Append(rec)
			}
			p := Pack(c, list, false)
			WriteCache(c, path, p, nil, nil, 7, 8, log)

			data := ReadCache(c, path, log)
			if data.Files.Stat {
				return fmt.Errorf("v2 read came back in stat mode")
			}
			mu.Lock()
			for j := 0; j < int(data.Files.Count); j++ {
				got[data.Files.PathAt(j)] = data.Files.TypeAt(j)
			}
			mu.Unlock()
			return nil
		})
		if err != nil {
			rt.Fatal(err)
		}

		if len(got) != len(paths) {
			rt.Fatalf("read %d distinct paths, wrote %d", len(got), len(paths))
		}
		for p, typ := range paths {
			if got[p] != typ {
				rt.Fatalf("path %s: type %v, want %v", p, got[p], typ)
			}
		}
	})
}

func TestReadCacheUnknownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.drm")
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, 99)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatal(err)
	}

	f := comm.NewFabric(2)
	err := f.Run(func(c comm.Comm) error {
		data := ReadCache(c, path, testLogger(c.Rank()))
		if data.Files.Count != 0 {
			return fmt.Errorf("rank %d: unknown version produced %d records", c.Rank(), data.Files.Count)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestReadCacheMissingFile(t *testing.T) {
	f := comm.NewFabric(2)
	missing := filepath.Join(t.TempDir(), "missing.drm")
	err := f.Run(func(c comm.Comm) error {
		data := ReadCache(c, missing, testLogger(c.Rank()))
		if data.Files.Count != 0 {
			return fmt.Errorf("rank %d: missing file produced %d records", c.Rank(), data.Files.Count)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
