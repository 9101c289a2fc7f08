package remove

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/pfstools/drm/internal/comm"
	"github.com/pfstools/drm/internal/inventory"
	"github.com/pfstools/drm/internal/logging"
	"github.com/pfstools/drm/internal/walk"
)

// buildTree creates a nested tree and returns its root and the number
// of entries in it (root included).
func buildTree(t *testing.T) (string, int) {
	t.Helper()
	root := filepath.Join(t.TempDir(), "t")
	for _, d := range []string{"", "d1", "d2", "d1/deep"} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	for _, f := range []string{"a", "d1/f1", "d1/f2", "d2/f3", "d1/deep/f4", "d1/deep/f5"} {
		if err := os.WriteFile(filepath.Join(root, f), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Symlink("a", filepath.Join(root, "ln")); err != nil {
		t.Fatal(err)
	}
	return root, 4 + 6 + 1
}

// walkAndRemove walks root, packs the inventory, runs the engine with
// the given strategy on every rank, and returns the sum of all ranks'
// deletion counts.
func walkAndRemove(t *testing.T, ranks int, root, strategy string, mode walk.Mode) uint64 {
	t.Helper()
	f := comm.NewFabric(ranks)
	var total uint64
	err := f.Run(func(c comm.Comm) error {
		log := logging.NewWithWriter(c.Rank(), false, io.Discard)
		list := walk.Run(c, root, mode, log)
		p := inventory.Pack(c, list, mode == walk.Stat)

		eng := New(c, strategy, false, log, nil)
		removed := eng.Run(p)
		if got := c.AllreduceUint64(comm.Sum, removed); c.Rank() == 0 {
			total = got
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return total
}

// Every strategy must delete the whole tree, and the summed per-rank
// counts must equal the entry count exactly: more would mean an item
// was attempted on two ranks, fewer that one was dropped.
func TestStrategiesDeleteEverythingExactlyOnce(t *testing.T) {
	for _, strategy := range Strategies() {
		for _, mode := range []walk.Mode{walk.Stat, walk.Lite} {
			root, n := buildTree(t)
			got := walkAndRemove(t, 3, root, strategy, mode)
			if got != uint64(n) {
				t.Fatalf("strategy %s: deleted %d items, want %d", strategy, got, n)
			}
			if _, err := os.Lstat(root); !os.IsNotExist(err) {
				t.Fatalf("strategy %s: root still exists (err=%v)", strategy, err)
			}
		}
	}
}

// Flat directory across two ranks with the spread strategy: everything
// goes, and both ranks end up with work at the file depth.
func TestSpreadFlatDirectory(t *testing.T) {
	root := filepath.Join(t.TempDir(), "t")
	if err := os.Mkdir(root, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, f := range []string{"a", "b", "c"} {
		if err := os.WriteFile(filepath.Join(root, f), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	got := walkAndRemove(t, 2, root, StrategySpread, walk.Stat)
	if got != 4 {
		t.Fatalf("deleted %d items, want 4", got)
	}
	if _, err := os.Lstat(root); !os.IsNotExist(err) {
		t.Fatal("root still exists")
	}
}

// A read-only directory must be chmod'd before its children are
// removed.
func TestReadonlyDirectoryIsMadeWritable(t *testing.T) {
	root := filepath.Join(t.TempDir(), "t")
	ro := filepath.Join(root, "ro")
	if err := os.MkdirAll(ro, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(ro, "child"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(ro, 0o500); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chmod(ro, 0o700) }) // in case the test fails

	got := walkAndRemove(t, 2, root, StrategyDirect, walk.Stat)
	if got != 3 {
		t.Fatalf("deleted %d items, want 3", got)
	}
	if _, err := os.Lstat(root); !os.IsNotExist(err) {
		t.Fatal("root still exists")
	}
}

func TestEmptyInventory(t *testing.T) {
	f := comm.NewFabric(2)
	err := f.Run(func(c comm.Comm) error {
		log := logging.NewWithWriter(c.Rank(), false, io.Discard)
		eng := New(c, StrategyDirect, false, log, nil)
		if n := eng.Run(&inventory.Packed{}); n != 0 {
			t.Errorf("rank %d: removed %d from empty inventory", c.Rank(), n)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestTagFor(t *testing.T) {
	cases := map[inventory.Type]byte{
		inventory.TypeDir:     'd',
		inventory.TypeFile:    'f',
		inventory.TypeLink:    'f',
		inventory.TypeUnknown: 'u',
		inventory.TypeNull:    'u',
	}
	for typ, want := range cases {
		if got := tagFor(typ); got != want {
			t.Errorf("tagFor(%v) = %c, want %c", typ, got, want)
		}
	}
}
