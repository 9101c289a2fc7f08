// Package remove implements the depth-ordered removal engine. It turns
// the packed inventory into a depth-annotated removal list, guarantees
// write permission on directories top-down, then deletes level by level
// from the deepest depth up to the root, redistributing each level's
// items across ranks with the configured strategy.
package remove

import (
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/pfstools/drm/internal/comm"
	"github.com/pfstools/drm/internal/inventory"
	"github.com/pfstools/drm/internal/logging"
	"github.com/pfstools/drm/internal/pathutil"
	"github.com/pfstools/drm/internal/report"
)

// Strategy names accepted by New.
const (
	StrategyDirect  = "direct"
	StrategySpread  = "spread"
	StrategyHashmap = "hashmap"
	StrategySort    = "sort"
	StrategyQueue   = "queue"
)

// Strategies lists the valid redistribution strategy names.
func Strategies() []string {
	return []string{StrategyDirect, StrategySpread, StrategyHashmap, StrategySort, StrategyQueue}
}

// ValidStrategy reports whether name selects a known strategy.
func ValidStrategy(name string) bool {
	for _, s := range Strategies() {
		if s == name {
			return true
		}
	}
	return false
}

type item struct {
	path     string
	depth    int
	typ      inventory.Type
	haveMode bool
	mode     uint32
}

// Engine owns one rank's removal list and drives the depth protocol.
// The collectives inside Run require every rank to construct an engine
// with the same strategy and stats setting and to call Run together.
type Engine struct {
	c        comm.Comm
	strategy string
	stats    bool
	log      *logging.Logger
	rep      *report.Writer // non-nil on rank 0 only, when reporting

	items   []item
	byDepth map[int][]int
	total   uint64
}

// New creates a removal engine. stats must agree across ranks since it
// gates per-depth collectives; rep may be nil and is only consulted on
// rank 0.
func New(c comm.Comm, strategy string, stats bool, log *logging.Logger, rep *report.Writer) *Engine {
	return &Engine{c: c, strategy: strategy, stats: stats, log: log, rep: rep}
}

// Total returns the number of removal attempts this rank has made so
// far; failed deletions are included.
func (e *Engine) Total() uint64 { return e.total }

// Run deletes every item in the inventory and returns the number of
// removal attempts this rank made, failed ones included. Deletion
// errors are logged per item and never abort the job.
func (e *Engine) Run(p *inventory.Packed) uint64 {
	e.buildList(p)

	// Max depth across all ranks, encoded +1 so an empty rank
	// contributes zero.
	localMax := uint64(0)
	for i := range e.items {
		if d := uint64(e.items[i].depth) + 1; d > localMax {
			localMax = d
		}
	}
	maxPlus := e.c.AllreduceUint64(comm.Max, localMax)
	if maxPlus == 0 {
		return 0
	}
	maxDepth := int(maxPlus) - 1

	// Top-down: make sure every directory is writable by its owner
	// before anything below it is deleted.
	for depth := 0; depth <= maxDepth; depth++ {
		for _, idx := range e.byDepth[depth] {
			it := &e.items[idx]
			if it.typ != inventory.TypeDir {
				continue
			}
			if it.haveMode && it.mode&0o200 != 0 {
				continue
			}
			if err := unix.Chmod(it.path, 0o700); err != nil {
				e.log.Warnf("failed to chmod directory `%s': %v", it.path, err)
			}
		}
		e.c.Barrier()
	}

	// Deepest first, one synchronized level at a time.
	for depth := maxDepth; depth >= 0; depth-- {
		start := time.Now()

		var removed uint64
		switch e.strategy {
		case StrategySpread:
			removed = e.removeSpread(depth)
		case StrategyHashmap:
			removed = e.removeHashmap(depth)
		case StrategySort:
			removed = e.removeSort(depth)
		case StrategyQueue:
			removed = e.removeQueue(depth)
		default:
			removed = e.removeDirect(depth)
		}
		e.total += removed

		e.c.Barrier()
		secs := time.Since(start).Seconds()

		if e.stats {
			min := e.c.AllreduceUint64(comm.Min, removed)
			max := e.c.AllreduceUint64(comm.Max, removed)
			sum := e.c.AllreduceUint64(comm.Sum, removed)
			rate := 0.0
			if secs > 0 {
				rate = float64(sum) / secs
			}
			if e.c.Rank() == 0 {
				e.log.Infof("level=%d min=%d max=%d sum=%d rate=%f secs=%f",
					depth, min, max, sum, rate, secs)
				if e.rep != nil {
					if err := e.rep.Depth(depth, min, max, sum, rate, secs); err != nil {
						e.log.Warnf("failed to record depth stats: %v", err)
					}
				}
			}
		}
	}
	return e.total
}

// buildList converts the packed inventory into the removal list. In
// stat mode everything that is not a directory removes as a file; in
// lite mode the recorded type decides and the mode is unknown.
func (e *Engine) buildList(p *inventory.Packed) {
	n := int(p.Count)
	e.items = make([]item, 0, n)
	e.byDepth = make(map[int][]int)
	for i := 0; i < n; i++ {
		path := p.PathAt(i)
		it := item{path: path, depth: pathutil.Depth(path)}
		if p.Stat {
			st := p.StatAt(i)
			it.typ = inventory.TypeFile
			if inventory.TypeFromMode(st.Mode) == inventory.TypeDir {
				it.typ = inventory.TypeDir
			}
			it.haveMode = true
			it.mode = st.Mode
		} else {
			it.typ = p.TypeAt(i)
		}
		e.byDepth[it.depth] = append(e.byDepth[it.depth], len(e.items))
		e.items = append(e.items, it)
	}
}

// tagFor encodes the removal action for a type: directories rmdir,
// files and links unlink, anything else falls back to the OS-native
// remove.
func tagFor(typ inventory.Type) byte {
	switch typ {
	case inventory.TypeDir:
		return 'd'
	case inventory.TypeFile, inventory.TypeLink:
		return 'f'
	default:
		return 'u'
	}
}

// removeTagged deletes one item according to its tag. Failures are
// logged with the errno string and the job continues.
func (e *Engine) removeTagged(tag byte, path string) {
	switch tag {
	case 'd':
		if err := unix.Rmdir(path); err != nil {
			e.log.Errorf("failed to rmdir `%s': %v", path, err)
		}
	case 'f':
		if err := unix.Unlink(path); err != nil {
			e.log.Errorf("failed to unlink `%s': %v", path, err)
		}
	case 'u':
		if err := os.Remove(path); err != nil {
			e.log.Errorf("failed to remove `%s': %v", path, err)
		}
	default:
		e.log.Errorf("unknown removal tag %q for `%s'", tag, path)
	}
}

// removeDirect deletes exactly the items this rank holds at depth.
func (e *Engine) removeDirect(depth int) uint64 {
	var count uint64
	for _, idx := range e.byDepth[depth] {
		it := &e.items[idx]
		e.removeTagged(tagFor(it.typ), it.path)
		count++
	}
	return count
}
