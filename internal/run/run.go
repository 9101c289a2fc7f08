// Package run wires the drm pipeline together: it launches the rank
// fabric and, on every rank, walks the tree or reads the cache, merges
// the id tables, and hands the inventory to the removal engine. Rank 0
// reports timing.
package run

import (
	"runtime"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/pfstools/drm/internal/comm"
	"github.com/pfstools/drm/internal/identity"
	"github.com/pfstools/drm/internal/inventory"
	"github.com/pfstools/drm/internal/logging"
	"github.com/pfstools/drm/internal/remove"
	"github.com/pfstools/drm/internal/report"
	"github.com/pfstools/drm/internal/walk"
)

// maxDefaultRanks caps the auto-detected fabric size.
const maxDefaultRanks = 8

// Options configures one drm run. Path and Cache follow the CLI
// contract: with an empty Path, Cache is a read-only input.
type Options struct {
	Path     string // canonicalized root, empty when reading a cache only
	Cache    string // cache file to read or write
	Lite     bool
	Verbose  bool
	Ranks    int
	Strategy string
	Report   string // report database path, empty to disable
}

// DefaultRanks returns the fabric size used when --ranks is not given.
func DefaultRanks() int {
	n := runtime.GOMAXPROCS(0)
	if n > maxDefaultRanks {
		n = maxDefaultRanks
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Run executes a full drm job and returns only on a fabric-level
// failure. Per-item filesystem errors are logged and never surface
// here; the process exits zero after a completed run regardless of how
// many deletions failed.
func Run(opts Options) error {
	ranks := opts.Ranks
	if ranks <= 0 {
		ranks = DefaultRanks()
	}
	if opts.Strategy == "" {
		opts.Strategy = remove.StrategyDirect
	}

	var rep *report.Writer
	if opts.Report != "" {
		w, err := report.Open(opts.Report)
		if err != nil {
			// The report is observational; losing it is not worth
			// aborting a removal job over.
			logging.New(0, opts.Verbose).Warnf("continuing without report: %v", err)
		} else {
			rep = w
			defer rep.Close()
		}
	}

	fabric := comm.NewFabric(ranks)
	return fabric.Run(func(c comm.Comm) error {
		return rankMain(c, opts, rep)
	})
}

func rankMain(c comm.Comm, opts Options, rep *report.Writer) error {
	log := logging.New(c.Rank(), opts.Verbose)
	if c.Rank() != 0 {
		rep = nil
	}

	start := time.Now()
	walkMode := opts.Path != ""
	statMode := !opts.Lite

	var (
		p             *inventory.Packed
		users, groups *identity.Table
		walkStart     uint64
		walkEnd       uint64
	)

	if walkMode {
		// Users and groups are resolved up front so the walk result can
		// be serialized with them.
		if statMode {
			users = identity.LoadUsers(c, log)
			groups = identity.LoadGroups(c, log)
		}

		mode := walk.Stat
		if opts.Lite {
			mode = walk.Lite
		}

		walkStart = uint64(time.Now().Unix())
		if opts.Verbose && c.Rank() == 0 {
			log.Infof("walking directory: %s", opts.Path)
		}
		wallStart := time.Now()
		list := walk.Run(c, opts.Path, mode, log)
		wallSecs := time.Since(wallStart).Seconds()
		walkEnd = uint64(time.Now().Unix())

		p = inventory.Pack(c, list, statMode)

		allCount := c.AllreduceUint64(comm.Sum, p.Count)
		if opts.Verbose && c.Rank() == 0 {
			log.Infof("walked %s items in %.3f seconds (%.1f items/sec)",
				humanize.Comma(int64(allCount)), wallSecs, rate(allCount, wallSecs))
		}

		if opts.Cache != "" {
			inventory.WriteCache(c, opts.Cache, p, users, groups, walkStart, walkEnd, log)
		}
	} else {
		if opts.Verbose && c.Rank() == 0 {
			log.Infof("reading from cache file: %s", opts.Cache)
		}
		readStart := time.Now()
		data := inventory.ReadCache(c, opts.Cache, log)
		readSecs := time.Since(readStart).Seconds()

		p = data.Files
		users = data.Users
		groups = data.Groups
		statMode = p.Stat

		allCount := c.AllreduceUint64(comm.Sum, p.Count)
		if opts.Verbose && c.Rank() == 0 {
			log.Infof("read %s items in %.3f seconds (%.1f items/sec)",
				humanize.Comma(int64(allCount)), readSecs, rate(allCount, readSecs))
		}
	}

	if opts.Verbose {
		if statMode && users != nil && groups != nil {
			inventory.Print(c.Rank(), p, users, groups)
		} else if !statMode {
			inventory.Print(c.Rank(), p, nil, nil)
		}
	}

	if rep != nil {
		modeName := "stat"
		if !statMode {
			modeName = "lite"
		}
		if err := rep.Begin(opts.Path, modeName, opts.Strategy, c.Size(), start); err != nil {
			log.Warnf("failed to record run metadata: %v", err)
		}
	}

	stats := opts.Verbose || opts.Report != ""
	eng := remove.New(c, opts.Strategy, stats, log, rep)

	removeStart := time.Now()
	removed := eng.Run(p)
	removeSecs := time.Since(removeStart).Seconds()

	allRemoved := c.AllreduceUint64(comm.Sum, removed)
	if c.Rank() == 0 {
		if opts.Verbose {
			log.Infof("removed %s items in %.3f seconds (%.1f items/sec)",
				humanize.Comma(int64(allRemoved)), removeSecs, rate(allRemoved, removeSecs))
		}
		if rep != nil {
			if err := rep.Finish(time.Now(), allRemoved); err != nil {
				log.Warnf("failed to record run completion: %v", err)
			}
		}
	}
	return nil
}

func rate(count uint64, secs float64) float64 {
	if secs <= 0 {
		return 0
	}
	return float64(count) / secs
}
