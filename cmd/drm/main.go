package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pfstools/drm/internal/pathutil"
	"github.com/pfstools/drm/internal/remove"
	"github.com/pfstools/drm/internal/run"
)

var version = "0.1.0"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var (
	flagCache    string
	flagLite     bool
	flagVerbose  bool
	flagRanks    int
	flagStrategy string
	flagReport   string
)

var rootCmd = &cobra.Command{
	Use:   "drm [flags] <path>",
	Short: "Distributed bulk removal of large file trees",
	Long: `drm deletes every file, symlink, and directory under a path using a
set of cooperating ranks. It walks the tree in parallel (or reads a
previously written inventory cache) and removes it depth by depth,
redistributing work across ranks with a configurable strategy.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRoot,
}

func init() {
	rootCmd.Version = version
	rootCmd.Flags().StringVarP(&flagCache, "cache", "c", "", "Read/write inventory cache file")
	rootCmd.Flags().BoolVarP(&flagLite, "lite", "l", false, "Walk without per-entry stat (types from dirents only)")
	rootCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "Progress and timing output")
	rootCmd.Flags().IntVar(&flagRanks, "ranks", run.DefaultRanks(), "Number of ranks in the fabric")
	rootCmd.Flags().StringVar(&flagStrategy, "strategy", remove.StrategyDirect,
		"Redistribution strategy: "+strings.Join(remove.Strategies(), "|"))
	rootCmd.Flags().StringVar(&flagReport, "report", "", "Write a run report to this SQLite database")
}

func runRoot(cmd *cobra.Command, args []string) error {
	// Usage problems must fail before any collective starts.
	if len(args) == 0 && flagCache == "" {
		return fmt.Errorf("either a path to remove or --cache is required")
	}
	if !remove.ValidStrategy(flagStrategy) {
		return fmt.Errorf("invalid strategy %q (expected %s)",
			flagStrategy, strings.Join(remove.Strategies(), "|"))
	}
	if flagRanks < 1 {
		return fmt.Errorf("invalid rank count %d", flagRanks)
	}

	opts := run.Options{
		Cache:    flagCache,
		Lite:     flagLite,
		Verbose:  flagVerbose,
		Ranks:    flagRanks,
		Strategy: flagStrategy,
		Report:   flagReport,
	}

	if len(args) == 1 {
		root, err := filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("failed to resolve path %q: %w", args[0], err)
		}
		opts.Path = pathutil.Normalize(root)
	}

	// From here on everything is logged and survived; a finished run
	// exits zero even when individual deletions failed.
	cmd.SilenceUsage = true
	return run.Run(opts)
}
