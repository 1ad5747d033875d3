// Command ponystore is the diagnostic front-end for the storage engine:
// open a store (creating it if absent), print its statistics, or run the
// structural repair pass over a store a crash left inconsistent. It is the
// one CLI surface spec.md allows (§5's Non-goals exclude anything else).
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/ponysql/ponystore/internal/alloc"
	"github.com/ponysql/ponystore/internal/bufman"
	"github.com/ponysql/ponystore/internal/journal"
	"github.com/ponysql/ponystore/internal/logx"
	"github.com/ponysql/ponystore/internal/term"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "open":
		err = runOpen(os.Args[2:])
	case "stats":
		err = runStats(os.Args[2:])
	case "repair":
		err = runRepair(os.Args[2:])
	case "-h", "-help", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "ponystore: unknown subcommand %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	exitIfErr(err)
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: ponystore <subcommand> [options]

Subcommands:
  open    open (or create) a store and report whether it closed cleanly
  stats   print bin occupancy and allocation statistics for a store
  repair  run the structural repair scan over a store, with confirmation`)
}

func exitIfErr(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "ponystore: %v\n", err)
	os.Exit(1)
}

// commonFlags are the store-location and tuning knobs every subcommand
// shares — page size, journal directory, buffer pool size and per-slice
// cap — all plain flag values, matching tinySQL's cmd/server configuration
// style (no Viper, no env-var framework).
type commonFlags struct {
	journalDir   string
	resourceName string
	pageSize     uint64
	maxPages     int
	maxSliceSize int64
	idleCron     string
	verbose      bool
}

func bindCommon(fs *flag.FlagSet) *commonFlags {
	c := &commonFlags{}
	fs.StringVar(&c.journalDir, "journal-dir", "", "directory holding the journal files and backing resource (required)")
	fs.StringVar(&c.resourceName, "resource", "store.dat", "name of the resource to open within journal-dir")
	fs.Uint64Var(&c.pageSize, "page-size", 8192, "buffer manager page size in bytes")
	fs.IntVar(&c.maxPages, "max-pages", 256, "maximum resident buffer pool pages")
	fs.Int64Var(&c.maxSliceSize, "max-slice-size", 64*1024*1024, "maximum size of one backing file slice")
	fs.StringVar(&c.idleCron, "idle-checkpoint", "", "optional cron schedule for idle checkpoints (e.g. \"0 */15 * * * *\"); empty disables it")
	fs.BoolVar(&c.verbose, "v", false, "verbose logging")
	return c
}

func (c *commonFlags) open(logger logx.Logger) (*journal.System, *bufman.Manager, error) {
	if c.journalDir == "" {
		return nil, nil, fmt.Errorf("-journal-dir is required")
	}
	if err := os.MkdirAll(c.journalDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create journal dir: %w", err)
	}
	sys, err := journal.OpenSystem(c.journalDir, c.pageSize, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open journal system: %w", err)
	}
	if c.idleCron != "" {
		if err := sys.StartIdleCheckpoint(c.idleCron); err != nil {
			_ = sys.Stop()
			return nil, nil, fmt.Errorf("start idle checkpoint: %w", err)
		}
	}
	sys.StartPersister()
	mgr := bufman.New(sys, c.pageSize, c.maxPages)
	return sys, mgr, nil
}

func (c *commonFlags) logger() logx.Logger {
	if !c.verbose {
		return logx.Nop
	}
	return logx.New()
}

func runOpen(args []string) error {
	fs := flag.NewFlagSet("ponystore open", flag.ExitOnError)
	c := bindCommon(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := c.logger()
	sys, mgr, err := c.open(logger)
	if err != nil {
		return err
	}
	defer sys.Stop()

	store, err := alloc.Open(sys, mgr, c.resourceName, c.maxSliceSize, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	if store.LastCloseClean() {
		fmt.Printf("opened %q: previous close was clean\n", c.resourceName)
	} else {
		fmt.Printf("opened %q: previous close was DIRTY — consider running `ponystore repair`\n", c.resourceName)
	}
	return nil
}

func runStats(args []string) error {
	fs := flag.NewFlagSet("ponystore stats", flag.ExitOnError)
	c := bindCommon(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := c.logger()
	sys, mgr, err := c.open(logger)
	if err != nil {
		return err
	}
	defer sys.Stop()

	store, err := alloc.Open(sys, mgr, c.resourceName, c.maxSliceSize, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	stats, err := store.Stats()
	if err != nil {
		return fmt.Errorf("collect stats: %w", err)
	}

	fmt.Printf("resource:             %s\n", c.resourceName)
	fmt.Printf("data area size:       %d bytes\n", stats.DataAreaSize)
	fmt.Printf("total allocated:      %d bytes\n", stats.TotalAllocatedSpace)
	fmt.Printf("wilderness size:      %d bytes\n", stats.WildernessSize)
	fmt.Printf("last close:           %s\n", closeWord(store.LastCloseClean()))

	occupied := 0
	for i, n := range stats.BinOccupancy {
		if n == 0 {
			continue
		}
		occupied++
		fmt.Printf("  bin %3d: %d free area(s)\n", i, n)
	}
	if occupied == 0 {
		fmt.Println("  (no free areas in any bin)")
	}

	if h := sys.PersisterHealth(); !h.Running {
		fmt.Printf("WARNING: background persister is not running (%s)\n", h.StopReason)
	}
	return nil
}

func closeWord(clean bool) string {
	if clean {
		return "clean"
	}
	return "dirty"
}

func runRepair(args []string) error {
	fs := flag.NewFlagSet("ponystore repair", flag.ExitOnError)
	c := bindCommon(fs)
	yes := fs.Bool("yes", false, "apply repairs without prompting for confirmation")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := c.logger()
	sys, mgr, err := c.open(logger)
	if err != nil {
		return err
	}
	defer sys.Stop()

	tty := term.Terminal(term.NewStdio(os.Stdout, os.Stdin))
	if *yes {
		tty = term.Silent{Answer: "y"}
	}

	tty.Println("about to run the structural repair scan over %q in %q.", c.resourceName, c.journalDir)
	tty.Println("this rewrites boundary tags in regions the scan judges inconsistent and rebuilds every free-space bin from scratch.")
	reply, err := tty.Ask("proceed? [y/N] ")
	if err != nil {
		return fmt.Errorf("read confirmation: %w", err)
	}
	if reply != "y" && reply != "Y" && reply != "yes" {
		tty.Println("aborted.")
		return nil
	}

	store, err := alloc.Repair(sys, mgr, c.resourceName, c.maxSliceSize, logger)
	if err != nil {
		return fmt.Errorf("repair store: %w", err)
	}
	defer store.Close()

	stats, err := store.Stats()
	if err != nil {
		return fmt.Errorf("collect post-repair stats: %w", err)
	}
	tty.Println("repair complete. data area is now %d bytes, %d bytes allocated.", stats.DataAreaSize, stats.TotalAllocatedSpace)
	return nil
}
