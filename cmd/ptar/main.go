package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/bamsammich/ptar/internal/archive"
	"github.com/bamsammich/ptar/internal/comm"
	"github.com/bamsammich/ptar/internal/config"
	"github.com/bamsammich/ptar/internal/filter"
	"github.com/bamsammich/ptar/internal/flist"
)

var version = "dev"

func main() {
	os.Exit(run())
}

type rootFlags struct {
	ranks     int
	chunkSize string
	blockSize string
	progress  time.Duration
	ioURing   bool
	verbose   bool
	quiet     bool
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ptar: config: %v\n", err)
		return 1
	}

	rf := &rootFlags{
		ranks:     runtime.NumCPU(),
		chunkSize: "1MiB",
		blockSize: "1MiB",
		progress:  10 * time.Second,
	}
	applyConfigDefaults(rf, cfg)

	root := &cobra.Command{
		Use:           "ptar",
		Short:         "parallel tar archiver",
		Long:          "ptar packs file trees into POSIX pax archives and unpacks them, using many cooperating ranks that read and write disjoint byte ranges in parallel.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(rf)
		},
	}

	pf := root.PersistentFlags()
	pf.IntVar(&rf.ranks, "ranks", rf.ranks, "number of cooperating ranks")
	pf.StringVar(&rf.chunkSize, "chunk-size", rf.chunkSize, "work item granularity for file payloads")
	pf.StringVar(&rf.blockSize, "block-size", rf.blockSize, "I/O buffer size")
	pf.DurationVar(&rf.progress, "progress", rf.progress, "progress report interval (0 disables)")
	pf.BoolVar(&rf.ioURing, "io-uring", rf.ioURing, "use io_uring for archive writes where available")
	pf.BoolVarP(&rf.verbose, "verbose", "v", false, "debug logging")
	pf.BoolVarP(&rf.quiet, "quiet", "q", false, "errors only")

	root.AddCommand(newCreateCmd(rf, cfg), newExtractCmd(rf, cfg))

	if err := root.Execute(); err != nil {
		slog.Error(err.Error())
		return 1
	}
	return 0
}

func applyConfigDefaults(rf *rootFlags, cfg config.Config) {
	d := cfg.Defaults
	if d.Ranks != nil {
		rf.ranks = *d.Ranks
	}
	if d.ChunkSize != nil {
		rf.chunkSize = *d.ChunkSize
	}
	if d.BlockSize != nil {
		rf.blockSize = *d.BlockSize
	}
	if d.IOURing != nil {
		rf.ioURing = *d.IOURing
	}
}

func setupLogging(rf *rootFlags) {
	level := slog.LevelInfo
	if rf.verbose || os.Getenv("PTAR_DEBUG") != "" {
		level = slog.LevelDebug
	}
	if rf.quiet {
		level = slog.LevelError
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	// A short run id correlates log lines from the ranks of one invocation.
	slog.SetDefault(slog.New(handler).With("run", uuid.NewString()[:8]))
}

func (rf *rootFlags) options() (archive.Options, error) {
	chunk, err := parseSize(rf.chunkSize)
	if err != nil {
		return archive.Options{}, fmt.Errorf("chunk-size: %w", err)
	}
	block, err := parseSize(rf.blockSize)
	if err != nil {
		return archive.Options{}, fmt.Errorf("block-size: %w", err)
	}
	progress := rf.progress
	if env := os.Getenv("PTAR_PROGRESS_SECS"); env != "" {
		if secs, err := strconv.Atoi(env); err == nil {
			progress = time.Duration(secs) * time.Second
		}
	}
	return archive.Options{
		ChunkSize:        chunk,
		BlockSize:        block,
		ProgressInterval: progress,
		UseIOURing:       rf.ioURing,
	}, nil
}

// filterFlag appends to a shared chain so --exclude and --include keep their
// command line ordering.
type filterFlag struct {
	chain   *filter.Chain
	include bool
}

var _ pflag.Value = (*filterFlag)(nil)

func (*filterFlag) String() string { return "" }
func (*filterFlag) Type() string   { return "pattern" }

func (f *filterFlag) Set(value string) error {
	if f.include {
		return f.chain.AddInclude(value)
	}
	return f.chain.AddExclude(value)
}

func newCreateCmd(rf *rootFlags, cfg config.Config) *cobra.Command {
	var (
		archivePath string
		cwd         string
		preserve    bool
		verify      bool
		noIndex     bool
		minSize     string
		maxSize     string
	)
	if cfg.Defaults.Preserve != nil {
		preserve = *cfg.Defaults.Preserve
	}
	if cfg.Defaults.Verify != nil {
		verify = *cfg.Defaults.Verify
	}

	chain := filter.NewChain()

	cmd := &cobra.Command{
		Use:   "create -f ARCHIVE PATH...",
		Short: "pack paths into a new archive",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := rf.options()
			if err != nil {
				return err
			}
			opts.Preserve = preserve
			opts.Verify = verify
			opts.NoIndex = noIndex

			if err := setSizeBounds(chain, minSize, maxSize); err != nil {
				return err
			}
			if cwd == "" {
				if cwd, err = os.Getwd(); err != nil {
					return err
				}
			}

			ctx := signalContext()
			rt := archive.NewRuntime(rf.ranks)
			return onRanks(ctx, rf.ranks, func(g *comm.Group) error {
				l, err := flist.Walk(g, args, flist.WalkOptions{Cwd: cwd, Filter: chain})
				if err != nil {
					return err
				}
				return archive.Create(ctx, rt, l, archivePath, cwd, opts)
			})
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&archivePath, "file", "f", "", "archive path (required)")
	fl.StringVarP(&cwd, "directory", "C", "", "working directory entry names are relative to")
	fl.BoolVarP(&preserve, "preserve", "p", preserve, "carry xattrs and ACLs into the archive")
	fl.BoolVar(&verify, "verify", verify, "re-read and checksum payloads after writing")
	fl.BoolVar(&noIndex, "no-index", false, "do not write the .idx sidecar")
	fl.StringVar(&minSize, "min-size", "", "skip files smaller than this")
	fl.StringVar(&maxSize, "max-size", "", "skip files larger than this")
	fl.Var(&filterFlag{chain: chain, include: false}, "exclude", "exclude entries matching pattern (repeatable)")
	fl.Var(&filterFlag{chain: chain, include: true}, "include", "include entries matching pattern (repeatable)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newExtractCmd(rf *rootFlags, cfg config.Config) *cobra.Command {
	var (
		archivePath string
		cwd         string
		preserve    bool
		noIndex     bool
	)
	if cfg.Defaults.Preserve != nil {
		preserve = *cfg.Defaults.Preserve
	}

	cmd := &cobra.Command{
		Use:   "extract -f ARCHIVE",
		Short: "unpack an archive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := rf.options()
			if err != nil {
				return err
			}
			opts.Preserve = preserve
			opts.NoIndex = noIndex

			if cwd == "" {
				if cwd, err = os.Getwd(); err != nil {
					return err
				}
			}

			ctx := signalContext()
			rt := archive.NewRuntime(rf.ranks)
			return onRanks(ctx, rf.ranks, func(g *comm.Group) error {
				return archive.Extract(ctx, rt, g, archivePath, cwd, opts)
			})
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&archivePath, "file", "f", "", "archive path (required)")
	fl.StringVarP(&cwd, "directory", "C", "", "destination directory")
	fl.BoolVarP(&preserve, "preserve", "p", preserve, "restore xattrs and ACLs")
	fl.BoolVar(&noIndex, "no-index", false, "do not emit a .idx sidecar after scanning")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func setSizeBounds(chain *filter.Chain, minSize, maxSize string) error {
	if minSize != "" {
		n, err := parseSize(minSize)
		if err != nil {
			return fmt.Errorf("min-size: %w", err)
		}
		chain.SetMinSize(n)
	}
	if maxSize != "" {
		n, err := parseSize(maxSize)
		if err != nil {
			return fmt.Errorf("max-size: %w", err)
		}
		chain.SetMaxSize(n)
	}
	return nil
}

// onRanks runs fn as one goroutine per rank and waits for all of them.
// Ranks only return after collective agreement, so no early cancellation.
func onRanks(ctx context.Context, n int, fn func(g *comm.Group) error) error {
	groups := comm.World(n)
	var eg errgroup.Group
	for _, g := range groups {
		g := g
		eg.Go(func() error { return fn(g) })
	}
	return eg.Wait()
}

func signalContext() context.Context {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	_ = stop // released on process exit
	return ctx
}

var sizeSuffixes = []struct {
	suffix string
	mult   int64
}{
	{"tib", 1 << 40}, {"t", 1 << 40},
	{"gib", 1 << 30}, {"g", 1 << 30},
	{"mib", 1 << 20}, {"m", 1 << 20},
	{"kib", 1 << 10}, {"k", 1 << 10},
	{"b", 1},
}

// parseSize parses values like "512", "256k", "4MiB".
func parseSize(s string) (int64, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := int64(1)
	for _, sf := range sizeSuffixes {
		if strings.HasSuffix(v, sf.suffix) {
			mult = sf.mult
			v = strings.TrimSuffix(v, sf.suffix)
			break
		}
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative size %q", s)
	}
	return int64(n * float64(mult)), nil
}
