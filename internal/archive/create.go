package archive

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bamsammich/ptar/internal/comm"
	"github.com/bamsammich/ptar/internal/flist"
	"github.com/bamsammich/ptar/internal/platform"
	"github.com/bamsammich/ptar/internal/steal"
	"github.com/bamsammich/ptar/internal/tarcodec"
	"github.com/bamsammich/ptar/internal/ui"
)

// builder ties together one rank's state for a create operation. The
// work-stealing callbacks close over it instead of package globals.
type builder struct {
	rt   *Runtime
	list *flist.List
	plan *Plan
	opts Options
	cwd  string
	path string

	f     *os.File
	w     platform.Writer
	iobuf []byte

	// rank-local slots of the progress reduction vector
	bytesCopied atomic.Uint64
	chunksDone  atomic.Uint64
}

// Create packs the sharded file list into a single archive at archivePath,
// with every rank writing disjoint byte ranges in parallel. Called
// collectively by all ranks.
func Create(ctx context.Context, rt *Runtime, l *flist.List, archivePath, cwd string, opts Options) error {
	opts.normalize()
	g := l.Group()

	if err := checkDestination(g, archivePath); err != nil {
		return err
	}

	l.SortByName()
	sum := l.Summarize()
	if g.Rank() == 0 {
		slog.Info("creating archive", "path", archivePath,
			"items", ui.FormatCount(int64(sum.Items)),
			"data", ui.FormatBytes(int64(sum.Bytes)))
	}

	start := time.Now()

	enc := tarcodec.EncodeOptions{Preserve: opts.Preserve}
	plan, err := PlanLayout(l, cwd, enc)
	if err != nil {
		return fmt.Errorf("layout: %w", err)
	}

	if !opts.NoIndex {
		if err := WriteEntryIndex(g, archivePath, plan.Offsets); err != nil {
			slog.Warn("index not written", "error", err)
		}
	}

	// Wide striping helps when the archive lands on a parallel file system.
	if g.Rank() == 0 {
		platform.SetStripes(archivePath, opts.ChunkSize, -1)
	}
	g.Barrier()

	b := &builder{
		rt:    rt,
		list:  l,
		plan:  plan,
		opts:  opts,
		cwd:   cwd,
		path:  archivePath,
		iobuf: make([]byte, opts.BlockSize),
	}

	// The verify pass reads payloads back out of the same descriptor.
	flags := os.O_WRONLY | os.O_CREATE
	if opts.Verify {
		flags = os.O_RDWR | os.O_CREATE
	}
	b.f, err = os.OpenFile(archivePath, flags, 0o664)
	ok := err == nil
	if !ok {
		slog.Error("open archive", "path", archivePath, "error", err)
	}
	if !g.AllTrue(ok) {
		return fmt.Errorf("open archive %s: %w", archivePath, err)
	}
	defer b.f.Close()

	b.w = platform.NewWriter()
	if opts.UseIOURing {
		if iow, err := platform.NewIOURingWriter(64); err == nil {
			b.w = iow
		} else {
			slog.Warn("io_uring unavailable, using pwrite", "error", err)
		}
	}
	defer b.w.Close()

	// One rank sizes the file and preallocates the full extent, trailer
	// included, before anyone writes.
	if g.Rank() == 0 {
		finalSize := int64(plan.ArchiveSize) + TrailerSize
		if err := b.f.Truncate(0); err != nil {
			ok = false
		} else if err := b.f.Truncate(finalSize); err != nil {
			ok = false
		}
		if !ok {
			slog.Error("truncate archive", "path", archivePath, "size", finalSize, "error", err)
		}
		platform.Preallocate(b.f, finalSize)
	}
	if !g.AllTrue(ok) {
		return fmt.Errorf("truncate archive %s", archivePath)
	}

	if g.Rank() == 0 {
		slog.Debug("writing entry headers")
	}
	ok = b.writeHeaders(enc)

	if g.Rank() == 0 {
		slog.Debug("copying file data")
	}
	rt.Stats.SetTotals(int64(plan.TotalItems), int64(plan.TotalBytes))

	engine := steal.NewEngine(rt.Pool, g)
	engine.RegisterCreate(b.enumerateChunks)
	engine.RegisterProcess(b.copyChunk)
	engine.RegisterReduce(opts.ProgressInterval,
		func() []uint64 {
			return []uint64{b.bytesCopied.Load(), b.chunksDone.Load()}
		},
		func(totals []uint64, elapsed time.Duration, complete bool) {
			rt.Stats.Tick()
			reportProgress("archived", rt.Stats, totals, elapsed, complete)
		})
	if err := engine.Run(ctx); err != nil {
		slog.Error("copy phase", "rank", g.Rank(), "error", err)
		ok = false
	}

	// The copy phase is drained everywhere; one rank terminates the archive.
	if g.Rank() == 0 {
		trailer := make([]byte, TrailerSize)
		if err := b.w.Pwrite(int(b.f.Fd()), trailer, int64(plan.ArchiveSize)); err != nil {
			slog.Error("write trailer", "error", err)
			ok = false
		}
	}
	ok = g.AllTrue(ok)
	g.Barrier()

	if opts.Verify && ok {
		if err := b.verify(); err != nil {
			return err
		}
	}

	if g.Rank() == 0 {
		elapsed := time.Since(start)
		size := int64(plan.ArchiveSize) + TrailerSize
		rate := 0.0
		if secs := elapsed.Seconds(); secs > 0 {
			rate = float64(size) / secs
		}
		slog.Info("archive complete", "path", archivePath,
			"size", ui.FormatBytes(size),
			"elapsed", ui.FormatDuration(elapsed),
			"rate", ui.FormatRate(rate))
	}

	if !ok {
		return fmt.Errorf("create archive %s failed", archivePath)
	}
	return nil
}

// checkDestination verifies the archive's parent directory is writable.
// This is the one fatal precondition: nothing has been written yet.
func checkDestination(g *comm.Group, archivePath string) error {
	valid := true
	if g.Rank() == 0 {
		parent := filepath.Dir(archivePath)
		if err := unix.Access(parent, unix.W_OK); err != nil {
			slog.Error("destination parent not writable", "path", parent, "error", err)
			valid = false
		}
	}
	if !comm.Broadcast(g, 0, valid) {
		return fmt.Errorf("destination for %s not writable", archivePath)
	}
	return nil
}

// writeHeaders materializes every local entry's header at its planned
// offset. A failing entry is logged and skipped; siblings still get their
// headers so the archive stays inspectable.
func (b *builder) writeHeaders(enc tarcodec.EncodeOptions) bool {
	ok := true
	fd := int(b.f.Fd())
	for i := 0; i < b.list.Len(); i++ {
		e := b.list.Entry(i)
		hdr, err := tarcodec.EncodeHeader(e, relName(b.cwd, e.Name), enc)
		if err != nil {
			slog.Error("encode header", "path", e.Name, "error", err)
			ok = false
			continue
		}
		if uint64(len(hdr)) != b.plan.HeaderSizes[i] {
			slog.Error("header size changed since planning",
				"path", e.Name, "planned", b.plan.HeaderSizes[i], "actual", len(hdr))
			ok = false
			continue
		}
		if err := b.w.Pwrite(fd, hdr, int64(b.plan.Offsets[i])); err != nil {
			slog.Error("write header", "path", e.Name, "offset", b.plan.Offsets[i], "error", err)
			ok = false
		}
	}
	return ok
}

// enumerateChunks emits the copy work for this rank's regular files:
// max(1, ceil(size/chunk)) items per file.
func (b *builder) enumerateChunks(enqueue func(steal.Item)) {
	chunk := uint64(b.opts.ChunkSize)
	for i := 0; i < b.list.Len(); i++ {
		e := b.list.Entry(i)
		if e.Type != flist.Regular {
			continue
		}
		dataOffset := b.plan.Offsets[i] + b.plan.HeaderSizes[i]
		size := uint64(e.Size)

		numChunks := size / chunk
		for idx := uint64(0); idx < numChunks; idx++ {
			enqueue(steal.Item{
				Code:       steal.CopyData,
				Operand:    e.Name,
				FileSize:   size,
				ChunkIndex: idx,
				DataOffset: dataOffset,
			})
		}
		if numChunks*chunk < size || numChunks == 0 {
			enqueue(steal.Item{
				Code:       steal.CopyData,
				Operand:    e.Name,
				FileSize:   size,
				ChunkIndex: numChunks,
				DataOffset: dataOffset,
			})
		}
	}
}

// copyChunk copies one chunk of one file into its archive slot, and zero
// pads the slot after the final chunk.
func (b *builder) copyChunk(it steal.Item) error {
	in, err := os.Open(it.Operand)
	if err != nil {
		return fmt.Errorf("open %s: %w", it.Operand, err)
	}
	defer in.Close()

	chunk := uint64(b.opts.ChunkSize)
	inOff := int64(chunk * it.ChunkIndex)
	outOff := int64(it.DataOffset) + inOff
	outFd := int(b.f.Fd())

	remaining := int64(it.FileSize) - inOff
	if remaining > int64(chunk) {
		remaining = int64(chunk)
	}

	for remaining > 0 {
		want := remaining
		if want > int64(len(b.iobuf)) {
			want = int64(len(b.iobuf))
		}
		n, err := platform.Pread(int(in.Fd()), b.iobuf[:want], inOff)
		if err != nil {
			return fmt.Errorf("read %s at %d: %w", it.Operand, inOff, err)
		}
		if n == 0 {
			// Source shrank since planning; the preallocated slot stays zero.
			break
		}
		if err := b.w.Pwrite(outFd, b.iobuf[:n], outOff); err != nil {
			return fmt.Errorf("write archive at %d: %w", outOff, err)
		}
		inOff += int64(n)
		outOff += int64(n)
		remaining -= int64(n)
		b.bytesCopied.Add(uint64(n))
		b.rt.Stats.AddBytes(int64(n))
	}

	// Final chunk pads the payload out to the block boundary.
	if (it.ChunkIndex+1)*chunk >= it.FileSize {
		if pad := tarcodec.PadSize(int64(it.FileSize)); pad > 0 {
			padOff := int64(it.DataOffset) + int64(it.FileSize)
			if err := b.w.Pwrite(outFd, make([]byte, pad), padOff); err != nil {
				return fmt.Errorf("write padding at %d: %w", padOff, err)
			}
			b.bytesCopied.Add(uint64(pad))
			b.rt.Stats.AddBytes(pad)
		}
	}

	b.chunksDone.Add(1)
	b.rt.Stats.AddItems(1)
	return nil
}
