package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bamsammich/ptar/internal/comm"
	"github.com/bamsammich/ptar/internal/flist"
	"github.com/bamsammich/ptar/internal/tarcodec"
	"github.com/bamsammich/ptar/internal/ui"
)

// Extract materializes the archive's entries under cwd. Every rank decodes
// and extracts a disjoint subset: a contiguous range when entry offsets are
// available (from the index sidecar or a scan), or a round-robin stride over
// a streaming reader otherwise. Called collectively by all ranks.
func Extract(ctx context.Context, rt *Runtime, g *comm.Group, archivePath, cwd string, opts Options) error {
	opts.normalize()

	if g.Rank() == 0 {
		slog.Info("extracting archive", "path", archivePath, "dest", cwd)
	}
	start := time.Now()

	// Offset acquisition: index sidecar first, then a header scan. If both
	// fail (a compressed archive, say) fall back to streaming extraction.
	haveIndex := true
	offsets, err := ReadEntryIndex(g, archivePath)
	if err != nil {
		haveIndex = false
		offsets, err = scanEntryOffsets(g, archivePath, opts)
		if err != nil && g.Rank() == 0 {
			slog.Info("no entry offsets, using streaming extraction", "reason", err)
		}
	}
	haveOffsets := offsets != nil

	ex := &extractor{
		rt:    rt,
		group: g,
		opts:  opts,
		cwd:   cwd,
		path:  archivePath,
		iobuf: make([]byte, opts.BlockSize),
	}

	// Metadata pass: build this rank's file-list shard from entry headers.
	var entryStart uint64
	if haveOffsets {
		var count uint64
		entryStart, count = flist.Partition(uint64(len(offsets)), g.Size(), g.Rank())
		ex.list, err = ex.decodeShardOffsets(offsets, entryStart, count)
	} else {
		ex.list, err = ex.decodeShardStride()
	}
	if !g.AllTrue(err == nil) {
		if err == nil {
			err = fmt.Errorf("metadata decode failed on another rank")
		}
		return fmt.Errorf("extract metadata: %w", err)
	}

	sum := ex.list.Summarize()
	rt.Stats.SetTotals(int64(sum.Items), int64(sum.Bytes))
	if g.Rank() == 0 {
		slog.Info("archive contents",
			"items", ui.FormatCount(int64(sum.Items)),
			"data", ui.FormatBytes(int64(sum.Bytes)))
	}

	// All directories exist before any rank extracts a file into them.
	if err := ex.list.Mkdir(); err != nil {
		return fmt.Errorf("precreate directories: %w", err)
	}

	var stop func()
	if g.Rank() == 0 {
		stop = startReporter("extracted", rt.Stats, opts.ProgressInterval)
	}
	if haveOffsets {
		err = ex.extractOffsets(ctx, offsets, entryStart)
	} else {
		err = ex.extractStream(ctx)
	}
	if stop != nil {
		stop()
	}
	ok := g.AllTrue(err == nil)

	// Creating children bumped parent mtimes; fix directories up after every
	// rank has finished writing.
	g.Barrier()
	if terr := ex.list.ApplyDirTimes(); terr != nil {
		slog.Warn("directory timestamps", "error", terr)
	}
	g.Barrier()

	// Offsets recovered by scanning are worth keeping for the next run.
	if haveOffsets && !haveIndex && !opts.NoIndex {
		shard := offsets[entryStart : entryStart+uint64(ex.list.Len())]
		if ierr := WriteEntryIndex(g, archivePath, shard); ierr != nil {
			slog.Warn("index not written", "error", ierr)
		}
	}

	if g.Rank() == 0 {
		snap := rt.Stats.Snapshot()
		elapsed := time.Since(start)
		rate := 0.0
		if secs := elapsed.Seconds(); secs > 0 {
			rate = float64(snap.BytesDone) / secs
		}
		slog.Info("extraction complete",
			"items", ui.FormatCount(snap.ItemsDone),
			"data", ui.FormatBytes(snap.BytesDone),
			"elapsed", ui.FormatDuration(elapsed),
			"rate", ui.FormatRate(rate))
	}

	if !ok {
		if err == nil {
			err = fmt.Errorf("extraction failed on another rank")
		}
		return err
	}
	return nil
}

// scanEntryOffsets walks the archive's headers on rank 0, recording where
// each one starts, and broadcasts the result. Fails on archives the tar
// reader cannot byte-address, e.g. compressed ones.
func scanEntryOffsets(g *comm.Group, archivePath string, opts Options) ([]uint64, error) {
	var offsets []uint64
	scanOK := true

	if g.Rank() == 0 {
		slog.Info("indexing archive", "path", archivePath)
		offsets, scanOK = scanLocal(archivePath, opts.ProgressInterval)
	}

	if !comm.Broadcast(g, 0, scanOK) {
		return nil, ErrCompressed
	}
	offsets = comm.Broadcast(g, 0, offsets)
	return offsets, nil
}

func scanLocal(archivePath string, progress time.Duration) ([]uint64, bool) {
	f, err := os.Open(archivePath)
	if err != nil {
		slog.Error("open archive", "path", archivePath, "error", err)
		return nil, false
	}
	defer f.Close()

	var fileSize int64
	if st, err := f.Stat(); err == nil {
		fileSize = st.Size()
	}

	start := time.Now()
	last := start
	offsets := make([]uint64, 0, 1024)

	s := tarcodec.NewScanner(f)
	for {
		_, off, err := s.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			slog.Error("scan entry", "index", len(offsets), "error", err)
			return nil, false
		}
		offsets = append(offsets, off)

		if progress > 0 && time.Since(last) > progress && fileSize > 0 {
			pct := float64(off) * 100.0 / float64(fileSize)
			slog.Info("indexed", "items", ui.FormatCount(int64(len(offsets))),
				"percent", int(pct), "elapsed", ui.FormatDuration(time.Since(start)))
			last = time.Now()
		}
	}
	return offsets, true
}

// extractor ties together one rank's extraction state.
type extractor struct {
	rt    *Runtime
	group *comm.Group
	list  *flist.List
	opts  Options
	cwd   string
	path  string
	iobuf []byte
}

// decodeShardOffsets seeks to each assigned entry and decodes its header
// with a reader whose lifetime is bounded to that one entry.
func (ex *extractor) decodeShardOffsets(offsets []uint64, start, count uint64) (*flist.List, error) {
	l := flist.New(ex.group)

	f, err := os.Open(ex.path)
	if err != nil {
		return l, fmt.Errorf("open archive %s: %w", ex.path, err)
	}
	defer f.Close()

	for k := uint64(0); k < count; k++ {
		idx := start + k
		hdr, err := tarcodec.ReadHeaderAt(f, int64(offsets[idx]))
		if err != nil {
			return l, fmt.Errorf("entry %d at offset %d: %w", idx, offsets[idx], err)
		}
		abs, err := safeJoin(ex.cwd, hdr.Name)
		if err != nil {
			return l, err
		}
		l.Append(tarcodec.EntryFromHeader(hdr, abs))
	}
	return l, nil
}

// decodeShardStride reads every header from a streaming reader, keeping the
// entries this rank owns by round-robin.
func (ex *extractor) decodeShardStride() (*flist.List, error) {
	l := flist.New(ex.group)

	r, err := openArchiveStream(ex.path)
	if err != nil {
		return l, err
	}
	defer r.Close()

	tr := tar.NewReader(r)
	ranks := ex.group.Size()
	for i := 0; ; i++ {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return l, fmt.Errorf("read entry %d: %w", i, err)
		}
		if i%ranks != ex.group.Rank() {
			continue
		}
		abs, err := safeJoin(ex.cwd, hdr.Name)
		if err != nil {
			return l, err
		}
		l.Append(tarcodec.EntryFromHeader(hdr, abs))
	}
	return l, nil
}

// extractOffsets materializes this rank's contiguous entry range, seeking
// straight to each entry and opening a fresh reader for it.
func (ex *extractor) extractOffsets(ctx context.Context, offsets []uint64, start uint64) error {
	f, err := os.Open(ex.path)
	if err != nil {
		return fmt.Errorf("open archive %s: %w", ex.path, err)
	}
	defer f.Close()

	var firstErr error
	for k := 0; k < ex.list.Len(); k++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		idx := start + uint64(k)
		tr := tarcodec.OpenAt(f, int64(offsets[idx]))
		hdr, err := tr.Next()
		if err != nil {
			slog.Error("decode entry", "index", idx, "offset", offsets[idx], "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := ex.extractEntry(ex.list.Entry(k), hdr, tr); err != nil {
			slog.Error("extract entry", "path", ex.list.Entry(k).Name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// extractStream materializes this rank's stride of entries from one linear
// pass over the archive.
func (ex *extractor) extractStream(ctx context.Context) error {
	r, err := openArchiveStream(ex.path)
	if err != nil {
		return err
	}
	defer r.Close()

	tr := tar.NewReader(r)
	ranks := ex.group.Size()
	var firstErr error
	mine := 0
	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read entry %d: %w", i, err)
		}
		if i%ranks != ex.group.Rank() {
			continue
		}
		if err := ex.extractEntry(ex.list.Entry(mine), hdr, tr); err != nil {
			slog.Error("extract entry", "path", ex.list.Entry(mine).Name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
		mine++
	}
	return firstErr
}

// extractEntry creates one on-disk item and streams its payload.
func (ex *extractor) extractEntry(e *flist.Entry, hdr *tar.Header, tr *tar.Reader) error {
	switch e.Type {
	case flist.Dir:
		// Precreated; reassert the mode in case MkdirAll used a parent's.
		if err := os.Chmod(e.Name, os.FileMode(e.Mode).Perm()); err != nil {
			return fmt.Errorf("chmod %s: %w", e.Name, err)
		}
		_ = os.Chown(e.Name, int(e.UID), int(e.GID))

	case flist.Symlink:
		if err := os.MkdirAll(filepath.Dir(e.Name), 0o755); err != nil {
			return fmt.Errorf("parent for %s: %w", e.Name, err)
		}
		_ = os.Remove(e.Name)
		if err := os.Symlink(e.LinkTarget, e.Name); err != nil {
			return fmt.Errorf("symlink %s -> %s: %w", e.Name, e.LinkTarget, err)
		}
		_ = os.Lchown(e.Name, int(e.UID), int(e.GID))
		times := []unix.Timespec{
			unix.NsecToTimespec(e.Atime.UnixNano()),
			unix.NsecToTimespec(e.Mtime.UnixNano()),
		}
		_ = unix.UtimesNanoAt(unix.AT_FDCWD, e.Name, times, unix.AT_SYMLINK_NOFOLLOW)

	case flist.Regular:
		if err := ex.extractFile(e, hdr, tr); err != nil {
			return err
		}

	default:
		slog.Debug("skipping unsupported entry", "path", e.Name)
	}

	if ex.opts.Preserve {
		tarcodec.ApplyXattrs(e.Name, hdr)
	}
	ex.rt.Stats.AddItems(1)
	return nil
}

func (ex *extractor) extractFile(e *flist.Entry, hdr *tar.Header, tr *tar.Reader) error {
	if err := os.MkdirAll(filepath.Dir(e.Name), 0o755); err != nil {
		return fmt.Errorf("parent for %s: %w", e.Name, err)
	}

	out, err := os.OpenFile(e.Name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(e.Mode).Perm())
	if err != nil {
		return fmt.Errorf("create %s: %w", e.Name, err)
	}

	// Stream payload in block-size reads, counting progress per block.
	for {
		n, rerr := tr.Read(ex.iobuf)
		if n > 0 {
			if _, werr := out.Write(ex.iobuf[:n]); werr != nil {
				out.Close()
				return fmt.Errorf("write %s: %w", e.Name, werr)
			}
			ex.rt.Stats.AddBytes(int64(n))
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			out.Close()
			return fmt.Errorf("read payload for %s: %w", e.Name, rerr)
		}
	}

	rawFd := int(out.Fd())
	if err := unix.Fchmod(rawFd, e.Mode&0o7777); err != nil {
		out.Close()
		return fmt.Errorf("chmod %s: %w", e.Name, err)
	}
	// Ownership is best effort without CAP_CHOWN.
	_ = unix.Fchown(rawFd, int(e.UID), int(e.GID))

	times := []unix.Timespec{
		unix.NsecToTimespec(e.Atime.UnixNano()),
		unix.NsecToTimespec(e.Mtime.UnixNano()),
	}
	if err := unix.UtimesNanoAt(unix.AT_FDCWD, e.Name, times, 0); err != nil {
		out.Close()
		return fmt.Errorf("utimensat %s: %w", e.Name, err)
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", e.Name, err)
	}
	return nil
}
