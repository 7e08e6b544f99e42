package archive

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"

	"github.com/bamsammich/ptar/internal/comm"
	"github.com/bamsammich/ptar/internal/platform"
)

// IndexPath returns the sidecar path for an archive.
func IndexPath(archivePath string) string { return archivePath + ".idx" }

// WriteEntryIndex persists each rank's entry offsets to the sidecar as one
// big-endian uint64 per entry, in archive order. Rank 0 creates and
// truncates the file; every rank then issues a single positioned write at
// its global entry prefix. Called collectively.
func WriteEntryIndex(g *comm.Group, archivePath string, offsets []uint64) error {
	name := IndexPath(archivePath)
	count := uint64(len(offsets))

	// Exclusive prefix: how many entries precede this rank's shard.
	prefix := g.ScanSum(count) - count

	var f *os.File
	var err error
	if g.Rank() == 0 {
		_ = os.Remove(name)
		f, err = os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o660)
	}
	g.Barrier()
	if g.Rank() != 0 {
		f, err = os.OpenFile(name, os.O_WRONLY, 0o660)
	}

	success := err == nil
	if success {
		packed := make([]byte, 8*count)
		for i, off := range offsets {
			binary.BigEndian.PutUint64(packed[8*i:], off)
		}
		if werr := platform.Pwrite(int(f.Fd()), packed, int64(prefix*8)); werr != nil {
			slog.Error("index write failed", "path", name, "offset", prefix*8, "error", werr)
			success = false
		}
		if cerr := f.Close(); cerr != nil {
			success = false
		}
	} else {
		slog.Error("index open failed", "path", name, "error", err)
	}

	if !g.AllTrue(success) {
		return fmt.Errorf("write entry index %s", name)
	}
	return nil
}

// ReadEntryIndex loads the sidecar on rank 0 and broadcasts the offset
// array. Returns ErrNoIndex when the file is missing, unreadable, or not a
// whole number of records, so the caller can fall back to scanning.
func ReadEntryIndex(g *comm.Group, archivePath string) ([]uint64, error) {
	name := IndexPath(archivePath)

	type indexMeta struct {
		count uint64
		have  bool
	}

	var meta indexMeta
	if g.Rank() == 0 {
		st, err := os.Stat(name)
		if err == nil && st.Size()%8 == 0 {
			meta = indexMeta{count: uint64(st.Size() / 8), have: true}
		}
	}
	meta = comm.Broadcast(g, 0, meta)
	if !meta.have {
		return nil, ErrNoIndex
	}

	var offsets []uint64
	have := true
	if g.Rank() == 0 {
		offsets, have = readIndexFile(name, meta.count)
	}
	if !comm.Broadcast(g, 0, have) {
		return nil, ErrNoIndex
	}
	offsets = comm.Broadcast(g, 0, offsets)

	if g.Rank() == 0 {
		slog.Info("read index", "path", name, "entries", meta.count)
	}
	return offsets, nil
}

func readIndexFile(name string, count uint64) ([]uint64, bool) {
	data, err := os.ReadFile(name)
	if err != nil || uint64(len(data)) != 8*count {
		slog.Warn("index unreadable", "path", name, "error", err)
		return nil, false
	}
	offsets := make([]uint64, count)
	for i := range offsets {
		offsets[i] = binary.BigEndian.Uint64(data[8*i:])
	}
	return offsets, true
}
