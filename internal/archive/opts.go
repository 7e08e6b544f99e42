// Package archive implements the parallel tar pipeline: layout planning,
// header materialization at absolute offsets, work-stealing payload copy,
// the offset index sidecar, and index-driven extraction.
package archive

import (
	"errors"
	"time"

	"github.com/bamsammich/ptar/internal/stats"
	"github.com/bamsammich/ptar/internal/steal"
)

const (
	// DefaultChunkSize slices file payloads into work items.
	DefaultChunkSize = 1 << 20
	// DefaultBlockSize is the unit of individual reads and writes.
	DefaultBlockSize = 1 << 20
	// TrailerSize is the two zero blocks that terminate a tar archive.
	TrailerSize = 1024
)

// ErrNoIndex reports that no usable offset index sidecar exists.
var ErrNoIndex = errors.New("no entry index available")

// ErrCompressed reports an archive that cannot be byte-addressed because a
// compression filter sits in front of the tar stream.
var ErrCompressed = errors.New("archive is compressed; offsets unavailable")

// Options controls create and extract operations.
type Options struct {
	// Preserve carries xattrs and ACL records through the archive and
	// restores them on extraction. Atime and mtime are restored whether or
	// not it is set.
	Preserve bool
	// Verify re-reads every payload after create and compares digests
	// against the source files.
	Verify bool
	// NoIndex suppresses writing the .idx sidecar.
	NoIndex bool
	// UseIOURing routes archive writes through io_uring where available.
	UseIOURing bool
	// ChunkSize is the work-item granularity of the copy phase.
	ChunkSize int64
	// BlockSize is the I/O buffer size.
	BlockSize int64
	// ProgressInterval is the period of progress reports; zero disables them.
	ProgressInterval time.Duration
}

func (o *Options) normalize() {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.BlockSize <= 0 {
		o.BlockSize = DefaultBlockSize
	}
}

// Runtime holds the state shared by the ranks of one operation. The CLI
// creates it once and hands it to every rank alongside that rank's group;
// the work-stealing callbacks read it instead of package globals.
type Runtime struct {
	Pool  *steal.Pool
	Stats *stats.Collector
}

// NewRuntime creates the shared state for a world of n ranks.
func NewRuntime(n int) *Runtime {
	return &Runtime{
		Pool:  steal.NewPool(n),
		Stats: stats.NewCollector(),
	}
}
