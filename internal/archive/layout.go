package archive

import (
	"fmt"
	"log/slog"

	"github.com/bamsammich/ptar/internal/flist"
	"github.com/bamsammich/ptar/internal/tarcodec"
)

// Plan is one rank's view of the archive layout: per-entry header sizes,
// slot sizes, and absolute offsets for the local shard, plus the global
// totals every rank agrees on.
type Plan struct {
	HeaderSizes []uint64
	SlotSizes   []uint64
	Offsets     []uint64

	// ArchiveSize is the sum of all slot sizes, excluding the trailer.
	ArchiveSize uint64
	// TotalBytes is the global padded payload byte count of regular files.
	TotalBytes uint64
	// TotalItems is the global entry count.
	TotalItems uint64
}

// PlanLayout sizes every local entry's slot by probe-encoding its header,
// then derives global offsets with one prefix sum across ranks. Called
// collectively; a probe failure on any rank aborts the plan on all ranks
// with no partial state.
func PlanLayout(l *flist.List, cwd string, enc tarcodec.EncodeOptions) (*Plan, error) {
	g := l.Group()
	n := l.Len()
	p := &Plan{
		HeaderSizes: make([]uint64, n),
		SlotSizes:   make([]uint64, n),
		Offsets:     make([]uint64, n),
	}

	var firstErr error
	var localBytes uint64
	var dataBytes uint64
	for i := 0; i < n; i++ {
		e := l.Entry(i)
		hdr, err := tarcodec.EncodeHeader(e, relName(cwd, e.Name), enc)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("probe header for %s: %w", e.Name, err)
			}
			slog.Error("header probe failed", "path", e.Name, "index", i, "error", err)
			continue
		}
		p.HeaderSizes[i] = uint64(len(hdr))
		p.SlotSizes[i] = uint64(len(hdr))

		if e.Type == flist.Regular {
			padded := tarcodec.RoundUpBlock(uint64(e.Size))
			p.SlotSizes[i] += padded
			dataBytes += padded
		}

		p.Offsets[i] = localBytes
		localBytes += p.SlotSizes[i]
	}

	// Global layout: every rank participates in the collectives even after a
	// local failure so no rank is left waiting.
	base := g.ScanSum(localBytes) - localBytes
	p.ArchiveSize = g.AllreduceSum(localBytes)
	p.TotalBytes = g.AllreduceSum(dataBytes)
	p.TotalItems = g.AllreduceSum(uint64(n))

	for i := 0; i < n; i++ {
		p.Offsets[i] += base
	}

	if !g.AllTrue(firstErr == nil) {
		if firstErr == nil {
			firstErr = fmt.Errorf("layout plan failed on another rank")
		}
		return nil, firstErr
	}
	return p, nil
}
