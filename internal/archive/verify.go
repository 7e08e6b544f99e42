package archive

import (
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/zeebo/blake3"

	"github.com/bamsammich/ptar/internal/flist"
	"github.com/bamsammich/ptar/internal/platform"
)

// verify re-reads every local regular file's payload out of its archive
// slot and compares BLAKE3 digests against the source file. Runs after the
// copy phase has drained everywhere.
func (b *builder) verify() error {
	g := b.list.Group()
	if g.Rank() == 0 {
		slog.Info("verifying archive payloads")
	}

	mismatches := 0
	for i := 0; i < b.list.Len(); i++ {
		e := b.list.Entry(i)
		if e.Type != flist.Regular {
			continue
		}

		srcSum, err := hashFile(e.Name)
		if err != nil {
			slog.Error("verify source", "path", e.Name, "error", err)
			mismatches++
			continue
		}

		dataOff := int64(b.plan.Offsets[i] + b.plan.HeaderSizes[i])
		arcSum, err := b.hashSlot(dataOff, e.Size)
		if err != nil {
			slog.Error("verify slot", "path", e.Name, "offset", dataOff, "error", err)
			mismatches++
			continue
		}

		if srcSum != arcSum {
			slog.Error("payload digest mismatch",
				"path", e.Name, "source", srcSum, "archive", arcSum)
			mismatches++
		}
	}

	if !g.AllTrue(mismatches == 0) {
		return fmt.Errorf("archive verification failed")
	}
	if g.Rank() == 0 {
		slog.Info("verification passed")
	}
	return nil
}

// hashFile computes the BLAKE3 digest of a file's contents.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := blake3.New()
	buf := make([]byte, 32*1024)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// hashSlot computes the BLAKE3 digest of size payload bytes at the given
// archive offset, excluding block padding.
func (b *builder) hashSlot(off, size int64) (string, error) {
	h := blake3.New()
	fd := int(b.f.Fd())

	remaining := size
	for remaining > 0 {
		want := remaining
		if want > int64(len(b.iobuf)) {
			want = int64(len(b.iobuf))
		}
		n, err := platform.Pread(fd, b.iobuf[:want], off)
		if err != nil {
			return "", err
		}
		if n == 0 {
			return "", io.ErrUnexpectedEOF
		}
		h.Write(b.iobuf[:n])
		off += int64(n)
		remaining -= int64(n)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
