// Package tarcodec turns file-list entries into byte-exact pax tar header
// blocks and decodes headers back out of an archive. The encoder is a
// one-shot serializer: it emits only the header octets for a single entry,
// never payload padding and never the end-of-archive trailer. Ranks write
// headers at precomputed offsets, so a trailer emitted here would land
// inside a neighbor's slot.
package tarcodec

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/bamsammich/ptar/internal/flist"
)

const (
	// BlockSize is the tar block granularity.
	BlockSize = 512

	// MaxHeaderSize bounds one encoded header. Typical entries need a few
	// blocks; entries with very long xattr or ACL records can grow large.
	MaxHeaderSize = 128 << 20
)

// ErrHeaderTooLarge reports an entry whose encoded header exceeds MaxHeaderSize.
var ErrHeaderTooLarge = errors.New("tar header exceeds scratch buffer size")

// EncodeOptions controls header construction.
type EncodeOptions struct {
	// Preserve reads extended attributes from the source inode into pax
	// records so they survive the round trip.
	Preserve bool
}

// EncodeHeader serializes the pax header block(s) for one entry under its
// archive-relative name. Encoding is deterministic and independent of other
// entries, so the same call sizes a header during layout planning and
// produces the bytes written later.
func EncodeHeader(e *flist.Entry, relName string, opts EncodeOptions) ([]byte, error) {
	hdr := &tar.Header{
		Format:     tar.FormatPAX,
		Name:       relName,
		Mode:       int64(e.Mode & 0o7777),
		Uid:        int(e.UID),
		Gid:        int(e.GID),
		Uname:      e.Uname,
		Gname:      e.Gname,
		ModTime:    e.Mtime,
		AccessTime: e.Atime,
		ChangeTime: e.Ctime,
	}

	switch e.Type {
	case flist.Regular:
		hdr.Typeflag = tar.TypeReg
		hdr.Size = e.Size
	case flist.Dir:
		hdr.Typeflag = tar.TypeDir
		if hdr.Name == "" || hdr.Name[len(hdr.Name)-1] != '/' {
			hdr.Name += "/"
		}
	case flist.Symlink:
		hdr.Typeflag = tar.TypeSymlink
		hdr.Linkname = e.LinkTarget
	default:
		return nil, fmt.Errorf("unsupported entry type %v for %s", e.Type, e.Name)
	}

	if opts.Preserve {
		if err := readXattrs(e, hdr); err != nil {
			return nil, err
		}
	}

	buf := &cappedBuffer{max: MaxHeaderSize}
	tw := tar.NewWriter(buf)
	if err := tw.WriteHeader(hdr); err != nil {
		if errors.Is(err, ErrHeaderTooLarge) {
			return nil, fmt.Errorf("%s: %w", e.Name, ErrHeaderTooLarge)
		}
		return nil, fmt.Errorf("encode header %s: %w", e.Name, err)
	}
	// The writer is abandoned here on purpose: Flush would pad the entry and
	// Close would emit the archive trailer, neither of which belongs to the
	// header slot.
	return buf.buf, nil
}

// cappedBuffer accumulates writes up to a fixed cap.
type cappedBuffer struct {
	buf []byte
	max int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if len(b.buf)+len(p) > b.max {
		return 0, ErrHeaderTooLarge
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// EntryFromHeader converts a decoded tar header into a file-list entry with
// the given absolute on-disk name.
func EntryFromHeader(hdr *tar.Header, absName string) flist.Entry {
	e := flist.Entry{
		Name:       absName,
		LinkTarget: hdr.Linkname,
		Uname:      hdr.Uname,
		Gname:      hdr.Gname,
		Size:       hdr.Size,
		Mode:       uint32(hdr.Mode),
		UID:        uint32(hdr.Uid),
		GID:        uint32(hdr.Gid),
		Atime:      hdr.AccessTime,
		Mtime:      hdr.ModTime,
		Ctime:      hdr.ChangeTime,
	}
	switch hdr.Typeflag {
	case tar.TypeReg:
		e.Type = flist.Regular
	case tar.TypeDir:
		e.Type = flist.Dir
		e.Size = 0
	case tar.TypeSymlink:
		e.Type = flist.Symlink
		e.Size = 0
	default:
		e.Type = flist.Other
	}
	if e.Atime.IsZero() {
		e.Atime = e.Mtime
	}
	return e
}

// Scanner reads archive entries in sequence, reporting the absolute byte
// offset at which each entry's header block starts.
type Scanner struct {
	tr   *tar.Reader
	cr   *countingReader
	next uint64
}

// NewScanner wraps an uncompressed tar stream positioned at offset zero.
func NewScanner(r io.Reader) *Scanner {
	cr := &countingReader{r: r}
	return &Scanner{tr: tar.NewReader(cr), cr: cr}
}

// Next returns the next entry's header and the archive offset of its first
// header block. It returns io.EOF at the end-of-archive marker.
func (s *Scanner) Next() (*tar.Header, uint64, error) {
	hdr, err := s.tr.Next()
	if err != nil {
		return nil, 0, err
	}
	off := s.next
	// The reader now sits at the entry's data. The following header begins
	// after the payload, padded out to the block size.
	s.next = RoundUpBlock(uint64(s.cr.pos) + uint64(hdr.Size))
	return hdr, off, nil
}

// Reader exposes the underlying tar reader for payload streaming.
func (s *Scanner) Reader() *tar.Reader { return s.tr }

type countingReader struct {
	r   io.Reader
	pos int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.pos += int64(n)
	return n, err
}

// OpenAt returns a tar reader positioned on the single entry whose header
// starts at off. The reader's lifetime is bounded to that entry; callers
// open a fresh one per entry rather than sharing decode state.
func OpenAt(ra io.ReaderAt, off int64) *tar.Reader {
	return tar.NewReader(io.NewSectionReader(ra, off, 1<<62))
}

// RoundUpBlock rounds n up to the next multiple of the tar block size.
func RoundUpBlock(n uint64) uint64 {
	return (n + BlockSize - 1) / BlockSize * BlockSize
}

// PadSize returns the number of zero bytes that follow a payload of the
// given size to reach the block boundary.
func PadSize(size int64) int64 {
	return int64((BlockSize - size%BlockSize) % BlockSize)
}

// ReadHeaderAt decodes one entry header from the archive file at the given
// offset.
func ReadHeaderAt(f *os.File, off int64) (*tar.Header, error) {
	tr := OpenAt(f, off)
	hdr, err := tr.Next()
	if err != nil {
		return nil, fmt.Errorf("decode header at offset %d: %w", off, err)
	}
	return hdr, nil
}
