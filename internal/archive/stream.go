package archive

import (
	"bufio"
	"bytes"
	"compress/bzip2"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	bz2Magic  = []byte{'B', 'Z', 'h'}
)

// openArchiveStream opens the archive for linear reading, transparently
// unwrapping gzip, zstd, or bzip2 compression. This serves the streaming
// extraction path only; the offset paths require an uncompressed archive.
func openArchiveStream(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", path, err)
	}

	br := bufio.NewReaderSize(f, 1<<20)
	magic, err := br.Peek(4)
	if err != nil && len(magic) < 3 {
		// Too short for any compression container; let tar report it.
		return &streamCloser{Reader: br, closer: f}, nil
	}

	switch {
	case bytes.HasPrefix(magic, gzipMagic):
		zr, err := gzip.NewReader(br)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("gzip open %s: %w", path, err)
		}
		return &streamCloser{Reader: zr, closer: f}, nil

	case bytes.HasPrefix(magic, zstdMagic):
		zr, err := zstd.NewReader(br)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("zstd open %s: %w", path, err)
		}
		return &streamCloser{Reader: zr.IOReadCloser(), closer: f}, nil

	case bytes.HasPrefix(magic, bz2Magic):
		return &streamCloser{Reader: bzip2.NewReader(br), closer: f}, nil
	}

	return &streamCloser{Reader: br, closer: f}, nil
}

// streamCloser pairs a possibly-wrapped reader with the underlying file.
type streamCloser struct {
	io.Reader
	closer io.Closer
}

func (s *streamCloser) Close() error {
	if rc, ok := s.Reader.(io.Closer); ok {
		_ = rc.Close()
	}
	return s.closer.Close()
}
