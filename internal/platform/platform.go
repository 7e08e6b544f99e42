// Package platform wraps the positioned I/O primitives the archiver is built
// on. Every archive write is a pwrite against a precomputed byte range, so
// concurrent ranks never share a file position.
package platform

import (
	"io"

	"golang.org/x/sys/unix"
)

// Writer performs positioned writes against an open file descriptor.
// The default implementation uses pwrite(2); an io_uring variant is
// available on Linux.
type Writer interface {
	Pwrite(fd int, buf []byte, off int64) error
	Close() error
}

// NewWriter returns the default pwrite-based Writer.
func NewWriter() Writer { return pwriter{} }

type pwriter struct{}

func (pwriter) Pwrite(fd int, buf []byte, off int64) error {
	return Pwrite(fd, buf, off)
}

func (pwriter) Close() error { return nil }

// Pwrite writes all of buf at the given offset, retrying short writes.
func Pwrite(fd int, buf []byte, off int64) error {
	written := 0
	for written < len(buf) {
		n, err := unix.Pwrite(fd, buf[written:], off+int64(written))
		if err != nil {
			return err
		}
		written += n
	}
	return nil
}

// Pread reads up to len(buf) bytes at the given offset. It returns the number
// of bytes read; a return shorter than len(buf) means end of file.
func Pread(fd int, buf []byte, off int64) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := unix.Pread(fd, buf[total:], off+int64(total))
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
		total += n
	}
	return total, nil
}

// ReadFull reads exactly len(buf) bytes at off, failing with
// io.ErrUnexpectedEOF if the file is too short.
func ReadFull(fd int, buf []byte, off int64) error {
	n, err := Pread(fd, buf, off)
	if err != nil {
		return err
	}
	if n < len(buf) {
		return io.ErrUnexpectedEOF
	}
	return nil
}
