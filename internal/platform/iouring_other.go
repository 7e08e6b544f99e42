//go:build !linux

package platform

import "errors"

// IOURingWriter is unavailable off Linux.
type IOURingWriter struct{}

// NewIOURingWriter always fails off Linux; callers fall back to pwrite.
func NewIOURingWriter(_ uint) (*IOURingWriter, error) {
	return nil, errors.New("io_uring not supported on this platform")
}

func (w *IOURingWriter) Pwrite(_ int, _ []byte, _ int64) error {
	return errors.New("io_uring not supported on this platform")
}

func (w *IOURingWriter) Close() error { return nil }
