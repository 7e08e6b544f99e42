//go:build !linux

package tarcodec

import (
	"archive/tar"

	"github.com/bamsammich/ptar/internal/flist"
)

func readXattrs(_ *flist.Entry, _ *tar.Header) error { return nil }

// ApplyXattrs is a no-op on platforms without xattr support.
func ApplyXattrs(_ string, _ *tar.Header) {}
