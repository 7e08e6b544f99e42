//go:build linux

package tarcodec

import (
	"archive/tar"

	"golang.org/x/sys/unix"

	"github.com/bamsammich/ptar/internal/flist"
)

// paxXattrPrefix is the pax record namespace for extended attributes.
// POSIX ACLs ride along as the system.posix_acl_* attributes.
const paxXattrPrefix = "SCHILY.xattr."

// readXattrs copies the source inode's extended attributes into pax records.
// Filesystems without xattr support are treated as having none.
func readXattrs(e *flist.Entry, hdr *tar.Header) error {
	sz, err := unix.Llistxattr(e.Name, nil)
	if err != nil || sz == 0 {
		return nil
	}

	buf := make([]byte, sz)
	sz, err = unix.Llistxattr(e.Name, buf)
	if err != nil {
		return nil
	}

	for _, name := range parseXattrNames(buf[:sz]) {
		val, err := getXattr(e.Name, name)
		if err != nil {
			continue
		}
		if hdr.PAXRecords == nil {
			hdr.PAXRecords = map[string]string{}
		}
		hdr.PAXRecords[paxXattrPrefix+name] = string(val)
	}
	return nil
}

func getXattr(path, name string) ([]byte, error) {
	sz, err := unix.Lgetxattr(path, name, nil)
	if err != nil || sz == 0 {
		return nil, err
	}
	buf := make([]byte, sz)
	n, err := unix.Lgetxattr(path, name, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func parseXattrNames(buf []byte) []string {
	var names []string
	start := 0
	for i, b := range buf {
		if b == 0 {
			if i > start {
				names = append(names, string(buf[start:i]))
			}
			start = i + 1
		}
	}
	return names
}

// applyXattrs writes pax xattr records back onto an extracted item.
func applyXattrs(path string, hdr *tar.Header) {
	for key, val := range hdr.PAXRecords {
		if len(key) <= len(paxXattrPrefix) || key[:len(paxXattrPrefix)] != paxXattrPrefix {
			continue
		}
		//nolint:errcheck // unsupported attributes are skipped
		unix.Lsetxattr(path, key[len(paxXattrPrefix):], []byte(val), 0)
	}
}

// ApplyXattrs restores extended attributes recorded in the header onto the
// item at path.
func ApplyXattrs(path string, hdr *tar.Header) { applyXattrs(path, hdr) }
