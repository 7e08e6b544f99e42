package archive

import (
	"fmt"
	"path/filepath"
	"strings"
)

// relName computes the archive-stored name of an item: its path relative to
// the working directory. Items outside the working directory fall back to
// their absolute path with the leading slash stripped, the way tar stores
// out-of-tree members.
func relName(cwd, name string) string {
	rel, err := filepath.Rel(cwd, name)
	if err == nil && rel != ".." && !strings.HasPrefix(rel, "../") {
		return filepath.ToSlash(rel)
	}
	return strings.TrimLeft(filepath.ToSlash(name), "/")
}

// safeJoin composes the working directory with an archive member name and
// reduces the result. Members whose path would escape the working directory
// are refused.
func safeJoin(cwd, name string) (string, error) {
	joined := filepath.Join(cwd, filepath.FromSlash(name))
	base := filepath.Clean(cwd)
	if joined != base && !strings.HasPrefix(joined, base+string(filepath.Separator)) {
		return "", fmt.Errorf("entry %q escapes %q", name, cwd)
	}
	return joined, nil
}
