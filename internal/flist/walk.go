package flist

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/bamsammich/ptar/internal/comm"
	"github.com/bamsammich/ptar/internal/filter"
)

// WalkOptions controls list construction.
type WalkOptions struct {
	// Filter admits or rejects entries by path relative to cwd.
	Filter *filter.Chain
	// Cwd is the working directory archive names are computed against.
	Cwd string
}

// Walk builds a sharded list covering the given source paths. Rank 0
// performs the traversal, the sorted result is broadcast, and every rank
// keeps its contiguous slice. All ranks must call Walk collectively.
func Walk(g *comm.Group, paths []string, opts WalkOptions) (*List, error) {
	var all []Entry
	ok := true
	if g.Rank() == 0 {
		var err error
		all, err = walkLocal(paths, opts)
		if err != nil {
			slog.Error("walk failed", "error", err)
			ok = false
		}
	}

	if !g.AllTrue(ok) {
		return nil, fmt.Errorf("walk failed on rank 0")
	}

	all = comm.Broadcast(g, 0, all)

	start, count := Partition(uint64(len(all)), g.Size(), g.Rank())
	l := New(g)
	l.entries = append(l.entries, all[start:start+count]...)
	return l, nil
}

func walkLocal(paths []string, opts WalkOptions) ([]Entry, error) {
	var entries []Entry
	for _, root := range paths {
		root = filepath.Clean(root)
		info, err := os.Lstat(root)
		if err != nil {
			return nil, fmt.Errorf("lstat %s: %w", root, err)
		}

		if !info.IsDir() {
			e, err := entryFromInfo(root, info)
			if err != nil {
				return nil, err
			}
			if e.Type != Other {
				entries = append(entries, e)
			}
			continue
		}

		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				slog.Warn("walk", "path", path, "error", err)
				return nil
			}
			info, err := d.Info()
			if err != nil {
				slog.Warn("walk stat", "path", path, "error", err)
				return nil
			}
			e, err := entryFromInfo(path, info)
			if err != nil {
				slog.Warn("walk entry", "path", path, "error", err)
				return nil
			}
			if e.Type == Other {
				slog.Debug("skipping unsupported entry", "path", path)
				return nil
			}
			if !matchFilter(opts, path, e.Type == Dir, e.Size) {
				if e.Type == Dir {
					return filepath.SkipDir
				}
				return nil
			}
			entries = append(entries, e)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", root, err)
		}
	}

	// Lexicographic order puts parent directories ahead of their children.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}

func matchFilter(opts WalkOptions, path string, isDir bool, size int64) bool {
	if opts.Filter.Empty() {
		return true
	}
	rel := path
	if opts.Cwd != "" {
		if r, err := filepath.Rel(opts.Cwd, path); err == nil {
			rel = r
		}
	}
	return opts.Filter.Match(filepath.ToSlash(rel), isDir, size)
}

func entryFromInfo(path string, info os.FileInfo) (Entry, error) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return Entry{}, fmt.Errorf("unsupported stat type for %s", path)
	}

	e := Entry{
		Name:  filepath.Clean(path),
		Size:  info.Size(),
		Mode:  uint32(st.Mode),
		UID:   st.Uid,
		GID:   st.Gid,
		Uname: LookupUname(st.Uid),
		Gname: LookupGname(st.Gid),
		Atime: statAtime(st),
		Mtime: info.ModTime(),
		Ctime: statCtime(st),
	}

	switch {
	case info.Mode().IsRegular():
		e.Type = Regular
	case info.IsDir():
		e.Type = Dir
		e.Size = 0
	case info.Mode()&os.ModeSymlink != 0:
		e.Type = Symlink
		e.Size = 0
		target, err := os.Readlink(path)
		if err != nil {
			return Entry{}, fmt.Errorf("readlink %s: %w", path, err)
		}
		e.LinkTarget = target
	default:
		e.Type = Other
	}
	return e, nil
}
