// Package flist holds the sharded file list the archiver operates on. Every
// rank owns one shard; shards are contiguous slices of the globally sorted
// list, so rank r's entries all precede rank r+1's.
package flist

import (
	"fmt"
	"os"
	"os/user"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bamsammich/ptar/internal/comm"
)

// Type identifies the kind of filesystem entry.
type Type int

const (
	Regular Type = iota
	Dir
	Symlink
	Other
)

func (t Type) String() string {
	switch t {
	case Regular:
		return "file"
	case Dir:
		return "dir"
	case Symlink:
		return "symlink"
	default:
		return "other"
	}
}

// Entry is one addressable item. Name is an absolute path on disk; the
// archive-relative name is derived from it against the working directory.
type Entry struct {
	Name       string
	LinkTarget string
	Uname      string
	Gname      string
	Size       int64
	Mode       uint32
	UID        uint32
	GID        uint32
	Atime      time.Time
	Mtime      time.Time
	Ctime      time.Time
	Type       Type
}

// List is one rank's shard of the global file list.
type List struct {
	group   *comm.Group
	entries []Entry
}

// New creates an empty shard bound to the given rank group.
func New(g *comm.Group) *List {
	return &List{group: g}
}

// Group returns the rank group the list is sharded over.
func (l *List) Group() *comm.Group { return l.group }

// Append adds an entry to the local shard.
func (l *List) Append(e Entry) { l.entries = append(l.entries, e) }

// Len returns the local shard size.
func (l *List) Len() int { return len(l.entries) }

// Entry returns the i-th local entry.
func (l *List) Entry(i int) *Entry { return &l.entries[i] }

// GlobalSize returns the entry count across all ranks.
func (l *List) GlobalSize() uint64 {
	return l.group.AllreduceSum(uint64(len(l.entries)))
}

// SortByName sorts the local shard lexicographically. Shards are contiguous,
// so a sorted shard keeps the global list sorted with parent directories
// ahead of their children.
func (l *List) SortByName() {
	sort.Slice(l.entries, func(i, j int) bool {
		return l.entries[i].Name < l.entries[j].Name
	})
}

// Summary aggregates global counts by entry type.
type Summary struct {
	Items uint64
	Dirs  uint64
	Files uint64
	Links uint64
	Bytes uint64
}

// Summarize reduces per-type counts and regular-file bytes across ranks.
func (l *List) Summarize() Summary {
	var dirs, files, links, bytes uint64
	for i := range l.entries {
		switch l.entries[i].Type {
		case Dir:
			dirs++
		case Regular:
			files++
			bytes += uint64(l.entries[i].Size)
		case Symlink:
			links++
		}
	}
	return Summary{
		Items: l.group.AllreduceSum(uint64(len(l.entries))),
		Dirs:  l.group.AllreduceSum(dirs),
		Files: l.group.AllreduceSum(files),
		Links: l.group.AllreduceSum(links),
		Bytes: l.group.AllreduceSum(bytes),
	}
}

// SumFileBytes returns the global byte count of regular files.
func (l *List) SumFileBytes() uint64 {
	var bytes uint64
	for i := range l.entries {
		if l.entries[i].Type == Regular {
			bytes += uint64(l.entries[i].Size)
		}
	}
	return l.group.AllreduceSum(bytes)
}

// Mkdir creates every directory entry of the local shard, parents included,
// then synchronizes so that all directories exist on return. Called before
// file extraction to eliminate parent-child creation races.
func (l *List) Mkdir() error {
	var firstErr error
	for i := range l.entries {
		e := &l.entries[i]
		if e.Type != Dir {
			continue
		}
		perm := os.FileMode(e.Mode).Perm()
		if perm == 0 {
			perm = 0o755
		}
		if err := os.MkdirAll(e.Name, perm); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mkdir %s: %w", e.Name, err)
		}
	}
	ok := l.group.AllTrue(firstErr == nil)
	l.group.Barrier()
	if !ok && firstErr == nil {
		firstErr = fmt.Errorf("mkdir failed on another rank")
	}
	return firstErr
}

// ApplyDirTimes re-applies timestamps to the local shard's directories.
// Creating children bumps a directory's mtime, so this runs after all file
// extraction has finished.
func (l *List) ApplyDirTimes() error {
	var firstErr error
	for i := range l.entries {
		e := &l.entries[i]
		if e.Type != Dir {
			continue
		}
		times := []unix.Timespec{
			unix.NsecToTimespec(e.Atime.UnixNano()),
			unix.NsecToTimespec(e.Mtime.UnixNano()),
		}
		if err := unix.UtimesNanoAt(unix.AT_FDCWD, e.Name, times, 0); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("utimensat %s: %w", e.Name, err)
		}
	}
	return firstErr
}

// Partition computes the contiguous entry range owned by rank in a world of
// size ranks: the first total%ranks ranks receive one extra entry.
func Partition(total uint64, ranks, rank int) (start, count uint64) {
	q := total / uint64(ranks)
	r := total % uint64(ranks)
	if uint64(rank) < r {
		count = q + 1
		start = uint64(rank) * count
	} else {
		count = q
		start = r*(q+1) + (uint64(rank)-r)*q
	}
	return start, count
}

var (
	nameCacheMu sync.Mutex
	unameCache  = map[uint32]string{}
	gnameCache  = map[uint32]string{}
)

// LookupUname resolves a uid to a user name, caching results. Returns the
// empty string for unknown ids.
func LookupUname(uid uint32) string {
	nameCacheMu.Lock()
	defer nameCacheMu.Unlock()
	if name, ok := unameCache[uid]; ok {
		return name
	}
	name := ""
	if u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10)); err == nil {
		name = u.Username
	}
	unameCache[uid] = name
	return name
}

// LookupGname resolves a gid to a group name, caching results.
func LookupGname(gid uint32) string {
	nameCacheMu.Lock()
	defer nameCacheMu.Unlock()
	if name, ok := gnameCache[gid]; ok {
		return name
	}
	name := ""
	if g, err := user.LookupGroupId(strconv.FormatUint(uint64(gid), 10)); err == nil {
		name = g.Name
	}
	gnameCache[gid] = name
	return name
}
