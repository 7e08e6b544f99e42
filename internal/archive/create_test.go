package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/ptar/internal/comm"
	"github.com/bamsammich/ptar/internal/flist"
	"github.com/bamsammich/ptar/internal/steal"
)

// readTarNames lists the archive with the stdlib reader, validating the
// whole structure including the end-of-archive marker.
func readTarNames(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var names []string
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	return names
}

func TestCreateEmptyDirArchive(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(src, "d"), 0o755))
	archivePath := filepath.Join(t.TempDir(), "out.tar")

	rt := NewRuntime(1)
	errs := onRanks(t, 1, func(g *comm.Group) error {
		l, err := flist.Walk(g, []string{filepath.Join(src, "d")}, flist.WalkOptions{Cwd: src})
		if err != nil {
			return err
		}
		return Create(context.Background(), rt, l, archivePath, src, testOptions())
	})
	requireAllNoError(t, errs)

	// One header slot plus the two-block trailer.
	st, err := os.Stat(archivePath)
	require.NoError(t, err)
	headerSize := st.Size() - TrailerSize
	assert.Positive(t, headerSize)
	assert.Zero(t, headerSize%512)

	assert.Equal(t, []string{"d/"}, readTarNames(t, archivePath))

	// The index holds a single big-endian zero.
	idx, err := os.ReadFile(IndexPath(archivePath))
	require.NoError(t, err)
	require.Len(t, idx, 8)
	assert.Equal(t, uint64(0), binary.BigEndian.Uint64(idx))
}

func TestCreateZeroByteFile(t *testing.T) {
	src := t.TempDir()
	writeFileSize(t, filepath.Join(src, "f"), 0, 0)
	archivePath := filepath.Join(t.TempDir(), "out.tar")

	rt := NewRuntime(1)
	errs := onRanks(t, 1, func(g *comm.Group) error {
		l, err := flist.Walk(g, []string{filepath.Join(src, "f")}, flist.WalkOptions{Cwd: src})
		if err != nil {
			return err
		}
		return Create(context.Background(), rt, l, archivePath, src, testOptions())
	})
	requireAllNoError(t, errs)

	// No payload and no padding: slot is the header alone.
	f, err := os.Open(archivePath)
	require.NoError(t, err)
	defer f.Close()

	hdr, err := tar.NewReader(f).Next()
	require.NoError(t, err)
	assert.Equal(t, "f", hdr.Name)
	assert.Equal(t, int64(0), hdr.Size)
}

func TestCreate513ByteFile(t *testing.T) {
	src := t.TempDir()
	writeFileSize(t, filepath.Join(src, "f"), 513, 'x')
	archivePath := filepath.Join(t.TempDir(), "out.tar")

	rt := NewRuntime(1)
	errs := onRanks(t, 1, func(g *comm.Group) error {
		l, err := flist.Walk(g, []string{filepath.Join(src, "f")}, flist.WalkOptions{Cwd: src})
		if err != nil {
			return err
		}
		return Create(context.Background(), rt, l, archivePath, src, testOptions())
	})
	requireAllNoError(t, errs)

	data, err := os.ReadFile(archivePath)
	require.NoError(t, err)

	// slot = header + 1024 (513 bytes padded to two blocks), then trailer.
	headerSize := len(data) - 1024 - TrailerSize
	require.Positive(t, headerSize)
	require.Zero(t, headerSize%512)

	want, err := os.ReadFile(filepath.Join(src, "f"))
	require.NoError(t, err)
	assert.Equal(t, want, data[headerSize:headerSize+513])

	// 511 zero bytes of payload padding.
	assert.Equal(t, make([]byte, 511), data[headerSize+513:headerSize+1024])
}

func TestArchiveEndsWithTwoZeroBlocks(t *testing.T) {
	src := filepath.Join(t.TempDir(), "src")
	require.NoError(t, os.MkdirAll(src, 0o755))
	writeFileSize(t, filepath.Join(src, "a"), 1000, 'a')
	writeFileSize(t, filepath.Join(src, "b"), 5000, 'b')
	archivePath := filepath.Join(t.TempDir(), "out.tar")

	createArchive(t, 2, src, archivePath, testOptions())

	data, err := os.ReadFile(archivePath)
	require.NoError(t, err)
	require.Zero(t, len(data)%512)
	assert.Equal(t, make([]byte, TrailerSize), data[len(data)-TrailerSize:])
}

func TestCreateChunkedFilesAcrossRanks(t *testing.T) {
	// Two 1 MiB files with 256 KiB chunks: 4 work items per file, spread
	// over two ranks, must still produce byte-exact payloads.
	src := filepath.Join(t.TempDir(), "src")
	require.NoError(t, os.MkdirAll(src, 0o755))
	writeFileSize(t, filepath.Join(src, "one.bin"), 1<<20, 'o')
	writeFileSize(t, filepath.Join(src, "two.bin"), 1<<20, 't')
	archivePath := filepath.Join(t.TempDir(), "out.tar")

	opts := testOptions() // 256 KiB chunks
	createArchive(t, 2, src, archivePath, opts)

	f, err := os.Open(archivePath)
	require.NoError(t, err)
	defer f.Close()

	found := 0
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		found++
		got, err := io.ReadAll(tr)
		require.NoError(t, err)
		want, err := os.ReadFile(filepath.Join(filepath.Dir(src), hdr.Name))
		require.NoError(t, err)
		assert.True(t, bytes.Equal(want, got), "payload mismatch for %s", hdr.Name)
	}
	assert.Equal(t, 2, found)
}

func TestEnumerateChunksWorkItemCounts(t *testing.T) {
	// max(1, ceil(size/chunk)) items per regular file, none for other types.
	g := comm.World(1)[0]
	l := flist.New(g)
	l.Append(flist.Entry{Name: "/s/zero", Type: flist.Regular, Size: 0})
	l.Append(flist.Entry{Name: "/s/one", Type: flist.Regular, Size: 1})
	l.Append(flist.Entry{Name: "/s/exact", Type: flist.Regular, Size: 512 * 1024})
	l.Append(flist.Entry{Name: "/s/split", Type: flist.Regular, Size: 512*1024 + 1})
	l.Append(flist.Entry{Name: "/s/d", Type: flist.Dir})
	l.Append(flist.Entry{Name: "/s/l", Type: flist.Symlink, LinkTarget: "x"})

	b := &builder{
		list: l,
		opts: Options{ChunkSize: 256 * 1024},
		plan: &Plan{
			HeaderSizes: []uint64{512, 512, 512, 512, 512, 512},
			Offsets:     []uint64{0, 1024, 2048, 527360, 1053696, 1054208},
		},
	}

	perFile := map[string][]uint64{}
	b.enumerateChunks(func(it steal.Item) {
		perFile[it.Operand] = append(perFile[it.Operand], it.ChunkIndex)
	})

	assert.Equal(t, []uint64{0}, perFile["/s/zero"])
	assert.Equal(t, []uint64{0}, perFile["/s/one"])
	assert.Equal(t, []uint64{0, 1}, perFile["/s/exact"])
	assert.Equal(t, []uint64{0, 1, 2}, perFile["/s/split"])
	assert.NotContains(t, perFile, "/s/d")
	assert.NotContains(t, perFile, "/s/l")

	// Work items of distinct chunks never overlap in the archive.
	type span struct{ lo, hi uint64 }
	var spans []span
	b.enumerateChunks(func(it steal.Item) {
		lo := it.DataOffset + it.ChunkIndex*uint64(b.opts.ChunkSize)
		hi := it.DataOffset + it.FileSize
		if end := it.DataOffset + (it.ChunkIndex+1)*uint64(b.opts.ChunkSize); end < hi {
			hi = end
		}
		spans = append(spans, span{lo, hi})
	})
	for i := range spans {
		for j := range spans {
			if i == j {
				continue
			}
			overlap := spans[i].lo < spans[j].hi && spans[j].lo < spans[i].hi
			assert.False(t, overlap, "work items %d and %d overlap", i, j)
		}
	}
}

func TestCreateWritesIndexMatchingHeaders(t *testing.T) {
	src := filepath.Join(t.TempDir(), "src")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0o755))
	writeFileSize(t, filepath.Join(src, "a"), 513, 'a')
	writeFileSize(t, filepath.Join(src, "sub", "b"), 100, 'b')
	archivePath := filepath.Join(t.TempDir(), "out.tar")

	createArchive(t, 2, src, archivePath, testOptions())

	idx, err := os.ReadFile(IndexPath(archivePath))
	require.NoError(t, err)
	require.Zero(t, len(idx)%8)

	f, err := os.Open(archivePath)
	require.NoError(t, err)
	defer f.Close()

	// Every recorded offset points at a decodable header.
	for i := 0; i < len(idx)/8; i++ {
		off := binary.BigEndian.Uint64(idx[8*i:])
		tr := tar.NewReader(io.NewSectionReader(f, int64(off), 1<<40))
		_, err := tr.Next()
		assert.NoError(t, err, "entry %d at offset %d", i, off)
	}
}

func TestCreateNoIndex(t *testing.T) {
	src := filepath.Join(t.TempDir(), "src")
	require.NoError(t, os.MkdirAll(src, 0o755))
	writeFileSize(t, filepath.Join(src, "a"), 10, 'a')
	archivePath := filepath.Join(t.TempDir(), "out.tar")

	opts := testOptions()
	opts.NoIndex = true
	createArchive(t, 1, src, archivePath, opts)

	_, err := os.Stat(IndexPath(archivePath))
	assert.True(t, os.IsNotExist(err))
}

func TestCreateVerifyPasses(t *testing.T) {
	src := filepath.Join(t.TempDir(), "src")
	require.NoError(t, os.MkdirAll(src, 0o755))
	writeFileSize(t, filepath.Join(src, "a"), 300000, 'a')
	writeFileSize(t, filepath.Join(src, "b"), 513, 'b')
	archivePath := filepath.Join(t.TempDir(), "out.tar")

	opts := testOptions()
	opts.Verify = true
	createArchive(t, 2, src, archivePath, opts)
}

func TestCreateUnwritableDestinationAborts(t *testing.T) {
	src := filepath.Join(t.TempDir(), "src")
	require.NoError(t, os.MkdirAll(src, 0o755))
	writeFileSize(t, filepath.Join(src, "a"), 10, 'a')

	if os.Geteuid() == 0 {
		t.Skip("root bypasses permission checks")
	}

	roDir := filepath.Join(t.TempDir(), "ro")
	require.NoError(t, os.Mkdir(roDir, 0o555))
	archivePath := filepath.Join(roDir, "out.tar")

	rt := NewRuntime(2)
	errs := onRanks(t, 2, func(g *comm.Group) error {
		l, err := flist.Walk(g, []string{src}, flist.WalkOptions{Cwd: filepath.Dir(src)})
		if err != nil {
			return err
		}
		return Create(context.Background(), rt, l, archivePath, filepath.Dir(src), testOptions())
	})
	for rank, err := range errs {
		assert.Error(t, err, "rank %d", rank)
	}
}
