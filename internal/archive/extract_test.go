package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/ptar/internal/comm"
)

// buildSourceTree creates a tree with the entry types the archiver supports
// and pins a directory mtime so fix-up is observable.
func buildSourceTree(t *testing.T) string {
	src := filepath.Join(t.TempDir(), "src")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub", "deep"), 0o750))
	writeFileSize(t, filepath.Join(src, "small.txt"), 17, 's')
	writeFileSize(t, filepath.Join(src, "pad.bin"), 513, 'p')
	writeFileSize(t, filepath.Join(src, "big.bin"), 1<<20+37, 'b')
	writeFileSize(t, filepath.Join(src, "sub", "mid.txt"), 100, 'm')
	writeFileSize(t, filepath.Join(src, "sub", "deep", "leaf"), 0, 0)
	require.NoError(t, os.Symlink("small.txt", filepath.Join(src, "link")))
	require.NoError(t, os.Chmod(filepath.Join(src, "pad.bin"), 0o600))

	old := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, os.Chtimes(filepath.Join(src, "sub"), old, old))
	return src
}

// compareTrees asserts dst mirrors src on names, types, sizes, perms,
// mtimes, link targets, and file contents.
func compareTrees(t *testing.T, src, dst string) {
	t.Helper()
	err := filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		require.NoError(t, err)
		rel, err := filepath.Rel(src, path)
		require.NoError(t, err)
		other := filepath.Join(dst, rel)

		oinfo, err := os.Lstat(other)
		require.NoError(t, err, "missing %s", rel)

		require.Equal(t, info.Mode().Type(), oinfo.Mode().Type(), rel)

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			wantTarget, err := os.Readlink(path)
			require.NoError(t, err)
			gotTarget, err := os.Readlink(other)
			require.NoError(t, err)
			assert.Equal(t, wantTarget, gotTarget, rel)

		case info.Mode().IsRegular():
			assert.Equal(t, info.Size(), oinfo.Size(), rel)
			assert.Equal(t, info.Mode().Perm(), oinfo.Mode().Perm(), rel)
			assert.Equal(t, info.ModTime().UnixNano(), oinfo.ModTime().UnixNano(), "mtime %s", rel)
			want, err := os.ReadFile(path)
			require.NoError(t, err)
			got, err := os.ReadFile(other)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(want, got), "content %s", rel)

		case info.IsDir():
			assert.Equal(t, info.Mode().Perm(), oinfo.Mode().Perm(), rel)
			assert.Equal(t, info.ModTime().UnixNano(), oinfo.ModTime().UnixNano(), "dir mtime %s", rel)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestRoundTripIdentity(t *testing.T) {
	src := buildSourceTree(t)
	archivePath := filepath.Join(t.TempDir(), "out.tar")
	dst := filepath.Join(t.TempDir(), "dst")
	require.NoError(t, os.MkdirAll(dst, 0o755))

	createArchive(t, 3, src, archivePath, testOptions())
	extractArchive(t, 3, archivePath, dst, testOptions())

	compareTrees(t, src, filepath.Join(dst, "src"))
}

func TestRoundTripSingleRank(t *testing.T) {
	src := buildSourceTree(t)
	archivePath := filepath.Join(t.TempDir(), "out.tar")
	dst := filepath.Join(t.TempDir(), "dst")
	require.NoError(t, os.MkdirAll(dst, 0o755))

	createArchive(t, 1, src, archivePath, testOptions())
	extractArchive(t, 1, archivePath, dst, testOptions())

	compareTrees(t, src, filepath.Join(dst, "src"))
}

func TestExtractWithoutIndexScansAndReindexes(t *testing.T) {
	src := buildSourceTree(t)
	archivePath := filepath.Join(t.TempDir(), "out.tar")
	dst := filepath.Join(t.TempDir(), "dst")
	require.NoError(t, os.MkdirAll(dst, 0o755))

	createArchive(t, 2, src, archivePath, testOptions())

	// Keep the created index for comparison, then remove it.
	wantIdx, err := os.ReadFile(IndexPath(archivePath))
	require.NoError(t, err)
	require.NoError(t, os.Remove(IndexPath(archivePath)))

	extractArchive(t, 2, archivePath, dst, testOptions())
	compareTrees(t, src, filepath.Join(dst, "src"))

	// The scan-derived offsets were persisted and match the original index.
	gotIdx, err := os.ReadFile(IndexPath(archivePath))
	require.NoError(t, err)
	assert.Equal(t, wantIdx, gotIdx)
}

func TestExtractSymlinkTarget(t *testing.T) {
	src := buildSourceTree(t)
	archivePath := filepath.Join(t.TempDir(), "out.tar")
	dst := filepath.Join(t.TempDir(), "dst")
	require.NoError(t, os.MkdirAll(dst, 0o755))

	createArchive(t, 2, src, archivePath, testOptions())
	extractArchive(t, 2, archivePath, dst, testOptions())

	target, err := os.Readlink(filepath.Join(dst, "src", "link"))
	require.NoError(t, err)
	assert.Equal(t, "small.txt", target)
}

func TestExtractCompressedStreamFallback(t *testing.T) {
	src := buildSourceTree(t)
	plain := filepath.Join(t.TempDir(), "out.tar")
	dst := filepath.Join(t.TempDir(), "dst")
	require.NoError(t, os.MkdirAll(dst, 0o755))

	opts := testOptions()
	opts.NoIndex = true
	createArchive(t, 2, src, plain, opts)

	// Gzip the archive: no index, no byte addressing, streaming path only.
	data, err := os.ReadFile(plain)
	require.NoError(t, err)
	gzPath := filepath.Join(t.TempDir(), "out.tar.gz")
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err = zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(gzPath, buf.Bytes(), 0o644))

	extractArchive(t, 3, gzPath, dst, opts)
	compareTrees(t, src, filepath.Join(dst, "src"))
}

func TestExtractRefusesEscapingPaths(t *testing.T) {
	// Hand-build an archive whose member climbs out of the destination.
	archivePath := filepath.Join(t.TempDir(), "evil.tar")
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "../evil.txt", Typeflag: tar.TypeReg, Size: 4, Mode: 0o644,
	}))
	_, err := tw.Write([]byte("boom"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, os.WriteFile(archivePath, buf.Bytes(), 0o644))

	dst := filepath.Join(t.TempDir(), "dst")
	require.NoError(t, os.MkdirAll(dst, 0o755))

	rt := NewRuntime(2)
	errs := onRanks(t, 2, func(g *comm.Group) error {
		return Extract(context.Background(), rt, g, archivePath, dst, testOptions())
	})
	for rank, err := range errs {
		assert.Error(t, err, "rank %d", rank)
	}
	_, err = os.Stat(filepath.Join(filepath.Dir(dst), "evil.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestExtractMissingArchiveFails(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "dst")
	require.NoError(t, os.MkdirAll(dst, 0o755))

	rt := NewRuntime(2)
	errs := onRanks(t, 2, func(g *comm.Group) error {
		return Extract(context.Background(), rt, g, filepath.Join(t.TempDir(), "nope.tar"), dst, testOptions())
	})
	for rank, err := range errs {
		assert.Error(t, err, "rank %d", rank)
	}
}

func TestIndexedAndScannedExtractionAgree(t *testing.T) {
	src := buildSourceTree(t)
	archivePath := filepath.Join(t.TempDir(), "out.tar")
	dstIndexed := filepath.Join(t.TempDir(), "d1")
	dstScanned := filepath.Join(t.TempDir(), "d2")
	require.NoError(t, os.MkdirAll(dstIndexed, 0o755))
	require.NoError(t, os.MkdirAll(dstScanned, 0o755))

	createArchive(t, 2, src, archivePath, testOptions())

	extractArchive(t, 2, archivePath, dstIndexed, testOptions())

	require.NoError(t, os.Remove(IndexPath(archivePath)))
	opts := testOptions()
	opts.NoIndex = true
	extractArchive(t, 2, archivePath, dstScanned, opts)

	compareTrees(t, filepath.Join(dstIndexed, "src"), filepath.Join(dstScanned, "src"))
}
