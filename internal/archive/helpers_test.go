package archive

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bamsammich/ptar/internal/comm"
	"github.com/bamsammich/ptar/internal/flist"
)

// testOptions returns small-buffer options suitable for tests.
func testOptions() Options {
	return Options{
		ChunkSize: 256 * 1024,
		BlockSize: 64 * 1024,
	}
}

// onRanks runs fn on every rank of a fresh world and returns the per-rank
// results.
func onRanks(t *testing.T, n int, fn func(g *comm.Group) error) []error {
	t.Helper()
	groups := comm.World(n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for rank, g := range groups {
		rank, g := rank, g
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[rank] = fn(g)
		}()
	}
	wg.Wait()
	return errs
}

func requireAllNoError(t *testing.T, errs []error) {
	t.Helper()
	for rank, err := range errs {
		require.NoError(t, err, "rank %d", rank)
	}
}

// createArchive packs src into an archive at path using n ranks.
func createArchive(t *testing.T, n int, src, path string, opts Options) {
	t.Helper()
	rt := NewRuntime(n)
	errs := onRanks(t, n, func(g *comm.Group) error {
		l, err := flist.Walk(g, []string{src}, flist.WalkOptions{Cwd: filepath.Dir(src)})
		if err != nil {
			return err
		}
		return Create(context.Background(), rt, l, path, filepath.Dir(src), opts)
	})
	requireAllNoError(t, errs)
}

// extractArchive unpacks the archive into dest using n ranks.
func extractArchive(t *testing.T, n int, path, dest string, opts Options) {
	t.Helper()
	rt := NewRuntime(n)
	errs := onRanks(t, n, func(g *comm.Group) error {
		return Extract(context.Background(), rt, g, path, dest, opts)
	})
	requireAllNoError(t, errs)
}

func writeFileSize(t *testing.T, path string, size int, fill byte) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = fill + byte(i%7)
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))
}
