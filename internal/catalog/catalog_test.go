package catalog

import (
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestPutAndGet(t *testing.T) {
	c := openTestCatalog(t)

	require.NoError(t, c.Put(Row{
		SessionID:    "sess-1",
		Title:        "fix the parser",
		Mode:         "execution",
		InputTokens:  1200,
		OutputTokens: 340,
		GitBranch:    "main",
	}))

	row, ok := c.Get("sess-1")
	require.True(t, ok)
	assert.Equal(t, "fix the parser", row.Title)
	assert.Equal(t, "execution", row.Mode)
	assert.Equal(t, 1200, row.InputTokens)
	assert.Equal(t, "main", row.GitBranch)
	assert.False(t, row.UpdatedAt.IsZero())

	_, ok = c.Get("nope")
	assert.False(t, ok)
}

func TestGetSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")

	c, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, c.Put(Row{SessionID: "sess-1", Title: "persisted"}))
	require.NoError(t, c.Close())

	c2, err := Open(path)
	require.NoError(t, err)
	defer c2.Close()

	row, ok := c2.Get("sess-1")
	require.True(t, ok)
	assert.Equal(t, "persisted", row.Title)
}

func TestGetOrBuildCachesWithinTTL(t *testing.T) {
	c := openTestCatalog(t)

	var builds int32
	build := func(id string, stale Row) (Row, error) {
		atomic.AddInt32(&builds, 1)
		return Row{Title: "built"}, nil
	}

	row, err := c.GetOrBuild("sess-1", build)
	require.NoError(t, err)
	assert.Equal(t, "built", row.Title)
	assert.Equal(t, "sess-1", row.SessionID)

	_, err = c.GetOrBuild("sess-1", build)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&builds))
}

func TestGetOrBuildRebuildsAfterTTL(t *testing.T) {
	c := openTestCatalog(t)
	c.SetTTL(time.Nanosecond)

	var builds int32
	build := func(id string, stale Row) (Row, error) {
		atomic.AddInt32(&builds, 1)
		return Row{Title: "built"}, nil
	}

	_, err := c.GetOrBuild("sess-1", build)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = c.GetOrBuild("sess-1", build)
	require.NoError(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(&builds))
}

func TestGetOrBuildDeduplicatesConcurrentMisses(t *testing.T) {
	c := openTestCatalog(t)

	var builds int32
	release := make(chan struct{})
	build := func(id string, stale Row) (Row, error) {
		atomic.AddInt32(&builds, 1)
		<-release
		return Row{Title: "slow build"}, nil
	}

	const callers = 8
	var wg sync.WaitGroup
	results := make([]Row, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			row, err := c.GetOrBuild("sess-1", build)
			assert.NoError(t, err)
			results[i] = row
		}(i)
	}

	// Let the goroutines pile onto the singleflight before releasing.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&builds))
	for _, row := range results {
		assert.Equal(t, "slow build", row.Title)
	}
}

func TestGetOrBuildPassesStaleRow(t *testing.T) {
	c := openTestCatalog(t)
	c.SetTTL(time.Nanosecond)

	require.NoError(t, c.Put(Row{SessionID: "sess-1", Title: "old title", GitBranch: "main"}))
	time.Sleep(time.Millisecond)

	row, err := c.GetOrBuild("sess-1", func(id string, stale Row) (Row, error) {
		assert.Equal(t, "old title", stale.Title)
		// Builders keep what they can't recompute.
		stale.InputTokens = 99
		return stale, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "old title", row.Title)
	assert.Equal(t, 99, row.InputTokens)
	assert.Equal(t, "main", row.GitBranch)
}

func TestGetOrBuildPropagatesError(t *testing.T) {
	c := openTestCatalog(t)

	boom := errors.New("transcript unreadable")
	_, err := c.GetOrBuild("sess-1", func(string, Row) (Row, error) {
		return Row{}, boom
	})
	assert.ErrorIs(t, err, boom)

	// A failed build caches nothing.
	_, ok := c.Get("sess-1")
	assert.False(t, ok)
}

func TestDeleteAndPrune(t *testing.T) {
	c := openTestCatalog(t)

	require.NoError(t, c.Put(Row{SessionID: "sess-1"}))
	require.NoError(t, c.Delete("sess-1"))
	_, ok := c.Get("sess-1")
	assert.False(t, ok)

	require.NoError(t, c.Put(Row{SessionID: "sess-2"}))
	require.NoError(t, c.Prune(time.Hour))
	_, ok = c.Get("sess-2")
	assert.True(t, ok, "fresh rows survive pruning")

	c.Invalidate("sess-2")
	require.NoError(t, c.Prune(-time.Hour))
	_, ok = c.Get("sess-2")
	assert.False(t, ok)
}
