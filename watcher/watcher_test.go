package watcher_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stupid-simple/deploy/watcher"
)

func TestWatchDropDir(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := watcher.WatchDropDir(ctx, dir, "*.tar.gz", zerolog.New(zerolog.NewTestWriter(t)))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "site-deploy.tar.gz"), []byte("archive"), 0644))

	select {
	case got := <-ch:
		assert.Equal(t, filepath.Join(dir, "site-deploy.tar.gz"), got)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for archive event")
	}
}

func TestWatchDropDir_MissingDir(t *testing.T) {
	_, err := watcher.WatchDropDir(context.Background(),
		filepath.Join(t.TempDir(), "missing"), "*.tar.gz", zerolog.New(zerolog.NewTestWriter(t)))
	assert.Error(t, err)
}

func TestWatchDropDir_ClosesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := watcher.WatchDropDir(ctx, t.TempDir(), "*.tar.gz", zerolog.New(zerolog.NewTestWriter(t)))
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("channel did not close after cancel")
	}
}

func TestScanDropDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a-deploy.tar.gz"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))

	matches, err := watcher.ScanDropDir(dir, "*.tar.gz")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, filepath.Join(dir, "a-deploy.tar.gz"), matches[0])
}

func TestScanDropDir_OldestFirst(t *testing.T) {
	dir := t.TempDir()

	// Lexical order is the reverse of upload order here.
	newer := filepath.Join(dir, "a-deploy.tar.gz")
	older := filepath.Join(dir, "b-deploy.tar.gz")
	require.NoError(t, os.WriteFile(newer, []byte("x"), 0644))
	require.NoError(t, os.WriteFile(older, []byte("x"), 0644))

	now := time.Now()
	require.NoError(t, os.Chtimes(older, now.Add(-time.Hour), now.Add(-time.Hour)))
	require.NoError(t, os.Chtimes(newer, now, now))

	matches, err := watcher.ScanDropDir(dir, "*.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, []string{older, newer}, matches)
}
