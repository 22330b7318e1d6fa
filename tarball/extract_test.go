package tarball_test

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stupid-simple/deploy/tarball"
)

type archiveFile struct {
	name    string
	content string
	dir     bool
}

func createTestArchive(t *testing.T, dir string, files []archiveFile) string {
	t.Helper()

	archivePath := filepath.Join(dir, "release.tar.gz")
	f, err := os.Create(archivePath)
	require.NoError(t, err)
	defer func() {
		_ = f.Close()
	}()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	for _, af := range files {
		if af.dir {
			require.NoError(t, tw.WriteHeader(&tar.Header{
				Name:     af.name,
				Typeflag: tar.TypeDir,
				Mode:     0755,
			}))
			continue
		}
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     af.name,
			Typeflag: tar.TypeReg,
			Mode:     0644,
			Size:     int64(len(af.content)),
		}))
		_, err := tw.Write([]byte(af.content))
		require.NoError(t, err)
	}

	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return archivePath
}

func testLogger(t *testing.T) zerolog.Logger {
	return zerolog.New(zerolog.NewTestWriter(t))
}

func TestExtract(t *testing.T) {
	archive := createTestArchive(t, t.TempDir(), []archiveFile{
		{name: "assets", dir: true},
		{name: "index.html", content: "<html></html>"},
		{name: "assets/app.js", content: "console.log(1)"},
		{name: "nested/deep/file.txt", content: "deep"},
	})
	dest := t.TempDir()

	extracted, written, err := tarball.Extract(context.Background(), archive, dest, testLogger(t))
	require.NoError(t, err)
	assert.Equal(t, 3, extracted)
	assert.Equal(t, int64(len("<html></html>")+len("console.log(1)")+len("deep")), written)

	got, err := os.ReadFile(filepath.Join(dest, "nested", "deep", "file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "deep", string(got))
}

func TestExtract_RejectsPathTraversal(t *testing.T) {
	archive := createTestArchive(t, t.TempDir(), []archiveFile{
		{name: "../escape.txt", content: "nope"},
	})
	dest := t.TempDir()

	_, _, err := tarball.Extract(context.Background(), archive, dest, testLogger(t))
	assert.ErrorIs(t, err, tarball.ErrInsecurePath)
	assert.NoFileExists(t, filepath.Join(filepath.Dir(dest), "escape.txt"))
}

func TestExtract_RejectsAbsolutePath(t *testing.T) {
	archive := createTestArchive(t, t.TempDir(), []archiveFile{
		{name: "/etc/escape.txt", content: "nope"},
	})

	_, _, err := tarball.Extract(context.Background(), archive, t.TempDir(), testLogger(t))
	assert.ErrorIs(t, err, tarball.ErrInsecurePath)
}

func TestExtract_SizeLimit(t *testing.T) {
	archive := createTestArchive(t, t.TempDir(), []archiveFile{
		{name: "big.bin", content: "0123456789"},
	})

	_, _, err := tarball.Extract(context.Background(), archive, t.TempDir(), testLogger(t),
		tarball.WithMaxBytes(5))
	assert.ErrorIs(t, err, tarball.ErrTooLarge)
}

func TestExtract_DryRun(t *testing.T) {
	archive := createTestArchive(t, t.TempDir(), []archiveFile{
		{name: "index.html", content: "<html></html>"},
	})
	dest := t.TempDir()

	extracted, _, err := tarball.Extract(context.Background(), archive, dest, testLogger(t),
		tarball.WithDryRun(true))
	require.NoError(t, err)
	assert.Equal(t, 1, extracted)
	assert.NoFileExists(t, filepath.Join(dest, "index.html"))
}

func TestExtract_MissingArchive(t *testing.T) {
	_, _, err := tarball.Extract(context.Background(), filepath.Join(t.TempDir(), "missing.tar.gz"), t.TempDir(), testLogger(t))
	assert.Error(t, err)
}

func TestList(t *testing.T) {
	archive := createTestArchive(t, t.TempDir(), []archiveFile{
		{name: "assets", dir: true},
		{name: "index.html", content: "<html></html>"},
		{name: "assets/app.js", content: "console.log(1)"},
	})

	entries, err := tarball.List(archive)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "index.html", entries[0].Name)
	assert.Equal(t, int64(len("<html></html>")), entries[0].Size)
}

func TestReadFile(t *testing.T) {
	archive := createTestArchive(t, t.TempDir(), []archiveFile{
		{name: "deploy.yaml", content: "output: static\n"},
		{name: "index.html", content: "<html></html>"},
	})

	data, err := tarball.ReadFile(archive, "deploy.yaml")
	require.NoError(t, err)
	assert.Equal(t, "output: static\n", string(data))

	_, err = tarball.ReadFile(archive, "missing.yaml")
	assert.ErrorIs(t, err, tarball.ErrEntryNotFound)
}
