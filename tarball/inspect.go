package tarball

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
)

var ErrEntryNotFound = errors.New("entry not found in archive")

// Entry describes one regular file inside a release archive.
type Entry struct {
	Name string
	Size int64
}

// List returns the regular file entries of the archive without
// extracting anything.
func List(archivePath string) ([]Entry, error) {
	var entries []Entry
	err := walk(archivePath, func(hdr *tar.Header, _ *tar.Reader) (bool, error) {
		if hdr.Typeflag == tar.TypeReg {
			entries = append(entries, Entry{Name: path.Clean(hdr.Name), Size: hdr.Size})
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// ReadFile returns the contents of a single named entry. Used to pull
// the release manifest out of an archive before committing to a full
// extraction.
func ReadFile(archivePath string, name string) ([]byte, error) {
	var data []byte
	found := false
	err := walk(archivePath, func(hdr *tar.Header, tr *tar.Reader) (bool, error) {
		if hdr.Typeflag != tar.TypeReg || path.Clean(hdr.Name) != path.Clean(name) {
			return true, nil
		}
		var err error
		data, err = io.ReadAll(io.LimitReader(tr, hdr.Size))
		found = true
		return false, err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, name)
	}
	return data, nil
}

func walk(archivePath string, fn func(hdr *tar.Header, tr *tar.Reader) (bool, error)) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("could not open archive: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("could not read gzip stream: %w", err)
	}
	defer func() {
		_ = gz.Close()
	}()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("could not read archive entry: %w", err)
		}
		cont, err := fn(hdr, tr)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
}
