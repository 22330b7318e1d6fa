package tarball

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/stupid-simple/deploy/fileutils"
)

var (
	ErrInsecurePath = errors.New("archive entry escapes destination")
	ErrTooLarge     = errors.New("archive exceeds size limit")
)

// Extract unpacks the gzipped tar archive at archivePath into destDir.
// Entries with absolute paths or ".." components fail the whole
// extraction. Returns the number of regular files written and their
// total uncompressed bytes.
func Extract(
	ctx context.Context,
	archivePath string,
	destDir string,
	logger zerolog.Logger,
	opts ...ExtractOption,
) (int, int64, error) {
	o := extractOptions{}
	for _, applyOpts := range opts {
		applyOpts(&o)
	}

	logger = logger.With().Str("archive", archivePath).Str("dest", destDir).Logger()
	logger.Info().Msg("extracting release archive")

	var extracted int
	var written int64
	startTime := time.Now()
	defer func() {
		tookSeconds := time.Since(startTime).Seconds()
		if ctx.Err() != nil {
			logger.Info().Int("extracted", extracted).Float64("seconds", tookSeconds).Msg("cancelled extraction")
		} else {
			logger.Info().
				Int("extracted", extracted).
				Int64("bytes", written).
				Float64("seconds", tookSeconds).
				Msg("done extracting")
		}
	}()

	f, err := os.Open(archivePath)
	if err != nil {
		return 0, 0, fmt.Errorf("could not open archive: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return 0, 0, fmt.Errorf("could not read gzip stream: %w", err)
	}
	defer func() {
		_ = gz.Close()
	}()

	tr := tar.NewReader(gz)
	for {
		if ctx.Err() != nil {
			return extracted, written, nil
		}

		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return extracted, written, fmt.Errorf("could not read archive entry: %w", err)
		}

		target, err := secureJoin(destDir, hdr.Name)
		if err != nil {
			return extracted, written, err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if o.dryRun {
				continue
			}
			if err := os.MkdirAll(target, fileutils.DirMode); err != nil {
				return extracted, written, fmt.Errorf("could not create directory: %w", err)
			}
		case tar.TypeReg:
			if o.maxBytes > 0 && written+hdr.Size > o.maxBytes {
				return extracted, written, fmt.Errorf("%w: limit %d bytes", ErrTooLarge, o.maxBytes)
			}
			logger.Debug().Str("entry", hdr.Name).Int64("size", hdr.Size).Msg("extracting entry")
			if o.dryRun {
				extracted++
				written += hdr.Size
				continue
			}
			n, err := writeEntry(target, tr, hdr.Size)
			if err != nil {
				return extracted, written, fmt.Errorf("could not extract %s: %w", hdr.Name, err)
			}
			extracted++
			written += n
		default:
			// Symlinks and specials are not part of a web release.
			logger.Warn().Str("entry", hdr.Name).Msg("skipping non-regular archive entry")
		}
	}

	return extracted, written, nil
}

func writeEntry(target string, r io.Reader, size int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), fileutils.DirMode); err != nil {
		return 0, err
	}

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fileutils.FileMode)
	if err != nil {
		return 0, err
	}

	// LimitReader guards against header/content mismatch in a hostile
	// archive.
	n, err := io.Copy(out, io.LimitReader(r, size))
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	return n, err
}

func secureJoin(destDir string, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: %s", ErrInsecurePath, name)
	}
	target := filepath.Join(destDir, name)
	rel, err := filepath.Rel(destDir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %s", ErrInsecurePath, name)
	}
	return target, nil
}
