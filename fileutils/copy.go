package fileutils

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// CopyTree copies every regular file and directory under srcDir into
// destDir, preserving relative layout and file modes. destDir is created
// if missing. Symlinks and other non-regular files are skipped. The walk
// stops early when ctx is cancelled; the partial copy is left in place
// for the caller to dispose of.
func CopyTree(ctx context.Context, srcDir string, destDir string) (int, int64, error) {
	var copied int
	var bytes int64

	info, err := os.Stat(srcDir)
	if err != nil {
		return 0, 0, fmt.Errorf("could not stat source: %w", err)
	}
	if !info.IsDir() {
		return 0, 0, fmt.Errorf("source is not a directory: %s", srcDir)
	}

	if err := os.MkdirAll(destDir, info.Mode().Perm()); err != nil {
		return 0, 0, fmt.Errorf("could not create destination: %w", err)
	}

	err = filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return filepath.SkipAll
		}
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(destDir, rel)

		if d.IsDir() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(target, info.Mode().Perm())
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		n, err := copyFile(path, target, info.Mode().Perm())
		if err != nil {
			return err
		}
		copied++
		bytes += n
		return nil
	})
	if err != nil {
		return copied, bytes, err
	}

	return copied, bytes, nil
}

// ReplaceTree removes destDir and copies srcDir in its place. Used for
// backup restore where stale files from the overwritten deployment must
// not survive.
func ReplaceTree(ctx context.Context, srcDir string, destDir string) (int, int64, error) {
	if err := os.RemoveAll(destDir); err != nil {
		return 0, 0, fmt.Errorf("could not remove destination: %w", err)
	}
	return CopyTree(ctx, srcDir, destDir)
}

func copyFile(src string, dest string, perm fs.FileMode) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = in.Close()
	}()

	if err := os.MkdirAll(filepath.Dir(dest), DirMode); err != nil {
		return 0, err
	}

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(out, in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	return n, err
}
