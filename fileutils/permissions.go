package fileutils

import (
	"io/fs"
	"os"
	"path/filepath"
)

// Exists reports whether path exists, regardless of type.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Returns nil if dirPath is a directory and is writable.
func VerifyWritable(dirPath string) error {
	fil, err := os.CreateTemp(dirPath, "")
	if err != nil {
		return err
	}
	err = fil.Close()
	if err != nil {
		return err
	}
	err = os.Remove(fil.Name())
	if err != nil {
		return err
	}
	return nil
}

const (
	DirMode  fs.FileMode = 0755
	FileMode fs.FileMode = 0644
	ExecMode fs.FileMode = 0755
)

// NormalizeTree sets DirMode on every directory and FileMode on every
// regular file under root. Paths listed in executables (relative to root)
// get ExecMode instead. Non-regular files are left alone.
func NormalizeTree(root string, executables []string) error {
	execSet := make(map[string]struct{}, len(executables))
	for _, rel := range executables {
		execSet[filepath.Clean(rel)] = struct{}{}
	}

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return os.Chmod(path, DirMode)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		mode := FileMode
		if _, ok := execSet[filepath.Clean(rel)]; ok {
			mode = ExecMode
		}
		return os.Chmod(path, mode)
	})
}
