package sync

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// copyFile copies a file from src to dst with atomic write, carrying over
// the permission bits and modification time.
func copyFile(src, dst string) error {
	// Open source
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = srcFile.Close()
	}()

	srcInfo, err := srcFile.Stat()
	if err != nil {
		return err
	}
	if !srcInfo.Mode().IsRegular() {
		return fmt.Errorf("unsupported file type %s", srcInfo.Mode().Type())
	}

	// Create temp file in destination directory
	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".saedeploy-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := io.Copy(tmpFile, srcFile); err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Chmod(srcInfo.Mode().Perm()); err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Close(); err != nil {
		return err
	}

	if err := os.Chtimes(tmpPath, srcInfo.ModTime(), srcInfo.ModTime()); err != nil {
		return err
	}

	// Atomic rename
	return os.Rename(tmpPath, dst)
}

// copyTree recursively copies the directory src to dst, leaving out every
// entry whose name matches skip.
func copyTree(src, dst string, skip func(name string) bool) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", src)
	}

	if err := os.MkdirAll(dst, 0755); err != nil {
		return err
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		name := entry.Name()
		if skip(name) {
			continue
		}

		srcPath := filepath.Join(src, name)
		dstPath := filepath.Join(dst, name)

		// Follow symlinks, the target's content is what gets deployed.
		entryInfo, err := os.Stat(srcPath)
		if err != nil {
			return err
		}

		switch {
		case entryInfo.IsDir():
			err = copyTree(srcPath, dstPath, skip)
		case entryInfo.Mode().IsRegular():
			err = copyFile(srcPath, dstPath)
		default:
			err = fmt.Errorf("unsupported file type %s at %s", entryInfo.Mode().Type(), srcPath)
		}
		if err != nil {
			return err
		}
	}

	// The owner keeps full access so the workspace can always be removed.
	if err := os.Chmod(dst, info.Mode().Perm()|0700); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}

// sameFile compares two regular files the way a shallow directory
// comparison does: equal size and modification time count as identical,
// otherwise equal-sized files are compared by content.
func sameFile(srcPath, dstPath string, srcInfo, dstInfo os.FileInfo) (bool, error) {
	if srcInfo.Size() != dstInfo.Size() {
		return false, nil
	}
	if srcInfo.ModTime().Equal(dstInfo.ModTime()) {
		return true, nil
	}

	srcHash, err := fileHash(srcPath)
	if err != nil {
		return false, err
	}
	dstHash, err := fileHash(dstPath)
	if err != nil {
		return false, err
	}
	return bytes.Equal(srcHash, dstHash), nil
}

// fileHash computes the SHA256 hash of a file
func fileHash(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}

	return h.Sum(nil), nil
}
