// Package testutil holds helpers shared by tests that work on directory trees.
package testutil

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// WriteTree creates the files in tree under root. Keys are slash-separated
// paths relative to root, values the file contents. Missing parent
// directories are created.
func WriteTree(t *testing.T, root string, tree map[string]string) {
	t.Helper()
	for rel, content := range tree {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("failed to create parent of %s: %v", rel, err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("failed to write %s: %v", rel, err)
		}
	}
}

// ReadTree returns every regular file under root keyed by its slash-separated
// relative path. Entries named in skip are not descended into.
func ReadTree(t *testing.T, root string, skip ...string) map[string]string {
	t.Helper()
	skipped := make(map[string]bool, len(skip))
	for _, name := range skip {
		skipped[name] = true
	}

	tree := map[string]string{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != root && skipped[d.Name()] {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		tree[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		t.Fatalf("failed to read tree %s: %v", root, err)
	}
	return tree
}

// Touch moves the modification time of path by offset.
func Touch(t *testing.T, path string, offset time.Duration) {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("failed to stat %s: %v", path, err)
	}
	mtime := info.ModTime().Add(offset)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("failed to touch %s: %v", path, err)
	}
}
