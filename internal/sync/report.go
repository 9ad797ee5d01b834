package sync

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/akedrou/textdiff"
	"github.com/olekukonko/tablewriter"
)

// maxDiffSize bounds the files rendered by WriteDiffs.
const maxDiffSize = 1 << 20

// WritePlan renders ops as a table of kind and path.
func WritePlan(w io.Writer, ops []Operation) error {
	if len(ops) == 0 {
		_, err := fmt.Fprintln(w, "nothing to deploy, version subtree is up to date")
		return err
	}

	table := tablewriter.NewWriter(w)
	table.Header("Operation", "Path")
	for _, op := range ops {
		if err := table.Append([]string{op.Kind.String(), filepath.ToSlash(op.Path)}); err != nil {
			return fmt.Errorf("failed to render plan: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render plan: %w", err)
	}
	return nil
}

// WriteDiffs prints a unified diff for every modified text file in ops.
// Binary and oversized files are reported by name only.
func WriteDiffs(w io.Writer, ops []Operation) error {
	for _, op := range ops {
		if op.Kind != Modify {
			continue
		}

		oldText, oldOK, err := readText(op.Target)
		if err != nil {
			return ioFailure(op.Path, "failed to read working copy file", err)
		}
		newText, newOK, err := readText(op.Source)
		if err != nil {
			return ioFailure(op.Path, "failed to read source file", err)
		}

		name := filepath.ToSlash(op.Path)
		if !oldOK || !newOK {
			if _, err := fmt.Fprintf(w, "Binary files a/%s and b/%s differ\n", name, name); err != nil {
				return err
			}
			continue
		}

		diff := textdiff.Unified("a/"+name, "b/"+name, oldText, newText)
		if _, err := io.WriteString(w, diff); err != nil {
			return err
		}
	}
	return nil
}

// readText returns the content of path and whether it is small enough and
// free of NUL bytes to be diffed as text.
func readText(path string) (string, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", false, err
	}
	if info.Size() > maxDiffSize {
		return "", false, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", false, err
	}
	if bytes.IndexByte(data, 0) >= 0 {
		return "", false, nil
	}
	return string(data), true, nil
}
