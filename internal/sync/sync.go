// Package sync mirrors a source directory into the version subtree of a
// working copy. Every addition and removal is registered with the version
// control client right after the filesystem edit, so the working copy is
// ready to commit once Synchronize returns.
package sync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Stager registers filesystem edits with the working copy
type Stager interface {
	// Add stages a path that already exists on disk
	Add(ctx context.Context, path string) error
	// Delete stages a path that was already removed from disk
	Delete(ctx context.Context, path string) error
}

// Synchronizer applies the minimal set of edits that makes a version
// subtree match a source tree
type Synchronizer struct {
	stager Stager
	rules  *IgnoreRules
	logger *slog.Logger
	dryRun bool
}

// Option configures a Synchronizer
type Option func(*Synchronizer)

// WithDryRun computes operations without touching the filesystem or the
// working copy.
func WithDryRun(dryRun bool) Option {
	return func(s *Synchronizer) { s.dryRun = dryRun }
}

// New creates a Synchronizer. stager may be nil in dry-run mode.
func New(stager Stager, rules *IgnoreRules, logger *slog.Logger, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		stager: stager,
		rules:  rules,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// comparison is the classification of one folder level
type comparison struct {
	added      []string
	removed    []string
	changed    []string
	commonDirs []string
	anomalies  []*SyncError
}

// Synchronize makes versionRoot mirror sourceRoot. The returned operations
// are the edits applied so far, also when an error aborts the run.
func (s *Synchronizer) Synchronize(ctx context.Context, sourceRoot, versionRoot string) ([]Operation, error) {
	info, err := os.Stat(versionRoot)
	switch {
	case os.IsNotExist(err):
		return s.initialCopy(ctx, sourceRoot, versionRoot)
	case err != nil:
		return nil, ioFailure(".", "failed to stat version subtree", err)
	case !info.IsDir():
		return nil, anomaly(".", "version subtree is not a directory", nil)
	}

	var ops []Operation
	queue := []string{""}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return ops, err
		}

		folder := queue[0]
		queue = queue[1:]

		subdirs, folderOps, err := s.syncFolder(ctx, sourceRoot, versionRoot, folder)
		ops = append(ops, folderOps...)
		if err != nil {
			return ops, err
		}
		queue = append(queue, subdirs...)
	}

	s.logSummary(ops)
	return ops, nil
}

// initialCopy populates a version subtree that does not exist yet and
// stages it as a single addition.
func (s *Synchronizer) initialCopy(ctx context.Context, sourceRoot, versionRoot string) ([]Operation, error) {
	op := Operation{Kind: Add, Path: ".", Source: sourceRoot, Target: versionRoot}
	if s.dryRun {
		return []Operation{op}, nil
	}

	s.logger.Debug("copying the entire folder", "src", sourceRoot, "dst", versionRoot)
	if err := copyTree(sourceRoot, versionRoot, s.rules.Excluded); err != nil {
		s.discard(versionRoot)
		return nil, ioFailure(".", "failed to copy source tree", err)
	}
	if err := s.stager.Add(ctx, versionRoot); err != nil {
		s.discard(versionRoot)
		return nil, fmt.Errorf("failed to stage version subtree: %w", err)
	}

	s.logger.Info("version subtree created", "path", versionRoot)
	return []Operation{op}, nil
}

// syncFolder reconciles one folder level and returns the common
// subdirectories to visit next.
func (s *Synchronizer) syncFolder(ctx context.Context, sourceRoot, versionRoot, folder string) ([]string, []Operation, error) {
	src := filepath.Join(sourceRoot, folder)
	dst := filepath.Join(versionRoot, folder)

	cmp, err := s.compare(src, dst, folder)
	if err != nil {
		return nil, nil, err
	}
	if len(cmp.anomalies) > 0 {
		for _, a := range cmp.anomalies {
			s.logger.Error("cannot classify entry", "path", a.Path, "reason", a.Reason)
		}
		return nil, nil, cmp.anomalies[0]
	}

	var ops []Operation

	// New files and folders
	for _, name := range cmp.added {
		if s.rules.SkipNew(name) {
			continue
		}
		op := Operation{Kind: Add, Path: filepath.Join(folder, name), Source: filepath.Join(src, name), Target: filepath.Join(dst, name)}
		if err := s.applyAdd(ctx, op); err != nil {
			return nil, ops, err
		}
		ops = append(ops, op)
	}

	// Removed files and folders
	for _, name := range cmp.removed {
		if isDotfile(name) {
			continue
		}
		op := Operation{Kind: Delete, Path: filepath.Join(folder, name), Target: filepath.Join(dst, name)}
		if err := s.applyDelete(ctx, op); err != nil {
			return nil, ops, err
		}
		ops = append(ops, op)
	}

	// Changed files
	for _, name := range cmp.changed {
		if isDotfile(name) {
			continue
		}
		op := Operation{Kind: Modify, Path: filepath.Join(folder, name), Source: filepath.Join(src, name), Target: filepath.Join(dst, name)}
		if err := s.applyModify(op); err != nil {
			return nil, ops, err
		}
		ops = append(ops, op)
	}

	var subdirs []string
	for _, name := range cmp.commonDirs {
		if isDotfile(name) {
			continue
		}
		subdirs = append(subdirs, filepath.Join(folder, name))
	}

	return subdirs, ops, nil
}

func (s *Synchronizer) applyAdd(ctx context.Context, op Operation) error {
	if s.dryRun {
		return nil
	}

	info, err := os.Stat(op.Source)
	if err != nil {
		return ioFailure(op.Path, "failed to stat new entry", err)
	}

	s.logger.Debug("copying new file/folder", "src", op.Source, "dst", op.Target)
	if info.IsDir() {
		err = copyTree(op.Source, op.Target, s.rules.SkipNew)
	} else {
		err = copyFile(op.Source, op.Target)
	}
	if err != nil {
		s.discard(op.Target)
		return ioFailure(op.Path, "failed to copy new entry", err)
	}

	if err := s.stager.Add(ctx, op.Target); err != nil {
		s.discard(op.Target)
		return fmt.Errorf("failed to stage addition of %s: %w", op.Path, err)
	}
	return nil
}

// discard removes an addition that was not staged, so the next run finds the
// entry missing and adds it again.
func (s *Synchronizer) discard(path string) {
	if err := os.RemoveAll(path); err != nil {
		s.logger.Warn("failed to remove unstaged entry", "path", path, "error", err)
	}
}

func (s *Synchronizer) applyDelete(ctx context.Context, op Operation) error {
	if s.dryRun {
		return nil
	}

	s.logger.Debug("removing file/folder", "dst", op.Target)
	if err := os.RemoveAll(op.Target); err != nil {
		return ioFailure(op.Path, "failed to remove entry", err)
	}

	if err := s.stager.Delete(ctx, op.Target); err != nil {
		return fmt.Errorf("failed to stage removal of %s: %w", op.Path, err)
	}
	return nil
}

func (s *Synchronizer) applyModify(op Operation) error {
	if s.dryRun {
		return nil
	}

	s.logger.Debug("updating changed file", "src", op.Source, "dst", op.Target)
	if err := copyFile(op.Source, op.Target); err != nil {
		return ioFailure(op.Path, "failed to update changed file", err)
	}
	return nil
}

// compare classifies the entries of the source folder src against the
// destination folder dst. Ignored names take no part in the comparison.
func (s *Synchronizer) compare(src, dst, folder string) (*comparison, error) {
	srcNames, err := s.listDir(src)
	if err != nil {
		return nil, ioFailure(folder, "failed to read source folder", err)
	}
	dstNames, err := s.listDir(dst)
	if err != nil {
		return nil, ioFailure(folder, "failed to read destination folder", err)
	}

	inDst := make(map[string]bool, len(dstNames))
	for _, name := range dstNames {
		inDst[name] = true
	}
	inSrc := make(map[string]bool, len(srcNames))
	for _, name := range srcNames {
		inSrc[name] = true
	}

	result := &comparison{}
	for _, name := range srcNames {
		if !inDst[name] {
			result.added = append(result.added, name)
			continue
		}
		s.classifyCommon(result, src, dst, folder, name)
	}
	for _, name := range dstNames {
		if !inSrc[name] {
			result.removed = append(result.removed, name)
		}
	}

	return result, nil
}

// classifyCommon sorts an entry present on both sides into changed, common
// directories or anomalies.
func (s *Synchronizer) classifyCommon(result *comparison, src, dst, folder, name string) {
	rel := filepath.Join(folder, name)
	srcPath := filepath.Join(src, name)
	dstPath := filepath.Join(dst, name)

	srcInfo, err := os.Stat(srcPath)
	if err != nil {
		result.anomalies = append(result.anomalies, anomaly(rel, "cannot stat source entry", err))
		return
	}
	dstInfo, err := os.Stat(dstPath)
	if err != nil {
		result.anomalies = append(result.anomalies, anomaly(rel, "cannot stat destination entry", err))
		return
	}

	switch {
	case srcInfo.IsDir() && dstInfo.IsDir():
		result.commonDirs = append(result.commonDirs, name)
	case srcInfo.Mode().IsRegular() && dstInfo.Mode().IsRegular():
		same, err := sameFile(srcPath, dstPath, srcInfo, dstInfo)
		if err != nil {
			result.anomalies = append(result.anomalies, anomaly(rel, "cannot compare file contents", err))
			return
		}
		if !same {
			result.changed = append(result.changed, name)
		}
	case srcInfo.Mode().Type() != dstInfo.Mode().Type():
		result.anomalies = append(result.anomalies, anomaly(rel,
			fmt.Sprintf("type mismatch: %s in source, %s in destination", describeMode(srcInfo), describeMode(dstInfo)), nil))
	default:
		result.anomalies = append(result.anomalies, anomaly(rel,
			fmt.Sprintf("unsupported file type %s", describeMode(srcInfo)), nil))
	}
}

// listDir returns the sorted entry names of dir that take part in comparison
func (s *Synchronizer) listDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if s.rules.Ignored(entry.Name()) {
			continue
		}
		names = append(names, entry.Name())
	}
	return names, nil
}

func (s *Synchronizer) logSummary(ops []Operation) {
	counts := map[Kind]int{}
	for _, op := range ops {
		counts[op.Kind]++
	}
	s.logger.Info("synchronization complete",
		"add", counts[Add],
		"delete", counts[Delete],
		"modify", counts[Modify],
		"dry_run", s.dryRun)
}

func describeMode(info os.FileInfo) string {
	switch {
	case info.IsDir():
		return "directory"
	case info.Mode().IsRegular():
		return "file"
	case info.Mode()&os.ModeNamedPipe != 0:
		return "named pipe"
	case info.Mode()&os.ModeSocket != 0:
		return "socket"
	case info.Mode()&os.ModeDevice != 0:
		return "device"
	default:
		return info.Mode().Type().String()
	}
}
