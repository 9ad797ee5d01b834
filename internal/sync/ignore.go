package sync

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// versionControlNames are never compared, copied or deleted.
var versionControlNames = []string{".svn", ".git"}

// DefaultArtifactPatterns match compiled files that are not deployed when
// they first appear in the source tree.
var DefaultArtifactPatterns = []string{"*.pyc", "*.wsgic"}

// IgnoreRules decides which directory entries take part in a synchronization.
// It is immutable once built.
type IgnoreRules struct {
	names     map[string]struct{}
	artifacts []glob.Glob
}

// NewIgnoreRules builds rules from exact entry names and artifact glob
// patterns. Blank names are dropped.
func NewIgnoreRules(names, artifactPatterns []string) (*IgnoreRules, error) {
	r := &IgnoreRules{names: make(map[string]struct{})}
	for _, name := range versionControlNames {
		r.names[name] = struct{}{}
	}
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		r.names[name] = struct{}{}
	}

	for _, pattern := range artifactPatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid artifact pattern %q: %w", pattern, err)
		}
		r.artifacts = append(r.artifacts, g)
	}
	return r, nil
}

// Ignored reports whether name is excluded from directory comparison.
func (r *IgnoreRules) Ignored(name string) bool {
	_, ok := r.names[name]
	return ok
}

// Artifact reports whether name is a compiled artifact.
func (r *IgnoreRules) Artifact(name string) bool {
	for _, g := range r.artifacts {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// Excluded reports whether name never produces an operation.
func (r *IgnoreRules) Excluded(name string) bool {
	return isDotfile(name) || r.Ignored(name)
}

// SkipNew reports whether a newly discovered entry is left out.
func (r *IgnoreRules) SkipNew(name string) bool {
	return r.Excluded(name) || r.Artifact(name)
}

func isDotfile(name string) bool {
	return strings.HasPrefix(name, ".")
}
