// Package security validates client-supplied filesystem paths before
// any engine touches them.
package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidateWithinRoot returns an error unless path resolves to a
// location inside root. Symlinks are resolved on both sides so a link
// cannot carry a write outside the root; for a path that does not
// exist yet, the nearest existing ancestor is resolved instead.
func ValidateWithinRoot(path, root string) error {
	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("failed to resolve path %s: %w", path, err)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("failed to resolve root %s: %w", root, err)
	}

	canonicalRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return fmt.Errorf("root directory %s is not accessible: %w", root, err)
	}
	canonicalPath := resolveNearestExisting(absPath)

	if canonicalPath != canonicalRoot &&
		!strings.HasPrefix(canonicalPath, canonicalRoot+string(filepath.Separator)) {
		return fmt.Errorf("path %s escapes the data directory", path)
	}
	return nil
}

// resolveNearestExisting canonicalizes path by resolving symlinks in
// its longest existing ancestor and reattaching the remainder. A
// symlinked intermediate directory is therefore seen at its target,
// even when the final component does not exist.
func resolveNearestExisting(absPath string) string {
	if resolved, err := filepath.EvalSymlinks(absPath); err == nil {
		return resolved
	}

	for dir := filepath.Dir(absPath); ; dir = filepath.Dir(dir) {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			rel, err := filepath.Rel(dir, absPath)
			if err != nil {
				return absPath
			}
			return filepath.Join(resolved, rel)
		}
		if dir == filepath.Dir(dir) {
			return absPath
		}
	}
}
