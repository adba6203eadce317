// Package sandbox jails filesystem access under a root directory and gates
// outbound network targets against a domain allowlist.
package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrDenied marks a sandbox escape or a disallowed network target.
var ErrDenied = errors.New("permission denied")

// Workspace resolves paths against a jailed root. Containment is checked on
// the fully resolved path (symlinks and ".." evaluated), never by string
// matching on the raw input.
type Workspace struct {
	root     string
	readOnly bool
}

// NewWorkspace canonicalizes root and creates it when missing (unless
// readOnly, in which case the root must already exist).
func NewWorkspace(root string, readOnly bool) (*Workspace, error) {
	if root == "" {
		return nil, fmt.Errorf("empty sandbox root")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox root: %w", err)
	}
	if !readOnly {
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return nil, fmt.Errorf("create sandbox root: %w", err)
		}
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("canonicalize sandbox root: %w", err)
	}
	return &Workspace{root: canonical, readOnly: readOnly}, nil
}

// Root returns the canonical sandbox root.
func (w *Workspace) Root() string {
	return w.root
}

// ResolvePath resolves candidate (absolute or relative to the root) to an
// absolute path and verifies it stays inside the root. Read-only workspaces
// additionally require the target to exist.
func (w *Workspace) ResolvePath(candidate string) (string, error) {
	if candidate == "" {
		return "", fmt.Errorf("%w: empty path", ErrDenied)
	}
	joined := candidate
	if !filepath.IsAbs(joined) {
		joined = filepath.Join(w.root, joined)
	}
	joined = filepath.Clean(joined)

	resolved, err := filepath.EvalSymlinks(joined)
	if err != nil {
		if w.readOnly {
			return "", fmt.Errorf("%w: path %q does not exist in read-only sandbox", ErrDenied, candidate)
		}
		// Target may not exist yet; resolve the nearest existing ancestor so a
		// symlinked parent cannot smuggle the path outside the root.
		resolved, err = resolveForCreate(joined)
		if err != nil {
			return "", fmt.Errorf("%w: resolve %q: %v", ErrDenied, candidate, err)
		}
	}

	if resolved != w.root && !strings.HasPrefix(resolved, w.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path %q escapes sandbox root %q", ErrDenied, candidate, w.root)
	}
	return resolved, nil
}

// resolveForCreate walks up to the nearest existing ancestor, canonicalizes
// it, and re-appends the missing suffix.
func resolveForCreate(path string) (string, error) {
	var missing []string
	dir := path
	for {
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no existing ancestor for %q", path)
		}
		missing = append([]string{filepath.Base(dir)}, missing...)
		dir = parent
		canonical, err := filepath.EvalSymlinks(dir)
		if err == nil {
			return filepath.Join(append([]string{canonical}, missing...)...), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
	}
}
