// Package staging materializes a user's input files into the per-user
// working directory before execution. The execution core only depends on
// the precondition this package guarantees: by the time code runs, every
// referenced file exists at a deterministic relative path inside the
// session's working directory.
package staging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Stager is the storage-collaborator interface the execution core consumes.
type Stager interface {
	// EnsureUserDir returns the user's working directory, creating it if
	// needed.
	EnsureUserDir(userID string) (string, error)
	// CopyToUserDir places the referenced file into the user's working
	// directory and returns its path relative to that directory.
	// Re-staging the same file is a safe overwrite.
	CopyToUserDir(userID, src string) (string, error)
}

// Local implements Stager on the local filesystem: one directory per user
// under a common root.
type Local struct {
	root string
}

// NewLocal creates a Local stager rooted at root.
func NewLocal(root string) (*Local, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("staging: resolving root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("staging: creating root %s: %w", abs, err)
	}
	return &Local{root: abs}, nil
}

// EnsureUserDir creates (if needed) and returns the user's directory.
// User IDs are sanitized into a single path element so a hostile ID cannot
// escape the root.
func (l *Local) EnsureUserDir(userID string) (string, error) {
	dir := filepath.Join(l.root, sanitize(userID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("staging: creating user dir: %w", err)
	}
	return dir, nil
}

// CopyToUserDir copies src into the user's directory under its base name.
// Copying the same file again overwrites in place, so re-staging is
// idempotent.
func (l *Local) CopyToUserDir(userID, src string) (string, error) {
	dir, err := l.EnsureUserDir(userID)
	if err != nil {
		return "", err
	}

	name := filepath.Base(src)
	if name == "." || name == string(filepath.Separator) {
		return "", fmt.Errorf("staging: invalid file reference %q", src)
	}
	dst := filepath.Join(dir, name)

	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("staging: opening %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("staging: creating %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return "", fmt.Errorf("staging: copying %s: %w", name, err)
	}
	return name, nil
}

// sanitize flattens a user ID into one safe path element.
func sanitize(userID string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", "..", "_", ":", "_")
	s := replacer.Replace(userID)
	if s == "" {
		s = "_"
	}
	return s
}
