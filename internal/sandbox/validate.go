// ABOUTME: Path validation keeping sandbox file access inside the sandbox root
// ABOUTME: Resolves symlinks and checks containment by relative path, not prefix

package sandbox

import (
	"os"
	"path/filepath"
	"strings"
)

// Validate resolves requested against sandboxDir and returns the canonical
// absolute path if it stays strictly inside sandboxDir. Empty, absolute,
// NUL-containing and ".."-segmented paths are rejected, as is any path whose
// resolution fails.
func Validate(sandboxDir, requested string) (string, bool) {
	if requested == "" || strings.ContainsRune(requested, 0) {
		return "", false
	}
	if filepath.IsAbs(requested) || strings.HasPrefix(requested, "/") || strings.HasPrefix(requested, `\`) {
		return "", false
	}
	for _, seg := range strings.FieldsFunc(requested, isSeparator) {
		if seg == ".." {
			return "", false
		}
	}

	root, err := filepath.Abs(sandboxDir)
	if err != nil {
		return "", false
	}
	root, err = filepath.EvalSymlinks(root)
	if err != nil {
		return "", false
	}

	resolved, err := resolveExisting(filepath.Join(root, requested))
	if err != nil {
		return "", false
	}

	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return resolved, true
}

// IsSafeFilename reports whether name can be used as a bare file name inside
// a sandbox directory.
func IsSafeFilename(name string) bool {
	if strings.TrimSpace(name) == "" {
		return false
	}
	if name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\\\x00")
}

// resolveExisting evaluates symlinks on the deepest existing ancestor of path
// and re-appends the components that do not exist yet.
func resolveExisting(path string) (string, error) {
	var rest []string
	p := path
	for {
		_, err := os.Lstat(p)
		if err == nil {
			break
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", err
		}
		rest = append(rest, filepath.Base(p))
		p = parent
	}

	real, err := filepath.EvalSymlinks(p)
	if err != nil {
		return "", err
	}
	for i := len(rest) - 1; i >= 0; i-- {
		real = filepath.Join(real, rest[i])
	}
	return real, nil
}

func isSeparator(r rune) bool {
	return r == '/' || r == '\\'
}
