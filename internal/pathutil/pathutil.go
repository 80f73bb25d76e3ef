// Package pathutil holds path helpers shared by policy evaluation and the
// sandbox mount layer: home expansion, symlink escape detection, glob
// expansion and dangerous-file scanning.
package pathutil

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ExpandHome replaces a leading "~" or "~/" with the user's home directory.
// Other paths are returned unchanged.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("pathutil: expand %q: %w", path, err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// Absolute expands "~" and joins relative paths onto base, returning a
// cleaned absolute path.
func Absolute(path, base string) (string, error) {
	p, err := ExpandHome(path)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(p) {
		if base == "" {
			return filepath.Abs(p)
		}
		p = filepath.Join(base, p)
	}
	return filepath.Clean(p), nil
}

// IsSymlinkOutsideBoundary reports whether resolvedPath lies outside the
// directory containing originalPath.
//
//	/work/link -> /work/real  false
//	/work/link -> /etc        true
func IsSymlinkOutsideBoundary(originalPath, resolvedPath string) bool {
	boundary := filepath.Dir(filepath.Clean(originalPath))
	resolved := filepath.Clean(resolvedPath)

	if resolved == boundary {
		return false
	}
	if boundary == "/" {
		return !strings.HasPrefix(resolved, "/")
	}
	return !strings.HasPrefix(resolved, boundary+string(filepath.Separator))
}

// GlobToRegex converts a glob pattern to a regexp string.
// "*" and "?" never cross a separator; "**" does; "[...]" is a class.
func GlobToRegex(pattern string) string {
	var b strings.Builder
	b.WriteString("^")
	i := 0
	for i < len(pattern) {
		ch := pattern[i]
		switch ch {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				i += 2
				if i < len(pattern) && pattern[i] == '/' {
					i++
				}
				b.WriteString("(?:.*/)?")
				continue
			}
			b.WriteString("[^/]*")
		case '?':
			b.WriteString("[^/]")
		case '[':
			j := i + 1
			if j < len(pattern) && pattern[j] == ']' {
				j++
			}
			for j < len(pattern) && pattern[j] != ']' {
				j++
			}
			if j < len(pattern) {
				b.WriteString(pattern[i : j+1])
				i = j + 1
				continue
			}
			b.WriteString("\\[")
		case '.', '+', '^', '$', '|', '(', ')', '{', '}', ']', '\\':
			b.WriteByte('\\')
			b.WriteByte(ch)
		default:
			b.WriteByte(ch)
		}
		i++
	}
	b.WriteString("$")
	return b.String()
}

// IsGlobPattern reports whether s contains glob metacharacters.
func IsGlobPattern(s string) bool {
	return strings.ContainsAny(s, "*?[")
}

// ValidateGlob reports malformed glob syntax such as an unclosed class.
func ValidateGlob(pattern string) error {
	// "**" is not valid for filepath.Match but is accepted by ExpandGlob.
	p := strings.ReplaceAll(pattern, "**", "*")
	if _, err := filepath.Match(p, ""); err != nil {
		return fmt.Errorf("pathutil: invalid glob %q: %w", pattern, err)
	}
	if _, err := regexp.Compile(GlobToRegex(pattern)); err != nil {
		return fmt.Errorf("pathutil: invalid glob %q: %w", pattern, err)
	}
	return nil
}

// ExpandGlob returns the existing filesystem paths matching pattern.
// maxDepth bounds the walk below the first non-glob ancestor (0 means 20).
func ExpandGlob(pattern string, maxDepth int) ([]string, error) {
	if maxDepth == 0 {
		maxDepth = 20
	}
	if !IsGlobPattern(pattern) {
		if _, err := os.Stat(pattern); err == nil {
			return []string{pattern}, nil
		}
		return nil, nil
	}

	root := pattern
	for IsGlobPattern(root) {
		root = filepath.Dir(root)
	}

	re, err := regexp.Compile(GlobToRegex(pattern))
	if err != nil {
		return nil, fmt.Errorf("pathutil: invalid glob %q: %w", pattern, err)
	}

	var matches []string
	rootDepth := strings.Count(filepath.Clean(root), string(filepath.Separator))
	_ = filepath.Walk(root, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return nil //nolint:nilerr // unreadable entries are skipped
		}
		depth := strings.Count(filepath.Clean(path), string(filepath.Separator)) - rootDepth
		if depth > maxDepth {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if re.MatchString(path) {
			matches = append(matches, path)
		}
		return nil
	})
	return matches, nil
}

// Files that a task should not be able to rewrite even inside a writable
// root, because a later shell or git invocation would execute them.
var (
	dangerousFiles = map[string]struct{}{
		".gitconfig": {}, ".gitmodules": {}, ".bashrc": {}, ".bash_profile": {},
		".zshrc": {}, ".zprofile": {}, ".profile": {}, ".envrc": {},
		".npmrc": {}, ".yarnrc": {}, ".netrc": {}, ".pypirc": {},
	}
	dangerousDirectories = []string{".git/hooks", ".vscode", ".idea"}
)

// ScanDangerousFiles walks root up to maxDepth levels (0 means unlimited)
// and returns the absolute paths of dangerous files and directories.
func ScanDangerousFiles(root string, maxDepth int) ([]string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("pathutil: cannot resolve root: %w", err)
	}

	rootDepth := strings.Count(filepath.Clean(absRoot), string(filepath.Separator))
	var found []string
	_ = filepath.Walk(absRoot, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return nil //nolint:nilerr // unreadable entries are skipped
		}
		if maxDepth > 0 {
			depth := strings.Count(filepath.Clean(path), string(filepath.Separator)) - rootDepth
			if depth > maxDepth {
				if info.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}

		if !info.IsDir() {
			if _, ok := dangerousFiles[filepath.Base(path)]; ok {
				found = append(found, path)
			}
			return nil
		}
		if path == absRoot {
			return nil
		}
		rel, relErr := filepath.Rel(absRoot, path)
		if relErr != nil {
			return nil
		}
		for _, dd := range dangerousDirectories {
			if rel == dd || strings.HasSuffix(rel, string(filepath.Separator)+dd) {
				found = append(found, path)
				return filepath.SkipDir
			}
		}
		return nil
	})
	return found, nil
}

// FindFirstNonExistent returns the shallowest component of path that does
// not exist, or "" if the whole path exists.
func FindFirstNonExistent(path string) string {
	cleaned := filepath.Clean(path)

	var chain []string
	for cur := cleaned; ; {
		chain = append(chain, cur)
		parent := filepath.Dir(cur)
		if parent == cur {
			break
		}
		cur = parent
	}
	for i := len(chain) - 1; i >= 0; i-- {
		if _, err := os.Stat(chain[i]); err != nil {
			return chain[i]
		}
	}
	return ""
}

// ContainsNullByte reports whether s contains a NUL byte.
func ContainsNullByte(s string) bool {
	return strings.ContainsRune(s, '\x00')
}
