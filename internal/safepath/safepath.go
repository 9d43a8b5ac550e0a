// Package safepath guards every filesystem path the orchestrator derives from
// user input. All analysis file access goes through these helpers so a crafted
// analysis ID or segment can never escape the storage root.
package safepath

import (
	"path/filepath"
	"strings"
)

// maxFilenameLen is the longest accepted filename component.
const maxFilenameLen = 255

// IsPathSafe reports whether target, once resolved, is equal to or a
// descendant of base. Both paths are made absolute and cleaned first, so
// ".." components and redundant separators cannot fake containment.
func IsPathSafe(target, base string) bool {
	absBase, err := filepath.Abs(base)
	if err != nil {
		return false
	}
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return false
	}

	rel, err := filepath.Rel(absBase, absTarget)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// IsValidFilename reports whether name is acceptable as a single path
// component: non-empty, at most 255 bytes, letters, digits, spaces, dot,
// underscore and hyphen only, and not "." or "..".
func IsValidFilename(name string) bool {
	if name == "" || len(name) > maxFilenameLen {
		return false
	}
	if name == "." || name == ".." {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == ' ' || r == '.' || r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}

// AnalysisFilePath joins root/analysisID/segments after validating every
// component. It returns "" and false if the analysis ID fails filename
// validation or any segment is absolute or contains a ".." component.
func AnalysisFilePath(root, analysisID string, segments ...string) (string, bool) {
	if !IsValidFilename(analysisID) {
		return "", false
	}
	for _, seg := range segments {
		if seg == "" || filepath.IsAbs(seg) {
			return "", false
		}
		for _, part := range strings.Split(filepath.ToSlash(seg), "/") {
			if part == ".." {
				return "", false
			}
		}
		if strings.ContainsRune(seg, 0) {
			return "", false
		}
	}

	parts := append([]string{root, analysisID}, segments...)
	p := filepath.Join(parts...)
	if !IsPathSafe(p, root) {
		return "", false
	}
	return p, true
}

// IsAbsolutePathSafe reports whether p is an absolute path with no ".."
// component. Used for operator-supplied trust material (certificate paths)
// validated once at startup.
func IsAbsolutePathSafe(p string) bool {
	if !filepath.IsAbs(p) {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(p), "/") {
		if part == ".." {
			return false
		}
	}
	return true
}
