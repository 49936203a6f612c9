// Package state – paths.go implements path-safe identifier handling. Every
// filesystem path derived from an external identifier (agent name, job id,
// channel id) passes through BuildSafeFilePath, which rejects anything that
// could resolve outside the designated base directory.
package state

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// safeIdentifierPattern matches identifiers that are safe to embed in file
// names: letters, digits, '_' and '-', starting with a letter or digit.
var safeIdentifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// ValidIdentifier reports whether id matches the safe-identifier pattern.
func ValidIdentifier(id string) bool {
	return safeIdentifierPattern.MatchString(id)
}

// BuildSafeFilePath joins baseDir, identifier and ext into an absolute path,
// validating that the identifier matches the safe pattern AND that the
// resolved result stays strictly inside the resolved base directory. Both
// checks must pass; nothing is touched on disk.
func BuildSafeFilePath(baseDir, identifier, ext string) (string, error) {
	if !ValidIdentifier(identifier) {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, identifier)
	}

	base, err := filepath.Abs(baseDir)
	if err != nil {
		return "", fmt.Errorf("resolving base %q: %w", baseDir, err)
	}

	full, err := filepath.Abs(filepath.Join(base, identifier+ext))
	if err != nil {
		return "", fmt.Errorf("resolving path for %q: %w", identifier, err)
	}

	// Belt and braces: the pattern already forbids separators and "..",
	// but verify prefix containment on the resolved result as well.
	if !strings.HasPrefix(full, base+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, identifier)
	}

	return full, nil
}

// BuildSafeDirPath is BuildSafeFilePath without an extension, for per-job
// subdirectories such as jobs/<jobId>/.
func BuildSafeDirPath(baseDir, identifier string) (string, error) {
	return BuildSafeFilePath(baseDir, identifier, "")
}
