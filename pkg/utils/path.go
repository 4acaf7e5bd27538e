package utils

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidatePath validates that a file path is safe and does not contain
// directory traversal attempts.
func ValidatePath(path string, allowAbsolute bool) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}

	cleanPath := filepath.Clean(path)

	if strings.Contains(cleanPath, "..") {
		return fmt.Errorf("path contains directory traversal: %s", path)
	}

	if !allowAbsolute && filepath.IsAbs(cleanPath) {
		return fmt.Errorf("absolute paths not allowed: %s", path)
	}

	return nil
}

// ValidatePathWithinBase validates that a file path resolves inside the given
// base directory. Used to keep backup and lock paths contained.
func ValidatePathWithinBase(base, path string) error {
	if base == "" {
		return fmt.Errorf("base path cannot be empty")
	}
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}

	cleanBase := filepath.Clean(base)
	joined := filepath.Clean(filepath.Join(cleanBase, path))

	if joined != cleanBase && !strings.HasPrefix(joined, cleanBase+string(filepath.Separator)) {
		return fmt.Errorf("path escapes base directory: %s", path)
	}

	return nil
}
