package utils

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidateName checks a single directory entry name as received from the kernel.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("name cannot be empty")
	case name == "." || name == "..":
		return fmt.Errorf("reserved name: %s", name)
	case strings.ContainsRune(name, '/') || strings.ContainsRune(name, 0):
		return fmt.Errorf("name contains a path separator or NUL: %q", name)
	case len(name) > 255:
		return fmt.Errorf("name too long: %d bytes", len(name))
	}
	return nil
}

// SecureJoin safely joins path elements and ensures the result stays within the base directory.
//
//	safePath, err := SecureJoin(cacheRoot, bundle, "cloud", bucket, cloudID)
func SecureJoin(base string, elements ...string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("base path cannot be empty")
	}

	cleanBase := filepath.Clean(base)
	fullPath := filepath.Join(append([]string{cleanBase}, elements...)...)

	if !strings.HasPrefix(fullPath, cleanBase+string(filepath.Separator)) &&
		fullPath != cleanBase {
		return "", fmt.Errorf("path escapes base directory")
	}

	return fullPath, nil
}
