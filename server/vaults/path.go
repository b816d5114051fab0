package vaults

import (
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

const fileScheme = "file://"

// ValidateAndSanitizePath checks a storage root supplied by the client and
// returns its cleaned form. The path must be absolute and must not contain
// NUL bytes or relative segments; a leading file:// scheme is accepted.
func ValidateAndSanitizePath(path string) (string, error) {
	path = strings.TrimPrefix(path, fileScheme)
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.Wrap(ErrInvalidPath, "path is empty")
	}
	if strings.ContainsRune(path, 0) {
		return "", errors.Wrap(ErrInvalidPath, "path contains null byte")
	}
	if !strings.HasPrefix(path, "/") {
		return "", errors.Wrap(ErrInvalidPath, "path must be absolute")
	}
	if strings.Contains(path, "..") || strings.Contains(path, "./") || strings.Contains(path, "/.") {
		return "", errors.Wrap(ErrInvalidPath, "path contains traversal sequence")
	}
	return filepath.Clean(path), nil
}

// validateVaultID makes sure a vault id is usable as a single path segment.
func validateVaultID(id string) error {
	switch {
	case id == "":
		return errors.Wrap(ErrInvalidPath, "vault id is empty")
	case id == "." || id == "..":
		return errors.Wrap(ErrInvalidPath, "vault id is a relative segment")
	case strings.ContainsAny(id, "/\\\x00"):
		return errors.Wrapf(ErrInvalidPath, "vault id %q contains a separator", id)
	}
	return nil
}
