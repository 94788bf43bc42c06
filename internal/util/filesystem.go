package util

import (
	"fmt"
	"os"
	"path/filepath"
)

func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

// ResetDir removes path and everything under it, then recreates it empty.
func ResetDir(path string) error {
	clean := filepath.Clean(path)
	if clean == "/" || clean == "." || clean == "" {
		return fmt.Errorf("refusing to reset directory %q", path)
	}
	if err := os.RemoveAll(clean); err != nil {
		return fmt.Errorf("remove %s: %w", clean, err)
	}
	return EnsureDir(clean)
}
