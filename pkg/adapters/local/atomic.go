package local

import (
	"fmt"
	"os"
	"path/filepath"
)

// tempFilePrefix is the prefix of in-flight merge request files.
const tempFilePrefix = "staticimp-tmp-"

// writeFileAtomic writes data to a temp file in the target directory and
// renames it over filename. With exclusive set, an existing filename is
// left alone and os.ErrExist is returned.
func writeFileAtomic(filename string, data []byte, perm os.FileMode, exclusive bool) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directories: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, tempFilePrefix+"*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmpFile.Name())

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpFile.Name(), perm); err != nil {
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}

	if exclusive {
		// link fails when filename exists, unlike rename
		if err := os.Link(tmpFile.Name(), filename); err != nil {
			return err
		}
		return nil
	}
	if err := os.Rename(tmpFile.Name(), filename); err != nil {
		return fmt.Errorf("failed to rename temp file to %s: %w", filename, err)
	}
	return nil
}
