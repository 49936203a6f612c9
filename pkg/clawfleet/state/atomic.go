// Package state – atomic.go implements write-to-temp-then-rename file writes
// and a lockfile-serialized variant for the fleet state snapshot.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// writeFileAtomic writes data to path by writing a sibling temp file, syncing
// it, and renaming it over the destination. Readers never observe a partial
// file.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return &AtomicWriteError{Path: path, Err: err}
	}
	tmpName := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return &AtomicWriteError{Path: path, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return &AtomicWriteError{Path: path, Err: err}
	}
	if err := tmp.Chmod(perm); err != nil {
		cleanup()
		return &AtomicWriteError{Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &AtomicWriteError{Path: path, Err: err}
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return &AtomicWriteError{Path: path, Err: err}
	}
	return nil
}

// writeJSONAtomic marshals v with indentation and writes it atomically.
func writeJSONAtomic(path string, v any, perm os.FileMode) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(path), err)
	}
	return writeFileAtomic(path, append(data, '\n'), perm)
}

// readJSON reads path and unmarshals it into v. Returns os.ErrNotExist
// (wrapped) when the file is missing.
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	return nil
}
