// Package safefile implements the stage-then-rename write discipline used for
// every durable file the engine owns: blobs, session records, restore markers,
// and files written back into the target tree during a restore.
package safefile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// TempPrefix marks staging files. Readers that scan a directory skip names
// with this prefix; the garbage collector sweeps stale ones.
const TempPrefix = ".tmp-"

// IsTemp reports whether name is a staging file.
func IsTemp(name string) bool {
	return strings.HasPrefix(filepath.Base(name), TempPrefix)
}

// Write writes data to path atomically: tempfile -> fsync -> rename.
// The tempfile is created in the same directory as path so the rename stays
// on one filesystem.
func Write(fsys afero.Fs, path string, data []byte, perm os.FileMode) (err error) {
	f, err := afero.TempFile(fsys, filepath.Dir(path), TempPrefix+"*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()

	// Clean up on any error
	defer func() {
		if err != nil {
			fsys.Remove(tmp)
		}
	}()

	if _, err = f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = fsys.Chmod(tmp, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err = fsys.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename temp to target: %w", err)
	}
	return nil
}

// Append opens path for append, writes data, fsyncs, and closes.
func Append(fsys afero.Fs, path string, data []byte) error {
	f, err := fsys.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open for append: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("append write: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("append fsync: %w", err)
	}
	return f.Close()
}
