//go:build !unix

package engine

import (
	"fmt"
	"os"
)

// lockFile only opens the lock file on platforms without flock(2); the
// in-process operation gate still serializes work within one engine.
func lockFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return f, nil
}

func unlockFile(f *os.File) error { return f.Close() }
