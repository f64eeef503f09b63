// Package errdefs defines the error taxonomy shared by every layer of the
// checkpoint engine. Callers test for a class with errors.Is; the concrete
// error usually wraps one of these sentinels with the path, operation and
// checkpoint involved.
package errdefs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrObjectNotFound means a referenced blob is missing from the content
	// store. It indicates store corruption or a premature collection.
	ErrObjectNotFound = errors.New("object not found")

	// ErrObjectCorrupt means a blob's bytes no longer hash to its key.
	ErrObjectCorrupt = errors.New("object corrupt")

	// ErrSequenceViolation means a checkpoint was appended out of order.
	ErrSequenceViolation = errors.New("checkpoint sequence violation")

	// ErrStoreWriteFailed wraps I/O failures while writing blobs or ledger records.
	ErrStoreWriteFailed = errors.New("store write failed")

	// ErrRestoreIncomplete means a restore stopped before applying its whole plan.
	ErrRestoreIncomplete = errors.New("restore incomplete")

	// ErrEngineBusy means a conflicting operation is running or pending.
	ErrEngineBusy = errors.New("engine busy")

	ErrSessionNotFound    = errors.New("session not found")
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrSessionComplete    = errors.New("session already complete")
	ErrInvalidPath        = errors.New("invalid path")
)

// OpError attaches operation context to a storage or restore failure.
type OpError struct {
	Op         string
	Path       string
	Session    string
	Checkpoint string
	Err        error
}

func (e *OpError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Session != "" {
		fmt.Fprintf(&b, " session=%s", e.Session)
	}
	if e.Checkpoint != "" {
		fmt.Fprintf(&b, " checkpoint=%s", e.Checkpoint)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, " path=%s", e.Path)
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *OpError) Unwrap() error { return e.Err }

// WriteFailed wraps err as ErrStoreWriteFailed unless it already is one.
func WriteFailed(op, path string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreWriteFailed) {
		return err
	}
	return &OpError{Op: op, Path: path, Err: fmt.Errorf("%w: %w", ErrStoreWriteFailed, err)}
}
