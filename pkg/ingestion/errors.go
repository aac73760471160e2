package ingestion

import (
	"errors"
	"fmt"
)

var (
	ErrWorkerStarted  = errors.New("storage worker already started")
	ErrUnknownPolicy  = errors.New("unknown flush failure policy")
	errNotAnObject    = errors.New("not a JSON object")
	errNotAnArray     = errors.New("not a JSON array")
	errMissingField   = errors.New("missing required field")
	errInvalidVersion = errors.New("unsupported schema version")
	errTrailingData   = errors.New("unexpected data after the submission")
)

// FileError records a filesystem operation that failed on one submission.
type FileError struct {
	Op   string
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// FlushError wraps a failed storage transaction with the size of the batch
// it was writing.
type FlushError struct {
	Items int
	Err   error
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("flush of %d items: %v", e.Items, e.Err)
}

func (e *FlushError) Unwrap() error {
	return e.Err
}
