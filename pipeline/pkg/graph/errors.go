package graph

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig marks an invalid stream definition or topology. It is only
	// returned before any worker starts.
	ErrConfig = errors.New("invalid pipeline configuration")

	// ErrStorage marks a failed read or write against an external store. The
	// batch that hit it is retried whole and its checkpoint is not advanced.
	ErrStorage = errors.New("storage failure")
)

// StorageError is a storage failure attributed to a stream and operation.
type StorageError struct {
	Stream string
	Op     string
	Err    error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("stream %s: %s: %v", e.Stream, e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorage, e.Err}
}

func storageErr(stream, op string, err error) error {
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Stream: stream, Op: op, Err: err}
}

func configErr(stream, format string, args ...any) error {
	if stream == "" {
		return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
	}
	return fmt.Errorf("%w: stream %q: %s", ErrConfig, stream, fmt.Sprintf(format, args...))
}
