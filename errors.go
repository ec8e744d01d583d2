package treefs

import (
	"errors"
	"fmt"
)

// Common tree errors
var (
	ErrNotExist     = errors.New("file does not exist")
	ErrExist        = errors.New("file already exists")
	ErrNotDir       = errors.New("not a directory")
	ErrIsDir        = errors.New("is a directory")
	ErrInvalidName  = errors.New("invalid name")
	ErrNotSupported = errors.New("operation not supported")
	ErrNotAllowed   = errors.New("operation not allowed")
	ErrDetached     = errors.New("file has been deleted")
	ErrNoSpace      = errors.New("no space left on device")

	// ErrMountExists is returned when mounting over an id that is already mounted
	ErrMountExists = errors.New("mount point already exists")
	// ErrMountNotFound is returned when unmounting an id that has no mount
	ErrMountNotFound = errors.New("no mount point found")
	// ErrNilDirectory is returned when trying to mount a nil directory
	ErrNilDirectory = errors.New("directory cannot be nil")
)

// PathError records an error and the operation and file path that caused it
type PathError struct {
	Op   string
	Path string
	Err  error
}

// NewPathError creates a PathError.
func NewPathError(op, path string, err error) *PathError {
	return &PathError{Op: op, Path: path, Err: err}
}

// Error implements the error interface
func (e *PathError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns the underlying error
func (e *PathError) Unwrap() error {
	return e.Err
}

// IsNotExist reports whether an error indicates that a file or directory
// does not exist
func IsNotExist(err error) bool {
	return errors.Is(err, ErrNotExist)
}

// IsExist reports whether an error indicates that a file or directory
// already exists
func IsExist(err error) bool {
	return errors.Is(err, ErrExist)
}

// IsNotSupported reports whether an error indicates an operation that the
// file type or backend does not provide
func IsNotSupported(err error) bool {
	return errors.Is(err, ErrNotSupported)
}

// IsNotAllowed reports whether an error was caused by a read-only layer
func IsNotAllowed(err error) bool {
	return errors.Is(err, ErrNotAllowed)
}
