// Package errs defines the failure taxonomy shared by the training and
// inference pipelines.
//
// Two kinds of failure abort a pipeline:
//   - DataError: a missing or corrupt input file, or an empty dataset.
//   - ModelLoadError: a missing checkpoint or one whose tensors do not fit
//     the constructed network.
//
// Both types unwrap to their cause, so callers can match them with
// errors.As or with the IsData / IsModelLoad helpers.
package errs

import (
	"errors"
	"fmt"
)

// DataError reports a problem with input data.
type DataError struct {
	Op   string // Operation that failed (e.g., "decode", "index")
	Path string // File or directory involved, if any
	Err  error  // Underlying cause, may be nil
}

// Error implements the error interface.
func (e *DataError) Error() string {
	msg := "data error"
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *DataError) Unwrap() error {
	return e.Err
}

// NewData returns a DataError for the given operation and path.
func NewData(op, path string, err error) *DataError {
	return &DataError{Op: op, Path: path, Err: err}
}

// Dataf returns a DataError whose cause is a formatted message.
func Dataf(op, path, format string, args ...any) *DataError {
	return &DataError{Op: op, Path: path, Err: fmt.Errorf(format, args...)}
}

// ModelLoadError reports a checkpoint that cannot be loaded into a model.
type ModelLoadError struct {
	Path   string // Checkpoint or weight file
	Tensor string // Offending tensor name, empty when the whole file failed
	Err    error
}

// Error implements the error interface.
func (e *ModelLoadError) Error() string {
	msg := "model load error"
	if e.Path != "" {
		msg += ": " + e.Path
	}
	if e.Tensor != "" {
		msg += fmt.Sprintf(": tensor %q", e.Tensor)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ModelLoadError) Unwrap() error {
	return e.Err
}

// NewModelLoad returns a ModelLoadError for a checkpoint path.
func NewModelLoad(path, tensorName string, err error) *ModelLoadError {
	return &ModelLoadError{Path: path, Tensor: tensorName, Err: err}
}

// IsData reports whether err is, or wraps, a DataError.
func IsData(err error) bool {
	var de *DataError
	return errors.As(err, &de)
}

// IsModelLoad reports whether err is, or wraps, a ModelLoadError.
func IsModelLoad(err error) bool {
	var me *ModelLoadError
	return errors.As(err, &me)
}
