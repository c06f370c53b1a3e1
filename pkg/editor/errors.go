package editor

import "errors"

var (
	ErrNoFileOpen   = errors.New("no file open")
	ErrClosed       = errors.New("window closed")
	ErrWriteFailure = errors.New("write failure")
)

// WriteError reports a failed content write. It matches ErrWriteFailure and
// unwraps to the filesystem error.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return "failed to write " + e.Path + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error { return e.Err }

func (e *WriteError) Is(target error) bool { return target == ErrWriteFailure }

func (e *WriteError) Name() string { return "WriteError" }
