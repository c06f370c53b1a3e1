package relay

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type writeError struct {
	path string
	err  error
}

func (e *writeError) Error() string { return "failed to write " + e.path + ": " + e.err.Error() }
func (e *writeError) Unwrap() error { return e.err }
func (e *writeError) Name() string  { return "WriteError" }

func TestFormatError(t *testing.T) {
	assert.Equal(t, "", FormatError(nil))
	assert.Equal(t, "Error: plain", FormatError(errors.New("plain")))

	root := errors.New("permission denied")
	err := fmt.Errorf("autosave: %w", &writeError{path: "/v/a.md", err: root})

	assert.Equal(t,
		"Error: autosave\nCaused by: WriteError: failed to write /v/a.md\nCaused by: Error: permission denied",
		FormatError(err),
	)
}
