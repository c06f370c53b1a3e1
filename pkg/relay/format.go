package relay

import (
	"errors"
	"strings"
)

// Named errors control the label FormatError prints before their message.
type Named interface {
	Name() string
}

// FormatError renders err and its chain of causes, one per line:
//
//	WriteError: failed to write /v/a.md
//	Caused by: Error: permission denied
func FormatError(err error) string {
	if err == nil {
		return ""
	}

	var b strings.Builder
	for depth := 0; err != nil; depth++ {
		if depth > 0 {
			b.WriteString("\nCaused by: ")
		}

		name := "Error"
		if named, ok := err.(Named); ok {
			name = named.Name()
		}

		cause := errors.Unwrap(err)
		message := err.Error()
		if cause != nil {
			message = strings.TrimSuffix(message, ": "+cause.Error())
		}

		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(message)
		err = cause
	}
	return b.String()
}
