package patch

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
)

var (
	// ErrCorruptPatch is matched by every DeserializationError.
	ErrCorruptPatch = errors.New("corrupt patch")

	// ErrApply wraps failures to apply a well-framed patch to a block.
	ErrApply = errors.New("patch does not apply")
)

// DeserializationError reports a patch record that could not be decoded,
// along with the place in the decoder that rejected it.
type DeserializationError struct {
	Location string
	Msg      string
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("corrupt patch at %s: %s", e.Location, e.Msg)
}

func (e *DeserializationError) Is(target error) bool {
	return target == ErrCorruptPatch
}

// Corruptf builds a DeserializationError located at its caller.
func Corruptf(format string, args ...any) error {
	return corruptf(2, format, args...)
}

func corruptf(skip int, format string, args ...any) error {
	loc := "unknown"
	if _, file, line, ok := runtime.Caller(skip); ok {
		loc = fmt.Sprintf("%s:%d", filepath.Base(file), line)
	}
	return &DeserializationError{Location: loc, Msg: fmt.Sprintf(format, args...)}
}
