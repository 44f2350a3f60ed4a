package wizard

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrBusy is returned while a request for the current step is outstanding.
	ErrBusy = errors.New("wizard: request in progress")
	// ErrClosed is returned after Close, and by calls whose results arrived after it.
	ErrClosed = errors.New("wizard: closed")
	// ErrNotMounted is returned by mutations attempted before Mount.
	ErrNotMounted = errors.New("wizard: not mounted")
	// ErrWrongStep is returned by operations that do not belong to the current step.
	ErrWrongStep = errors.New("wizard: operation not valid at current step")
	// ErrLessonNotFound is returned for an unknown lesson request id.
	ErrLessonNotFound = errors.New("wizard: lesson request not found")
)

// ValidationError carries per-field messages. It never reaches the network.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s: %s", k, e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// IsValidationError reports whether err is a *ValidationError and returns it.
func IsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
