package workflow

import (
	"errors"
	"fmt"
)

// Error kinds returned by Invoke. Match them with errors.Is.
var (
	ErrUpstreamTimeout           = errors.New("upstream timeout")
	ErrUpstreamError             = errors.New("upstream error")
	ErrUpstreamMalformedResponse = errors.New("upstream malformed response")
)

// Error describes a failed workflow call.
type Error struct {
	Kind          error
	CorrelationID string
	StatusCode    int
	Err           error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s: status %d", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return fmt.Sprintf("%s (correlation_id=%s)", msg, e.CorrelationID)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
