package backend

import (
	"errors"
	"fmt"

	"github.com/aws/smithy-go"
)

// Error is a transient infrastructure failure reported by one of the
// external services. Callers retry at the loop or caller level.
type Error struct {
	Service string
	Op      string
	Code    string
	Err     error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s %s failed (%s): %v", e.Service, e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Service, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap classifies err as a backend failure of service/op. A nil err stays nil.
func Wrap(service, op string, err error) error {
	if err == nil {
		return nil
	}
	var already *Error
	if errors.As(err, &already) {
		return err
	}
	wrapped := &Error{Service: service, Op: op, Err: err}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		wrapped.Code = apiErr.ErrorCode()
	}
	return wrapped
}
