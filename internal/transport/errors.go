package transport

import (
	"errors"
	"fmt"
)

// StatusError carries the HTTP status of a rejected service call so
// callers can classify it without parsing text.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	if e == nil {
		return "service request failed"
	}
	if e.Status != "" {
		return e.Status
	}
	return fmt.Sprintf("http status %d", e.StatusCode)
}

// HTTPStatus exposes the code for error classification.
func (e *StatusError) HTTPStatus() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

func IsUnauthorized(err error) bool {
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		return false
	}
	return statusErr.StatusCode == 401 || statusErr.StatusCode == 403
}
