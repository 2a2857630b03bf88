// Package classify turns raw transport and validation failures into the
// human-readable titles and descriptions surfaced to callers.
package classify

import (
	"context"
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation    Kind = "validation"
	KindTransport     Kind = "transport"
	KindAuthorization Kind = "authorization"
	KindDrift         Kind = "drift"
)

type Classification struct {
	Kind        Kind
	Title       string
	Description string
}

// ValidationError marks caller input that can never succeed as given.
// Validation failures are surfaced immediately and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return "validation failed"
	}
	return e.Reason
}

// statusCoder is implemented by transport errors that carry an HTTP
// status code.
type statusCoder interface {
	HTTPStatus() int
}

// Classify inspects an error's type and status code and produces the
// matching kind. Unrecognized shapes fall back to a generic transport
// classification instead of failing.
func Classify(err error) Classification {
	if err == nil {
		return Classification{}
	}

	var vErr *ValidationError
	if errors.As(err, &vErr) {
		return Classification{
			Kind:        KindValidation,
			Title:       "Invalid request",
			Description: vErr.Reason,
		}
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		return fromStatus(sc.HTTPStatus(), err)
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Classification{
			Kind:        KindTransport,
			Title:       "Request canceled",
			Description: err.Error(),
		}
	}

	return Classification{
		Kind:        KindTransport,
		Title:       "Network error",
		Description: err.Error(),
	}
}

func fromStatus(status int, err error) Classification {
	switch {
	case status == 401 || status == 403:
		return Classification{
			Kind:        KindAuthorization,
			Title:       "Access denied",
			Description: fmt.Sprintf("the service rejected the credential (status %d); check that the auth token grants access to this channel and key set", status),
		}
	case status == 400:
		return Classification{
			Kind:        KindValidation,
			Title:       "Rejected by service",
			Description: err.Error(),
		}
	case status == 429:
		return Classification{
			Kind:        KindTransport,
			Title:       "Rate limited",
			Description: fmt.Sprintf("too many requests (status %d); slow down and retry", status),
		}
	case status >= 500:
		return Classification{
			Kind:        KindTransport,
			Title:       "Service unavailable",
			Description: fmt.Sprintf("the service failed to handle the request (status %d)", status),
		}
	default:
		return Classification{
			Kind:        KindTransport,
			Title:       "Request failed",
			Description: fmt.Sprintf("request failed with status %d", status),
		}
	}
}

// Drift is the notification attached to an automatic disconnect after a
// configuration change. It is not a failure.
func Drift() Classification {
	return Classification{
		Kind:        KindDrift,
		Title:       "Configuration changed",
		Description: "the live subscription no longer matches its configuration and was disconnected; subscribe again to reconnect",
	}
}
