package retry

import (
	"errors"
	"fmt"
	"net"
)

// StatusError carries an HTTP status from a failed backend call so
// classifiers can decide retryability.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("backend returned %d: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("backend returned %d", e.Status)
}

// StatusRetryable treats 5xx and transport-level failures as
// retryable; 4xx and everything else is terminal.
func StatusRetryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status >= 500
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return false
}
