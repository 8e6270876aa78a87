package trust

import (
	"errors"
	"fmt"
)

// Caller-facing error categories. Services wrap these with an operation code
// so handlers can map them to a response while logs keep the full chain.
var (
	// ErrNotFound indicates a referenced provider, plan or verification does not exist.
	ErrNotFound = errors.New("trust: not found")
	// ErrDuplicate indicates a sybil-window repeat submission or a repeated identical vote.
	ErrDuplicate = errors.New("trust: duplicate")
	// ErrValidation indicates the request is missing a required signal such as the source IP.
	ErrValidation = errors.New("trust: invalid input")
)

// ServiceError carries an operation.reason code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
