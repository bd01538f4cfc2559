package report

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	// CodeAuthExpired: the analytics credentials were rejected; the owner must re-authenticate.
	CodeAuthExpired ErrorCode = "auth_expired"
	CodeTransient   ErrorCode = "transient"
	CodePermanent   ErrorCode = "permanent"
)

type GenerationError struct {
	Code   ErrorCode
	Status int // HTTP status, 0 if the request never got a response
	Err    error
}

func (e *GenerationError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("report generation %s (http %d): %v", e.Code, e.Status, e.Err)
	}
	return fmt.Sprintf("report generation %s: %v", e.Code, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Retryable reports whether err is worth retrying within the same firing.
func Retryable(err error) bool {
	var ge *GenerationError
	if errors.As(err, &ge) {
		return ge.Code == CodeTransient
	}
	return false
}

// Actionable reports whether the owner can fix the failure themselves.
func Actionable(err error) bool {
	var ge *GenerationError
	return errors.As(err, &ge) && ge.Code == CodeAuthExpired
}
