package subscription

import "errors"

var (
	ErrNotFound           = errors.New("subscription not found")
	ErrStorageUnavailable = errors.New("subscription storage unavailable")
	// ErrNotScheduled: the subscription was persisted but no job is armed yet.
	ErrNotScheduled = errors.New("subscription saved but not scheduled")
	// ErrSchedulingConflict: two logical subscriptions claimed one job id; the later one wins.
	ErrSchedulingConflict = errors.New("scheduling conflict")
)

// ValidationError rejects a single field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return "invalid " + e.Field + ": " + e.Message }

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
