package domain

import (
	"fmt"
	"time"
)

// KeyNotFoundError is returned by a key-value store when a key does not exist.
type KeyNotFoundError struct {
	Key string
}

func (e *KeyNotFoundError) Error() string {
	return fmt.Sprintf("key not found: %s", e.Key)
}

// SourceUnavailableError is returned when the health data source cannot be
// used at all on this device (disabled, missing, unreachable).
type SourceUnavailableError struct {
	Source string
	Err    error
}

func (e *SourceUnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("health source %q unavailable", e.Source)
	}
	return fmt.Sprintf("health source %q unavailable: %v", e.Source, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error { return e.Err }

// AuthorizationDeniedError is returned when the user declined access.
type AuthorizationDeniedError struct {
	Scope string
}

func (e *AuthorizationDeniedError) Error() string {
	return fmt.Sprintf("authorization denied for %s", e.Scope)
}

// TransientQueryError is returned when a source query fails in a way that is
// expected to succeed on a later window.
type TransientQueryError struct {
	Source string
	Err    error
}

func (e *TransientQueryError) Error() string {
	return fmt.Sprintf("transient query failure on %q: %v", e.Source, e.Err)
}

func (e *TransientQueryError) Unwrap() error { return e.Err }

// InvalidWorkoutError is returned when a workout fails validation.
type InvalidWorkoutError struct {
	WorkoutID string
	Reason    string
}

func (e *InvalidWorkoutError) Error() string {
	return fmt.Sprintf("invalid workout %s: %s", e.WorkoutID, e.Reason)
}

// WriteFailureError wraps a failed cloud sub-write.
type WriteFailureError struct {
	ItemID string
	Step   WriteStep
	Err    error
}

func (e *WriteFailureError) Error() string {
	return fmt.Sprintf("write %s for item %s failed: %v", e.Step, e.ItemID, e.Err)
}

func (e *WriteFailureError) Unwrap() error { return e.Err }

// NotificationDeliveryError is returned when a dispatcher rejects a notification.
type NotificationDeliveryError struct {
	NotificationID string
	Err            error
}

func (e *NotificationDeliveryError) Error() string {
	return fmt.Sprintf("deliver notification %s: %v", e.NotificationID, e.Err)
}

func (e *NotificationDeliveryError) Unwrap() error { return e.Err }

// PassInProgressError is returned by non-waiting triggers while another
// pipeline pass holds the single-flight slot.
type PassInProgressError struct {
	Since time.Time
}

func (e *PassInProgressError) Error() string {
	return fmt.Sprintf("pipeline pass already running since %s", e.Since.Format(time.RFC3339))
}
