package domain

import (
	"errors"
	"fmt"
)

var (
	ErrResourceNotFound       = errors.New("resource not found")
	ErrReservationNotFound    = errors.New("reservation not found")
	ErrInvalidRange           = errors.New("start date must be before end date")
	ErrOverlapConflict        = errors.New("reservation dates overlap an existing reservation")
	ErrNotAuthorized          = errors.New("not authorized")
	ErrNotSeller              = errors.New("only the product owner can change reservation status")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrStorageUnavailable     = errors.New("storage unavailable")
)

// Unavailable wraps a persistence fault so that errors.Is(err, ErrStorageUnavailable)
// holds while the original cause stays reachable.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

// IsBusinessError reports whether err is an expected outcome rather than a fault.
func IsBusinessError(err error) bool {
	switch {
	case errors.Is(err, ErrResourceNotFound),
		errors.Is(err, ErrReservationNotFound),
		errors.Is(err, ErrInvalidRange),
		errors.Is(err, ErrOverlapConflict),
		errors.Is(err, ErrNotAuthorized),
		errors.Is(err, ErrNotSeller),
		errors.Is(err, ErrInvalidStateTransition):
		return true
	}
	return false
}
