package announcement

import (
	"errors"
	"fmt"
)

// Delivery error kinds. Transports wrap their platform errors with one of
// these so the relay loop can pick a log severity without knowing the SDK.
var (
	ErrDestinationUnavailable = errors.New("destination unavailable")
	ErrPermissionDenied       = errors.New("permission denied")
	ErrTransient              = errors.New("transient delivery error")
)

// DeliveryError carries the kind, the destination and the platform error.
type DeliveryError struct {
	Kind        error
	Destination string
	Err         error
}

func (e *DeliveryError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("deliver to %s: %v", e.Destination, e.Kind)
	}
	return fmt.Sprintf("deliver to %s: %v: %v", e.Destination, e.Kind, e.Err)
}

// Is matches against the kind so errors.Is(err, ErrPermissionDenied) works.
func (e *DeliveryError) Is(target error) bool { return target == e.Kind }

func (e *DeliveryError) Unwrap() error { return e.Err }

// NewDeliveryError builds a DeliveryError. A nil kind means transient.
func NewDeliveryError(kind error, destination string, err error) *DeliveryError {
	if kind == nil {
		kind = ErrTransient
	}
	return &DeliveryError{Kind: kind, Destination: destination, Err: err}
}

// KindOf returns the delivery kind of err. Errors that carry no kind are
// treated as transient.
func KindOf(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrDestinationUnavailable):
		return ErrDestinationUnavailable
	case errors.Is(err, ErrPermissionDenied):
		return ErrPermissionDenied
	default:
		return ErrTransient
	}
}

// KindName is a short stable label for logs and status output.
func KindName(kind error) string {
	switch kind {
	case nil:
		return ""
	case ErrDestinationUnavailable:
		return "destination_unavailable"
	case ErrPermissionDenied:
		return "permission_denied"
	default:
		return "transient"
	}
}
