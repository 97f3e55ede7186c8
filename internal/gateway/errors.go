package gateway

import (
	"errors"
	"fmt"
)

// ValidationError reports malformed or missing caller input. It is always
// surfaced before any provider call is made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

// ProviderError reports an upstream rejection or transport failure. The
// attempt is still recorded before the error propagates.
type ProviderError struct {
	Provider string
	Message  string
	Code     int
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: %s (code %d)", e.Provider, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NotAvailableError reports an unresolvable gateway or payment method.
type NotAvailableError struct {
	Kind string // "gateway" or "payment method"
	Name string
}

func (e *NotAvailableError) Error() string {
	return fmt.Sprintf("%s %q is not available or not configured", e.Kind, e.Name)
}

// NotFoundError reports a missing transaction or order correlation.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// InvalidCallbackError reports an authenticity or shape failure on an
// inbound callback. Callbacks failing this way never mutate state.
type InvalidCallbackError struct {
	Provider string
	Reason   string
}

func (e *InvalidCallbackError) Error() string {
	return fmt.Sprintf("invalid %s callback: %s", e.Provider, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsNotAvailable reports whether err is a NotAvailableError.
func IsNotAvailable(err error) bool {
	var na *NotAvailableError
	return errors.As(err, &na)
}

// IsInvalidCallback reports whether err is an InvalidCallbackError.
func IsInvalidCallback(err error) bool {
	var ic *InvalidCallbackError
	return errors.As(err, &ic)
}
