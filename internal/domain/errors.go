package domain

import (
	"errors"
	"fmt"
)

var (
	ErrOrderNotFound       = errors.New("order not found")
	ErrPaymentNotFound     = errors.New("payment not found")
	ErrDuplicateSubmission = errors.New("checkout already submitted")
	ErrPaymentInProgress   = errors.New("a payment for this order is still pending")
	ErrPollTimeout         = errors.New("payment confirmation timed out")
)

// ValidationError is raised before any network call and is safe to show as-is.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{Field: field, Message: msg}
}

type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ProviderAuthError means the credential exchange with a provider failed.
type ProviderAuthError struct {
	Provider string
	Err      error
}

func (e *ProviderAuthError) Error() string {
	return fmt.Sprintf("%s auth failed: %v", e.Provider, e.Err)
}

func (e *ProviderAuthError) Unwrap() error { return e.Err }

// ProviderRequestError carries the provider's own message when it has one.
type ProviderRequestError struct {
	Provider string
	Code     string
	Message  string
	Err      error
}

func (e *ProviderRequestError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("%s request rejected (%s): %s", e.Provider, e.Code, msg)
	}
	return fmt.Sprintf("%s request failed: %s", e.Provider, msg)
}

func (e *ProviderRequestError) Unwrap() error { return e.Err }

// UserMessage is the text shown on the "Payment failed" banner.
func UserMessage(err error) string {
	var ve *ValidationError
	var pe *PersistenceError
	var ae *ProviderAuthError
	var re *ProviderRequestError
	switch {
	case errors.As(err, &ve):
		return ve.Error()
	case errors.As(err, &pe):
		return "Failed to place order. Please try again."
	case errors.As(err, &ae):
		return "Failed to initiate payment. Please try again."
	case errors.As(err, &re):
		if re.Message != "" {
			return re.Message
		}
		return "Payment failed. Please try again."
	case errors.Is(err, ErrPollTimeout):
		return "We could not confirm your payment yet. Check your order status shortly."
	default:
		return "Something went wrong. Please try again."
	}
}
