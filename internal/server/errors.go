package server

import (
	"errors"
	"net/http"
	"storefront-checkout/internal/domain"
)

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var ve *domain.ValidationError
	var ae *domain.ProviderAuthError
	var re *domain.ProviderRequestError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrOrderNotFound), errors.Is(err, domain.ErrPaymentNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicateSubmission), errors.Is(err, domain.ErrPaymentInProgress):
		return http.StatusConflict
	case errors.As(err, &ae), errors.As(err, &re):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func bodyFor(err error) errorBody {
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		return errorBody{Error: ve.Message, Field: ve.Field}
	}
	switch {
	case errors.Is(err, domain.ErrOrderNotFound), errors.Is(err, domain.ErrPaymentNotFound),
		errors.Is(err, domain.ErrDuplicateSubmission), errors.Is(err, domain.ErrPaymentInProgress):
		return errorBody{Error: err.Error()}
	}
	return errorBody{Error: domain.UserMessage(err)}
}
