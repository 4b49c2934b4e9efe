package services

import (
	"errors"
	"net/http"

	"camrelay/internal/core/domain"
	"camrelay/pkg/circuitbreaker"
	apperrors "camrelay/pkg/errors"
)

// ToAppError maps routing and auth errors onto the codes carried by error
// frames and API responses.
func ToAppError(err error) *apperrors.AppError {
	if appErr := apperrors.GetAppError(err); appErr != nil {
		return appErr
	}

	switch {
	case errors.Is(err, domain.ErrDeviceNotFound):
		return apperrors.WrapError(err, apperrors.ErrCodeNotFound, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrSessionNotFound):
		return apperrors.WrapError(err, apperrors.ErrCodeNotFound, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrNoRecipient):
		return apperrors.WrapError(err, apperrors.ErrCodeNoRecipient, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrNotAwaitingAnswer):
		return apperrors.WrapError(err, apperrors.ErrCodeNotAwaitingAnswer, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrSuperseded):
		return apperrors.WrapError(err, apperrors.ErrCodeSuperseded, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrInvalidMessage):
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, err.Error(), http.StatusBadRequest)
	case errors.Is(err, circuitbreaker.ErrOpen):
		return apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "device store unavailable", http.StatusServiceUnavailable)
	case errors.Is(err, domain.ErrUnauthorized), errors.Is(err, ErrInvalidToken), errors.Is(err, ErrExpiredToken):
		return apperrors.WrapError(err, apperrors.ErrCodeUnauthorized, err.Error(), http.StatusUnauthorized)
	default:
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, "internal error", http.StatusInternalServerError)
	}
}
