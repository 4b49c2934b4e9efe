package services

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"camrelay/internal/core/domain"
	"camrelay/pkg/circuitbreaker"
	apperrors "camrelay/pkg/errors"

	"github.com/stretchr/testify/assert"
)

func TestToAppError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		code   apperrors.ErrorCode
		status int
	}{
		{"unknown device", domain.ErrDeviceNotFound, apperrors.ErrCodeNotFound, http.StatusNotFound},
		{"wrapped session", fmt.Errorf("route answer: %w", domain.ErrSessionNotFound), apperrors.ErrCodeNotFound, http.StatusNotFound},
		{"no recipient", domain.ErrNoRecipient, apperrors.ErrCodeNoRecipient, http.StatusConflict},
		{"early answer", domain.ErrNotAwaitingAnswer, apperrors.ErrCodeNotAwaitingAnswer, http.StatusConflict},
		{"superseded", domain.ErrSuperseded, apperrors.ErrCodeSuperseded, http.StatusConflict},
		{"bad frame", domain.ErrInvalidMessage, apperrors.ErrCodeInvalidInput, http.StatusBadRequest},
		{"store breaker open", circuitbreaker.ErrOpen, apperrors.ErrCodeServiceUnavailable, http.StatusServiceUnavailable},
		{"expired token", ErrExpiredToken, apperrors.ErrCodeUnauthorized, http.StatusUnauthorized},
		{"app error passes through", apperrors.NewForbiddenError("no"), apperrors.ErrCodeForbidden, http.StatusForbidden},
		{"anything else", errors.New("disk on fire"), apperrors.ErrCodeInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			appErr := ToAppError(tt.err)
			assert.Equal(t, tt.code, appErr.Code)
			assert.Equal(t, tt.status, appErr.HTTPStatus)
		})
	}

	assert.Equal(t, "internal error", ToAppError(errors.New("secret detail")).Message)
}
