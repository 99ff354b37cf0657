package httpclient

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/utafrali/storefront/pkg/errors"
)

func response(status int, body string) *http.Response {
	return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(body))}
}

func TestParseResponseError_Structured(t *testing.T) {
	err := ParseResponseError(response(http.StatusNotFound,
		`{"error":{"code":"NOT_FOUND","message":"product p1 not found"}}`), "product-service")

	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "product-service: product p1 not found", appErr.Message)
	assert.Equal(t, http.StatusNotFound, appErr.Status)
}

func TestParseResponseError_Mapping(t *testing.T) {
	tests := []struct {
		status int
		target error
	}{
		{http.StatusBadRequest, apperrors.ErrInvalidInput},
		{http.StatusUnprocessableEntity, apperrors.ErrInvalidInput},
		{http.StatusConflict, apperrors.ErrConflict},
		{http.StatusUnauthorized, apperrors.ErrUnauthorized},
		{http.StatusBadGateway, apperrors.ErrServiceUnavail},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			err := ParseResponseError(response(tt.status, "plain text"), "product-service")
			assert.True(t, errors.Is(err, tt.target), "got %v", err)
		})
	}
}

func TestParseResponseError_Unknown4xx(t *testing.T) {
	err := ParseResponseError(response(http.StatusTeapot, `{"error":{"code":"TEAPOT","message":"short and stout"}}`), "svc")

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "TEAPOT", appErr.Code)
	assert.Equal(t, http.StatusTeapot, appErr.Status)
}
