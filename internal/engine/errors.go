package engine

import (
	"errors"
	"fmt"
	"net/http"

	apperrors "github.com/utafrali/storefront/pkg/errors"
)

var (
	// ErrDuplicate is returned when a non-additive collection already holds
	// the item being added.
	ErrDuplicate = fmt.Errorf("duplicate item: %w", apperrors.ErrAlreadyExists)

	// ErrDetached is returned by mutations on an engine with no active
	// backend: before the first SetIdentity or after Close.
	ErrDetached = errors.New("collection has no active backend")
)

func duplicateError(message string) error {
	return &apperrors.AppError{
		Code:    "ALREADY_EXISTS",
		Message: message,
		Status:  http.StatusConflict,
		Err:     ErrDuplicate,
	}
}
