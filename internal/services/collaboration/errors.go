package collaboration

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"

	"vtt-sync/internal/models"
	"vtt-sync/internal/services/state"
)

// Error is a session error carrying a wire error code
type Error struct {
	Code           models.ErrorCode
	Message        string
	CurrentVersion string
	CurrentHash    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any *Error with the same code
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// WithMessage copies e with a new message, keeping its code
func (e *Error) WithMessage(msg string) *Error {
	c := *e
	c.Message = msg
	return &c
}

// Body converts the error for the wire
func (e *Error) Body() models.ErrorBody {
	return models.ErrorBody{
		Code:           e.Code,
		Message:        e.Message,
		CurrentVersion: e.CurrentVersion,
		CurrentHash:    e.CurrentHash,
	}
}

// Sentinels for errors.Is checks
var (
	ErrValidation        = &Error{Code: models.CodeValidationError}
	ErrPermissionDenied  = &Error{Code: models.CodePermissionDenied}
	ErrVersionConflict   = &Error{Code: models.CodeVersionConflict}
	ErrTransactionFailed = &Error{Code: models.CodeTransactionFailed}
	ErrSessionNotFound   = &Error{Code: models.CodeSessionNotFound}
	ErrHashMismatch      = &Error{Code: models.CodeHashMismatch}
	ErrApprovalTimeout   = &Error{Code: models.CodeApprovalTimeout}
	ErrQueueFull         = &Error{Code: models.CodeQueueFull}
)

func newError(code models.ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError maps any error onto a session error
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, state.ErrTransactionFailed):
		return &Error{Code: models.CodeTransactionFailed, Message: err.Error()}
	case errors.Is(err, state.ErrHashMismatch):
		return &Error{Code: models.CodeHashMismatch, Message: err.Error()}
	}
	return &Error{Code: models.CodeInternal, Message: err.Error()}
}

// HTTPStatus maps an error code onto an HTTP status
func HTTPStatus(code models.ErrorCode) int {
	switch code {
	case models.CodeValidationError:
		return http.StatusBadRequest
	case models.CodePermissionDenied:
		return http.StatusForbidden
	case models.CodeSessionNotFound:
		return http.StatusNotFound
	case models.CodeVersionConflict, models.CodeHashMismatch:
		return http.StatusConflict
	case models.CodeTransactionFailed:
		return http.StatusUnprocessableEntity
	case models.CodeQueueFull:
		return http.StatusTooManyRequests
	case models.CodeApprovalTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
