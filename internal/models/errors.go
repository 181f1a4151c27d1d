package models

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
)

// Error codes shared by the client, the store and the local API.
const (
	CodeNetwork           = "NETWORK_ERROR"
	CodeMalformedResponse = "MALFORMED_RESPONSE"
	CodeValidation        = "VALIDATION_ERROR"
	CodeStaleReference    = "STALE_REFERENCE"
	CodeNotFound          = "NOT_FOUND"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeServer            = "SERVER_ERROR"
	CodeInternal          = "INTERNAL_ERROR"
)

// ErrorResponse represents a standardized API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// AppError represents a custom application error
type AppError struct {
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Predefined error constructors
func NewNotFoundError(resource string, id interface{}) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s with ID %v not found", resource, id),
	}
}

func NewValidationError(message string) *AppError {
	return &AppError{
		Code:    CodeValidation,
		Message: message,
	}
}

func NewUnauthorizedError(message string) *AppError {
	return &AppError{
		Code:    CodeUnauthorized,
		Message: message,
	}
}

func NewNetworkError(op string, err error) *AppError {
	return &AppError{
		Code:    CodeNetwork,
		Message: fmt.Sprintf("%s failed", op),
		Err:     err,
	}
}

func NewMalformedResponseError(message string, err error) *AppError {
	return &AppError{
		Code:    CodeMalformedResponse,
		Message: message,
		Err:     err,
	}
}

func NewStaleReferenceError(id string) *AppError {
	return &AppError{
		Code:    CodeStaleReference,
		Message: fmt.Sprintf("post %s is no longer present", id),
	}
}

func NewServerError(status int, message string) *AppError {
	if message == "" {
		message = fmt.Sprintf("server responded with status %d", status)
	}
	return &AppError{
		Code:    CodeServer,
		Message: message,
	}
}

func NewInternalError(err error) *AppError {
	return &AppError{
		Code:    CodeInternal,
		Message: "Internal error",
		Err:     err,
	}
}

// ErrorCode returns the AppError code carried by err, or "" if there is none.
func ErrorCode(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// HasCode reports whether err carries the given AppError code.
func HasCode(err error, code string) bool {
	return ErrorCode(err) == code
}

// RespondWithError writes the standardized error body.
func RespondWithError(c *fiber.Ctx, status int, err error) error {
	var response ErrorResponse

	var appErr *AppError
	if errors.As(err, &appErr) {
		response = ErrorResponse{
			Error: appErr.Message,
			Code:  appErr.Code,
		}
		if appErr.Err != nil {
			response.Details = appErr.Err.Error()
		}
	} else {
		response = ErrorResponse{
			Error: err.Error(),
		}
	}

	return c.Status(status).JSON(response)
}
