package httpserver

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lllypuk/matreq/internal/domain/errs"
)

// Error codes of the response envelope.
const (
	CodeNotFound      = "NOT_FOUND"
	CodeAlreadyExists = "ALREADY_EXISTS"
	CodeInvalidInput  = "INVALID_INPUT"
	CodeUnknownKind   = "UNKNOWN_KIND"
	CodeUnauthorized  = "UNAUTHORIZED"
	CodeForbidden     = "FORBIDDEN"
	CodeInternal      = "INTERNAL_ERROR"
)

// Response is the envelope of every API response.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// Error is the error part of the envelope.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// errorMapping renders one sentinel. With detail set the wrapped error text
// is returned instead of the fixed message.
type errorMapping struct {
	target  error
	status  int
	code    string
	message string
	detail  bool
}

// errorMappings is checked in order; the first sentinel matched wins.
var errorMappings = []errorMapping{
	{target: errs.ErrInvalidInput, status: http.StatusBadRequest, code: CodeInvalidInput, detail: true},
	{target: errs.ErrUnknownKind, status: http.StatusNotFound, code: CodeUnknownKind, detail: true},
	{target: errs.ErrNotFound, status: http.StatusNotFound, code: CodeNotFound,
		message: "The requested aggregate was not found"},
	{target: errs.ErrAlreadyExists, status: http.StatusConflict, code: CodeAlreadyExists,
		message: "The aggregate already exists"},
	{target: errs.ErrUnauthorized, status: http.StatusUnauthorized, code: CodeUnauthorized,
		message: "Authentication required"},
	{target: errs.ErrForbidden, status: http.StatusForbidden, code: CodeForbidden, detail: true},
}

// RespondJSON sends a successful JSON response.
func RespondJSON(c echo.Context, code int, data any) error {
	return c.JSON(code, Response{
		Success: true,
		Data:    data,
	})
}

// RespondOK sends a 200 OK response with data.
func RespondOK(c echo.Context, data any) error {
	return RespondJSON(c, http.StatusOK, data)
}

// RespondNoContent sends a 204 No Content response.
func RespondNoContent(c echo.Context) error {
	return c.NoContent(http.StatusNoContent)
}

// RespondError renders err through the sentinel table. Unknown errors become
// a 500 without detail.
func RespondError(c echo.Context, err error) error {
	status, apiError := mapError(err)
	return c.JSON(status, Response{
		Success: false,
		Error:   apiError,
	})
}

// RespondErrorWithCode sends an error JSON response with a specific HTTP status code.
func RespondErrorWithCode(c echo.Context, status int, errorCode, message string) error {
	return c.JSON(status, Response{
		Success: false,
		Error: &Error{
			Code:    errorCode,
			Message: message,
		},
	})
}

func mapError(err error) (int, *Error) {
	for _, m := range errorMappings {
		if !errors.Is(err, m.target) {
			continue
		}
		message := m.message
		if m.detail {
			message = err.Error()
		}
		return m.status, &Error{Code: m.code, Message: message}
	}

	return http.StatusInternalServerError, &Error{
		Code:    CodeInternal,
		Message: "An internal error occurred",
	}
}
