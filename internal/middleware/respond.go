package middleware

import "github.com/labstack/echo/v4"

// errorBody mirrors the httpserver error envelope. The middleware package
// cannot import httpserver, which mounts it.
type errorBody struct {
	Success bool        `json:"success"`
	Error   errorDetail `json:"error"`
}

type errorDetail struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int64  `json:"retry_after,omitempty"`
}

func writeError(c echo.Context, status int, detail errorDetail) error {
	return c.JSON(status, errorBody{Error: detail})
}
