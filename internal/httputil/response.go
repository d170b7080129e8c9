package httputil

import (
	"github.com/gofiber/fiber/v3"
)

// Code identifies an API error category, stable across releases so clients
// can switch on it.
type Code string

const (
	CodeValidation         Code = "validation_error"
	CodeInvalidBody        Code = "invalid_body"
	CodeUnauthorized       Code = "unauthorized"
	CodeTokenExpired       Code = "token_expired"
	CodeNotFound           Code = "not_found"
	CodeConflict           Code = "conflict"
	CodeLimitExceeded      Code = "limit_exceeded"
	CodeServiceUnavailable Code = "service_unavailable"
	CodeInternal           Code = "internal_error"
)

// SuccessResponse wraps successful API responses.
type SuccessResponse struct {
	Data any `json:"data"`
}

// ErrorBody holds structured error details.
type ErrorBody struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse wraps failed API responses.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// Success sends a 200 JSON response with the given data.
func Success(c fiber.Ctx, data any) error {
	return c.JSON(SuccessResponse{Data: data})
}

// SuccessStatus sends a JSON response with a custom status code.
func SuccessStatus(c fiber.Ctx, status int, data any) error {
	return c.Status(status).JSON(SuccessResponse{Data: data})
}

// Fail sends a JSON error response with the given status, code, and message.
func Fail(c fiber.Ctx, status int, code Code, message string) error {
	return c.Status(status).JSON(ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
		},
	})
}

// StatusCode maps an HTTP status from Fiber's built-in errors (404, 405,
// etc.) to the closest error code.
func StatusCode(status int) Code {
	switch {
	case status == fiber.StatusNotFound:
		return CodeNotFound
	case status == fiber.StatusServiceUnavailable:
		return CodeServiceUnavailable
	case status >= 400 && status < 500:
		return CodeValidation
	default:
		return CodeInternal
	}
}
