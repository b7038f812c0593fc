// Package httputil provides the JSON response envelope and request logging
// middleware shared by every route in the gateway's HTTP surface.
package httputil

import (
	"github.com/gofiber/fiber/v3"

	"github.com/gatekit-chat/gatekit-server/internal/apierrors"
)

// SuccessResponse wraps successful API responses.
type SuccessResponse struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
}

// ErrorResponse is the stable error envelope: a machine-readable code, a
// human-readable message, and optional structured details (e.g. per-field
// validation errors).
type ErrorResponse struct {
	Success bool           `json:"success"`
	Code    apierrors.Code `json:"code"`
	Message string         `json:"message"`
	Details any            `json:"details,omitempty"`
}

// Success sends a 200 JSON response with the given data.
func Success(c fiber.Ctx, data any) error {
	return c.JSON(SuccessResponse{Success: true, Data: data})
}

// SuccessStatus sends a JSON response with a custom status code.
func SuccessStatus(c fiber.Ctx, status int, data any) error {
	return c.Status(status).JSON(SuccessResponse{Success: true, Data: data})
}

// Fail sends a JSON error response with the given status, code, and message.
func Fail(c fiber.Ctx, status int, code apierrors.Code, message string) error {
	return c.Status(status).JSON(ErrorResponse{Code: code, Message: message})
}

// FailDetails sends a JSON error response carrying structured details.
func FailDetails(c fiber.Ctx, status int, code apierrors.Code, message string, details any) error {
	return c.Status(status).JSON(ErrorResponse{Code: code, Message: message, Details: details})
}

// FailErr sends a JSON error response derived from an *apierrors.Error,
// using its own Code to determine the HTTP status.
func FailErr(c fiber.Ctx, err *apierrors.Error) error {
	return c.Status(err.Code.Status()).JSON(ErrorResponse{
		Code:    err.Code,
		Message: err.Message,
		Details: err.Details,
	})
}
