package api

import (
	"errors"
	"fmt"
	"log/slog"

	"contractrag/types"

	"github.com/gofiber/fiber/v2"
)

// ErrorHandler renders every handler error as JSON. Domain errors are mapped
// by their sentinel; anything unrecognised becomes a 500.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var apiErr Error
	if errors.As(err, &apiErr) {
		return c.Status(apiErr.Code).JSON(apiErr)
	}
	var valErr ValidationError
	if errors.As(err, &valErr) {
		return c.Status(valErr.Status).JSON(valErr)
	}

	apiErr = NewError(statusOf(err), err.Error())
	if apiErr.Code >= fiber.StatusInternalServerError {
		slog.Error("[API] request failed", "method", c.Method(), "path", c.Path(), "code", apiErr.Code, "error", err)
	} else {
		slog.Debug("[API] request rejected", "method", c.Method(), "path", c.Path(), "code", apiErr.Code, "error", err)
	}
	return c.Status(apiErr.Code).JSON(apiErr)
}

func statusOf(err error) int {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, types.ErrInvalidArgument), errors.Is(err, types.ErrDimensionMismatch):
		return fiber.StatusBadRequest
	case errors.Is(err, types.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, types.ErrBackendUnavailable):
		return fiber.StatusBadGateway
	}
	return fiber.StatusInternalServerError
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"error"`
}

type ValidationError struct {
	Status int               `json:"status"`
	Errors map[string]string `json:"errors"`
}

func (e ValidationError) Error() string {
	return "validation failed"
}

func NewValidationError(errors map[string]string) ValidationError {
	return ValidationError{
		Status: fiber.StatusUnprocessableEntity,
		Errors: errors,
	}
}

// Error implements the Error interface
func (e Error) Error() string {
	return e.Message
}

func NewError(code int, err string) Error {
	return Error{
		Code:    code,
		Message: err,
	}
}

func ErrBadRequest() Error {
	return Error{
		Code:    fiber.StatusBadRequest,
		Message: "invalid JSON request",
	}
}

func ErrInvalidID() Error {
	return Error{
		Code:    fiber.StatusBadRequest,
		Message: "invalid id given",
	}
}

func ErrNotFound[T any](arg T, resource string) Error {
	return Error{
		Code:    fiber.StatusNotFound,
		Message: fmt.Sprintf("%s with %v not found", resource, arg),
	}
}
