package handler

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/stemsplit/pkg/response"
)

// ErrorHandler renders errors that escape a handler in the API error shape.
// A body over the configured limit is a malformed submission, so it is
// reported as a validation error.
func ErrorHandler(maxUploadSize int64) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		message := "Internal Server Error"

		var e *fiber.Error
		if errors.As(err, &e) {
			code = e.Code
			message = e.Message
		}

		switch code {
		case fiber.StatusRequestEntityTooLarge:
			return response.ValidationError(c,
				fmt.Sprintf("File too large. Maximum size: %dMB", maxUploadSize/(1024*1024)), nil)
		case fiber.StatusNotFound:
			return response.NotFound(c, message)
		}
		return response.Error(c, code, response.CodeServiceError, message, nil)
	}
}
