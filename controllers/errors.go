package controller

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"replypilot/mailbox"
	"replypilot/repository"
	"replypilot/services/launch"
)

// Error codes
var (
	ErrInvalidRequest = "invalid request body"
	ErrInvalidID      = "invalid id"
	ErrInternal       = "internal server error"
)

// statusFor maps typed domain errors to HTTP status codes.
func statusFor(err error) int {
	var notFound *launch.NotFoundError
	var notConnected *mailbox.ProviderNotConnectedError
	switch {
	case errors.As(err, &notFound), errors.Is(err, repository.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, launch.ErrCampaignCompleted):
		return fiber.StatusConflict
	case errors.Is(err, launch.ErrNoProspects):
		return fiber.StatusUnprocessableEntity
	case errors.As(err, &notConnected):
		return fiber.StatusPreconditionFailed
	default:
		return fiber.StatusInternalServerError
	}
}

func errorJSON(c *fiber.Ctx, err error) error {
	status := statusFor(err)
	msg := err.Error()
	if status == fiber.StatusInternalServerError {
		msg = ErrInternal
	}
	return c.Status(status).JSON(fiber.Map{"error": msg})
}
