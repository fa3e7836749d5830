package controller

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"replypilot/services/followup"
	"replypilot/utils"
)

type FollowUpRunner interface {
	Run(ctx context.Context) (*followup.Result, error)
}

type FollowUpController struct {
	Dispatcher FollowUpRunner
	Logger     *logrus.Entry
}

func NewFollowUpController(dispatcher FollowUpRunner, logger *logrus.Entry) *FollowUpController {
	return &FollowUpController{Dispatcher: dispatcher, Logger: logger}
}

// RunFollowUps runs one dispatcher pass for the external scheduler.
func (fc *FollowUpController) RunFollowUps(c *fiber.Ctx) error {
	result, err := fc.Dispatcher.Run(c.Context())
	if err != nil {
		utils.LogError("followup_run_failed", err, nil)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process follow-ups",
		})
	}
	return c.JSON(result)
}
