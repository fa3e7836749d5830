package controller

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"replypilot/models"
	"replypilot/repository"
	"replypilot/services/warmup"
	"replypilot/utils"
)

type AutomationScheduler interface {
	Start(ctx context.Context, senderID uint) error
	Stop(ctx context.Context, senderID uint) error
}

type AllowanceReader interface {
	Allowance(ctx context.Context, sender *models.Sender) (warmup.Allowance, error)
}

type SenderController struct {
	Store     repository.Store
	Scheduler AutomationScheduler
	Tracker   AllowanceReader
	Logger    *logrus.Entry
}

func NewSenderController(store repository.Store, scheduler AutomationScheduler, tracker AllowanceReader, logger *logrus.Entry) *SenderController {
	return &SenderController{Store: store, Scheduler: scheduler, Tracker: tracker, Logger: logger}
}

func (sc *SenderController) sender(c *fiber.Ctx) (*models.Sender, error) {
	id, err := utils.ParseUint(c, "id")
	if err != nil {
		return nil, fiber.NewError(fiber.StatusBadRequest, ErrInvalidID)
	}
	return sc.Store.GetSender(c.Context(), id)
}

func (sc *SenderController) fail(c *fiber.Ctx, err error) error {
	if fe, ok := err.(*fiber.Error); ok {
		return c.Status(fe.Code).JSON(fiber.Map{"error": fe.Message})
	}
	return errorJSON(c, err)
}

// StartAutomation activates inbox automation and queues the first poll.
func (sc *SenderController) StartAutomation(c *fiber.Ctx) error {
	sender, err := sc.sender(c)
	if err != nil {
		return sc.fail(c, err)
	}
	if err := sc.Scheduler.Start(c.Context(), sender.ID); err != nil {
		utils.LogError("automation_start_failed", err, map[string]interface{}{"sender_id": sender.ID})
		return errorJSON(c, err)
	}

	utils.LogEvent("automation_started", map[string]interface{}{"sender_id": sender.ID})
	return c.JSON(fiber.Map{
		"message":           "Inbox automation started",
		"automation_status": models.AutomationActive,
	})
}

// StopAutomation pauses the account; the poll already in flight finishes.
func (sc *SenderController) StopAutomation(c *fiber.Ctx) error {
	sender, err := sc.sender(c)
	if err != nil {
		return sc.fail(c, err)
	}
	if err := sc.Scheduler.Stop(c.Context(), sender.ID); err != nil {
		utils.LogError("automation_stop_failed", err, map[string]interface{}{"sender_id": sender.ID})
		return errorJSON(c, err)
	}

	utils.LogEvent("automation_stopped", map[string]interface{}{"sender_id": sender.ID})
	return c.JSON(fiber.Map{
		"message":           "Inbox automation stopped",
		"automation_status": models.AutomationPaused,
	})
}

func (sc *SenderController) GetAllowance(c *fiber.Ctx) error {
	sender, err := sc.sender(c)
	if err != nil {
		return sc.fail(c, err)
	}
	allowance, err := sc.Tracker.Allowance(c.Context(), sender)
	if err != nil {
		sc.Logger.WithError(err).WithField("sender_id", sender.ID).Error("Failed to read allowance")
		return errorJSON(c, err)
	}
	return c.JSON(allowance)
}
