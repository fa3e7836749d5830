package controller

import (
	"context"
	"strings"

	"github.com/badoux/checkmail"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"replypilot/models"
	"replypilot/repository"
	"replypilot/services/launch"
	"replypilot/services/sequence"
	"replypilot/utils"
)

type SequenceGenerator interface {
	Generate(ctx context.Context, cfg sequence.Config) []models.SequenceStep
}

type Launcher interface {
	Launch(ctx context.Context, campaignID uint) (*launch.Result, error)
}

type CampaignController struct {
	Store     repository.Store
	Generator SequenceGenerator
	Launcher  Launcher
	Logger    *logrus.Entry
}

func NewCampaignController(store repository.Store, generator SequenceGenerator, launcher Launcher, logger *logrus.Entry) *CampaignController {
	return &CampaignController{
		Store:     store,
		Generator: generator,
		Launcher:  launcher,
		Logger:    logger,
	}
}

type ProspectInput struct {
	Email     string `json:"email" validate:"required"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Company   string `json:"company"`
	Title     string `json:"title"`
	Industry  string `json:"industry"`
	Website   string `json:"website"`
}

type GenerateCampaignRequest struct {
	SenderID    uint   `json:"sender_id" validate:"required"`
	Name        string `json:"name" validate:"required,max=200"`
	Description string `json:"description"`
	sequence.Config
	Prospects []ProspectInput `json:"prospects" validate:"dive"`
}

// GenerateCampaign drafts a campaign sequence and stores it with its
// prospects. Generation never fails; missing completions use fallback text.
func (cc *CampaignController) GenerateCampaign(c *fiber.Ctx) error {
	var req GenerateCampaignRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": ErrInvalidRequest,
		})
	}
	if req.StepCount == 0 {
		req.StepCount = 4
	}
	if err := utils.ValidateStruct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	if _, err := cc.Store.GetSender(c.Context(), req.SenderID); err != nil {
		return errorJSON(c, err)
	}

	userID, _ := c.Locals("userID").(uint)
	campaign := &models.Campaign{
		UserID:           userID,
		SenderID:         req.SenderID,
		Name:             req.Name,
		Description:      req.Description,
		Status:           models.CampaignDraft,
		Industry:         req.Industry,
		ValueProposition: req.ValueProposition,
		CallToAction:     req.CallToAction,
		Tone:             req.Tone,
		Steps:            cc.Generator.Generate(c.Context(), req.Config),
	}

	seen := make(map[string]bool, len(req.Prospects))
	var rejected []string
	for _, p := range req.Prospects {
		email := strings.ToLower(strings.TrimSpace(p.Email))
		if checkmail.ValidateFormat(email) != nil {
			rejected = append(rejected, p.Email)
			continue
		}
		if seen[email] {
			continue
		}
		seen[email] = true
		campaign.Prospects = append(campaign.Prospects, models.Prospect{
			Email:     email,
			FirstName: p.FirstName,
			LastName:  p.LastName,
			Company:   p.Company,
			Title:     p.Title,
			Industry:  p.Industry,
			Website:   p.Website,
			Status:    models.ProspectNew,
		})
	}

	if err := cc.Store.CreateCampaign(c.Context(), campaign); err != nil {
		cc.Logger.WithError(err).Error("Failed to create campaign")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create campaign",
		})
	}

	utils.LogEvent("campaign_generated", map[string]interface{}{
		"campaign_id": campaign.ID,
		"steps":       len(campaign.Steps),
		"prospects":   len(campaign.Prospects),
	})

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"campaign":           campaign,
		"rejected_prospects": rejected,
	})
}

// LaunchCampaign sends step one within today's allowance and queues the rest.
func (cc *CampaignController) LaunchCampaign(c *fiber.Ctx) error {
	campaignID, err := utils.ParseUint(c, "id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": ErrInvalidID,
		})
	}

	result, err := cc.Launcher.Launch(c.Context(), campaignID)
	if err != nil {
		if statusFor(err) == fiber.StatusInternalServerError {
			utils.LogError("campaign_launch_failed", err, map[string]interface{}{"campaign_id": campaignID})
		}
		return errorJSON(c, err)
	}

	return c.JSON(fiber.Map{
		"message": "Campaign launched",
		"result":  result,
	})
}
