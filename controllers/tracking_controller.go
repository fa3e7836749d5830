package controller

import (
	"context"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"replypilot/models"
	"replypilot/repository"
	"replypilot/utils"
)

// transparentGIF is a 1x1 transparent GIF89a.
var transparentGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00, 0x00, 0x00, 0x00,
	0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00,
	0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

type TrackingController struct {
	Store  repository.Store
	Secret string
	Logger *logrus.Entry
}

func NewTrackingController(store repository.Store, secret string, logger *logrus.Entry) *TrackingController {
	return &TrackingController{Store: store, Secret: secret, Logger: logger}
}

// TrackEmailOpen records an email_opened interaction for a valid token.
// The pixel is returned either way so mail clients never show a broken image.
func (tc *TrackingController) TrackEmailOpen(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("prospectID"), 10, 64)
	if err == nil && id > 0 && utils.VerifyTrackingToken(tc.Secret, uint(id), c.Params("token")) {
		tc.recordOpen(c.Context(), uint(id), c.Get("User-Agent"))
	}

	c.Set("Content-Type", "image/gif")
	c.Set("Cache-Control", "no-store, no-cache, must-revalidate")
	return c.Send(transparentGIF)
}

func (tc *TrackingController) recordOpen(ctx context.Context, prospectID uint, userAgent string) {
	log := tc.Logger.WithField("prospect_id", prospectID)
	prospect, err := tc.Store.GetProspect(ctx, prospectID)
	if err != nil {
		log.WithError(err).Debug("Open for unknown prospect")
		return
	}
	campaign, err := tc.Store.GetCampaign(ctx, prospect.CampaignID)
	if err != nil {
		log.WithError(err).Warn("Open for prospect without campaign")
		return
	}

	interaction := &models.Interaction{
		SenderID:   campaign.SenderID,
		CampaignID: &campaign.ID,
		ProspectID: &prospect.ID,
		Type:       models.InteractionEmailOpened,
		StepNumber: prospect.LastStepSent,
		Metadata:   map[string]interface{}{"user_agent": userAgent},
	}
	if err := tc.Store.CreateInteraction(ctx, interaction); err != nil {
		log.WithError(err).Error("Failed to record email open")
	}
}
