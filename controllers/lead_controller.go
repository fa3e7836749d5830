package controller

import (
	"context"
	"encoding/csv"
	"strings"

	"github.com/badoux/checkmail"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"replypilot/models"
	"replypilot/repository"
	"replypilot/services/leadscore"
	"replypilot/utils"
)

const maxScoreBatch = 50

type LeadScorer interface {
	Score(ctx context.Context, lead leadscore.Lead) *models.LeadScore
	ScoreProspects(ctx context.Context, prospects []models.Prospect) []*models.LeadScore
}

type LeadController struct {
	Store  repository.Store
	Scorer LeadScorer
	Logger *logrus.Entry
}

func NewLeadController(store repository.Store, scorer LeadScorer, logger *logrus.Entry) *LeadController {
	return &LeadController{Store: store, Scorer: scorer, Logger: logger}
}

type ScoreLeadsRequest struct {
	Leads []leadscore.Lead `json:"leads" validate:"required,min=1,max=50,dive"`
}

// ScoreLeads accepts a single lead or {"leads": [...]} and always answers
// with a score per lead; completion failures produce the default score.
func (lc *LeadController) ScoreLeads(c *fiber.Ctx) error {
	var req ScoreLeadsRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": ErrInvalidRequest,
		})
	}
	if len(req.Leads) == 0 {
		var single leadscore.Lead
		if err := c.BodyParser(&single); err == nil && single.Email != "" {
			req.Leads = []leadscore.Lead{single}
		}
	}
	if err := utils.ValidateStruct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	scores := make([]*models.LeadScore, 0, len(req.Leads))
	for _, lead := range req.Leads {
		scores = append(scores, lc.Scorer.Score(c.Context(), lead))
	}
	return c.JSON(utils.SuccessResponse(scores))
}

// ScoreCampaignProspects scores every prospect that has not been contacted yet.
func (lc *LeadController) ScoreCampaignProspects(c *fiber.Ctx) error {
	campaignID, err := utils.ParseUint(c, "id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": ErrInvalidID})
	}
	if _, err := lc.Store.GetCampaign(c.Context(), campaignID); err != nil {
		return errorJSON(c, err)
	}
	prospects, err := lc.Store.ListProspects(c.Context(), campaignID, models.ProspectNew)
	if err != nil {
		return errorJSON(c, err)
	}
	if len(prospects) > maxScoreBatch {
		prospects = prospects[:maxScoreBatch]
	}
	return c.JSON(utils.SuccessResponse(lc.Scorer.ScoreProspects(c.Context(), prospects)))
}

// ImportProspects adds prospects from a CSV upload with an email column.
// Rows without a valid email and addresses already in the campaign are skipped.
func (lc *LeadController) ImportProspects(c *fiber.Ctx) error {
	campaignID, err := utils.ParseUint(c, "id")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, ErrInvalidID, nil)
	}
	if _, err := lc.Store.GetCampaign(c.Context(), campaignID); err != nil {
		return errorJSON(c, err)
	}

	file, err := c.FormFile("file")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "File upload error", err)
	}

	// Check file size (max 5MB)
	if file.Size > 5<<20 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "File too large (max 5MB)", nil)
	}

	src, err := file.Open()
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to open file", err)
	}
	defer src.Close()

	reader := csv.NewReader(src)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Failed to parse CSV file", err)
	}
	if len(records) < 2 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "CSV file must have at least a header and one row", nil)
	}

	header := make([]string, len(records[0]))
	for i, col := range records[0] {
		header[i] = strings.ToLower(strings.TrimSpace(col))
	}
	rows := records[1:]

	existing, err := lc.Store.ListProspects(c.Context(), campaignID, "")
	if err != nil {
		return errorJSON(c, err)
	}
	seen := make(map[string]bool, len(existing)+len(rows))
	for _, p := range existing {
		seen[p.Email] = true
	}

	var prospects []models.Prospect
	skipped := 0
	for _, row := range rows {
		if len(row) != len(header) {
			skipped++
			continue
		}
		data := make(map[string]string, len(header))
		for i, col := range header {
			data[col] = strings.TrimSpace(row[i])
		}
		email := strings.ToLower(data["email"])
		if checkmail.ValidateFormat(email) != nil || seen[email] {
			skipped++
			continue
		}
		seen[email] = true
		prospects = append(prospects, models.Prospect{
			CampaignID: campaignID,
			Email:      email,
			FirstName:  data["first_name"],
			LastName:   data["last_name"],
			Company:    data["company"],
			Title:      data["title"],
			Industry:   data["industry"],
			Website:    data["website"],
			Status:     models.ProspectNew,
		})
	}

	if err := lc.Store.CreateProspects(c.Context(), prospects); err != nil {
		lc.Logger.WithError(err).WithField("campaign_id", campaignID).Error("Failed to import prospects")
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to import prospects", nil)
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"message":    "Prospects imported successfully",
		"total_rows": len(rows),
		"imported":   len(prospects),
		"skipped":    skipped,
	}))
}
