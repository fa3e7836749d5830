package launch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"replypilot/mailbox"
	"replypilot/models"
	"replypilot/repository"
)

// FollowUps schedules every step after the first at sentAt plus the
// cumulative delay. Content is personalized now so delivery does not
// depend on the campaign later.
func FollowUps(campaign *models.Campaign, p *models.Prospect, sentAt time.Time, res mailbox.SendResult) []models.ScheduledSend {
	var sends []models.ScheduledSend
	var offset time.Duration
	for _, step := range campaign.Steps {
		if step.StepNumber <= 1 {
			continue
		}
		offset += time.Duration(step.DelayHours) * time.Hour
		sends = append(sends, models.ScheduledSend{
			SenderID:     campaign.SenderID,
			CampaignID:   &campaign.ID,
			ProspectID:   &p.ID,
			StepNumber:   step.StepNumber,
			ToEmail:      p.Email,
			Subject:      Render(step.Subject, p),
			Body:         Render(step.Body, p),
			ThreadID:     res.ThreadID,
			InReplyTo:    rfcMessageID(res.MessageID),
			ScheduledFor: sentAt.Add(offset),
			Kind:         models.SendKindFollowUp,
			Status:       models.SendStatusScheduled,
		})
	}
	return sends
}

// DueAt is when step stepNumber falls due for a prospect first contacted
// at contactedAt.
func DueAt(steps []models.SequenceStep, stepNumber int, contactedAt time.Time) time.Time {
	var offset time.Duration
	for _, step := range steps {
		if step.StepNumber <= 1 || step.StepNumber > stepNumber {
			continue
		}
		offset += time.Duration(step.DelayHours) * time.Hour
	}
	return contactedAt.Add(offset)
}

// RecordFirstTouch books a successful step-one send: the prospect becomes
// contacted, the send is logged and later steps are scheduled. It runs in
// one transaction.
func RecordFirstTouch(ctx context.Context, store repository.Store, campaign *models.Campaign, p *models.Prospect, email mailbox.Email, res mailbox.SendResult, at time.Time) error {
	return store.Transaction(ctx, func(tx repository.Store) error {
		if err := tx.MarkProspectContacted(ctx, p.ID, 1, at); err != nil {
			return fmt.Errorf("mark prospect %d contacted: %w", p.ID, err)
		}
		if err := tx.CreateInteraction(ctx, SentInteraction(campaign.SenderID, &campaign.ID, &p.ID, 1, email, res, at, false)); err != nil {
			return fmt.Errorf("log send to prospect %d: %w", p.ID, err)
		}
		if err := tx.CreateScheduledSends(ctx, FollowUps(campaign, p, at, res)); err != nil {
			return fmt.Errorf("schedule follow-ups for prospect %d: %w", p.ID, err)
		}
		return nil
	})
}

// SentInteraction is the log entry for an outbound email.
func SentInteraction(senderID uint, campaignID, prospectID *uint, step int, email mailbox.Email, res mailbox.SendResult, at time.Time, automated bool) *models.Interaction {
	return &models.Interaction{
		CreatedAt:  at,
		SenderID:   senderID,
		CampaignID: campaignID,
		ProspectID: prospectID,
		Type:       models.InteractionEmailSent,
		ThreadID:   res.ThreadID,
		MessageID:  res.MessageID,
		StepNumber: step,
		Content:    email.Body,
		Automated:  automated,
		Metadata: map[string]interface{}{
			"to":      email.To,
			"subject": email.Subject,
		},
	}
}

// rfcMessageID keeps only ids usable in an In-Reply-To header.
func rfcMessageID(id string) string {
	if strings.HasPrefix(id, "<") && strings.HasSuffix(id, ">") {
		return id
	}
	return ""
}
