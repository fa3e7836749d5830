package launch

import (
	"errors"
	"fmt"
)

var (
	ErrNoProspects       = errors.New("campaign has no new prospects to launch")
	ErrCampaignCompleted = errors.New("campaign is completed")
)

// NotFoundError reports a missing campaign or sequence step.
type NotFoundError struct {
	Resource string
	ID       uint
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Resource, e.ID)
}
