package launch

import (
	"regexp"
	"strings"

	"replypilot/mailbox"
	"replypilot/models"
	"replypilot/utils"
)

var placeholderExpr = regexp.MustCompile(`\{\{\s*([A-Za-z_]+)\s*\}\}`)

// placeholderDefaults keep a greeting readable when a field is blank.
var placeholderDefaults = map[string]string{
	"firstname": "there",
	"company":   "your company",
	"title":     "your role",
	"industry":  "your industry",
}

func placeholderKey(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, "_", ""))
}

// Fields returns the substitution values for a prospect, keyed by
// normalized placeholder name.
func Fields(p *models.Prospect) map[string]string {
	values := map[string]string{
		"firstname": strings.TrimSpace(p.FirstName),
		"lastname":  strings.TrimSpace(p.LastName),
		"fullname":  p.FullName(),
		"name":      p.FullName(),
		"company":   strings.TrimSpace(p.Company),
		"title":     strings.TrimSpace(p.Title),
		"industry":  strings.TrimSpace(p.Industry),
		"website":   strings.TrimSpace(p.Website),
		"email":     p.Email,
	}
	for k, def := range placeholderDefaults {
		if values[k] == "" {
			values[k] = def
		}
	}
	if values["name"] == "" {
		values["name"] = values["firstname"]
		values["fullname"] = values["firstname"]
	}
	return values
}

// Render substitutes every {{placeholder}} in tmpl. Spelling variants such
// as {{first_name}} and {{ firstName }} are accepted; unknown placeholders
// are dropped so no literal token reaches a recipient.
func Render(tmpl string, p *models.Prospect) string {
	values := Fields(p)
	return placeholderExpr.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := placeholderExpr.FindStringSubmatch(m)[1]
		return values[placeholderKey(name)]
	})
}

// Personalizer turns rendered text into a deliverable email.
type Personalizer struct {
	TrackingBaseURL string
	TrackingSecret  string
}

// Compose builds the outbound email. When tracking is configured and the
// email belongs to a prospect, an open-tracking pixel is appended.
func (pz Personalizer) Compose(to, toName, subject, body string, prospectID uint) mailbox.Email {
	email := mailbox.Email{To: to, ToName: toName, Subject: subject, Body: body}
	if pz.TrackingBaseURL != "" && prospectID != 0 {
		pixel := utils.GenerateTrackingPixelURL(pz.TrackingBaseURL, pz.TrackingSecret, prospectID)
		email.HTML = utils.InjectTrackingPixel(utils.TextToHTML(body), pixel)
	}
	return email
}

// Step renders a sequence step for a prospect.
func (pz Personalizer) Step(step models.SequenceStep, p *models.Prospect) mailbox.Email {
	return pz.Compose(p.Email, p.FullName(), Render(step.Subject, p), Render(step.Body, p), p.ID)
}
