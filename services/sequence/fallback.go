package sequence

import "strings"

var fallbackBodies = map[string]string{
	"introduction": `Hi {{firstName}},

I work with {{industry}} teams on one thing: {{valueProposition}}.

As {{title}} at {{company}}, you may be looking at this already. Would you be open to {{callToAction}}?

Best,`,
	"value-add": `Hi {{firstName}},

Following up with something useful: teams like {{company}} usually see the biggest gains when {{valueProposition}} is tackled early in the quarter.

Happy to share what has worked for others in {{industry}}. Open to {{callToAction}}?

Best,`,
	"social-proof": `Hi {{firstName}},

A few {{industry}} companies similar to {{company}} have already used our approach to {{valueProposition}}.

If it would help, I can walk you through their results. Would {{callToAction}} work for you?

Best,`,
	"problem-agitation": `Hi {{firstName}},

Most leaders I speak with say the hardest part is finding time to fix what slows the team down. Left alone it tends to get more expensive.

That is where {{valueProposition}} comes in. Worth {{callToAction}}?

Best,`,
	"solution-presentation": `Hi {{firstName}},

Here is the short version of how we help: {{valueProposition}}, with little setup on the {{company}} side.

If that sounds relevant, let's {{callToAction}}.

Best,`,
	"final-ask": `Hi {{firstName}},

I have not heard back, so I will assume the timing is off. If {{valueProposition}} becomes a priority at {{company}}, just reply to this email.

One last ask: would {{callToAction}} make sense in the next few weeks?

Best,`,
}

var fallbackSubjects = map[string]string{
	"introduction":          "Quick idea for {{company}}",
	"value-add":             "Something useful for {{company}}",
	"social-proof":          "How {{industry}} teams handle this",
	"problem-agitation":     "A question for {{firstName}}",
	"solution-presentation": "The short version",
	"final-ask":             "Should I close the loop?",
}

// fallbackBody fills the campaign-level fields of the hand-written
// template and leaves recipient placeholders in place.
func fallbackBody(purpose string, cfg Config) string {
	body, ok := fallbackBodies[purpose]
	if !ok {
		body = fallbackBodies["introduction"]
	}
	return fillCampaignFields(body, cfg)
}

func fallbackSubject(purpose string, cfg Config) string {
	subject, ok := fallbackSubjects[purpose]
	if !ok {
		subject = fallbackSubjects["introduction"]
	}
	return fillCampaignFields(subject, cfg)
}

func fillCampaignFields(s string, cfg Config) string {
	cta := strings.TrimSuffix(strings.TrimSpace(cfg.CallToAction), ".")
	if cta == "" {
		cta = "a quick call"
	}
	industry := strings.TrimSpace(cfg.Industry)
	if industry == "" {
		industry = "B2B"
	}
	r := strings.NewReplacer(
		"{{industry}}", industry,
		"{{valueProposition}}", strings.TrimSuffix(strings.TrimSpace(cfg.ValueProposition), "."),
		"{{callToAction}}", lowerFirst(cta),
	)
	return r.Replace(s)
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
