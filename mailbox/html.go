package mailbox

import (
	"html"
	"regexp"
	"strings"
)

var (
	tagExpr        = regexp.MustCompile(`(?s)<[^>]*>`)
	blockBreakExpr = regexp.MustCompile(`(?i)<\s*(br|/p|/div|/li)\s*/?>`)
	blankLinesExpr = regexp.MustCompile(`\n{3,}`)
)

// StripHTML renders an HTML body as readable plain text.
func StripHTML(s string) string {
	if s == "" {
		return ""
	}
	s = blockBreakExpr.ReplaceAllString(s, "\n")
	s = tagExpr.ReplaceAllString(s, "")
	s = html.UnescapeString(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = blankLinesExpr.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
