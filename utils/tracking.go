package utils

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"html"
	"strings"
)

// TrackingToken signs a prospect id so open-tracking URLs cannot be
// forged for other prospects.
func TrackingToken(secret string, prospectID uint) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "open:%d", prospectID)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))[:22]
}

func VerifyTrackingToken(secret string, prospectID uint, token string) bool {
	return hmac.Equal([]byte(TrackingToken(secret, prospectID)), []byte(token))
}

// GenerateTrackingPixelURL generates a tracking pixel URL for email opens
func GenerateTrackingPixelURL(baseURL, secret string, prospectID uint) string {
	return fmt.Sprintf("%s/track/open/%d/%s", strings.TrimRight(baseURL, "/"), prospectID, TrackingToken(secret, prospectID))
}

// InjectTrackingPixel appends an invisible open-tracking image to an HTML body
func InjectTrackingPixel(htmlContent, pixelURL string) string {
	pixel := fmt.Sprintf(`<img src="%s" alt="" width="1" height="1" style="display:none">`, pixelURL)
	if i := strings.LastIndex(strings.ToLower(htmlContent), "</body>"); i >= 0 {
		return htmlContent[:i] + pixel + htmlContent[i:]
	}
	return htmlContent + pixel
}

// TextToHTML renders a plain-text body as escaped HTML paragraphs.
func TextToHTML(text string) string {
	text = strings.ReplaceAll(strings.TrimSpace(text), "\r\n", "\n")
	if text == "" {
		return ""
	}
	var b strings.Builder
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		b.WriteString("<p>")
		b.WriteString(strings.ReplaceAll(html.EscapeString(para), "\n", "<br>"))
		b.WriteString("</p>")
	}
	return b.String()
}
