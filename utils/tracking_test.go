package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrackingToken(t *testing.T) {
	tok := TrackingToken("secret", 42)
	assert.Len(t, tok, 22)
	assert.True(t, VerifyTrackingToken("secret", 42, tok))
	assert.False(t, VerifyTrackingToken("secret", 43, tok))
	assert.False(t, VerifyTrackingToken("other", 42, tok))
}

func TestInjectTrackingPixel(t *testing.T) {
	url := GenerateTrackingPixelURL("https://t.example.com/", "secret", 7)
	assert.True(t, strings.HasPrefix(url, "https://t.example.com/track/open/7/"))

	out := InjectTrackingPixel("<html><body><p>Hi</p></body></html>", url)
	assert.True(t, strings.HasSuffix(out, `style="display:none"></body></html>`))

	out = InjectTrackingPixel("<p>Hi</p>", url)
	assert.True(t, strings.HasPrefix(out, "<p>Hi</p><img src="))
}

func TestTextToHTML(t *testing.T) {
	got := TextToHTML("Hi Ana,\n\nLine one\nline <two>\n\nBest,")
	assert.Equal(t, "<p>Hi Ana,</p><p>Line one<br>line &lt;two&gt;</p><p>Best,</p>", got)
	assert.Equal(t, "", TextToHTML("  "))
}
