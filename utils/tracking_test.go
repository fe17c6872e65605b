package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrackingTokenRoundTrip(t *testing.T) {
	token := TrackingToken("track-123", "secret")
	assert.True(t, ValidTrackingToken("track-123", token, "secret"))
	assert.False(t, ValidTrackingToken("track-123", token, "other-secret"))
	assert.False(t, ValidTrackingToken("track-456", token, "secret"))
	assert.False(t, ValidTrackingToken("track-123", "forged", "secret"))
}

func TestInjectTracking(t *testing.T) {
	html := `<p>Check <a href="https://example.com/page">this</a> out.</p>`
	out := InjectTracking(html, "https://track.reachflow.io", "track-123", "secret")

	assert.Contains(t, out, `/track/open/track-123/`)
	assert.Contains(t, out, `width="1" height="1"`)
	assert.Contains(t, out, `/track/click/track-123/`)
	assert.Contains(t, out, "url=https%3A%2F%2Fexample.com%2Fpage")
	assert.NotContains(t, out, `href="https://example.com/page"`)
}

func TestInjectTrackingLeavesTrackingLinksAlone(t *testing.T) {
	base := "https://track.reachflow.io"
	html := `<a href="` + base + `/track/click/x/y?url=z">already tracked</a>`
	out := InjectTracking(html, base, "track-123", "secret")

	// Only the pixel is added; the existing link is not double wrapped.
	assert.Equal(t, 1, strings.Count(out, "/track/click/"))
}
