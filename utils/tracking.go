package utils

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

// TrackingToken derives the verification token for a tracking id. The
// token is deterministic so the tracking endpoints can validate a
// request without a lookup.
func TrackingToken(trackingID, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(trackingID))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil))[:20]
}

// ValidTrackingToken checks a token in constant time.
func ValidTrackingToken(trackingID, token, secret string) bool {
	return hmac.Equal([]byte(token), []byte(TrackingToken(trackingID, secret)))
}

// TrackingPixelURL builds the open-tracking pixel URL for a message.
func TrackingPixelURL(baseURL, trackingID, secret string) string {
	return fmt.Sprintf("%s/track/open/%s/%s", baseURL, trackingID, TrackingToken(trackingID, secret))
}

// ClickTrackURL wraps a destination link in the click-tracking redirect.
func ClickTrackURL(baseURL, trackingID, secret, originalURL string) string {
	return fmt.Sprintf("%s/track/click/%s/%s?url=%s",
		baseURL, trackingID, TrackingToken(trackingID, secret), url.QueryEscape(originalURL))
}

// InjectTracking rewrites links through the click redirect and appends
// the open pixel to the HTML body.
func InjectTracking(htmlContent, baseURL, trackingID, secret string) string {
	pixel := fmt.Sprintf(`<img src="%s" alt="" width="1" height="1" style="display:none">`,
		TrackingPixelURL(baseURL, trackingID, secret))
	return injectClickTracking(htmlContent, baseURL, trackingID, secret) + pixel
}

func injectClickTracking(html, baseURL, trackingID, secret string) string {
	const startTag = `<a href="`
	const endTag = `"`
	offset := 0

	for {
		startIdx := strings.Index(html[offset:], startTag)
		if startIdx == -1 {
			break
		}
		startIdx += offset + len(startTag)

		endIdx := strings.Index(html[startIdx:], endTag)
		if endIdx == -1 {
			break
		}
		endIdx += startIdx

		originalURL := html[startIdx:endIdx]
		if strings.HasPrefix(originalURL, baseURL) {
			offset = endIdx
			continue
		}
		trackedURL := ClickTrackURL(baseURL, trackingID, secret, originalURL)

		html = html[:startIdx] + trackedURL + html[endIdx:]
		offset = startIdx + len(trackedURL)
	}

	return html
}
