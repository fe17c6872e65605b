package utils

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignWebhookPayload computes the signature header value for a webhook
// body: "sha256=" followed by the hex HMAC-SHA256 of the body.
func SignWebhookPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature checks a webhook signature in constant time.
// The "sha256=" prefix on the header is optional; some providers omit it.
func VerifyWebhookSignature(body []byte, header, secret string) bool {
	if header == "" || secret == "" {
		return false
	}
	got := strings.TrimPrefix(header, "sha256=")
	want := strings.TrimPrefix(SignWebhookPayload(body, secret), "sha256=")
	return hmac.Equal([]byte(got), []byte(want))
}
