package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWebhookSignature(t *testing.T) {
	body := []byte(`{"event":"delivered","message-id":"msg-1"}`)
	header := SignWebhookPayload(body, "secret")

	assert.True(t, VerifyWebhookSignature(body, header, "secret"))

	// Prefix is optional
	assert.True(t, VerifyWebhookSignature(body, header[len("sha256="):], "secret"))

	assert.False(t, VerifyWebhookSignature(body, header, "wrong"))
	assert.False(t, VerifyWebhookSignature([]byte(`tampered`), header, "secret"))
	assert.False(t, VerifyWebhookSignature(body, "", "secret"))
	assert.False(t, VerifyWebhookSignature(body, header, ""))
}
