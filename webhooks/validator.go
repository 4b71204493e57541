package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"
)

// Validate checks a base64 HMAC-SHA256 signature of rawBody keyed by secret.
// It never panics and returns false for empty or malformed input.
func Validate(rawBody []byte, signature string, secret string) bool {
	signature = strings.TrimSpace(signature)
	if signature == "" || secret == "" {
		return false
	}
	provided, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(provided, Sign(rawBody, secret))
}

// Sign returns the raw HMAC-SHA256 digest of body keyed by secret.
func Sign(body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return mac.Sum(nil)
}

// SignBase64 returns the value the platform sends in X-Shopify-Hmac-Sha256.
func SignBase64(body []byte, secret string) string {
	return base64.StdEncoding.EncodeToString(Sign(body, secret))
}
