package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"log"
	"strings"
)

// VerifySignature checks an HMAC-SHA256 webhook signature over body. The header
// may carry the digest as hex, as base64, or as "sha256=<hex>", optionally as a
// comma-separated list. An empty secret never verifies.
func VerifySignature(secret, header string, body []byte) bool {
	if secret == "" {
		return false
	}

	header = strings.TrimSpace(header)
	if header == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	for _, part := range strings.Split(header, ",") {
		sig := strings.TrimSpace(part)
		if strings.HasPrefix(strings.ToLower(sig), "sha256=") {
			sig = strings.TrimSpace(sig[len("sha256="):])
		}
		if decoded, err := hex.DecodeString(sig); err == nil && hmac.Equal(decoded, expected) {
			return true
		}
		if decoded, err := base64.StdEncoding.DecodeString(sig); err == nil && hmac.Equal(decoded, expected) {
			return true
		}
	}
	return false
}

// verifyWebhook applies VerifySignature unless the adapter has no secret and was
// explicitly told to accept unsigned deliveries.
func verifyWebhook(p, secret string, allowUnsigned bool, header string, body []byte) bool {
	if secret == "" {
		if allowUnsigned {
			log.Printf("level=warn component=webhook_signature provider=%s msg=\"webhook secret not configured; accepting unsigned delivery\"", p)
			return true
		}
		log.Printf("level=error component=webhook_signature provider=%s msg=\"webhook secret not configured; rejecting delivery\"", p)
		return false
	}
	return VerifySignature(secret, header, body)
}

// Sign returns the hex HMAC-SHA256 of body. Used by tests and local tooling that
// replays webhooks.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
