package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"strings"
	"time"
)

// webhookTimestampTolerance bounds how old a signed delivery may be before it
// is rejected as a replay.
const webhookTimestampTolerance = 5 * time.Minute

// VerifyWebhookSignature checks a standard-webhooks style signature header
// against the configured secret. The signed content is "id.timestamp.payload"
// and the header carries one or more "v1,<base64>" entries.
func VerifyWebhookSignature(payload []byte, eventID, timestamp, signatureHeader, webhookSecret string) bool {
	return verifyWebhookSignatureAt(payload, eventID, timestamp, signatureHeader, webhookSecret, time.Now())
}

func verifyWebhookSignatureAt(payload []byte, eventID, timestamp, signatureHeader, webhookSecret string, now time.Time) bool {
	id := strings.TrimSpace(eventID)
	ts := strings.TrimSpace(timestamp)
	header := strings.TrimSpace(signatureHeader)
	secret := decodeWebhookSecret(webhookSecret)
	if id == "" || ts == "" || header == "" || len(secret) == 0 {
		return false
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	delta := now.Sub(time.Unix(unix, 0))
	if delta > webhookTimestampTolerance || delta < -webhookTimestampTolerance {
		return false
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(id))
	mac.Write([]byte("."))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := mac.Sum(nil)

	for _, entry := range strings.Fields(header) {
		version, sig, found := strings.Cut(entry, ",")
		if !found || version != "v1" {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(decoded, expected) {
			return true
		}
	}
	return false
}

// decodeWebhookSecret accepts both "whsec_"-prefixed base64 secrets and raw
// secrets, mirroring what the processor hands out.
func decodeWebhookSecret(secret string) []byte {
	s := strings.TrimSpace(secret)
	if s == "" {
		return nil
	}
	trimmed := strings.TrimPrefix(s, "whsec_")
	if decoded, err := base64.StdEncoding.DecodeString(trimmed); err == nil {
		return decoded
	}
	return []byte(trimmed)
}
