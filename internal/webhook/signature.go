package webhook

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// GenerateSecret returns a fresh signing secret: 32 random bytes, hex-encoded.
func GenerateSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure means the process has no usable entropy source
		panic(fmt.Sprintf("failed to read random bytes: %v", err))
	}
	return hex.EncodeToString(buf)
}

// CanonicalJSON serializes a payload deterministically for signing:
// lexicographically ordered keys, compact separators. encoding/json already
// sorts map keys and emits no whitespace, which receivers in any language can
// reproduce.
func CanonicalJSON(payload map[string]any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize payload: %w", err)
	}
	return data, nil
}

// Sign computes the hex HMAC-SHA256 of the canonical payload under secret.
func Sign(secret string, canonical []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature against the payload, in
// constant time. Receivers use this to authenticate deliveries.
func VerifySignature(secret string, canonical []byte, signature string) bool {
	expected := Sign(secret, canonical)
	return hmac.Equal([]byte(expected), []byte(signature))
}
