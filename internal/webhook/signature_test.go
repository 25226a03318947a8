package webhook

import (
	"bytes"
	"testing"
)

func TestCanonicalJSONDeterministic(t *testing.T) {
	payload := map[string]any{
		"server_id": "abc",
		"event":     "server.verified",
		"data":      map[string]any{"zeta": 1, "alpha": 2},
	}

	first, err := CanonicalJSON(payload)
	if err != nil {
		t.Fatalf("CanonicalJSON() error = %v", err)
	}
	second, err := CanonicalJSON(payload)
	if err != nil {
		t.Fatalf("CanonicalJSON() error = %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("serialization not deterministic:\n%s\n%s", first, second)
	}

	want := `{"data":{"alpha":2,"zeta":1},"event":"server.verified","server_id":"abc"}`
	if string(first) != want {
		t.Errorf("CanonicalJSON() = %s, want %s", first, want)
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	canonical := []byte(`{"server_id":"abc"}`)
	secret := "topsecret"

	signature := Sign(secret, canonical)
	if len(signature) != 64 { // hex SHA-256
		t.Errorf("signature length = %d, want 64", len(signature))
	}

	if !VerifySignature(secret, canonical, signature) {
		t.Error("valid signature rejected")
	}
	if VerifySignature("othersecret", canonical, signature) {
		t.Error("signature accepted under the wrong secret")
	}
	if VerifySignature(secret, []byte(`{"server_id":"tampered"}`), signature) {
		t.Error("signature accepted for a tampered payload")
	}
}

func TestGenerateSecret(t *testing.T) {
	first := GenerateSecret()
	second := GenerateSecret()

	if len(first) != 64 { // 32 bytes hex-encoded
		t.Errorf("secret length = %d, want 64", len(first))
	}
	if first == second {
		t.Error("two generated secrets are identical")
	}
}
