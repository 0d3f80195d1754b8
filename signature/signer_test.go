package signature_test

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/hookline/courier/signature"
)

func TestSignKnownVector(t *testing.T) {
	signer := signature.NewSigner()
	body := []byte(`{"id":"evt_1","type":"invoice.created","data":{}}`)
	secret := "whsec_testsecret123"

	got := signer.Sign(body, secret)

	// Compute expected HMAC-SHA256 independently.
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	if got != expected {
		t.Errorf("Sign() = %q, want %q", got, expected)
	}
}

func TestSignFormat(t *testing.T) {
	got := signature.Sign([]byte(`{}`), "whsec_abc")

	if !strings.HasPrefix(got, "sha256=") {
		t.Errorf("Sign() = %q, want sha256= prefix", got)
	}
	hexPart := strings.TrimPrefix(got, "sha256=")
	if len(hexPart) != 64 {
		t.Errorf("hex digest length = %d, want 64", len(hexPart))
	}
	if hexPart != strings.ToLower(hexPart) {
		t.Errorf("hex digest %q is not lowercase", hexPart)
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	signer := signature.NewSigner()
	body := []byte(`{"invoice_id":"inv_01h2x","amount":9900}`)
	secret := "whsec_roundtripsecret"

	sig := signer.Sign(body, secret)
	if !signer.Verify(body, secret, sig) {
		t.Error("Verify() returned false for valid signature")
	}
}

func TestVerifyTamperedBody(t *testing.T) {
	signer := signature.NewSigner()
	body := []byte(`{"original":true}`)
	secret := "whsec_tampersecret"

	sig := signer.Sign(body, secret)

	tampered := []byte(`{"original":false}`)
	if signer.Verify(tampered, secret, sig) {
		t.Error("Verify() returned true for tampered body")
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	body := []byte(`{"data":"value"}`)

	sig := signature.Sign(body, "whsec_right")
	if signature.Verify(body, "whsec_wrong", sig) {
		t.Error("Verify() returned true for wrong secret")
	}
}

func TestVerifyMalformedSignature(t *testing.T) {
	body := []byte(`{"data":"value"}`)

	for _, sig := range []string{"", "sha256=", "v1=deadbeef", "nonsense"} {
		if signature.Verify(body, "whsec_x", sig) {
			t.Errorf("Verify() returned true for malformed signature %q", sig)
		}
	}
}
