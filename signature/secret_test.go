package signature_test

import (
	"strings"
	"testing"

	"github.com/hookline/courier/signature"
)

func TestGenerateSecretFormat(t *testing.T) {
	secret := signature.GenerateSecret()

	if !strings.HasPrefix(secret, "whsec_") {
		t.Errorf("secret %q missing whsec_ prefix", secret)
	}
	if len(secret) != len("whsec_")+64 {
		t.Errorf("secret length = %d, want %d", len(secret), len("whsec_")+64)
	}
}

func TestGenerateSecretUnique(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		s := signature.GenerateSecret()
		if seen[s] {
			t.Fatalf("duplicate secret generated: %s", s)
		}
		seen[s] = true
	}
}
