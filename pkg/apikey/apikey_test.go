package apikey

import (
	"strings"
	"testing"
)

func TestGenerateKey(t *testing.T) {
	key, hash, err := GenerateKey("svc", "secret")
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	if !strings.HasPrefix(key, "svc_") {
		t.Errorf("key = %q, want svc_ prefix", key)
	}
	if hash != HashKey(key, "secret") {
		t.Error("returned hash does not match HashKey")
	}
	if HashKey(key, "other-secret") == hash {
		t.Error("hash must depend on the secret")
	}
}

func TestValidateKeyFormat(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"svc_deadbeef", true},
		{"svcdeadbeef", false},
		{"ops_deadbeef", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := ValidateKeyFormat(tt.key, "svc"); got != tt.want {
			t.Errorf("ValidateKeyFormat(%q) = %v, want %v", tt.key, got, tt.want)
		}
	}
}
