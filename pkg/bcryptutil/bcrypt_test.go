package bcryptutil

import "testing"

func TestHashAndVerify(t *testing.T) {
	hash, err := Hash("ops-password")
	if err != nil {
		t.Fatalf("Hash() error: %v", err)
	}
	if !Verify("ops-password", hash) {
		t.Error("Verify() = false for the right password")
	}
	if Verify("wrong", hash) {
		t.Error("Verify() = true for the wrong password")
	}
	if Verify("ops-password", "not-a-hash") {
		t.Error("Verify() = true for a malformed hash")
	}
}
