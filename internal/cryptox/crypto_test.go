package cryptox

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func TestDeriveMasterKey_Deterministic(t *testing.T) {
	password := []byte("secret-password")
	salt := []byte("fixed-salt")

	key1 := DeriveMasterKey(password, salt)
	key2 := DeriveMasterKey(password, salt)

	if !bytes.Equal(key1, key2) {
		t.Errorf("expected same result for same inputs, got different")
	}

	// known answer, guards the argon2 parameters
	expectedHex := "34f7a1c64df63ab1ad5b5ee06e64db5713b35f81839823304db63e8e5e6a6a39"
	if hex.EncodeToString(key1) != expectedHex {
		t.Errorf("expected %s, got %s", expectedHex, hex.EncodeToString(key1))
	}
}

func TestDeriveMasterKey_DifferentInputs(t *testing.T) {
	password := []byte("secret-password")

	key1 := DeriveMasterKey(password, []byte("salt-1"))
	key2 := DeriveMasterKey(password, []byte("salt-2"))

	if bytes.Equal(key1, key2) {
		t.Errorf("expected different results for different salts, got same")
	}
}

func TestDeriveVerifier(t *testing.T) {
	password := []byte("secret-password")
	salt := []byte("fixed-salt")

	want := sha256.Sum256(DeriveMasterKey(password, salt))
	got := DeriveVerifier(password, salt)

	if !bytes.Equal(got, want[:]) {
		t.Fatalf("verifier mismatch: %x vs %x", got, want)
	}
	if len(got) != sha256.Size {
		t.Fatalf("verifier length = %d", len(got))
	}
}
