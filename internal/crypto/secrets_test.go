package crypto_test

import (
	"encoding/base64"
	"testing"

	"github.com/agentoven/botgateway/internal/crypto"
)

func testKey(t *testing.T) string {
	t.Helper()
	return base64.StdEncoding.EncodeToString(make([]byte, 32))
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	secrets, err := crypto.NewSecrets(testKey(t))
	if err != nil {
		t.Fatalf("NewSecrets() error = %v", err)
	}

	plaintext := "sk-super-secret-upstream-key"
	ciphertext, err := secrets.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if ciphertext == plaintext {
		t.Fatal("Encrypt() returned the plaintext unchanged")
	}

	got, err := secrets.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if got != plaintext {
		t.Errorf("Decrypt(Encrypt(s)) = %q, want %q", got, plaintext)
	}
}

func TestEncryptProducesFreshNonceEachCall(t *testing.T) {
	secrets, err := crypto.NewSecrets(testKey(t))
	if err != nil {
		t.Fatalf("NewSecrets() error = %v", err)
	}

	a, err := secrets.Encrypt("same-plaintext")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	b, err := secrets.Encrypt("same-plaintext")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if a == b {
		t.Error("two Encrypt() calls on identical plaintext produced identical ciphertext")
	}
}

func TestDecryptWithRotatedKey(t *testing.T) {
	oldKey := testKey(t)
	oldSecrets, err := crypto.NewSecrets(oldKey)
	if err != nil {
		t.Fatalf("NewSecrets(old) error = %v", err)
	}
	ciphertext, err := oldSecrets.Encrypt("rotate-me")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	newKeyBytes := make([]byte, 32)
	newKeyBytes[0] = 1
	newKey := base64.StdEncoding.EncodeToString(newKeyBytes)

	rotated, err := crypto.NewSecrets(newKey, oldKey)
	if err != nil {
		t.Fatalf("NewSecrets(new, old) error = %v", err)
	}

	got, err := rotated.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt() with rotated key error = %v", err)
	}
	if got != "rotate-me" {
		t.Errorf("Decrypt() = %q, want %q", got, "rotate-me")
	}
}

func TestNewSecretsRejectsMalformedKey(t *testing.T) {
	if _, err := crypto.NewSecrets("not-base64!!"); err == nil {
		t.Error("NewSecrets() with malformed key: want error, got nil")
	}
	shortKey := base64.StdEncoding.EncodeToString([]byte("too-short"))
	if _, err := crypto.NewSecrets(shortKey); err == nil {
		t.Error("NewSecrets() with a non-32-byte key: want error, got nil")
	}
}

func TestMintTokenUniqueAndHashDeterministic(t *testing.T) {
	a, err := crypto.MintToken()
	if err != nil {
		t.Fatalf("MintToken() error = %v", err)
	}
	b, err := crypto.MintToken()
	if err != nil {
		t.Fatalf("MintToken() error = %v", err)
	}
	if a == b {
		t.Fatal("two MintToken() calls produced identical tokens")
	}

	if crypto.HashToken(a) != crypto.HashToken(a) {
		t.Error("HashToken() is not deterministic for the same input")
	}
	if crypto.HashToken(a) == crypto.HashToken(b) {
		t.Error("HashToken() collided for two distinct tokens")
	}
}

func TestConstantTimeEquals(t *testing.T) {
	if !crypto.ConstantTimeEquals("abc", "abc") {
		t.Error("ConstantTimeEquals(abc, abc) = false, want true")
	}
	if crypto.ConstantTimeEquals("abc", "abd") {
		t.Error("ConstantTimeEquals(abc, abd) = true, want false")
	}
}
