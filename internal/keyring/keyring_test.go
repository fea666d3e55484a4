package keyring_test

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/agentoven/botgateway/internal/crypto"
	"github.com/agentoven/botgateway/internal/keyring"
	"github.com/agentoven/botgateway/internal/store"
	"github.com/agentoven/botgateway/pkg/models"
)

func newTestKeyring(t *testing.T) (*keyring.Keyring, *store.MemoryStore, *crypto.Secrets) {
	t.Helper()
	s := store.NewMemoryStore()
	secrets, err := crypto.NewSecrets(base64.StdEncoding.EncodeToString(make([]byte, 32)))
	if err != nil {
		t.Fatalf("NewSecrets() error = %v", err)
	}
	return keyring.New(s, secrets), s, secrets
}

func seedCredential(t *testing.T, s *store.MemoryStore, secrets *crypto.Secrets, id, vendor string, tags []string) {
	t.Helper()
	ciphertext, err := secrets.Encrypt("sk-" + id)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if err := s.CreateCredential(context.Background(), &models.ProviderCredential{
		ID:               id,
		Vendor:           vendor,
		ApiType:          models.ApiTypeOpenAI,
		BaseURL:          "https://api.example.com",
		SecretCiphertext: ciphertext,
		Tags:             tags,
	}); err != nil {
		t.Fatalf("CreateCredential() error = %v", err)
	}
}

func TestSelectForBotNoKeyAvailable(t *testing.T) {
	kr, _, _ := newTestKeyring(t)
	_, err := kr.SelectForBot(context.Background(), "openai", nil)
	if err != keyring.ErrNoKeyAvailable {
		t.Fatalf("SelectForBot() error = %v, want ErrNoKeyAvailable", err)
	}
}

func TestSelectForBotTagIntersectionFallsBackToUntagged(t *testing.T) {
	kr, s, secrets := newTestKeyring(t)
	seedCredential(t, s, secrets, "untagged-1", "openai", nil)

	sel, err := kr.SelectForBot(context.Background(), "openai", []string{"vision"})
	if err != nil {
		t.Fatalf("SelectForBot() error = %v", err)
	}
	if sel.Credential.ID != "untagged-1" {
		t.Errorf("SelectForBot() picked %q, want untagged-1 (fallback when tag intersection is empty)", sel.Credential.ID)
	}
	if sel.APIKey != "sk-untagged-1" {
		t.Errorf("SelectForBot() APIKey = %q, want decrypted secret", sel.APIKey)
	}
}

func TestSelectForBotTagIntersectionPrefersMatch(t *testing.T) {
	kr, s, secrets := newTestKeyring(t)
	seedCredential(t, s, secrets, "plain", "openai", nil)
	seedCredential(t, s, secrets, "vision-cred", "openai", []string{"vision", "fast"})

	sel, err := kr.SelectForBot(context.Background(), "openai", []string{"vision"})
	if err != nil {
		t.Fatalf("SelectForBot() error = %v", err)
	}
	if sel.Credential.ID != "vision-cred" {
		t.Errorf("SelectForBot() picked %q, want vision-cred", sel.Credential.ID)
	}
}

func TestSelectForBotRoundRobinsAcrossSurvivors(t *testing.T) {
	kr, s, secrets := newTestKeyring(t)
	seedCredential(t, s, secrets, "a", "openai", []string{"fast"})
	seedCredential(t, s, secrets, "b", "openai", []string{"fast"})

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		sel, err := kr.SelectForBot(context.Background(), "openai", []string{"fast"})
		if err != nil {
			t.Fatalf("SelectForBot() error = %v", err)
		}
		seen[sel.Credential.ID]++
	}
	if seen["a"] != 2 || seen["b"] != 2 {
		t.Errorf("SelectForBot() round-robin distribution = %v, want 2/2 split across a and b", seen)
	}
}

func TestListByVendorAndTag(t *testing.T) {
	kr, s, secrets := newTestKeyring(t)
	seedCredential(t, s, secrets, "a", "openai", []string{"fast"})
	seedCredential(t, s, secrets, "b", "openai", []string{"cheap"})
	seedCredential(t, s, secrets, "c", "anthropic", []string{"fast"})

	got, err := kr.ListByVendorAndTag(context.Background(), "openai", "fast")
	if err != nil {
		t.Fatalf("ListByVendorAndTag() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "a" {
		t.Errorf("ListByVendorAndTag(openai, fast) = %v, want [a]", got)
	}
}
