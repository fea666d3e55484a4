package tokens_test

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/agentoven/botgateway/internal/crypto"
	"github.com/agentoven/botgateway/internal/store"
	"github.com/agentoven/botgateway/internal/tokens"
	"github.com/agentoven/botgateway/pkg/models"
)

func newTestService(t *testing.T) (*tokens.Service, *store.MemoryStore, *crypto.Secrets) {
	t.Helper()
	s := store.NewMemoryStore()
	secrets, err := crypto.NewSecrets(base64.StdEncoding.EncodeToString(make([]byte, 32)))
	if err != nil {
		t.Fatalf("NewSecrets() error = %v", err)
	}
	svc := tokens.New(context.Background(), s, secrets, time.Hour)
	return svc, s, secrets
}

func seedCred(t *testing.T, s *store.MemoryStore, secrets *crypto.Secrets, id, vendor string) {
	t.Helper()
	ciphertext, err := secrets.Encrypt("sk-" + id)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if err := s.CreateCredential(context.Background(), &models.ProviderCredential{
		ID: id, Vendor: vendor, ApiType: models.ApiTypeOpenAI, BaseURL: "https://api.example.com",
		SecretCiphertext: ciphertext,
	}); err != nil {
		t.Fatalf("CreateCredential() error = %v", err)
	}
}

func TestRegisterAndValidate(t *testing.T) {
	svc, s, secrets := newTestService(t)
	seedCred(t, s, secrets, "cred-1", "openai")

	plaintext, expiresAt, err := svc.Register(context.Background(), "bot-1", "openai", "cred-1", []string{"fast"})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if plaintext == "" {
		t.Fatal("Register() returned empty plaintext token")
	}
	if !expiresAt.After(time.Now()) {
		t.Error("Register() expiresAt is not in the future")
	}

	v, err := svc.Validate(context.Background(), plaintext, s.GetCredential)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if !v.Valid {
		t.Fatal("Validate() on a freshly minted token returned Valid=false")
	}
	if v.BotID != "bot-1" || v.Vendor != "openai" || v.APIKey != "sk-cred-1" {
		t.Errorf("Validate() = %+v, unexpected fields", v)
	}
}

func TestValidateRejectsUnknownToken(t *testing.T) {
	svc, _, _ := newTestService(t)
	v, err := svc.Validate(context.Background(), "not-a-real-token", nil)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if v.Valid {
		t.Error("Validate() on an unknown token returned Valid=true")
	}
}

func TestValidateRejectsRevokedToken(t *testing.T) {
	svc, s, secrets := newTestService(t)
	seedCred(t, s, secrets, "cred-1", "openai")
	plaintext, _, err := svc.Register(context.Background(), "bot-1", "openai", "cred-1", nil)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if err := svc.Revoke(context.Background(), "bot-1"); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}

	v, err := svc.Validate(context.Background(), plaintext, s.GetCredential)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if v.Valid {
		t.Error("Validate() on a revoked token returned Valid=true")
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	s := store.NewMemoryStore()
	secrets, err := crypto.NewSecrets(base64.StdEncoding.EncodeToString(make([]byte, 32)))
	if err != nil {
		t.Fatalf("NewSecrets() error = %v", err)
	}
	svc := tokens.New(context.Background(), s, secrets, -time.Hour)
	seedCred(t, s, secrets, "cred-1", "openai")

	plaintext, _, err := svc.Register(context.Background(), "bot-1", "openai", "cred-1", nil)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	v, err := svc.Validate(context.Background(), plaintext, s.GetCredential)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if v.Valid {
		t.Error("Validate() on an already-expired token returned Valid=true")
	}
}

func TestRegisterRotatesPriorToken(t *testing.T) {
	svc, s, secrets := newTestService(t)
	seedCred(t, s, secrets, "cred-1", "openai")
	seedCred(t, s, secrets, "cred-2", "anthropic")

	first, _, err := svc.Register(context.Background(), "bot-1", "openai", "cred-1", nil)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	second, _, err := svc.Register(context.Background(), "bot-1", "anthropic", "cred-2", nil)
	if err != nil {
		t.Fatalf("Register() (rotation) error = %v", err)
	}
	if first == second {
		t.Fatal("Register() rotation minted an identical token")
	}

	// The prior token must no longer validate — the row was deleted, not
	// merely superseded, since bot id is unique per token (§3).
	v, err := svc.Validate(context.Background(), first, s.GetCredential)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if v.Valid {
		t.Error("Validate() on the pre-rotation token returned Valid=true, want false (deleted on rotation)")
	}

	v2, err := svc.Validate(context.Background(), second, s.GetCredential)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if !v2.Valid || v2.Vendor != "anthropic" {
		t.Errorf("Validate() on the rotated token = %+v, want valid anthropic token", v2)
	}
}

func TestValidateDirectChecksBotsOwnHash(t *testing.T) {
	svc, s, secrets := newTestService(t)
	seedCred(t, s, secrets, "cred-1", "openai")

	plaintext, err := crypto.MintToken()
	if err != nil {
		t.Fatalf("MintToken() error = %v", err)
	}
	if err := s.CreateBot(context.Background(), &models.Bot{
		ID:                 "bot-1",
		ProxyTokenHash:     crypto.HashToken(plaintext),
		DirectVendor:       "openai",
		DirectCredentialID: "cred-1",
	}); err != nil {
		t.Fatalf("CreateBot() error = %v", err)
	}

	v, err := svc.ValidateDirect(context.Background(), plaintext, s.GetBotByProxyTokenHash, s.GetCredential)
	if err != nil {
		t.Fatalf("ValidateDirect() error = %v", err)
	}
	if !v.Valid || v.BotID != "bot-1" || v.Vendor != "openai" || v.APIKey != "sk-cred-1" {
		t.Errorf("ValidateDirect() = %+v, unexpected fields", v)
	}
}

func TestValidateDirectRejectsWrongToken(t *testing.T) {
	svc, s, secrets := newTestService(t)
	seedCred(t, s, secrets, "cred-1", "openai")

	legit, err := crypto.MintToken()
	if err != nil {
		t.Fatalf("MintToken() error = %v", err)
	}
	if err := s.CreateBot(context.Background(), &models.Bot{
		ID:                 "bot-1",
		ProxyTokenHash:     crypto.HashToken(legit),
		DirectVendor:       "openai",
		DirectCredentialID: "cred-1",
	}); err != nil {
		t.Fatalf("CreateBot() error = %v", err)
	}

	v, err := svc.ValidateDirect(context.Background(), "not-the-right-token", s.GetBotByProxyTokenHash, s.GetCredential)
	if err != nil {
		t.Fatalf("ValidateDirect() error = %v", err)
	}
	if v.Valid {
		t.Error("ValidateDirect() on a mismatched token returned Valid=true")
	}
}

func TestDeleteForBot(t *testing.T) {
	svc, s, secrets := newTestService(t)
	seedCred(t, s, secrets, "cred-1", "openai")
	plaintext, _, err := svc.Register(context.Background(), "bot-1", "openai", "cred-1", nil)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if err := svc.DeleteForBot(context.Background(), "bot-1"); err != nil {
		t.Fatalf("DeleteForBot() error = %v", err)
	}

	v, err := svc.Validate(context.Background(), plaintext, s.GetCredential)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if v.Valid {
		t.Error("Validate() after DeleteForBot() returned Valid=true")
	}
}
