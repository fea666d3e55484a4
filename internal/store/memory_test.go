package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentoven/botgateway/internal/store"
	"github.com/agentoven/botgateway/pkg/models"
)

func newTestStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	return store.NewMemoryStore()
}

func TestBotCreateGetDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	bot := &models.Bot{ID: "bot-1", TenantID: "tenant-1", Hostname: "bot-1.internal"}
	if err := s.CreateBot(ctx, bot); err != nil {
		t.Fatalf("CreateBot() error = %v", err)
	}

	got, err := s.GetBot(ctx, "bot-1")
	if err != nil {
		t.Fatalf("GetBot() error = %v", err)
	}
	if got.Hostname != "bot-1.internal" {
		t.Errorf("GetBot().Hostname = %q, want bot-1.internal", got.Hostname)
	}

	byHost, err := s.GetBotByHostname(ctx, "bot-1.internal")
	if err != nil {
		t.Fatalf("GetBotByHostname() error = %v", err)
	}
	if byHost.ID != "bot-1" {
		t.Errorf("GetBotByHostname().ID = %q, want bot-1", byHost.ID)
	}

	if err := s.DeleteBot(ctx, "bot-1"); err != nil {
		t.Fatalf("DeleteBot() error = %v", err)
	}
	if _, err := s.GetBot(ctx, "bot-1"); !isNotFound(err) {
		t.Errorf("GetBot() after delete = %v, want ErrNotFound", err)
	}
}

func TestGetBotByProxyTokenHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	bot := &models.Bot{ID: "bot-1", ProxyTokenHash: "hash-abc", DirectVendor: "openai", DirectCredentialID: "cred-1"}
	if err := s.CreateBot(ctx, bot); err != nil {
		t.Fatalf("CreateBot() error = %v", err)
	}

	got, err := s.GetBotByProxyTokenHash(ctx, "hash-abc")
	if err != nil {
		t.Fatalf("GetBotByProxyTokenHash() error = %v", err)
	}
	if got.ID != "bot-1" {
		t.Errorf("GetBotByProxyTokenHash().ID = %q, want bot-1", got.ID)
	}

	if _, err := s.GetBotByProxyTokenHash(ctx, "no-such-hash"); !isNotFound(err) {
		t.Errorf("GetBotByProxyTokenHash() on unknown hash = %v, want ErrNotFound", err)
	}
}

func TestListBotsFiltersByTenant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateBot(t, s, &models.Bot{ID: "bot-a", TenantID: "tenant-1"})
	mustCreateBot(t, s, &models.Bot{ID: "bot-b", TenantID: "tenant-2"})

	got, err := s.ListBots(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("ListBots() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "bot-a" {
		t.Errorf("ListBots(tenant-1) = %+v, want only bot-a", got)
	}
}

func mustCreateBot(t *testing.T, s *store.MemoryStore, bot *models.Bot) {
	t.Helper()
	if err := s.CreateBot(context.Background(), bot); err != nil {
		t.Fatalf("CreateBot() error = %v", err)
	}
}

func TestCredentialSoftDeleteExcludesFromListsAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cred := &models.ProviderCredential{ID: "cred-1", TenantID: "tenant-1", Vendor: "openai"}
	if err := s.CreateCredential(ctx, cred); err != nil {
		t.Fatalf("CreateCredential() error = %v", err)
	}
	if err := s.DeleteCredential(ctx, "cred-1"); err != nil {
		t.Fatalf("DeleteCredential() error = %v", err)
	}

	if _, err := s.GetCredential(ctx, "cred-1"); !isNotFound(err) {
		t.Errorf("GetCredential() after soft delete = %v, want ErrNotFound", err)
	}
	list, err := s.ListCredentials(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("ListCredentials() error = %v", err)
	}
	if len(list) != 0 {
		t.Errorf("ListCredentials() after soft delete = %+v, want empty", list)
	}
}

func TestUpdateCredentialRequiresExistingRow(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateCredential(context.Background(), &models.ProviderCredential{ID: "no-such-cred"})
	if !isNotFound(err) {
		t.Errorf("UpdateCredential() on a missing id = %v, want ErrNotFound", err)
	}
}

func TestTokenCreateGetRevokeDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	token := &models.ProxyToken{BotID: "bot-1", TokenHash: "hash-1", Vendor: "openai"}
	if err := s.CreateToken(ctx, token); err != nil {
		t.Fatalf("CreateToken() error = %v", err)
	}

	byHash, err := s.GetTokenByHash(ctx, "hash-1")
	if err != nil {
		t.Fatalf("GetTokenByHash() error = %v", err)
	}
	if byHash.BotID != "bot-1" {
		t.Errorf("GetTokenByHash().BotID = %q, want bot-1", byHash.BotID)
	}

	byBot, err := s.GetTokenForBot(ctx, "bot-1")
	if err != nil {
		t.Fatalf("GetTokenForBot() error = %v", err)
	}
	if byBot.TokenHash != "hash-1" {
		t.Errorf("GetTokenForBot().TokenHash = %q, want hash-1", byBot.TokenHash)
	}

	now := time.Now().UTC()
	if err := s.RevokeTokenForBot(ctx, "bot-1", now); err != nil {
		t.Fatalf("RevokeTokenForBot() error = %v", err)
	}
	revoked, err := s.GetTokenForBot(ctx, "bot-1")
	if err != nil {
		t.Fatalf("GetTokenForBot() after revoke error = %v", err)
	}
	if revoked.RevokedAt == nil {
		t.Error("GetTokenForBot() after RevokeTokenForBot() has nil RevokedAt")
	}

	if err := s.DeleteTokenForBot(ctx, "bot-1"); err != nil {
		t.Fatalf("DeleteTokenForBot() error = %v", err)
	}
	if _, err := s.GetTokenForBot(ctx, "bot-1"); !isNotFound(err) {
		t.Errorf("GetTokenForBot() after delete = %v, want ErrNotFound", err)
	}
}

func TestTouchTokenBumpsRequestCountAndLastUsed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.CreateToken(ctx, &models.ProxyToken{BotID: "bot-1", TokenHash: "hash-1"}); err != nil {
		t.Fatalf("CreateToken() error = %v", err)
	}

	now := time.Now().UTC()
	if err := s.TouchToken(ctx, "hash-1", now); err != nil {
		t.Fatalf("TouchToken() error = %v", err)
	}
	got, err := s.GetTokenByHash(ctx, "hash-1")
	if err != nil {
		t.Fatalf("GetTokenByHash() error = %v", err)
	}
	if got.RequestCount != 1 {
		t.Errorf("RequestCount after one touch = %d, want 1", got.RequestCount)
	}
	if got.LastUsedAt == nil || !got.LastUsedAt.Equal(now) {
		t.Errorf("LastUsedAt = %v, want %v", got.LastUsedAt, now)
	}
}

func TestAvailabilityUpsertAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertAvailability(ctx, &models.ModelAvailability{CredentialID: "cred-1", ModelName: "gpt-4o", HealthScore: 80}); err != nil {
		t.Fatalf("UpsertAvailability() error = %v", err)
	}
	// A second upsert for the same key overwrites rather than duplicating.
	if err := s.UpsertAvailability(ctx, &models.ModelAvailability{CredentialID: "cred-1", ModelName: "gpt-4o", HealthScore: 95}); err != nil {
		t.Fatalf("UpsertAvailability() error = %v", err)
	}

	rows, err := s.ListAvailability(ctx, "gpt-4o")
	if err != nil {
		t.Fatalf("ListAvailability() error = %v", err)
	}
	if len(rows) != 1 || rows[0].HealthScore != 95 {
		t.Errorf("ListAvailability() = %+v, want one row with HealthScore=95", rows)
	}

	got, err := s.GetAvailability(ctx, "cred-1", "gpt-4o")
	if err != nil {
		t.Fatalf("GetAvailability() error = %v", err)
	}
	if got.HealthScore != 95 {
		t.Errorf("GetAvailability().HealthScore = %d, want 95", got.HealthScore)
	}
}

func TestRoutingRuleSeedAndList(t *testing.T) {
	s := newTestStore(t)
	rules := []models.BotRoutingRule{
		{RuleID: "r1", BotID: "bot-1", Priority: 5, Strategy: models.StrategyKeywordRoute},
	}
	s.SeedRoutingRules("bot-1", rules)

	got, err := s.ListRoutingRules(context.Background(), "bot-1")
	if err != nil {
		t.Fatalf("ListRoutingRules() error = %v", err)
	}
	if len(got) != 1 || got[0].RuleID != "r1" {
		t.Errorf("ListRoutingRules() = %+v, want one rule r1", got)
	}

	// The returned slice must be a copy: mutating it must not affect the store.
	got[0].RuleID = "mutated"
	got2, err := s.ListRoutingRules(context.Background(), "bot-1")
	if err != nil {
		t.Fatalf("ListRoutingRules() error = %v", err)
	}
	if got2[0].RuleID != "r1" {
		t.Errorf("ListRoutingRules() leaked a mutation through the stored slice: %+v", got2)
	}
}

func TestQuotaSaveAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.SaveQuota(ctx, &models.BotQuota{BotID: "bot-1", DailyCostUSD: 2.5}); err != nil {
		t.Fatalf("SaveQuota() error = %v", err)
	}
	got, err := s.GetQuota(ctx, "bot-1")
	if err != nil {
		t.Fatalf("GetQuota() error = %v", err)
	}
	if got.DailyCostUSD != 2.5 {
		t.Errorf("GetQuota().DailyCostUSD = %v, want 2.5", got.DailyCostUSD)
	}
}

func TestGetQuotaMissingBotReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetQuota(context.Background(), "no-such-bot"); !isNotFound(err) {
		t.Errorf("GetQuota() for an unknown bot = %v, want ErrNotFound", err)
	}
}

func isNotFound(err error) bool {
	var nf *store.ErrNotFound
	return errors.As(err, &nf)
}
