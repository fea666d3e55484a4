package resolver_test

import (
	"context"
	"testing"

	"github.com/agentoven/botgateway/internal/resolver"
	"github.com/agentoven/botgateway/internal/store"
	"github.com/agentoven/botgateway/pkg/models"
)

func seedResolverFixture(t *testing.T) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore()
	ctx := context.Background()

	creds := []models.ProviderCredential{
		{ID: "low-priority", Vendor: "openai", ApiType: models.ApiTypeOpenAI, VendorPriority: 1},
		{ID: "high-priority", Vendor: "openai", ApiType: models.ApiTypeOpenAI, VendorPriority: 10},
		{ID: "anthropic-cred", Vendor: "anthropic", ApiType: models.ApiTypeAnthropic, VendorPriority: 5},
	}
	for _, c := range creds {
		if err := s.CreateCredential(ctx, &c); err != nil {
			t.Fatalf("CreateCredential() error = %v", err)
		}
	}

	avail := []models.ModelAvailability{
		{CredentialID: "low-priority", ModelName: "gpt-4o", IsAvailable: true, VendorPriority: 1, HealthScore: 100},
		{CredentialID: "high-priority", ModelName: "gpt-4o", IsAvailable: true, VendorPriority: 10, HealthScore: 100},
		{CredentialID: "anthropic-cred", ModelName: "gpt-4o", IsAvailable: true, VendorPriority: 5, HealthScore: 100},
	}
	for _, a := range avail {
		if err := s.UpsertAvailability(ctx, &a); err != nil {
			t.Fatalf("UpsertAvailability() error = %v", err)
		}
	}
	return s
}

func TestResolveAllRanksByVendorPriorityThenHealth(t *testing.T) {
	s := seedResolverFixture(t)
	r := resolver.New(s, s)

	got, err := r.ResolveAll(context.Background(), "gpt-4o", resolver.Options{})
	if err != nil {
		t.Fatalf("ResolveAll() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("ResolveAll() returned %d candidates, want 3", len(got))
	}
	if got[0].Credential.ID != "high-priority" {
		t.Errorf("ResolveAll()[0] = %q, want high-priority (vendorPriority=10 wins)", got[0].Credential.ID)
	}
	if got[len(got)-1].Credential.ID != "low-priority" {
		t.Errorf("ResolveAll()[last] = %q, want low-priority", got[len(got)-1].Credential.ID)
	}
}

func TestResolveAllPreferredVendorFirst(t *testing.T) {
	s := seedResolverFixture(t)
	r := resolver.New(s, s)

	got, err := r.ResolveAll(context.Background(), "gpt-4o", resolver.Options{PreferredVendor: "anthropic"})
	if err != nil {
		t.Fatalf("ResolveAll() error = %v", err)
	}
	if got[0].Credential.Vendor != "anthropic" {
		t.Errorf("ResolveAll()[0].Vendor = %q, want anthropic (preferred)", got[0].Credential.Vendor)
	}
}

func TestResolveAllFiltersByRequiredProtocol(t *testing.T) {
	s := seedResolverFixture(t)
	r := resolver.New(s, s)

	got, err := r.ResolveAll(context.Background(), "gpt-4o", resolver.Options{RequiredProtocol: models.ApiTypeAnthropic})
	if err != nil {
		t.Fatalf("ResolveAll() error = %v", err)
	}
	if len(got) != 1 || got[0].Credential.ID != "anthropic-cred" {
		t.Errorf("ResolveAll(requiredProtocol=anthropic) = %v, want only anthropic-cred", got)
	}
}

func TestResolveAllExcludesCredentials(t *testing.T) {
	s := seedResolverFixture(t)
	r := resolver.New(s, s)

	got, err := r.ResolveAll(context.Background(), "gpt-4o", resolver.Options{
		ExcludeCredentialIDs: map[string]bool{"high-priority": true},
	})
	if err != nil {
		t.Fatalf("ResolveAll() error = %v", err)
	}
	for _, c := range got {
		if c.Credential.ID == "high-priority" {
			t.Error("ResolveAll() returned an excluded credential")
		}
	}
}

func TestResolveReturnsNilWhenNoneQualify(t *testing.T) {
	s := store.NewMemoryStore()
	r := resolver.New(s, s)
	got, err := r.Resolve(context.Background(), "nonexistent-model", resolver.Options{})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != nil {
		t.Errorf("Resolve() on an unresolvable model = %+v, want nil", got)
	}
}

func TestUpdateHealthAppliesEMA(t *testing.T) {
	s := seedResolverFixture(t)
	r := resolver.New(s, s)
	ctx := context.Background()

	if err := r.UpdateHealth(ctx, "low-priority", "gpt-4o", false); err != nil {
		t.Fatalf("UpdateHealth() error = %v", err)
	}
	row, err := s.GetAvailability(ctx, "low-priority", "gpt-4o")
	if err != nil {
		t.Fatalf("GetAvailability() error = %v", err)
	}
	if row.HealthScore != 90 {
		t.Errorf("HealthScore after one failure = %d, want 90 (0.9*100 + 0.1*0)", row.HealthScore)
	}

	// Repeated successes converge monotonically back toward 100.
	prev := row.HealthScore
	for i := 0; i < 60; i++ {
		if err := r.UpdateHealth(ctx, "low-priority", "gpt-4o", true); err != nil {
			t.Fatalf("UpdateHealth() error = %v", err)
		}
		row, err := s.GetAvailability(ctx, "low-priority", "gpt-4o")
		if err != nil {
			t.Fatalf("GetAvailability() error = %v", err)
		}
		if row.HealthScore < prev {
			t.Fatalf("HealthScore decreased on a success streak: %d -> %d", prev, row.HealthScore)
		}
		prev = row.HealthScore
	}
	if prev < 99 {
		t.Errorf("HealthScore after 60 successive successes = %d, want within 1 of 100", prev)
	}
}

func TestNextHealthScoreOnFailureStrictlyDecreases(t *testing.T) {
	if got := models.NextHealthScore(100, false); got >= 100 {
		t.Errorf("NextHealthScore(100, false) = %d, want < 100", got)
	}
}
