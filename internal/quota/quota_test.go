package quota_test

import (
	"context"
	"testing"
	"time"

	"github.com/agentoven/botgateway/internal/quota"
	"github.com/agentoven/botgateway/internal/routingconfig"
	"github.com/agentoven/botgateway/internal/store"
	"github.com/agentoven/botgateway/pkg/models"
)

func newTestTracker(t *testing.T) (*quota.Tracker, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	s.SeedModelPricing([]models.ModelPricing{
		{
			Model:            "gpt-4o",
			InputPerMillion:  5,
			OutputPerMillion: 15,
			ReasoningScore:   70, CodingScore: 80, CreativityScore: 60, SpeedScore: 90,
		},
		{
			Model:            "gpt-4o-mini",
			InputPerMillion:  0.15,
			OutputPerMillion: 0.6,
			ReasoningScore:   50, CodingScore: 55, CreativityScore: 40, SpeedScore: 95,
		},
	})
	s.SeedCostStrategies([]models.CostStrategy{
		{StrategyID: "balanced", CostWeight: 0.4, PerformanceWeight: 0.3, CapabilityWeight: 0.3},
	})
	cfg := routingconfig.New(context.Background(), s, nil, time.Hour)
	return quota.New(context.Background(), s, cfg), s
}

func TestCalculateCost(t *testing.T) {
	tr, _ := newTestTracker(t)
	cost := tr.CalculateCost("gpt-4o", quota.Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000})
	want := 5.0 + 15.0
	if cost != want {
		t.Errorf("CalculateCost() = %v, want %v", cost, want)
	}
}

func TestCalculateCostUnknownModelIsZero(t *testing.T) {
	tr, _ := newTestTracker(t)
	if cost := tr.CalculateCost("no-such-model", quota.Usage{InputTokens: 1000}); cost != 0 {
		t.Errorf("CalculateCost(unknown model) = %v, want 0", cost)
	}
}

func TestTrackUsageAccumulatesDailyAndMonthly(t *testing.T) {
	tr, s := newTestTracker(t)
	ctx := context.Background()

	if err := tr.TrackUsage(ctx, "bot-1", 1.5); err != nil {
		t.Fatalf("TrackUsage() error = %v", err)
	}
	if err := tr.TrackUsage(ctx, "bot-1", 2.5); err != nil {
		t.Fatalf("TrackUsage() error = %v", err)
	}

	status, err := tr.CheckBudget(ctx, "bot-1", 10, 100, 0.8)
	if err != nil {
		t.Fatalf("CheckBudget() error = %v", err)
	}
	if status.Used != 4.0 {
		t.Errorf("CheckBudget().Used = %v, want 4.0", status.Used)
	}
	_ = s
}

func TestCheckBudgetAlertAndDowngradeThresholds(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	if err := tr.TrackUsage(ctx, "bot-2", 8.5); err != nil {
		t.Fatalf("TrackUsage() error = %v", err)
	}
	status, err := tr.CheckBudget(ctx, "bot-2", 10, 0, 0.8)
	if err != nil {
		t.Fatalf("CheckBudget() error = %v", err)
	}
	if !status.AlertTriggered {
		t.Error("CheckBudget() at 85% of dailyLimit should trigger alert (threshold 0.8)")
	}
	if status.ShouldDowngrade {
		t.Error("CheckBudget() below the limit should not trigger downgrade")
	}

	if err := tr.TrackUsage(ctx, "bot-2", 2.0); err != nil {
		t.Fatalf("TrackUsage() error = %v", err)
	}
	status, err = tr.CheckBudget(ctx, "bot-2", 10, 0, 0.8)
	if err != nil {
		t.Fatalf("CheckBudget() error = %v", err)
	}
	if !status.ShouldDowngrade {
		t.Error("CheckBudget() at/above dailyLimit should trigger downgrade")
	}
}

func TestSelectOptimalModelSkipsBelowMinCapability(t *testing.T) {
	tr, s := newTestTracker(t)
	min := 65
	s.SeedCostStrategies([]models.CostStrategy{
		{StrategyID: "quality-first", CostWeight: 0.1, PerformanceWeight: 0.1, CapabilityWeight: 0.8, MinCapabilityScore: &min},
	})
	// Force a reload so the new strategy is visible.
	cfg := routingconfig.New(context.Background(), s, nil, time.Hour)
	tr2 := quota.New(context.Background(), s, cfg)

	got := tr2.SelectOptimalModel("quality-first", []string{"gpt-4o-mini", "gpt-4o"}, "")
	if got != "gpt-4o" {
		t.Errorf("SelectOptimalModel() = %q, want gpt-4o (gpt-4o-mini fails minCapabilityScore)", got)
	}
}

func TestSelectOptimalModelFallsBackToFirstOnUnknownStrategy(t *testing.T) {
	tr, _ := newTestTracker(t)
	got := tr.SelectOptimalModel("no-such-strategy", []string{"gpt-4o-mini", "gpt-4o"}, "")
	if got != "gpt-4o-mini" {
		t.Errorf("SelectOptimalModel(unknown strategy) = %q, want first candidate gpt-4o-mini", got)
	}
}
