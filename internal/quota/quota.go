// Package quota implements Quota & Cost (C11): per-bot rolling cost
// counters, budget checks, cost calculation from token usage and pricing,
// and scenario-weighted optimal-model selection.
package quota

import (
	"context"
	"sync"
	"time"

	"github.com/agentoven/botgateway/internal/routingconfig"
	"github.com/agentoven/botgateway/internal/store"
	"github.com/agentoven/botgateway/pkg/models"
	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// defaultAlertThreshold is applied when CheckBudget's caller leaves it at
// its zero value.
const defaultAlertThreshold = 0.8

// saveQueueCapacity bounds the fire-and-forget quota persistence queue, the
// same drop-oldest shape internal/tokens uses for its touch updates.
const saveQueueCapacity = 1024

// limiterBurst and limiterRPS size the per-bot smoothing limiter that
// TrackUsage consults — generous enough to never trip a well-behaved bot;
// exceeding it is only logged, never delayed or rejected.
const (
	limiterRPS   = 20
	limiterBurst = 40
)

type saveEvent struct {
	quota models.BotQuota
}

// Tracker implements C11 against a QuotaStore and the hot-reloaded pricing/
// cost-strategy snapshot published by internal/routingconfig.
type Tracker struct {
	store store.QuotaStore
	cfg   *routingconfig.Loader

	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	tokenizer *tiktoken.Tiktoken

	saveCh chan saveEvent
	doneCh chan struct{}
}

// New constructs a Tracker and starts its background persistence consumer.
func New(ctx context.Context, s store.QuotaStore, cfg *routingconfig.Loader) *Tracker {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		log.Warn().Err(err).Msg("tiktoken encoding unavailable, falling back to no-op token estimation")
	}
	t := &Tracker{
		store:     s,
		cfg:       cfg,
		limiters:  make(map[string]*rate.Limiter),
		tokenizer: enc,
		saveCh:    make(chan saveEvent, saveQueueCapacity),
		doneCh:    make(chan struct{}),
	}
	go t.runSaveConsumer(ctx)
	return t
}

func (t *Tracker) runSaveConsumer(ctx context.Context) {
	defer close(t.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-t.saveCh:
			q := ev.quota
			if err := t.store.SaveQuota(ctx, &q); err != nil {
				log.Warn().Err(err).Str("botId", q.BotID).Msg("Quota persist failed")
			}
		}
	}
}

func (t *Tracker) enqueueSave(q models.BotQuota) {
	select {
	case t.saveCh <- saveEvent{quota: q}:
	default:
		select {
		case <-t.saveCh:
		default:
		}
		select {
		case t.saveCh <- saveEvent{quota: q}:
		default:
		}
	}
}

// limiterFor returns (creating if needed) the burst-smoothing limiter for a
// bot. It does not reject requests itself — TrackUsage consults it only to
// log unusually bursty callers, per the DOMAIN STACK rationale
// that quota rollover is authoritative and the limiter is advisory.
func (t *Tracker) limiterFor(botID string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[botID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(limiterRPS), limiterBurst)
		t.limiters[botID] = l
	}
	return l
}

// loadQuota fetches the bot's quota row, applying §4.11's day/month
// rollover at read time: a quota read on a new calendar day resets
// dailyCost, and one read in a new calendar month also resets monthlyCost.
func (t *Tracker) loadQuota(ctx context.Context, botID string) (models.BotQuota, error) {
	q, err := t.store.GetQuota(ctx, botID)
	now := time.Now().UTC()
	if err != nil || q == nil {
		return models.BotQuota{BotID: botID, LastResetDate: now, LastResetMonth: now}, nil
	}
	rolled := *q
	if !sameDay(rolled.LastResetDate, now) {
		rolled.DailyCostUSD = 0
		rolled.LastResetDate = now
	}
	if !sameMonth(rolled.LastResetMonth, now) {
		rolled.MonthlyCostUSD = 0
		rolled.LastResetMonth = now
	}
	return rolled, nil
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func sameMonth(a, b time.Time) bool {
	return a.Year() == b.Year() && a.Month() == b.Month()
}

// TrackUsage adds costUSD to both the daily and monthly rolling counters and
// persists the result asynchronously — callers in internal/forwarder invoke
// this fire-and-forget after a completed forward.
func (t *Tracker) TrackUsage(ctx context.Context, botID string, costUSD float64) error {
	if !t.limiterFor(botID).Allow() {
		log.Warn().Str("botId", botID).Msg("Quota tracking calls arriving faster than the smoothing limiter allows")
	}
	q, err := t.loadQuota(ctx, botID)
	if err != nil {
		return err
	}
	q.DailyCostUSD += costUSD
	q.MonthlyCostUSD += costUSD
	t.enqueueSave(q)
	return nil
}

// BudgetStatus is CheckBudget's result.
type BudgetStatus struct {
	Used            float64
	Remaining       float64
	AlertTriggered  bool
	ShouldDowngrade bool
}

// CheckBudget implements §4.11's budget check. dailyLimit/monthlyLimit of
// zero mean "no limit" for that window; the tighter of the two configured
// limits governs Used/Remaining. alertThreshold of zero uses the spec
// default of 0.8.
func (t *Tracker) CheckBudget(ctx context.Context, botID string, dailyLimit, monthlyLimit, alertThreshold float64) (*BudgetStatus, error) {
	if alertThreshold <= 0 {
		alertThreshold = defaultAlertThreshold
	}
	q, err := t.loadQuota(ctx, botID)
	if err != nil {
		return nil, err
	}

	status := &BudgetStatus{Used: q.DailyCostUSD}
	governed := false
	check := func(used, limit float64) {
		if limit <= 0 {
			return
		}
		remaining := limit - used
		if !governed || remaining < status.Remaining {
			status.Remaining = remaining
			status.Used = used
			governed = true
		}
		if used >= limit {
			status.ShouldDowngrade = true
		}
		if used >= alertThreshold*limit {
			status.AlertTriggered = true
		}
	}
	check(q.DailyCostUSD, dailyLimit)
	check(q.MonthlyCostUSD, monthlyLimit)
	return status, nil
}

// Usage is the token-count input to CalculateCost.
type Usage struct {
	InputTokens      int
	OutputTokens     int
	ThinkingTokens   int
	CacheReadTokens  int
	CacheWriteTokens int
}

// EstimateRequestTokens returns a tiktoken BPE count of text, or 0 when the
// encoding is unavailable. The forwarding path does not call it: a response
// that omits usage is costed from the token counts it reports.
func (t *Tracker) EstimateRequestTokens(text string) int {
	if t.tokenizer == nil {
		return 0
	}
	return len(t.tokenizer.Encode(text, nil, nil))
}

// CalculateCost implements §4.11: a linear combination of token counts
// against per-million pricing, including cache and thinking tokens where
// the model's pricing row prices them.
func (t *Tracker) CalculateCost(model string, usage Usage) float64 {
	pricing, ok := t.cfg.ModelPricing(model)
	if !ok {
		return 0
	}
	const million = 1_000_000.0
	cost := float64(usage.InputTokens)/million*pricing.InputPerMillion +
		float64(usage.OutputTokens)/million*pricing.OutputPerMillion +
		float64(usage.ThinkingTokens)/million*pricing.ThinkingPerMillion +
		float64(usage.CacheReadTokens)/million*pricing.CacheReadPerMillion +
		float64(usage.CacheWriteTokens)/million*pricing.CacheWritePerMillion
	return cost
}

// SelectOptimalModel implements §4.11's scoring: for each candidate, score =
// costScore*wCost + speedScore*wPerf + capabilityScore*wCap, skipping
// candidates whose capability score is below the strategy's
// minCapabilityScore. Returns the highest-scoring model, or the first
// candidate if none qualify.
func (t *Tracker) SelectOptimalModel(strategyID string, candidateModels []string, scenario string) string {
	if len(candidateModels) == 0 {
		return ""
	}
	strategy, ok := t.cfg.CostStrategy(strategyID)
	if !ok {
		return candidateModels[0]
	}

	wCost, wPerf, wCap := strategy.CostWeight, strategy.PerformanceWeight, strategy.CapabilityWeight
	if scenario != "" {
		if sub, ok := strategy.ScenarioSubWeights[scenario]; ok {
			wCost, wPerf, wCap = sub.CostWeight, sub.PerformanceWeight, sub.CapabilityWeight
		}
	}

	var bestModel string
	bestScore := -1.0
	qualified := false
	for _, model := range candidateModels {
		pricing, ok := t.cfg.ModelPricing(model)
		if !ok {
			continue
		}
		capScore := capabilityScore(pricing, scenario)
		if strategy.MinCapabilityScore != nil && capScore < *strategy.MinCapabilityScore {
			continue
		}
		costScore := 100.0
		if pricing.InputPerMillion+pricing.OutputPerMillion > 0 {
			costScore = 1.0 / (pricing.InputPerMillion + pricing.OutputPerMillion + 1)
		}
		score := costScore*wCost + float64(pricing.SpeedScore)*wPerf + float64(capScore)*wCap
		if score > bestScore {
			bestScore = score
			bestModel = model
			qualified = true
		}
	}
	if !qualified {
		return candidateModels[0]
	}
	return bestModel
}

// capabilityScore reads the scenario-relevant sub-score off ModelPricing,
// falling back to the average of all scored dimensions when the scenario
// names no specific one.
func capabilityScore(p models.ModelPricing, scenario string) int {
	switch scenario {
	case "coding":
		return p.CodingScore
	case "reasoning":
		return p.ReasoningScore
	case "creative":
		return p.CreativityScore
	default:
		return (p.ReasoningScore + p.CodingScore + p.CreativityScore + p.SpeedScore) / 4
	}
}
