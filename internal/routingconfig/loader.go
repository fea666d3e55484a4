// Package routingconfig implements the Configuration Loader (C4):
// hot-reloading CapabilityTags, FallbackChains, CostStrategies,
// ModelPricing, and ComplexityRoutingConfig from the store into in-memory,
// copy-on-write snapshots.
package routingconfig

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/agentoven/botgateway/internal/store"
	"github.com/agentoven/botgateway/pkg/models"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// CategoryStatus is one entry of the published LoadStatus record.
type CategoryStatus struct {
	Loaded     bool
	Count      int
	LastUpdate time.Time
}

// LoadStatus is published after every reload, one entry per category.
type LoadStatus struct {
	CapabilityTags          CategoryStatus
	FallbackChains          CategoryStatus
	CostStrategies          CategoryStatus
	ModelPricing            CategoryStatus
	ComplexityRoutingConfig CategoryStatus
}

// snapshot is the immutable set of tables readers see. A reload builds a
// new snapshot and atomically swaps the Loader's pointer to it — readers
// never lock.
type snapshot struct {
	tags       []models.CapabilityTag
	chains     []models.FallbackChain
	strategies []models.CostStrategy
	pricing    map[string]models.ModelPricing
	complexity models.ComplexityRoutingConfig
	status     LoadStatus
}

// Loader hot-reloads routing configuration on a ticker and on demand.
type Loader struct {
	store store.Store
	redis *redis.Client

	current atomic.Pointer[snapshot]
	doneCh  chan struct{}
}

// New constructs a Loader, performs an immediate first load, and starts the
// periodic reload ticker. redisClient may be nil to disable the optional
// cross-instance cache.
func New(ctx context.Context, s store.Store, redisClient *redis.Client, reloadInterval time.Duration) *Loader {
	l := &Loader{
		store:  s,
		redis:  redisClient,
		doneCh: make(chan struct{}),
	}
	l.reload(ctx)
	go l.runTicker(ctx, reloadInterval)
	return l
}

func (l *Loader) runTicker(ctx context.Context, interval time.Duration) {
	defer close(l.doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.reload(ctx)
		}
	}
}

// Refresh triggers an immediate out-of-band reload.
func (l *Loader) Refresh(ctx context.Context) {
	l.reload(ctx)
}

func (l *Loader) reload(ctx context.Context) {
	now := time.Now().UTC()
	snap := &snapshot{pricing: make(map[string]models.ModelPricing)}

	tags, err := l.store.ListCapabilityTags(ctx)
	if err != nil || len(tags) == 0 {
		if err != nil {
			log.Warn().Err(err).Msg("Capability tag reload failed, using defaults")
		}
		tags = defaultCapabilityTags()
		log.Info().Int("count", len(tags)).Msg("Capability tags: using built-in defaults")
	}
	snap.tags = tags
	snap.status.CapabilityTags = CategoryStatus{Loaded: true, Count: len(tags), LastUpdate: now}

	chains, err := l.store.ListFallbackChains(ctx)
	if err != nil || len(chains) == 0 {
		if err != nil {
			log.Warn().Err(err).Msg("Fallback chain reload failed, using defaults")
		}
		chains = defaultFallbackChains()
		log.Info().Int("count", len(chains)).Msg("Fallback chains: using built-in defaults")
	}
	snap.chains = chains
	snap.status.FallbackChains = CategoryStatus{Loaded: true, Count: len(chains), LastUpdate: now}

	strategies, err := l.store.ListCostStrategies(ctx)
	if err != nil || len(strategies) == 0 {
		if err != nil {
			log.Warn().Err(err).Msg("Cost strategy reload failed, using defaults")
		}
		strategies = defaultCostStrategies()
		log.Info().Int("count", len(strategies)).Msg("Cost strategies: using built-in defaults")
	}
	snap.strategies = strategies
	snap.status.CostStrategies = CategoryStatus{Loaded: true, Count: len(strategies), LastUpdate: now}

	pricing, err := l.store.ListModelPricing(ctx)
	if err != nil || len(pricing) == 0 {
		if err != nil {
			log.Warn().Err(err).Msg("Model pricing reload failed, using defaults")
		}
		pricing = defaultModelPricing()
		log.Info().Int("count", len(pricing)).Msg("Model pricing: using built-in defaults")
	}
	for _, p := range pricing {
		snap.pricing[p.Model] = p
	}
	snap.status.ModelPricing = CategoryStatus{Loaded: true, Count: len(pricing), LastUpdate: now}

	complexity, err := l.store.GetComplexityConfig(ctx)
	if err != nil || complexity == nil {
		if err != nil {
			log.Warn().Err(err).Msg("Complexity config reload failed, using defaults")
		}
		def := defaultComplexityConfig()
		complexity = &def
		log.Info().Msg("Complexity routing config: using built-in defaults")
	}
	snap.complexity = *complexity
	snap.status.ComplexityRoutingConfig = CategoryStatus{Loaded: true, Count: len(complexity.Levels), LastUpdate: now}

	l.current.Store(snap)

	if l.redis != nil {
		// Best-effort write of the reload timestamp; nothing in this service
		// reads the key back, so every process still reloads from the store
		// on its own tick. Failures are non-critical per §7 StoreError
		// handling for non-critical updates.
		if err := l.redis.Set(ctx, "botgateway:config:last_reload", now.Format(time.RFC3339), 0).Err(); err != nil {
			log.Warn().Err(err).Msg("Redis config cache write failed")
		}
	}
}

// Status returns the most recently published LoadStatus.
func (l *Loader) Status() LoadStatus {
	return l.current.Load().status
}

func (l *Loader) snap() *snapshot {
	return l.current.Load()
}

// CapabilityTags returns the current snapshot's capability tags.
func (l *Loader) CapabilityTags() []models.CapabilityTag { return l.snap().tags }

// FallbackChains returns the current snapshot's fallback chains.
func (l *Loader) FallbackChains() []models.FallbackChain { return l.snap().chains }

// FallbackChain looks up a chain by id within the current snapshot.
func (l *Loader) FallbackChain(chainID string) (models.FallbackChain, bool) {
	for _, c := range l.snap().chains {
		if c.ChainID == chainID {
			return c, true
		}
	}
	return models.FallbackChain{}, false
}

// CostStrategies returns the current snapshot's cost strategies.
func (l *Loader) CostStrategies() []models.CostStrategy { return l.snap().strategies }

// CostStrategy looks up a strategy by id within the current snapshot.
func (l *Loader) CostStrategy(strategyID string) (models.CostStrategy, bool) {
	for _, s := range l.snap().strategies {
		if s.StrategyID == strategyID {
			return s, true
		}
	}
	return models.CostStrategy{}, false
}

// ModelPricing looks up pricing for a model within the current snapshot.
func (l *Loader) ModelPricing(model string) (models.ModelPricing, bool) {
	p, ok := l.snap().pricing[model]
	return p, ok
}

// ComplexityConfig returns the current snapshot's complexity routing config.
func (l *Loader) ComplexityConfig() models.ComplexityRoutingConfig { return l.snap().complexity }
