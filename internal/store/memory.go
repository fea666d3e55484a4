package store

import (
	"context"
	"sync"
	"time"

	"github.com/agentoven/botgateway/pkg/models"
)

// MemoryStore implements Store with in-memory maps. Used by default and by
// the test suite; PostgresStore is the production-scale sibling.
type MemoryStore struct {
	mu sync.RWMutex

	tenants      map[string]*models.Tenant
	bots         map[string]*models.Bot // key: id
	credentials  map[string]*models.ProviderCredential
	tokens       map[string]*models.ProxyToken // key: token hash
	tokensByBot  map[string]string             // botID -> token hash
	avail        map[string]*models.ModelAvailability // key: credentialID:modelName
	tags         []models.CapabilityTag
	chains       map[string]*models.FallbackChain
	strategies   map[string]*models.CostStrategy
	pricing      map[string]*models.ModelPricing
	complexity   *models.ComplexityRoutingConfig
	usageLogs    []models.BotUsageLog
	quotas       map[string]*models.BotQuota
	routingRules map[string][]models.BotRoutingRule // key: botID
}

// NewMemoryStore creates a new in-memory store with empty collections.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:     make(map[string]*models.Tenant),
		bots:        make(map[string]*models.Bot),
		credentials: make(map[string]*models.ProviderCredential),
		tokens:      make(map[string]*models.ProxyToken),
		tokensByBot: make(map[string]string),
		avail:       make(map[string]*models.ModelAvailability),
		chains:      make(map[string]*models.FallbackChain),
		strategies:  make(map[string]*models.CostStrategy),
		pricing:     make(map[string]*models.ModelPricing),
		quotas:      make(map[string]*models.BotQuota),
		routingRules: make(map[string][]models.BotRoutingRule),
	}
}

// SeedRoutingRules lets callers (tests, admin bootstrap) set a bot's rule
// list directly; ordering is caller's responsibility, the routing engine
// re-sorts by priority on every read.
func (m *MemoryStore) SeedRoutingRules(botID string, rules []models.BotRoutingRule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]models.BotRoutingRule, len(rules))
	copy(cp, rules)
	m.routingRules[botID] = cp
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
func (m *MemoryStore) Close() error                   { return nil }

// ── Tenants ─────────────────────────────────────────────────

func (m *MemoryStore) ListTenants(ctx context.Context) ([]models.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		out = append(out, *t)
	}
	return out, nil
}

func (m *MemoryStore) GetTenant(ctx context.Context, id string) (*models.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "tenant", Key: id}
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) CreateTenant(ctx context.Context, tenant *models.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *tenant
	m.tenants[tenant.ID] = &cp
	return nil
}

// ── Bots ────────────────────────────────────────────────────

func (m *MemoryStore) ListBots(ctx context.Context, tenantID string) ([]models.Bot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Bot
	for _, b := range m.bots {
		if tenantID == "" || b.TenantID == tenantID {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetBot(ctx context.Context, id string) (*models.Bot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bots[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "bot", Key: id}
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) GetBotByHostname(ctx context.Context, hostname string) (*models.Bot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.bots {
		if b.Hostname == hostname {
			cp := *b
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "bot", Key: hostname}
}

func (m *MemoryStore) GetBotByProxyTokenHash(ctx context.Context, hash string) (*models.Bot, error) {
	if hash == "" {
		return nil, &ErrNotFound{Entity: "bot", Key: hash}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.bots {
		if b.ProxyTokenHash == hash {
			cp := *b
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "bot", Key: hash}
}

func (m *MemoryStore) CreateBot(ctx context.Context, bot *models.Bot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *bot
	m.bots[bot.ID] = &cp
	return nil
}

func (m *MemoryStore) DeleteBot(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bots, id)
	return nil
}

// ── Routing Rules ───────────────────────────────────────────

func (m *MemoryStore) ListRoutingRules(ctx context.Context, botID string) ([]models.BotRoutingRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rules := m.routingRules[botID]
	out := make([]models.BotRoutingRule, len(rules))
	copy(out, rules)
	return out, nil
}

// ── Credentials ─────────────────────────────────────────────

func (m *MemoryStore) ListCredentials(ctx context.Context, tenantID string) ([]models.ProviderCredential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ProviderCredential
	for _, c := range m.credentials {
		if c.DeletedAt != nil {
			continue
		}
		if tenantID == "" || c.TenantID == tenantID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListCredentialsByVendor(ctx context.Context, vendor string) ([]models.ProviderCredential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ProviderCredential
	for _, c := range m.credentials {
		if c.DeletedAt != nil {
			continue
		}
		if c.Vendor == vendor {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetCredential(ctx context.Context, id string) (*models.ProviderCredential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.credentials[id]
	if !ok || c.DeletedAt != nil {
		return nil, &ErrNotFound{Entity: "credential", Key: id}
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) CreateCredential(ctx context.Context, cred *models.ProviderCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *cred
	m.credentials[cred.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateCredential(ctx context.Context, cred *models.ProviderCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.credentials[cred.ID]; !ok {
		return &ErrNotFound{Entity: "credential", Key: cred.ID}
	}
	cp := *cred
	m.credentials[cred.ID] = &cp
	return nil
}

func (m *MemoryStore) DeleteCredential(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credentials[id]
	if !ok {
		return &ErrNotFound{Entity: "credential", Key: id}
	}
	now := time.Now().UTC()
	c.DeletedAt = &now
	return nil
}

// ── Proxy Tokens ────────────────────────────────────────────

func (m *MemoryStore) GetTokenByHash(ctx context.Context, hash string) (*models.ProxyToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tokens[hash]
	if !ok {
		return nil, &ErrNotFound{Entity: "token", Key: hash}
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) GetTokenForBot(ctx context.Context, botID string) (*models.ProxyToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hash, ok := m.tokensByBot[botID]
	if !ok {
		return nil, &ErrNotFound{Entity: "token", Key: botID}
	}
	t := m.tokens[hash]
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) CreateToken(ctx context.Context, token *models.ProxyToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *token
	m.tokens[token.TokenHash] = &cp
	m.tokensByBot[token.BotID] = token.TokenHash
	return nil
}

func (m *MemoryStore) DeleteTokenForBot(ctx context.Context, botID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	hash, ok := m.tokensByBot[botID]
	if !ok {
		return nil
	}
	delete(m.tokens, hash)
	delete(m.tokensByBot, botID)
	return nil
}

func (m *MemoryStore) RevokeTokenForBot(ctx context.Context, botID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	hash, ok := m.tokensByBot[botID]
	if !ok {
		return &ErrNotFound{Entity: "token", Key: botID}
	}
	t := m.tokens[hash]
	t.RevokedAt = &at
	return nil
}

func (m *MemoryStore) TouchToken(ctx context.Context, hash string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[hash]
	if !ok {
		return nil
	}
	t.LastUsedAt = &at
	t.RequestCount++
	return nil
}

// ── Model Availability ─────────────────────────────────────

func availKey(credentialID, modelName string) string { return credentialID + ":" + modelName }

func (m *MemoryStore) ListAvailability(ctx context.Context, modelName string) ([]models.ModelAvailability, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ModelAvailability
	for _, a := range m.avail {
		if a.ModelName == modelName {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetAvailability(ctx context.Context, credentialID, modelName string) (*models.ModelAvailability, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.avail[availKey(credentialID, modelName)]
	if !ok {
		return nil, &ErrNotFound{Entity: "availability", Key: availKey(credentialID, modelName)}
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) UpsertAvailability(ctx context.Context, avail *models.ModelAvailability) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *avail
	m.avail[availKey(avail.CredentialID, avail.ModelName)] = &cp
	return nil
}

// ── Capability Tags / Fallback Chains / Cost Strategies / Pricing / Complexity ──

func (m *MemoryStore) ListCapabilityTags(ctx context.Context) ([]models.CapabilityTag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.CapabilityTag, len(m.tags))
	copy(out, m.tags)
	return out, nil
}

func (m *MemoryStore) ListFallbackChains(ctx context.Context) ([]models.FallbackChain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.FallbackChain, 0, len(m.chains))
	for _, c := range m.chains {
		out = append(out, *c)
	}
	return out, nil
}

func (m *MemoryStore) GetFallbackChain(ctx context.Context, chainID string) (*models.FallbackChain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chains[chainID]
	if !ok {
		return nil, &ErrNotFound{Entity: "fallback_chain", Key: chainID}
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) ListCostStrategies(ctx context.Context) ([]models.CostStrategy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.CostStrategy, 0, len(m.strategies))
	for _, s := range m.strategies {
		out = append(out, *s)
	}
	return out, nil
}

func (m *MemoryStore) GetCostStrategy(ctx context.Context, strategyID string) (*models.CostStrategy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.strategies[strategyID]
	if !ok {
		return nil, &ErrNotFound{Entity: "cost_strategy", Key: strategyID}
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) ListModelPricing(ctx context.Context) ([]models.ModelPricing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.ModelPricing, 0, len(m.pricing))
	for _, p := range m.pricing {
		out = append(out, *p)
	}
	return out, nil
}

func (m *MemoryStore) GetModelPricing(ctx context.Context, model string) (*models.ModelPricing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pricing[model]
	if !ok {
		return nil, &ErrNotFound{Entity: "model_pricing", Key: model}
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) GetComplexityConfig(ctx context.Context) (*models.ComplexityRoutingConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.complexity == nil {
		return nil, &ErrNotFound{Entity: "complexity_config", Key: "default"}
	}
	cp := *m.complexity
	return &cp, nil
}

// Seed* helpers let callers (config loader defaults, tests) populate the
// in-memory store directly without going through admin CRUD handlers.

func (m *MemoryStore) SeedCapabilityTags(tags []models.CapabilityTag) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tags = tags
}

func (m *MemoryStore) SeedFallbackChains(chains []models.FallbackChain) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chains = make(map[string]*models.FallbackChain, len(chains))
	for i := range chains {
		c := chains[i]
		m.chains[c.ChainID] = &c
	}
}

func (m *MemoryStore) SeedCostStrategies(strategies []models.CostStrategy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategies = make(map[string]*models.CostStrategy, len(strategies))
	for i := range strategies {
		s := strategies[i]
		m.strategies[s.StrategyID] = &s
	}
}

func (m *MemoryStore) SeedModelPricing(pricing []models.ModelPricing) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pricing = make(map[string]*models.ModelPricing, len(pricing))
	for i := range pricing {
		p := pricing[i]
		m.pricing[p.Model] = &p
	}
}

func (m *MemoryStore) SeedComplexityConfig(cfg models.ComplexityRoutingConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := cfg
	m.complexity = &cp
}

// ── Usage Logs ──────────────────────────────────────────────

func (m *MemoryStore) CreateUsageLog(ctx context.Context, logRow *models.BotUsageLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usageLogs = append(m.usageLogs, *logRow)
	return nil
}

func (m *MemoryStore) ListUsageLogs(ctx context.Context, botID string, filter ListFilter) ([]models.BotUsageLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.BotUsageLog
	for i := len(m.usageLogs) - 1; i >= 0; i-- {
		row := m.usageLogs[i]
		if botID != "" && row.BotID != botID {
			continue
		}
		if filter.Since != nil && row.CreatedAt.Before(*filter.Since) {
			continue
		}
		out = append(out, row)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// ── Quota ───────────────────────────────────────────────────

func (m *MemoryStore) GetQuota(ctx context.Context, botID string) (*models.BotQuota, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.quotas[botID]
	if !ok {
		return nil, &ErrNotFound{Entity: "quota", Key: botID}
	}
	cp := *q
	return &cp, nil
}

func (m *MemoryStore) SaveQuota(ctx context.Context, quota *models.BotQuota) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *quota
	m.quotas[quota.BotID] = &cp
	return nil
}
