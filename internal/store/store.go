// Package store provides the storage interface and implementations for the
// bot gateway control plane.
package store

import (
	"context"
	"time"

	"github.com/agentoven/botgateway/pkg/models"
)

// Store is the primary storage interface for the control plane. All
// components depend on this interface, making it easy to swap between
// in-memory (tests, single-node) and PostgreSQL (production) implementations.
type Store interface {
	TenantStore
	BotStore
	RoutingRuleStore
	CredentialStore
	ProxyTokenStore
	ModelAvailabilityStore
	CapabilityTagStore
	FallbackChainStore
	CostStrategyStore
	ModelPricingStore
	ComplexityConfigStore
	UsageLogStore
	QuotaStore

	// Ping checks if the database is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Tenant Store ────────────────────────────────────────────

type TenantStore interface {
	ListTenants(ctx context.Context) ([]models.Tenant, error)
	GetTenant(ctx context.Context, id string) (*models.Tenant, error)
	CreateTenant(ctx context.Context, tenant *models.Tenant) error
}

// ── Bot Store ───────────────────────────────────────────────

// BotStore mirrors only what the core needs of the bot lifecycle external
// collaborator: (botId, tags) and a hostname lookup.
type BotStore interface {
	ListBots(ctx context.Context, tenantID string) ([]models.Bot, error)
	GetBot(ctx context.Context, id string) (*models.Bot, error)
	GetBotByHostname(ctx context.Context, hostname string) (*models.Bot, error)
	// GetBotByProxyTokenHash supports direct-mode auth (§6, ZERO_TRUST_MODE=false):
	// the bot carries its own proxyTokenHash instead of a ProxyToken row.
	GetBotByProxyTokenHash(ctx context.Context, hash string) (*models.Bot, error)
	CreateBot(ctx context.Context, bot *models.Bot) error
	DeleteBot(ctx context.Context, id string) error
}

// ── Routing Rule Store ──────────────────────────────────────

// RoutingRuleStore holds each bot's configured routing rule list (§4.7).
type RoutingRuleStore interface {
	ListRoutingRules(ctx context.Context, botID string) ([]models.BotRoutingRule, error)
}

// ── Credential Store ────────────────────────────────────────

type CredentialStore interface {
	ListCredentials(ctx context.Context, tenantID string) ([]models.ProviderCredential, error)
	ListCredentialsByVendor(ctx context.Context, vendor string) ([]models.ProviderCredential, error)
	GetCredential(ctx context.Context, id string) (*models.ProviderCredential, error)
	CreateCredential(ctx context.Context, cred *models.ProviderCredential) error
	UpdateCredential(ctx context.Context, cred *models.ProviderCredential) error
	DeleteCredential(ctx context.Context, id string) error
}

// ── Proxy Token Store ───────────────────────────────────────

type ProxyTokenStore interface {
	GetTokenByHash(ctx context.Context, hash string) (*models.ProxyToken, error)
	GetTokenForBot(ctx context.Context, botID string) (*models.ProxyToken, error)
	CreateToken(ctx context.Context, token *models.ProxyToken) error
	// DeleteTokenForBot hard-deletes the prior row for botID, if any — bot id
	// is unique per token, so rotation deletes rather than merely revokes.
	DeleteTokenForBot(ctx context.Context, botID string) error
	RevokeTokenForBot(ctx context.Context, botID string, at time.Time) error
	// TouchToken applies the fire-and-forget lastUsedAt/requestCount bump.
	TouchToken(ctx context.Context, hash string, at time.Time) error
}

// ── Model Availability Store ───────────────────────────────

type ModelAvailabilityStore interface {
	ListAvailability(ctx context.Context, modelName string) ([]models.ModelAvailability, error)
	GetAvailability(ctx context.Context, credentialID, modelName string) (*models.ModelAvailability, error)
	UpsertAvailability(ctx context.Context, avail *models.ModelAvailability) error
}

// ── Capability Tag Store ───────────────────────────────────

type CapabilityTagStore interface {
	ListCapabilityTags(ctx context.Context) ([]models.CapabilityTag, error)
}

// ── Fallback Chain Store ───────────────────────────────────

type FallbackChainStore interface {
	ListFallbackChains(ctx context.Context) ([]models.FallbackChain, error)
	GetFallbackChain(ctx context.Context, chainID string) (*models.FallbackChain, error)
}

// ── Cost Strategy Store ────────────────────────────────────

type CostStrategyStore interface {
	ListCostStrategies(ctx context.Context) ([]models.CostStrategy, error)
	GetCostStrategy(ctx context.Context, strategyID string) (*models.CostStrategy, error)
}

// ── Model Pricing Store ────────────────────────────────────

type ModelPricingStore interface {
	ListModelPricing(ctx context.Context) ([]models.ModelPricing, error)
	GetModelPricing(ctx context.Context, model string) (*models.ModelPricing, error)
}

// ── Complexity Config Store ────────────────────────────────

type ComplexityConfigStore interface {
	GetComplexityConfig(ctx context.Context) (*models.ComplexityRoutingConfig, error)
}

// ── Usage Log Store ────────────────────────────────────────

type UsageLogStore interface {
	CreateUsageLog(ctx context.Context, log *models.BotUsageLog) error
	ListUsageLogs(ctx context.Context, botID string, filter ListFilter) ([]models.BotUsageLog, error)
}

// ── Quota Store ─────────────────────────────────────────────

type QuotaStore interface {
	GetQuota(ctx context.Context, botID string) (*models.BotQuota, error)
	SaveQuota(ctx context.Context, quota *models.BotQuota) error
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ── Filter helpers ──────────────────────────────────────────

// ListFilter provides common pagination/filter options.
type ListFilter struct {
	Limit  int
	Offset int
	Since  *time.Time
}
