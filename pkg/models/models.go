// Package models defines the persisted and in-memory data shapes of the
// bot gateway's data plane.
package models

import "time"

// ApiType names the wire protocol a credential speaks — and therefore the
// auth header format and upstream request path.
type ApiType string

const (
	ApiTypeOpenAI         ApiType = "openai"
	ApiTypeOpenAIResponse ApiType = "openai-response"
	ApiTypeAnthropic      ApiType = "anthropic"
	ApiTypeGemini         ApiType = "gemini"
	ApiTypeAzureOpenAI    ApiType = "azure-openai"
	ApiTypeOllama         ApiType = "ollama"
)

// Tenant is the owner boundary for credentials and bots.
type Tenant struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// Bot is the external collaborator's view of a workload: the core only
// observes (botId, tags) and issues/revokes tokens when notified.
type Bot struct {
	ID               string   `json:"id" db:"id"`
	TenantID         string   `json:"tenantId" db:"tenant_id"`
	Hostname         string   `json:"hostname" db:"hostname"`
	Tags             []string `json:"tags" db:"tags"`
	PrimaryModel     string   `json:"primaryModel,omitempty" db:"primary_model"`
	ConfiguredModels []string `json:"configuredModels,omitempty" db:"configured_models"`
	ComplexityRoutingOptIn bool `json:"complexityRoutingOptIn" db:"complexity_routing_opt_in"`
	// FallbackChainID names the FallbackChain (if any) the Proxy Controller
	// consults via the Fallback Engine when a forward attempt for this bot
	// fails and the route did not already carry its own ad-hoc fallback list.
	FallbackChainID string `json:"fallbackChainId,omitempty" db:"fallback_chain_id"`

	// Direct-mode auth fields (§6, §9 Open Questions): consulted only when
	// ZERO_TRUST_MODE=false. Zero-trust mode authorizes via a ProxyToken row
	// instead and ignores these; the two are mutually exclusive per request,
	// with zero-trust taking precedence whenever it is enabled.
	ProxyTokenHash       string `json:"-" db:"proxy_token_hash"`
	DirectVendor         string `json:"directVendor,omitempty" db:"direct_vendor"`
	DirectCredentialID   string `json:"directCredentialId,omitempty" db:"direct_credential_id"`
}

// defaultBaseURLs maps a vendor name to the base URL credentials for that
// vendor dial when no per-credential override is configured. Keys match the
// lowercase vendor strings admins pass to POST /admin/credentials.
var defaultBaseURLs = map[string]string{
	"openai":    "https://api.openai.com",
	"anthropic": "https://api.anthropic.com",
	"gemini":    "https://generativelanguage.googleapis.com",
	"azure":     "https://api.openai.com", // Azure deployments require an explicit baseUrl; this is a last-resort fallback only.
	"ollama":    "http://localhost:11434",
}

// DefaultBaseURLForVendor returns the vendor's default upstream base URL, or
// "" if the vendor has no known default (the credential then requires an
// explicit baseUrl). §3 defines baseUrl as a nullable override of this
// default.
func DefaultBaseURLForVendor(vendor string) string {
	return defaultBaseURLs[vendor]
}

// ProviderCredential is one upstream API key.
type ProviderCredential struct {
	ID               string            `json:"id" db:"id"`
	TenantID         string            `json:"tenantId" db:"tenant_id"`
	Vendor           string            `json:"vendor" db:"vendor"`
	ApiType          ApiType           `json:"apiType" db:"api_type"`
	BaseURL          string            `json:"baseUrl,omitempty" db:"base_url"`
	SecretCiphertext string            `json:"-" db:"secret_ciphertext"`
	Tags             []string          `json:"tags" db:"tags"`
	Metadata         map[string]string `json:"metadata,omitempty" db:"metadata"`
	VendorPriority   int               `json:"vendorPriority" db:"vendor_priority"`
	CreatedAt        time.Time         `json:"createdAt" db:"created_at"`
	DeletedAt        *time.Time        `json:"deletedAt,omitempty" db:"deleted_at"`
}

// ProxyToken is the authorization handle for one bot.
type ProxyToken struct {
	BotID        string     `json:"botId" db:"bot_id"`
	TokenHash    string     `json:"-" db:"token_hash"`
	Vendor       string     `json:"vendor" db:"vendor"`
	CredentialID string     `json:"credentialId" db:"credential_id"`
	Tags         []string   `json:"tags" db:"tags"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty" db:"expires_at"`
	RevokedAt    *time.Time `json:"revokedAt,omitempty" db:"revoked_at"`
	LastUsedAt   *time.Time `json:"lastUsedAt,omitempty" db:"last_used_at"`
	RequestCount int64      `json:"requestCount" db:"request_count"`
}

// Valid reports whether the token row still authorizes calls.
func (t *ProxyToken) Valid(now time.Time) bool {
	if t.RevokedAt != nil {
		return false
	}
	if t.ExpiresAt != nil && !t.ExpiresAt.After(now) {
		return false
	}
	return true
}

// ModelAvailability is a (model-name, credential) pairing with runtime health.
type ModelAvailability struct {
	CredentialID   string `json:"credentialId" db:"credential_id"`
	ModelName      string `json:"modelName" db:"model_name"`
	IsAvailable    bool   `json:"isAvailable" db:"is_available"`
	VendorPriority int    `json:"vendorPriority" db:"vendor_priority"`
	HealthScore    int    `json:"healthScore" db:"health_score"`
}

// NextHealthScore applies the EMA defined in §3: new = round(0.9*old + 0.1*(success?100:0)).
func NextHealthScore(old int, success bool) int {
	outcome := 0.0
	if success {
		outcome = 100.0
	}
	next := 0.9*float64(old) + 0.1*outcome
	if next >= 0 {
		return int(next + 0.5)
	}
	return int(next - 0.5)
}

// RequiredProtocol values recognized by CapabilityTag.
const (
	ProtocolOpenAICompatible = "openai-compatible"
	ProtocolAnthropicNative  = "anthropic-native"
)

// CapabilityTag is a declarative requirement a request can be matched against.
type CapabilityTag struct {
	TagID                    string   `json:"tagId" db:"tag_id"`
	Name                     string   `json:"name" db:"name"`
	Category                 string   `json:"category" db:"category"`
	Priority                 int      `json:"priority" db:"priority"`
	RequiredProtocol         string   `json:"requiredProtocol,omitempty" db:"required_protocol"`
	RequiredModels           []string `json:"requiredModels,omitempty" db:"required_models"`
	RequiredSkills           []string `json:"requiredSkills,omitempty" db:"required_skills"`
	RequiresExtendedThinking bool     `json:"requiresExtendedThinking" db:"requires_extended_thinking"`
	RequiresCacheControl     bool     `json:"requiresCacheControl" db:"requires_cache_control"`
	RequiresVision           bool     `json:"requiresVision" db:"requires_vision"`
	IsActive                 bool     `json:"isActive" db:"is_active"`
}

// RuleStrategy names one of the Routing Engine's evaluation strategies.
type RuleStrategy string

const (
	StrategyKeywordRoute  RuleStrategy = "keyword_route"
	StrategyLoadBalance   RuleStrategy = "load_balance"
	StrategyFailover      RuleStrategy = "failover"
)

// RuleMatchType is Strategy A's matcher kind.
type RuleMatchType string

const (
	MatchTypeRegex  RuleMatchType = "regex"
	MatchTypeKeyword RuleMatchType = "keyword"
	MatchTypeIntent RuleMatchType = "intent"
)

// LoadBalanceStrategy is Strategy B's distribution kind.
type LoadBalanceStrategy string

const (
	LoadBalanceRoundRobin   LoadBalanceStrategy = "round_robin"
	LoadBalanceWeighted     LoadBalanceStrategy = "weighted"
	LoadBalanceLeastLatency LoadBalanceStrategy = "least_latency"
)

// RouteTarget names a (credential, model) the engine may route to.
type RouteTarget struct {
	CredentialID string  `json:"credentialId"`
	Model        string  `json:"model"`
	Weight       float64 `json:"weight,omitempty"`
}

// BotRoutingRule is one entry of a bot's configured routing rule list
// (§4.7): "a list loaded per bot, sorted by ascending priority integer,
// where lower = checked first". Exactly one of the strategy-specific field
// groups is populated, selected by Strategy.
type BotRoutingRule struct {
	RuleID   string       `json:"ruleId" db:"rule_id"`
	BotID    string       `json:"botId" db:"bot_id"`
	Priority int          `json:"priority" db:"priority"`
	Strategy RuleStrategy `json:"strategy" db:"strategy"`

	// Strategy A — Keyword/Regex/Intent Route.
	Pattern   string        `json:"pattern,omitempty" db:"pattern"`
	MatchType RuleMatchType `json:"matchType,omitempty" db:"match_type"`
	Target    RouteTarget   `json:"target,omitempty" db:"target"`

	// Strategy B — Load Balance.
	LoadBalance LoadBalanceStrategy `json:"loadBalanceStrategy,omitempty" db:"load_balance_strategy"`
	Targets     []RouteTarget       `json:"targets,omitempty" db:"targets"`

	// Strategy C — Failover. Only the primary is consulted at routing
	// time; the remainder is consumed by the Fallback Engine.
	Primary      RouteTarget   `json:"primary,omitempty" db:"primary"`
	Fallbacks    []RouteTarget `json:"fallbacks,omitempty" db:"fallbacks"`
	MaxAttempts  int           `json:"maxAttempts,omitempty" db:"max_attempts"`
	DelayMs      int           `json:"delayMs,omitempty" db:"delay_ms"`
}

// FallbackTarget is one (vendor, model) hop in a FallbackChain.
type FallbackTarget struct {
	Vendor   string `json:"vendor"`
	Model    string `json:"model"`
	Protocol string `json:"protocol,omitempty"`
	Features string `json:"features,omitempty"`
}

// FallbackChain is an ordered list of targets tried on qualifying failure.
type FallbackChain struct {
	ChainID           string           `json:"chainId" db:"chain_id"`
	Name              string           `json:"name" db:"name"`
	Models            []FallbackTarget `json:"models" db:"models"`
	TriggerStatusCodes []int           `json:"triggerStatusCodes" db:"trigger_status_codes"`
	TriggerErrorTypes  []string        `json:"triggerErrorTypes" db:"trigger_error_types"`
	TriggerTimeoutMs   int             `json:"triggerTimeoutMs" db:"trigger_timeout_ms"`
	MaxRetries         int             `json:"maxRetries" db:"max_retries"`
	RetryDelayMs       int             `json:"retryDelayMs" db:"retry_delay_ms"`
	PreserveProtocol   bool            `json:"preserveProtocol" db:"preserve_protocol"`
}

// ScenarioWeights overrides CostStrategy's weights for a named scenario.
type ScenarioWeights struct {
	CostWeight        float64 `json:"costWeight"`
	PerformanceWeight float64 `json:"performanceWeight"`
	CapabilityWeight  float64 `json:"capabilityWeight"`
}

// CostStrategy is a weighted tuple consulted by C11.selectOptimalModel.
type CostStrategy struct {
	StrategyID          string                     `json:"strategyId" db:"strategy_id"`
	CostWeight          float64                    `json:"costWeight" db:"cost_weight"`
	PerformanceWeight   float64                    `json:"performanceWeight" db:"performance_weight"`
	CapabilityWeight    float64                    `json:"capabilityWeight" db:"capability_weight"`
	MaxCostPerRequest   *float64                   `json:"maxCostPerRequest,omitempty" db:"max_cost_per_request"`
	MaxLatencyMs        *int                       `json:"maxLatencyMs,omitempty" db:"max_latency_ms"`
	MinCapabilityScore  *int                       `json:"minCapabilityScore,omitempty" db:"min_capability_score"`
	ScenarioSubWeights  map[string]ScenarioWeights `json:"scenarioSubWeights,omitempty" db:"scenario_sub_weights"`
	ScenarioExpressions map[string]string          `json:"scenarioExpressions,omitempty" db:"scenario_expressions"`
}

// ModelPricing is per-model unit pricing plus capability scores, all 0-100.
type ModelPricing struct {
	Model             string  `json:"model" db:"model"`
	InputPerMillion   float64 `json:"inputPerMillion" db:"input_per_million"`
	OutputPerMillion  float64 `json:"outputPerMillion" db:"output_per_million"`
	ThinkingPerMillion float64 `json:"thinkingPerMillion" db:"thinking_per_million"`
	CacheReadPerMillion  float64 `json:"cacheReadPerMillion" db:"cache_read_per_million"`
	CacheWritePerMillion float64 `json:"cacheWritePerMillion" db:"cache_write_per_million"`
	ReasoningScore    int     `json:"reasoningScore" db:"reasoning_score"`
	CodingScore       int     `json:"codingScore" db:"coding_score"`
	CreativityScore   int     `json:"creativityScore" db:"creativity_score"`
	SpeedScore        int     `json:"speedScore" db:"speed_score"`
}

// ComplexityLevel is one of five ordered classes emitted by the classifier.
type ComplexityLevel string

const (
	ComplexitySuperEasy ComplexityLevel = "super_easy"
	ComplexityEasy      ComplexityLevel = "easy"
	ComplexityMedium    ComplexityLevel = "medium"
	ComplexityHard      ComplexityLevel = "hard"
	ComplexitySuperHard ComplexityLevel = "super_hard"
)

var complexityOrder = map[ComplexityLevel]int{
	ComplexitySuperEasy: 0,
	ComplexityEasy:      1,
	ComplexityMedium:    2,
	ComplexityHard:      3,
	ComplexitySuperHard: 4,
}

// ClampUp returns the higher-ranked of two complexity levels.
func ClampUp(level, floor ComplexityLevel) ComplexityLevel {
	if complexityOrder[floor] > complexityOrder[level] {
		return floor
	}
	return level
}

// ComplexityTarget names the (vendor, model) a complexity level maps to.
type ComplexityTarget struct {
	Vendor string `json:"vendor"`
	Model  string `json:"model"`
}

// ClassifierDescriptor identifies which model answers classification queries.
type ClassifierDescriptor struct {
	Vendor  string `json:"vendor"`
	Model   string `json:"model"`
	BaseURL string `json:"baseUrl,omitempty"`
}

// ComplexityRoutingConfig maps complexity levels to routing targets.
type ComplexityRoutingConfig struct {
	Levels            map[ComplexityLevel]ComplexityTarget `json:"levels" db:"levels"`
	ToolMinComplexity ComplexityLevel                       `json:"toolMinComplexity" db:"tool_min_complexity"`
	Classifier        ClassifierDescriptor                  `json:"classifier" db:"classifier"`
	Enabled           bool                                  `json:"enabled" db:"enabled"`
	// OverrideExpr, if set, is an expr-lang boolean expression evaluated
	// against {hasTools, toolCount}; when it evaluates true the routing
	// engine clamps the level up to ToolMinComplexity regardless of
	// hasTools, letting operators widen the clamp trigger without a redeploy.
	OverrideExpr string `json:"overrideExpr,omitempty" db:"override_expr"`
}

// BotUsageLog is one row per forward attempt.
type BotUsageLog struct {
	ID             string    `json:"id" db:"id"`
	BotID          string    `json:"botId" db:"bot_id"`
	Vendor         string    `json:"vendor" db:"vendor"`
	CredentialID   string    `json:"credentialId" db:"credential_id"`
	StatusCode     *int      `json:"statusCode,omitempty" db:"status_code"`
	Endpoint       string    `json:"endpoint" db:"endpoint"`
	Model          string    `json:"model" db:"model"`
	RequestTokens  int       `json:"requestTokens" db:"request_tokens"`
	ResponseTokens int       `json:"responseTokens" db:"response_tokens"`
	ErrorMessage   string    `json:"errorMessage,omitempty" db:"error_message"`
	DurationMs     int64     `json:"durationMs" db:"duration_ms"`
	ProtocolType   string    `json:"protocolType" db:"protocol_type"`
	CreatedAt      time.Time `json:"createdAt" db:"created_at"`
}

// BreakerState is one of the three circuit breaker states.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// BotQuota tracks rolling cost counters for a bot. Persisted asynchronously.
type BotQuota struct {
	BotID          string    `json:"botId" db:"bot_id"`
	DailyCostUSD   float64   `json:"dailyCostUsd" db:"daily_cost_usd"`
	MonthlyCostUSD float64   `json:"monthlyCostUsd" db:"monthly_cost_usd"`
	LastResetDate  time.Time `json:"lastResetDate" db:"last_reset_date"`
	LastResetMonth time.Time `json:"lastResetMonth" db:"last_reset_month"`
}
