package routingconfig

import "github.com/agentoven/botgateway/pkg/models"

// Built-in defaults used whenever the store returns an empty category —
// §4.4: "a built-in default set is used and logged."

func defaultCapabilityTags() []models.CapabilityTag {
	return []models.CapabilityTag{
		{
			TagID: "deep-reasoning", Name: "deep-reasoning", Category: "reasoning", Priority: 90,
			RequiredProtocol: models.ProtocolAnthropicNative, RequiresExtendedThinking: true, IsActive: true,
		},
		{
			TagID: "vision", Name: "vision", Category: "modality", Priority: 80,
			RequiresVision: true, IsActive: true,
		},
		{
			TagID: "cost-optimized", Name: "cost-optimized", Category: "cost", Priority: 50,
			RequiredProtocol: models.ProtocolAnthropicNative, RequiresCacheControl: true, IsActive: true,
		},
		{
			TagID: "web-search", Name: "web-search", Category: "tool", Priority: 70,
			RequiredSkills: []string{"web_search"}, IsActive: true,
		},
	}
}

func defaultFallbackChains() []models.FallbackChain {
	return []models.FallbackChain{
		{
			ChainID: "default",
			Name:    "default",
			Models: []models.FallbackTarget{
				{Vendor: "openai", Model: "gpt-4o"},
				{Vendor: "anthropic", Model: "claude-3-5-sonnet-20241022"},
			},
			TriggerStatusCodes: []int{429, 500, 502, 503, 504},
			TriggerErrorTypes:  []string{"rate_limit", "overloaded", "timeout"},
			TriggerTimeoutMs:   30000,
			MaxRetries:         2,
			RetryDelayMs:       500,
		},
	}
}

func defaultCostStrategies() []models.CostStrategy {
	return []models.CostStrategy{
		{
			StrategyID:        "balanced",
			CostWeight:        0.4,
			PerformanceWeight: 0.3,
			CapabilityWeight:  0.3,
		},
	}
}

func defaultModelPricing() []models.ModelPricing {
	return []models.ModelPricing{
		{Model: "gpt-4o", InputPerMillion: 2.5, OutputPerMillion: 10, ReasoningScore: 70, CodingScore: 80, CreativityScore: 75, SpeedScore: 70},
		{Model: "gpt-4o-mini", InputPerMillion: 0.15, OutputPerMillion: 0.6, ReasoningScore: 55, CodingScore: 60, CreativityScore: 55, SpeedScore: 90},
		{Model: "claude-3-5-sonnet-20241022", InputPerMillion: 3, OutputPerMillion: 15, CacheReadPerMillion: 0.3, CacheWritePerMillion: 3.75,
			ReasoningScore: 85, CodingScore: 90, CreativityScore: 80, SpeedScore: 65},
	}
}

func defaultComplexityConfig() models.ComplexityRoutingConfig {
	return models.ComplexityRoutingConfig{
		Levels: map[models.ComplexityLevel]models.ComplexityTarget{
			models.ComplexitySuperEasy: {Vendor: "openai", Model: "gpt-4o-mini"},
			models.ComplexityEasy:      {Vendor: "openai", Model: "gpt-4o-mini"},
			models.ComplexityMedium:    {Vendor: "openai", Model: "gpt-4o"},
			models.ComplexityHard:      {Vendor: "anthropic", Model: "claude-3-5-sonnet-20241022"},
			models.ComplexitySuperHard: {Vendor: "anthropic", Model: "claude-3-5-sonnet-20241022"},
		},
		ToolMinComplexity: models.ComplexityMedium,
		Enabled:           false,
	}
}
