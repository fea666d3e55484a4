// Package routing implements the Routing Engine (C7): evaluating a bot's
// configured routing rules against an inbound request and producing a
// single Route, falling through keyword/load-balance/failover rules,
// complexity routing, and capability-tag matching before defaulting to the
// bot's primary model.
package routing

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/agentoven/botgateway/internal/breaker"
	"github.com/agentoven/botgateway/internal/classifier"
	"github.com/agentoven/botgateway/internal/gatewayerr"
	"github.com/agentoven/botgateway/internal/keyring"
	"github.com/agentoven/botgateway/internal/resolver"
	"github.com/agentoven/botgateway/internal/routingconfig"
	"github.com/agentoven/botgateway/internal/store"
	"github.com/agentoven/botgateway/pkg/models"
	"github.com/rs/zerolog/log"
)

// AnthropicVersion is the wire protocol version pinned by §4.7's protocol
// selection for the Anthropic endpoint.
const AnthropicVersion = "2023-06-01"

// DefaultAnthropicMaxTokens is patched in when a request to the Anthropic
// endpoint omits max_tokens.
const DefaultAnthropicMaxTokens = 8192

// FallbackStep is one ad-hoc retry target threaded through the forwarder
// when a Route came from a failover rule or auto-routing's ranked candidate
// walk, as opposed to a named FallbackChain looked up by chain id.
type FallbackStep struct {
	Credential models.ProviderCredential
	Model      string
}

// Route is the Routing Engine's result: everything the Streaming Forwarder
// needs to dial the first attempt, plus whatever ad-hoc retry targets the
// matching strategy produced.
type Route struct {
	Credential    models.ProviderCredential
	APIKey        string
	Model         string
	ApiType       models.ApiType
	BaseURL       string
	MatchedReason string

	AdHocFallbacks []FallbackStep
	MaxAttempts    int
	RetryDelayMs   int
}

// Engine evaluates routing rules and produces a Route.
type Engine struct {
	rules      store.RoutingRuleStore
	creds      store.CredentialStore
	keyring    *keyring.Keyring
	resolver   *resolver.Resolver
	cfg        *routingconfig.Loader
	breaker    *breaker.Breaker
	classifier *classifier.Client
	matchers   *matcherCache

	lbMu      sync.Mutex
	lbCursors map[string]*uint64 // keyed by ruleID
}

// New constructs a routing Engine wired to every component it consults.
func New(
	rules store.RoutingRuleStore,
	creds store.CredentialStore,
	kr *keyring.Keyring,
	res *resolver.Resolver,
	cfg *routingconfig.Loader,
	br *breaker.Breaker,
	cl *classifier.Client,
) *Engine {
	return &Engine{
		rules:      rules,
		creds:      creds,
		keyring:    kr,
		resolver:   res,
		cfg:        cfg,
		breaker:    br,
		classifier: cl,
		matchers:   newMatcherCache(),
		lbCursors:  make(map[string]*uint64),
	}
}

// Route implements §4.7's full decision procedure. compatible signals that
// the inbound vendor segment carried the "-compatible" suffix, in which
// case strategies A-E are skipped entirely in favor of the Model Resolver's
// ranked candidate list.
func (e *Engine) Route(ctx context.Context, bot *models.Bot, compatible bool, body map[string]interface{}) (*Route, error) {
	if compatible {
		return e.routeAuto(ctx, body)
	}
	return e.routeByRules(ctx, bot, body)
}

// routeAuto implements the auto-routing compatibility mode: extract the
// model, strip any provider/ prefix, and walk the Model Resolver's ranked
// list — the first breaker-available candidate is the primary attempt, the
// rest become ad-hoc fallbacks for the forwarder to walk on qualifying
// failure.
func (e *Engine) routeAuto(ctx context.Context, body map[string]interface{}) (*Route, error) {
	model := stripProviderPrefix(modelFromBody(body))
	if model == "" {
		return nil, gatewayerr.NewUnknownVendor("auto-routing request has no model in body")
	}

	candidates, err := e.resolver.ResolveAll(ctx, model, resolver.Options{})
	if err != nil {
		return nil, err
	}

	var available []resolver.ResolvedInstance
	for _, c := range candidates {
		if e.breaker.IsAvailable(c.Credential.ID) {
			available = append(available, c)
		}
	}
	if len(available) == 0 {
		return nil, gatewayerr.NewNoCredentialAvailable(model)
	}

	sel, err := e.keyring.DecryptCredential(available[0].Credential)
	if err != nil {
		return nil, err
	}

	route := &Route{
		Credential:    available[0].Credential,
		APIKey:        sel.APIKey,
		Model:         model,
		ApiType:       available[0].Credential.ApiType,
		BaseURL:       available[0].Credential.BaseURL,
		MatchedReason: "auto-routing: model resolver ranked list",
	}
	for _, c := range available[1:] {
		route.AdHocFallbacks = append(route.AdHocFallbacks, FallbackStep{Credential: c.Credential, Model: model})
	}
	return route, nil
}

// routeByRules walks the bot's configured rule list in priority order,
// falls through to complexity routing, then capability-tag routing, then
// the default route.
func (e *Engine) routeByRules(ctx context.Context, bot *models.Bot, body map[string]interface{}) (*Route, error) {
	rules, err := e.rules.ListRoutingRules(ctx, bot.ID)
	if err != nil {
		return nil, err
	}
	sortRules(rules)

	sig := ExtractSignals(body)

	for _, rule := range rules {
		switch rule.Strategy {
		case models.StrategyKeywordRoute:
			route, err := e.tryKeywordRoute(ctx, rule, sig)
			if err != nil {
				return nil, err
			}
			if route != nil {
				return route, nil
			}
			// no match — keep walking the rule list.
		case models.StrategyLoadBalance:
			return e.tryLoadBalanceRoute(ctx, rule)
		case models.StrategyFailover:
			return e.tryFailoverRoute(ctx, rule)
		default:
			log.Warn().Str("ruleId", rule.RuleID).Str("strategy", string(rule.Strategy)).Msg("Routing rule has unknown strategy, skipping")
		}
	}

	if route, err := e.tryComplexityRoute(ctx, bot, sig); err != nil {
		// ClassifierError: complexity routing disabled for this request,
		// fall through to capability-tag routing per §7.
		log.Warn().Err(err).Msg("Complexity classifier unavailable, falling through to capability-tag routing")
	} else if route != nil {
		return route, nil
	}

	if route, err := e.tryCapabilityRoute(ctx, sig); err != nil {
		return nil, err
	} else if route != nil {
		return route, nil
	}

	return e.defaultRoute(ctx, bot)
}

// sortRules applies §4.7's tie-break: ascending priority, ties broken by
// rule id lexicographic.
func sortRules(rules []models.BotRoutingRule) {
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].RuleID < rules[j].RuleID
	})
}

// tryKeywordRoute implements Strategy A. Returns (nil, nil) on no match so
// the caller keeps walking the rule list.
func (e *Engine) tryKeywordRoute(ctx context.Context, rule models.BotRoutingRule, sig Signals) (*Route, error) {
	if !e.matchers.matches(rule, sig.LastUserText) {
		return nil, nil
	}
	cred, err := e.credentialByID(ctx, rule.Target.CredentialID)
	if err != nil {
		return nil, err
	}
	sel, err := e.keyring.DecryptCredential(*cred)
	if err != nil {
		return nil, err
	}
	model := rule.Target.Model
	return &Route{
		Credential:    *cred,
		APIKey:        sel.APIKey,
		Model:         model,
		ApiType:       cred.ApiType,
		BaseURL:       cred.BaseURL,
		MatchedReason: fmt.Sprintf("keyword_route:%s", rule.RuleID),
	}, nil
}

// tryLoadBalanceRoute implements Strategy B.
func (e *Engine) tryLoadBalanceRoute(ctx context.Context, rule models.BotRoutingRule) (*Route, error) {
	if len(rule.Targets) == 0 {
		return nil, fmt.Errorf("routing rule %s: load_balance strategy has no targets", rule.RuleID)
	}

	var target models.RouteTarget
	switch rule.LoadBalance {
	case models.LoadBalanceWeighted:
		target = e.pickWeighted(rule.Targets)
	default:
		// least_latency falls back to round_robin per §4.7: "falls back to
		// round_robin if no latency telemetry exists" — this engine never
		// collects per-target latency telemetry, so it always falls back.
		target = e.pickRoundRobin(rule.RuleID, rule.Targets)
	}

	cred, err := e.credentialByID(ctx, target.CredentialID)
	if err != nil {
		return nil, err
	}
	sel, err := e.keyring.DecryptCredential(*cred)
	if err != nil {
		return nil, err
	}
	return &Route{
		Credential:    *cred,
		APIKey:        sel.APIKey,
		Model:         target.Model,
		ApiType:       cred.ApiType,
		BaseURL:       cred.BaseURL,
		MatchedReason: fmt.Sprintf("load_balance:%s:%s", rule.RuleID, rule.LoadBalance),
	}, nil
}

func (e *Engine) pickRoundRobin(ruleID string, targets []models.RouteTarget) models.RouteTarget {
	cursor := e.cursorFor(ruleID)
	idx := atomic.AddUint64(cursor, 1) - 1
	return targets[idx%uint64(len(targets))]
}

func (e *Engine) cursorFor(ruleID string) *uint64 {
	e.lbMu.Lock()
	defer e.lbMu.Unlock()
	c, ok := e.lbCursors[ruleID]
	if !ok {
		var zero uint64
		c = &zero
		e.lbCursors[ruleID] = c
	}
	return c
}

// pickWeighted draws a uniform random value in [0, Σweights) and returns
// the target whose cumulative weight interval contains it, per §4.7.
// Targets with a zero or unset weight never win unless every weight is
// zero, in which case the first target is returned.
func (e *Engine) pickWeighted(targets []models.RouteTarget) models.RouteTarget {
	var total float64
	for _, t := range targets {
		total += t.Weight
	}
	if total <= 0 {
		return targets[0]
	}
	r := rand.Float64() * total
	var cumulative float64
	for _, t := range targets {
		cumulative += t.Weight
		if r < cumulative {
			return t
		}
	}
	return targets[len(targets)-1]
}

// tryFailoverRoute implements Strategy C: only the primary is consulted at
// routing time, the fallback list rides along on the Route for the
// forwarder to consume.
func (e *Engine) tryFailoverRoute(ctx context.Context, rule models.BotRoutingRule) (*Route, error) {
	cred, err := e.credentialByID(ctx, rule.Primary.CredentialID)
	if err != nil {
		return nil, err
	}
	sel, err := e.keyring.DecryptCredential(*cred)
	if err != nil {
		return nil, err
	}

	route := &Route{
		Credential:    *cred,
		APIKey:        sel.APIKey,
		Model:         rule.Primary.Model,
		ApiType:       cred.ApiType,
		BaseURL:       cred.BaseURL,
		MatchedReason: fmt.Sprintf("failover:%s", rule.RuleID),
		MaxAttempts:   rule.MaxAttempts,
		RetryDelayMs:  rule.DelayMs,
	}
	for _, target := range rule.Fallbacks {
		fbCred, err := e.credentialByID(ctx, target.CredentialID)
		if err != nil {
			log.Warn().Str("ruleId", rule.RuleID).Str("credentialId", target.CredentialID).Err(err).Msg("Failover target credential missing, skipping")
			continue
		}
		route.AdHocFallbacks = append(route.AdHocFallbacks, FallbackStep{Credential: *fbCred, Model: target.Model})
	}
	return route, nil
}

// tryComplexityRoute implements Strategy D. A non-nil error means the
// classifier was unreachable or malformed; the caller treats that as
// "complexity routing disabled for this request" per §7's ClassifierError
// handling, not a request failure.
func (e *Engine) tryComplexityRoute(ctx context.Context, bot *models.Bot, sig Signals) (*Route, error) {
	cfg := e.cfg.ComplexityConfig()
	if !cfg.Enabled || !bot.ComplexityRoutingOptIn {
		return nil, nil
	}

	resp, err := e.classifier.Classify(ctx, cfg.Classifier.BaseURL, sig.LastUserText, sig.PriorContext, sig.HasTools)
	if err != nil {
		return nil, &gatewayerr.ClassifierError{Reason: err.Error()}
	}

	level := resp.Level
	if sig.HasTools || evalComplexityOverride(cfg, sig) {
		level = models.ClampUp(level, cfg.ToolMinComplexity)
	}

	target, ok := cfg.Levels[level]
	if !ok {
		return nil, &gatewayerr.ClassifierError{Reason: fmt.Sprintf("complexity level %q has no configured target", level)}
	}

	best, err := e.resolver.Resolve(ctx, target.Model, resolver.Options{PreferredVendor: target.Vendor})
	if err != nil {
		return nil, err
	}
	if best == nil {
		return nil, gatewayerr.NewNoCredentialAvailable(target.Vendor)
	}
	sel, err := e.keyring.DecryptCredential(best.Credential)
	if err != nil {
		return nil, err
	}
	return &Route{
		Credential:    best.Credential,
		APIKey:        sel.APIKey,
		Model:         target.Model,
		ApiType:       best.Credential.ApiType,
		BaseURL:       best.Credential.BaseURL,
		MatchedReason: fmt.Sprintf("complexity_routing:%s", level),
	}, nil
}

// tryCapabilityRoute implements Strategy E: collect active tags whose
// signal condition is satisfied, pick the highest-priority one, and route
// on its requiredProtocol/requiredModels[0].
func (e *Engine) tryCapabilityRoute(ctx context.Context, sig Signals) (*Route, error) {
	tags := e.cfg.CapabilityTags()

	var matched []models.CapabilityTag
	for _, tag := range tags {
		if !tag.IsActive {
			continue
		}
		if tagMatchesSignals(tag, sig) {
			matched = append(matched, tag)
		}
	}
	if len(matched) == 0 {
		return nil, nil
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].Priority > matched[j].Priority })
	top := matched[0]
	if len(top.RequiredModels) == 0 {
		return nil, nil
	}

	opts := resolver.Options{}
	if apiType, ok := protocolToApiType(top.RequiredProtocol); ok {
		opts.RequiredProtocol = apiType
	}
	best, err := e.resolver.Resolve(ctx, top.RequiredModels[0], opts)
	if err != nil {
		return nil, err
	}
	if best == nil {
		return nil, nil
	}
	sel, err := e.keyring.DecryptCredential(best.Credential)
	if err != nil {
		return nil, err
	}
	return &Route{
		Credential:    best.Credential,
		APIKey:        sel.APIKey,
		Model:         top.RequiredModels[0],
		ApiType:       best.Credential.ApiType,
		BaseURL:       best.Credential.BaseURL,
		MatchedReason: fmt.Sprintf("capability_tag:%s", top.TagID),
	}, nil
}

func tagMatchesSignals(tag models.CapabilityTag, sig Signals) bool {
	if tag.RequiresExtendedThinking && sig.ThinkingEnabled {
		return true
	}
	if tag.RequiresCacheControl && sig.HasCacheControl {
		return true
	}
	if tag.RequiresVision && sig.HasImage {
		return true
	}
	if len(tag.RequiredSkills) > 0 && sig.MatchesAnySkill(tag.RequiredSkills) {
		return true
	}
	return false
}

func protocolToApiType(protocol string) (models.ApiType, bool) {
	switch protocol {
	case models.ProtocolOpenAICompatible:
		return models.ApiTypeOpenAI, true
	case models.ProtocolAnthropicNative:
		return models.ApiTypeAnthropic, true
	default:
		return "", false
	}
}

// defaultRoute implements §4.7's default: the bot's explicitly flagged
// primary model, else its first configured model.
func (e *Engine) defaultRoute(ctx context.Context, bot *models.Bot) (*Route, error) {
	model := bot.PrimaryModel
	if model == "" {
		if len(bot.ConfiguredModels) == 0 {
			return nil, fmt.Errorf("bot %s has no primary or configured models", bot.ID)
		}
		model = bot.ConfiguredModels[0]
	}

	best, err := e.resolver.Resolve(ctx, model, resolver.Options{})
	if err != nil {
		return nil, err
	}
	if best == nil {
		return nil, gatewayerr.NewNoCredentialAvailable(model)
	}
	sel, err := e.keyring.DecryptCredential(best.Credential)
	if err != nil {
		return nil, err
	}
	return &Route{
		Credential:    best.Credential,
		APIKey:        sel.APIKey,
		Model:         model,
		ApiType:       best.Credential.ApiType,
		BaseURL:       best.Credential.BaseURL,
		MatchedReason: "default_route",
	}, nil
}

func (e *Engine) credentialByID(ctx context.Context, id string) (*models.ProviderCredential, error) {
	return e.creds.GetCredential(ctx, id)
}

// ApplyAnthropicProtocol patches a request destined for the Anthropic
// protocol endpoint per §4.7's "Protocol selection": force apiType and
// path, translate the model ref, default max_tokens, strip stream_options.
func ApplyAnthropicProtocol(route *Route, body map[string]interface{}) {
	route.ApiType = models.ApiTypeAnthropic
	route.Model = stripProviderPrefix(route.Model)
	if body == nil {
		return
	}
	body["model"] = route.Model
	if _, ok := body["max_tokens"]; !ok {
		body["max_tokens"] = DefaultAnthropicMaxTokens
	}
	delete(body, "stream_options")
}

func modelFromBody(body map[string]interface{}) string {
	model, _ := body["model"].(string)
	return model
}

func stripProviderPrefix(model string) string {
	if idx := strings.Index(model, "/"); idx >= 0 {
		return model[idx+1:]
	}
	return model
}

// evalComplexityOverride evaluates ComplexityRoutingConfig.OverrideExpr, if
// set, against the current request's signals. A malformed expression is
// logged and treated as false rather than failing the request — the same
// fail-open posture §4.7 takes for Strategy A pattern compile failures.
func evalComplexityOverride(cfg models.ComplexityRoutingConfig, sig Signals) bool {
	if cfg.OverrideExpr == "" {
		return false
	}
	return evalOverrideExpr(cfg.OverrideExpr, sig)
}
