package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/agentoven/botgateway/internal/fallback"
	"github.com/agentoven/botgateway/internal/forwarder"
	"github.com/agentoven/botgateway/internal/gatewayerr"
	"github.com/agentoven/botgateway/internal/routing"
	"github.com/agentoven/botgateway/internal/tokens"
	"github.com/agentoven/botgateway/pkg/models"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// ProxyVendor implements "ALL /v1/{vendor}/*": the OpenAI-compatible and
// vendor-native proxy surface, vendor determined by the path segment.
func (h *Handlers) ProxyVendor(w http.ResponseWriter, r *http.Request) {
	vendorSeg := chi.URLParam(r, "vendor")
	h.proxy(w, r, vendorSeg, false)
}

// ProxyAnthropic implements "ALL /v1/anthropic/*": requests are always
// translated to the Anthropic native protocol and sent to /v1/messages. The
// token must still be bound to vendor "anthropic"; any other binding gets 403.
func (h *Handlers) ProxyAnthropic(w http.ResponseWriter, r *http.Request) {
	h.proxy(w, r, "anthropic", true)
}

// proxy is the shared Proxy Controller core: authenticate, route, dial with
// fallback, deliver. compatible mode (a "-compatible" vendor suffix) skips
// vendor-match enforcement and routes via the Model Resolver's ranked list
// instead of the bot's configured rules.
func (h *Handlers) proxy(w http.ResponseWriter, r *http.Request, vendorSeg string, forceAnthropic bool) {
	ctx := r.Context()
	requestID := chimw.GetReqID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}

	authz := r.Header.Get("Authorization")
	if !strings.HasPrefix(authz, "Bearer ") {
		respondError(w, http.StatusUnauthorized, "missing or malformed Authorization header")
		return
	}
	plaintext := strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))

	// §9 Open Questions: zero-trust mode (a ProxyToken row) takes precedence
	// whenever ZERO_TRUST_MODE=true; otherwise auth runs against the bot's
	// own direct-mode proxyTokenHash.
	var validation *tokens.Validation
	var err error
	if h.Gateway.Gateway.ZeroTrustMode {
		validation, err = h.Tokens.Validate(ctx, plaintext, h.Store.GetCredential)
	} else {
		validation, err = h.Tokens.ValidateDirect(ctx, plaintext, h.Store.GetBotByProxyTokenHash, h.Store.GetCredential)
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !validation.Valid {
		respondError(w, http.StatusForbidden, "invalid, expired, or revoked token")
		return
	}

	// §4.10's vendor-match enforcement also covers the forced-Anthropic
	// endpoint (§8 scenario S4): a token bound to a different vendor is
	// rejected even though the endpoint's protocol is fixed, since
	// vendorSeg is the literal "anthropic" there, never "-compatible".
	compatible := strings.HasSuffix(vendorSeg, "-compatible")
	vendor := strings.TrimSuffix(vendorSeg, "-compatible")
	if !compatible && vendor != validation.Vendor {
		respondError(w, http.StatusForbidden, fmt.Sprintf("token is bound to vendor %q, not %q", validation.Vendor, vendor))
		return
	}

	var body map[string]interface{}
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && body == nil {
			body = map[string]interface{}{}
		}
	}
	if body == nil {
		body = map[string]interface{}{}
	}

	bot, err := h.Store.GetBot(ctx, validation.BotID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	route, err := h.Routing.Route(ctx, bot, compatible, body)
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	if forceAnthropic {
		routing.ApplyAnthropicProtocol(route, body)
	}

	stream, _ := body["stream"].(bool)
	// The router mounts both proxy routes on a "/*" wildcard; whatever
	// follows /v1/{vendor} is forwarded verbatim so vendor-specific
	// sub-paths (e.g. an OpenAI-compatible /embeddings call) still reach the
	// right upstream endpoint. The forced-Anthropic endpoint ignores the
	// wildcard and always dials the Anthropic /v1/messages path.
	var upstreamPath string
	if rest := chi.URLParam(r, "*"); rest != "" && !forceAnthropic {
		upstreamPath = "/" + rest
	}

	attempt, final := h.dialWithFallback(ctx, requestID, bot, route, body, r, upstreamPath, stream)
	if final != nil {
		writeGatewayError(w, final)
		return
	}
	h.Forwarder.Deliver(ctx, *attempt, w)
}

// candidate is one (credential, model) pair the forwarder can dial.
type candidate struct {
	credential models.ProviderCredential
	apiKey     string
	model      string
	apiType    models.ApiType
	baseURL    string
	reason     string
}

func routeCandidate(route *routing.Route) candidate {
	return candidate{
		credential: route.Credential,
		apiKey:     route.APIKey,
		model:      route.Model,
		apiType:    route.ApiType,
		baseURL:    route.BaseURL,
		reason:     route.MatchedReason,
	}
}

// dialWithFallback walks route's primary attempt, then its ad-hoc fallback
// list, then — if those are exhausted and the bot names a FallbackChain —
// the chain's remaining hops via the Fallback Engine, per §4.8. It returns
// either a deliverable Attempt or a terminal error to surface to the client.
func (h *Handlers) dialWithFallback(
	ctx context.Context,
	requestID string,
	bot *models.Bot,
	route *routing.Route,
	body map[string]interface{},
	r *http.Request,
	upstreamPath string,
	stream bool,
) (*forwarder.Attempt, error) {
	cands := []candidate{routeCandidate(route)}
	for _, step := range route.AdHocFallbacks {
		sel, err := h.Keyring.DecryptCredential(step.Credential)
		if err != nil {
			continue
		}
		cands = append(cands, candidate{
			credential: step.Credential,
			apiKey:     sel.APIKey,
			model:      step.Model,
			apiType:    step.Credential.ApiType,
			baseURL:    step.Credential.BaseURL,
			reason:     "ad_hoc_fallback",
		})
	}

	var lastAttempt forwarder.Attempt
	for _, cand := range cands {
		req := h.buildForwardRequest(bot, cand, body, r, upstreamPath, stream)
		at := h.Forwarder.Dial(ctx, req)
		if at.Succeeded() {
			return &at, nil
		}
		lastAttempt = at
	}

	if bot.FallbackChainID == "" {
		return nil, &gatewayerr.UpstreamError{Reason: "all routing candidates exhausted", StatusCode: lastAttempt.StatusCode}
	}

	h.Fallback.CreateContext(requestID, bot.FallbackChainID)
	defer h.Fallback.ClearContext(requestID)

	// retryBackoff replaces §4.8's flat retryDelayMs sleep with an
	// exponential backoff bounded by the chain's maxRetries (see
	// internal/fallback.Engine.BackoffFor), so repeated hops against an
	// already-struggling chain widen their spacing instead of hammering it.
	retryBackoff := h.Fallback.BackoffFor(bot.FallbackChainID)

	for {
		decision := h.Fallback.GetNextFallback(requestID, fallback.UpstreamError{
			StatusCode:     lastAttempt.StatusCode,
			ErrorType:      lastAttempt.ErrorType,
			ResponseTimeMs: lastAttempt.DurationMs,
		})
		if !decision.ShouldFallback || decision.Exhausted {
			return nil, &gatewayerr.UpstreamError{Reason: decision.Reason, StatusCode: lastAttempt.StatusCode}
		}

		sel, err := h.Keyring.SelectForBot(ctx, decision.NextModel.Vendor, bot.Tags)
		if err != nil {
			return nil, gatewayerr.NewNoCredentialAvailable(decision.NextModel.Vendor)
		}
		cand := candidate{
			credential: sel.Credential,
			apiKey:     sel.APIKey,
			model:      decision.NextModel.Model,
			apiType:    sel.Credential.ApiType,
			baseURL:    sel.Credential.BaseURL,
			reason:     "fallback_chain:" + bot.FallbackChainID,
		}

		if delay := retryBackoff.NextBackOff(); delay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		req := h.buildForwardRequest(bot, cand, body, r, upstreamPath, stream)
		at := h.Forwarder.Dial(ctx, req)
		if at.Succeeded() {
			return &at, nil
		}
		lastAttempt = at
	}
}

func (h *Handlers) buildForwardRequest(bot *models.Bot, cand candidate, body map[string]interface{}, r *http.Request, upstreamPath string, stream bool) forwarder.Request {
	route := &routing.Route{
		Credential:    cand.credential,
		APIKey:        cand.apiKey,
		Model:         cand.model,
		ApiType:       cand.apiType,
		BaseURL:       cand.baseURL,
		MatchedReason: cand.reason,
	}
	body["model"] = cand.model
	return forwarder.Request{
		Route:       route,
		BotID:       bot.ID,
		Method:      http.MethodPost,
		UpstreamURL: buildUpstreamURL(cand, upstreamPath, stream),
		Body:        body,
		InHeader:    r.Header,
		Vendor:      cand.credential.Vendor,
	}
}

// buildUpstreamURL maps an apiType to its wire endpoint per §4.7/§4.9. The
// inbound sub-path, if any, is forwarded verbatim for compat-mode requests
// that target a non-chat-completions endpoint (embeddings, etc.).
func buildUpstreamURL(cand candidate, upstreamPath string, stream bool) string {
	baseURL := cand.baseURL
	if baseURL == "" {
		// Belt-and-suspenders: credentials persisted before a vendor default
		// existed, or created via a path that skipped the admin handler's
		// defaulting, still dial somewhere sane instead of a bare path.
		baseURL = models.DefaultBaseURLForVendor(cand.credential.Vendor)
	}
	base := strings.TrimSuffix(baseURL, "/")
	if upstreamPath != "" {
		return base + upstreamPath
	}
	switch cand.apiType {
	case models.ApiTypeAnthropic:
		return base + "/v1/messages"
	case models.ApiTypeGemini:
		action := "generateContent"
		if stream {
			action = "streamGenerateContent"
		}
		return fmt.Sprintf("%s/v1beta/models/%s:%s", base, cand.model, action)
	case models.ApiTypeAzureOpenAI:
		return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=2024-06-01", base, cand.model)
	case models.ApiTypeOllama:
		return base + "/api/chat"
	case models.ApiTypeOpenAIResponse:
		return base + "/v1/responses"
	default:
		return base + "/v1/chat/completions"
	}
}
