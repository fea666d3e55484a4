package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/agentoven/botgateway/internal/quota"
	"github.com/agentoven/botgateway/internal/store"
	"github.com/go-chi/chi/v5"
)

// ListCapabilityTags exposes C4's hot-reloaded capability tag snapshot (§6
// "Routing admin: list ... capability tags").
func (h *Handlers) ListCapabilityTags(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Config.CapabilityTags())
}

// ListFallbackChains exposes the current fallback chain snapshot.
func (h *Handlers) ListFallbackChains(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Config.FallbackChains())
}

// ListCostStrategies exposes the current cost strategy snapshot.
func (h *Handlers) ListCostStrategies(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Config.CostStrategies())
}

// ListModelPricing exposes the current model pricing snapshot.
func (h *Handlers) ListModelPricing(w http.ResponseWriter, r *http.Request) {
	pricing, err := h.Store.ListModelPricing(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, pricing)
}

// GetComplexityConfig exposes the current complexity routing config.
func (h *Handlers) GetComplexityConfig(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Config.ComplexityConfig())
}

// LoadStatus exposes C4's published LoadStatus record (§4.4: "Publishes a
// LoadStatus record ... {loaded, count, lastUpdate} per category").
func (h *Handlers) LoadStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Config.Status())
}

// RefreshRoutingConfig triggers C4's manual out-of-band reload.
func (h *Handlers) RefreshRoutingConfig(w http.ResponseWriter, r *http.Request) {
	h.Config.Refresh(r.Context())
	respondJSON(w, http.StatusOK, h.Config.Status())
}

// classifyIn is the wire shape for a manual classification request (§6
// "classify a text sample").
type classifyIn struct {
	Message       string `json:"message"`
	Context       string `json:"context,omitempty"`
	HasTools      bool   `json:"hasTools,omitempty"`
	ClassifierURL string `json:"classifierUrl,omitempty"`
}

func (h *Handlers) Classify(w http.ResponseWriter, r *http.Request) {
	var in classifyIn
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	baseURL := in.ClassifierURL
	if baseURL == "" {
		baseURL = h.Config.ComplexityConfig().Classifier.BaseURL
	}
	if baseURL == "" {
		respondError(w, http.StatusBadRequest, "no classifier base URL configured")
		return
	}
	resp, err := h.Classifier.Classify(r.Context(), baseURL, in.Message, in.Context, in.HasTools)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// calculateCostIn is the wire shape for §6's "calculate cost" admin op.
type calculateCostIn struct {
	Model string      `json:"model"`
	Usage quota.Usage `json:"usage"`
}

func (h *Handlers) CalculateCost(w http.ResponseWriter, r *http.Request) {
	var in calculateCostIn
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cost := h.Quota.CalculateCost(in.Model, in.Usage)
	respondJSON(w, http.StatusOK, map[string]float64{"costUsd": cost})
}

// selectOptimalModelIn is the wire shape for §6's "select optimal model"
// admin op.
type selectOptimalModelIn struct {
	StrategyID string   `json:"strategyId"`
	Candidates []string `json:"candidates"`
	Scenario   string   `json:"scenario,omitempty"`
}

func (h *Handlers) SelectOptimalModel(w http.ResponseWriter, r *http.Request) {
	var in selectOptimalModelIn
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	model := h.Quota.SelectOptimalModel(in.StrategyID, in.Candidates, in.Scenario)
	respondJSON(w, http.StatusOK, map[string]string{"model": model})
}

// GetBudget implements §6's "read bot usage" against C11's checkBudget, for
// an operator-facing view of a bot's current spend.
func (h *Handlers) GetBudget(w http.ResponseWriter, r *http.Request) {
	botID := chi.URLParam(r, "botId")
	dailyLimit := floatQuery(r, "dailyLimit")
	monthlyLimit := floatQuery(r, "monthlyLimit")
	alertThreshold := floatQuery(r, "alertThreshold")

	status, err := h.Quota.CheckBudget(r.Context(), botID, dailyLimit, monthlyLimit, alertThreshold)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// ListBotUsage reads the persisted BotUsageLog rows for a bot (§6 "read bot
// usage").
func (h *Handlers) ListBotUsage(w http.ResponseWriter, r *http.Request) {
	botID := chi.URLParam(r, "botId")
	logs, err := h.Store.ListUsageLogs(r.Context(), botID, store.ListFilter{Limit: intQuery(r, "limit", 100)})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, logs)
}

func floatQuery(r *http.Request, key string) float64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return f
}

func intQuery(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}
