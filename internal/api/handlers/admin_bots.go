package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/agentoven/botgateway/internal/api/middleware"
	"github.com/agentoven/botgateway/internal/store"
	"github.com/agentoven/botgateway/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

func (h *Handlers) ListBots(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenantID(r.Context())
	bots, err := h.Store.ListBots(r.Context(), tenant)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if bots == nil {
		bots = []models.Bot{}
	}
	respondJSON(w, http.StatusOK, bots)
}

func (h *Handlers) CreateBot(w http.ResponseWriter, r *http.Request) {
	var b models.Bot
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	b.ID = uuid.New().String()
	if b.TenantID == "" {
		b.TenantID = middleware.GetTenantID(r.Context())
	}
	if err := h.Store.CreateBot(r.Context(), &b); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, b)
}

func (h *Handlers) GetBot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "botId")
	bot, err := h.Store.GetBot(r.Context(), id)
	if err != nil {
		if _, ok := err.(*store.ErrNotFound); ok {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, bot)
}

func (h *Handlers) DeleteBot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "botId")
	if err := h.Tokens.DeleteForBot(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := h.Store.DeleteBot(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// IssueBotToken mints a new ProxyToken for a bot, rotating any prior token.
// The plaintext is returned exactly once.
func (h *Handlers) IssueBotToken(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "botId")
	bot, err := h.Store.GetBot(r.Context(), id)
	if err != nil {
		if _, ok := err.(*store.ErrNotFound); ok {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var req struct {
		Vendor       string `json:"vendor"`
		CredentialID string `json:"credentialId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	plaintext, expiresAt, err := h.Tokens.Register(r.Context(), bot.ID, req.Vendor, req.CredentialID, bot.Tags)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"token":     plaintext,
		"expiresAt": expiresAt,
	})
}

// RevokeBotToken revokes a bot's token without deleting the bot itself.
func (h *Handlers) RevokeBotToken(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "botId")
	if err := h.Tokens.Revoke(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
