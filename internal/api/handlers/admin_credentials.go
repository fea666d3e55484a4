package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/agentoven/botgateway/internal/api/middleware"
	"github.com/agentoven/botgateway/internal/store"
	"github.com/agentoven/botgateway/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// credentialIn is the wire shape for credential CRUD: the plaintext secret
// travels in, never back out.
type credentialIn struct {
	Vendor         string            `json:"vendor"`
	ApiType        models.ApiType    `json:"apiType"`
	BaseURL        string            `json:"baseUrl"`
	Secret         string            `json:"secret"`
	Tags           []string          `json:"tags"`
	Metadata       map[string]string `json:"metadata"`
	VendorPriority int               `json:"vendorPriority"`
}

func maskCredential(c models.ProviderCredential) models.ProviderCredential {
	c.SecretCiphertext = ""
	return c
}

func (h *Handlers) ListCredentials(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenantID(r.Context())
	creds, err := h.Store.ListCredentials(r.Context(), tenant)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]models.ProviderCredential, len(creds))
	for i, c := range creds {
		out[i] = maskCredential(c)
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *Handlers) CreateCredential(w http.ResponseWriter, r *http.Request) {
	var in credentialIn
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ciphertext, err := h.Secrets.Encrypt(in.Secret)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	baseURL := in.BaseURL
	if baseURL == "" {
		baseURL = models.DefaultBaseURLForVendor(in.Vendor)
	}
	cred := models.ProviderCredential{
		ID:               uuid.New().String(),
		TenantID:         middleware.GetTenantID(r.Context()),
		Vendor:           in.Vendor,
		ApiType:          in.ApiType,
		BaseURL:          baseURL,
		SecretCiphertext: ciphertext,
		Tags:             in.Tags,
		Metadata:         in.Metadata,
		VendorPriority:   in.VendorPriority,
		CreatedAt:        time.Now().UTC(),
	}
	if err := h.Store.CreateCredential(r.Context(), &cred); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, maskCredential(cred))
}

func (h *Handlers) GetCredential(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "credentialId")
	cred, err := h.Store.GetCredential(r.Context(), id)
	if err != nil {
		if _, ok := err.(*store.ErrNotFound); ok {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, maskCredential(*cred))
}

func (h *Handlers) UpdateCredential(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "credentialId")
	existing, err := h.Store.GetCredential(r.Context(), id)
	if err != nil {
		if _, ok := err.(*store.ErrNotFound); ok {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var in credentialIn
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	existing.Vendor = in.Vendor
	existing.ApiType = in.ApiType
	existing.BaseURL = in.BaseURL
	if existing.BaseURL == "" {
		existing.BaseURL = models.DefaultBaseURLForVendor(in.Vendor)
	}
	existing.Tags = in.Tags
	existing.Metadata = in.Metadata
	existing.VendorPriority = in.VendorPriority
	if in.Secret != "" {
		ciphertext, err := h.Secrets.Encrypt(in.Secret)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		existing.SecretCiphertext = ciphertext
	}

	if err := h.Store.UpdateCredential(r.Context(), existing); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, maskCredential(*existing))
}

func (h *Handlers) DeleteCredential(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "credentialId")
	if err := h.Store.DeleteCredential(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
