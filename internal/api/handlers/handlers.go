// Package handlers implements the HTTP handlers for the bot gateway: the
// proxy surface that fronts every upstream call, and the admin surface for
// managing tenants, bots, credentials, and routing config.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/agentoven/botgateway/internal/classifier"
	"github.com/agentoven/botgateway/internal/config"
	"github.com/agentoven/botgateway/internal/crypto"
	"github.com/agentoven/botgateway/internal/fallback"
	"github.com/agentoven/botgateway/internal/forwarder"
	"github.com/agentoven/botgateway/internal/keyring"
	"github.com/agentoven/botgateway/internal/quota"
	"github.com/agentoven/botgateway/internal/routing"
	"github.com/agentoven/botgateway/internal/routingconfig"
	"github.com/agentoven/botgateway/internal/store"
	"github.com/agentoven/botgateway/internal/tokens"
)

// Handlers holds every dependency the proxy and admin handlers consult.
type Handlers struct {
	Store      store.Store
	Tokens     *tokens.Service
	Routing    *routing.Engine
	Forwarder  *forwarder.Forwarder
	Fallback   *fallback.Engine
	Keyring    *keyring.Keyring
	Quota      *quota.Tracker
	Config     *routingconfig.Loader
	Gateway    *config.Config
	Secrets    *crypto.Secrets
	Classifier *classifier.Client
}

// New builds a Handlers bundle.
func New(
	s store.Store,
	tok *tokens.Service,
	rt *routing.Engine,
	fwd *forwarder.Forwarder,
	fb *fallback.Engine,
	kr *keyring.Keyring,
	q *quota.Tracker,
	cfg *routingconfig.Loader,
	gw *config.Config,
	secrets *crypto.Secrets,
	cl *classifier.Client,
) *Handlers {
	return &Handlers{
		Store:      s,
		Tokens:     tok,
		Routing:    rt,
		Forwarder:  fwd,
		Fallback:   fb,
		Keyring:    kr,
		Quota:      q,
		Config:     cfg,
		Gateway:    gw,
		Secrets:    secrets,
		Classifier: cl,
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
