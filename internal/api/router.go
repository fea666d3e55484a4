package api

import (
	"encoding/json"
	"net/http"

	"github.com/agentoven/botgateway/internal/api/handlers"
	"github.com/agentoven/botgateway/internal/api/middleware"
	"github.com/agentoven/botgateway/internal/config"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter builds the chi router for the gateway: the proxy data plane
// (§4.10, §6) plus the admin surface it depends on (§6 abridged interfaces).
func NewRouter(cfg *config.Config, h *handlers.Handlers, adminAuth *middleware.AdminAuth) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.TenantExtractor)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler)
	r.Get("/healthz", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// Proxy data plane — §6 HTTP surface. Bot-token auth is enforced inside
	// the handler itself (§4.10), not by middleware, since the lookup needs
	// the hashed token and the vendor segment together.
	r.Route("/v1", func(r chi.Router) {
		r.Handle("/anthropic/*", http.HandlerFunc(h.ProxyAnthropic))
		r.Handle("/{vendor}/*", http.HandlerFunc(h.ProxyVendor))
	})

	// Admin surface (§6 abridged interfaces), gated behind AdminAuth when
	// GATEWAY_ADMIN_KEYS is configured.
	r.Route("/admin", func(r chi.Router) {
		if adminAuth != nil && adminAuth.Enabled() {
			r.Use(adminAuth.Middleware)
		}

		r.Route("/tenants", func(r chi.Router) {
			r.Get("/", h.ListTenants)
			r.Post("/", h.CreateTenant)
			r.Get("/{tenantId}", h.GetTenant)
		})

		r.Route("/bots", func(r chi.Router) {
			r.Get("/", h.ListBots)
			r.Post("/", h.CreateBot)
			r.Route("/{botId}", func(r chi.Router) {
				r.Get("/", h.GetBot)
				r.Delete("/", h.DeleteBot)
				r.Post("/token", h.IssueBotToken)
				r.Delete("/token", h.RevokeBotToken)
			})
		})

		r.Route("/credentials", func(r chi.Router) {
			r.Get("/", h.ListCredentials)
			r.Post("/", h.CreateCredential)
			r.Route("/{credentialId}", func(r chi.Router) {
				r.Get("/", h.GetCredential)
				r.Put("/", h.UpdateCredential)
				r.Delete("/", h.DeleteCredential)
			})
		})

		// Routing admin (§6 "Routing admin: list/update capability tags,
		// fallback chains, cost strategies, complexity configs, model
		// pricing; classify a text sample; calculate cost; read bot usage;
		// select optimal model"). Lists read C4's hot-reloaded snapshot;
		// updates happen in the persistent store and take effect on the
		// next reload tick or an explicit POST /refresh.
		r.Route("/routing", func(r chi.Router) {
			r.Get("/status", h.LoadStatus)
			r.Post("/refresh", h.RefreshRoutingConfig)
			r.Get("/capability-tags", h.ListCapabilityTags)
			r.Get("/fallback-chains", h.ListFallbackChains)
			r.Get("/cost-strategies", h.ListCostStrategies)
			r.Get("/model-pricing", h.ListModelPricing)
			r.Get("/complexity-config", h.GetComplexityConfig)
			r.Post("/classify", h.Classify)
		})

		r.Route("/cost", func(r chi.Router) {
			r.Post("/calculate", h.CalculateCost)
			r.Post("/select-optimal-model", h.SelectOptimalModel)
		})

		r.Route("/usage/{botId}", func(r chi.Router) {
			r.Get("/", h.ListBotUsage)
			r.Get("/budget", h.GetBudget)
		})
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"version": cfg.Version})
	}
}
