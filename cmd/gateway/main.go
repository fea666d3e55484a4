// Command gateway is the bot gateway process entry point: it wires the
// credential keyring, token service, routing engine, fallback engine,
// streaming forwarder, and quota tracker into an HTTP server and serves the
// proxy data plane plus the admin surface it depends on.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentoven/botgateway/internal/api"
	"github.com/agentoven/botgateway/internal/api/handlers"
	"github.com/agentoven/botgateway/internal/api/middleware"
	"github.com/agentoven/botgateway/internal/breaker"
	"github.com/agentoven/botgateway/internal/classifier"
	"github.com/agentoven/botgateway/internal/config"
	"github.com/agentoven/botgateway/internal/crypto"
	"github.com/agentoven/botgateway/internal/fallback"
	"github.com/agentoven/botgateway/internal/forwarder"
	"github.com/agentoven/botgateway/internal/keyring"
	"github.com/agentoven/botgateway/internal/quota"
	"github.com/agentoven/botgateway/internal/resolver"
	"github.com/agentoven/botgateway/internal/routing"
	"github.com/agentoven/botgateway/internal/routingconfig"
	"github.com/agentoven/botgateway/internal/store"
	"github.com/agentoven/botgateway/internal/telemetry"
	"github.com/agentoven/botgateway/internal/tokens"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	log.Info().Msg("bot gateway starting...")

	cfg := config.Load()
	if cfg.Gateway.MasterKeyBase64 == "" {
		log.Fatal().Msg("BOT_MASTER_KEY is unset; C1 requires a master key at startup")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}

	dataStore, err := newStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize store")
	}
	defer dataStore.Close()

	secrets, err := crypto.NewSecrets(cfg.Gateway.MasterKeyBase64)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize encryption primitives")
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Msg("redis unreachable, continuing without cross-instance config cache")
			redisClient = nil
		}
	}

	kr := keyring.New(dataStore, secrets)
	tok := tokens.New(ctx, dataStore, secrets, cfg.Gateway.ProxyTokenTTL)
	cfgLoader := routingconfig.New(ctx, dataStore, redisClient, cfg.Gateway.ConfigReloadInterval)
	res := resolver.New(dataStore, dataStore)
	br := breaker.New()
	cl := classifier.New(10 * time.Second)
	quotaTracker := quota.New(ctx, dataStore, cfgLoader)

	rt := routing.New(dataStore, dataStore, kr, res, cfgLoader, br, cl)

	onUsage := func(ctx context.Context, botID string, reqTokens, respTokens int, model string) {
		cost := quotaTracker.CalculateCost(model, quota.Usage{InputTokens: reqTokens, OutputTokens: respTokens})
		if cost <= 0 {
			return
		}
		if err := quotaTracker.TrackUsage(ctx, botID, cost); err != nil {
			log.Warn().Err(err).Str("bot_id", botID).Msg("failed to track usage cost")
		}
	}
	fwd := forwarder.New(ctx, br, res, dataStore, onUsage)

	fb := fallback.New(cfgLoader.FallbackChain)

	h := handlers.New(dataStore, tok, rt, fwd, fb, kr, quotaTracker, cfgLoader, cfg, secrets, cl)

	adminAuth := middleware.NewAdminAuth()
	router := api.NewRouter(cfg, h, adminAuth)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 125 * time.Second, // above C9's 120s upstream ceiling
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Info().Msg("shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("error during HTTP shutdown")
		}
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(shutdownCtx)
		}
	}()

	log.Info().Int("port", cfg.Port).Bool("zero_trust", cfg.Gateway.ZeroTrustMode).Msg("bot gateway ready")

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server failed")
	}
}

func newStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Database.URL == "" {
		log.Info().Msg("DATABASE_URL unset, using in-memory store")
		return store.NewMemoryStore(), nil
	}
	return store.NewPostgresStore(ctx, cfg.Database.URL)
}
