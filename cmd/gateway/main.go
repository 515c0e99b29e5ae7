package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/contigo/voice-gateway/internal/broker"
	"github.com/contigo/voice-gateway/internal/config"
	"github.com/contigo/voice-gateway/internal/httpapi"
	"github.com/contigo/voice-gateway/internal/metadata"
	"github.com/contigo/voice-gateway/internal/observability"
	"github.com/contigo/voice-gateway/internal/session"
	"github.com/contigo/voice-gateway/internal/store"
	"github.com/contigo/voice-gateway/internal/token"
	"github.com/contigo/voice-gateway/internal/translate"
)

func main() {
	_ = godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	setLogLevel(cfg.LogLevel)

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	gatewayStore, err := store.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init store")
	}
	defer gatewayStore.Close()
	if cfg.DatabaseURL == "" {
		log.Warn().Msg("DATABASE_URL not set, using in-memory store")
	} else {
		log.Info().Msg("database connected")
	}

	var cache translate.Cache
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Msg("redis unavailable, translation cache disabled")
		} else {
			cache = translate.NewRedisCache(client, log.Logger)
			log.Info().Msg("redis connected")
		}
		defer client.Close()
	}

	issuer := token.NewIssuer(token.Config{
		Secret:           []byte(cfg.VoiceEngineSecret),
		TTL:              cfg.TokenTTL,
		MaxDailySessions: cfg.MaxDailySessions,
		QuotaFailOpen:    cfg.QuotaFailOpen,
	}, gatewayStore, gatewayStore, log.Logger)

	resolver := metadata.NewResolver(gatewayStore, log.Logger)
	connections := broker.New(issuer, resolver, cfg.VoiceEnginePublicURL)
	translator := translate.NewService(cfg.VoiceEnginePublicURL, cache, log.Logger)

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(s *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))

		endCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := gatewayStore.EndConversation(endCtx, s.ID, nil, nil, nil); err != nil {
			log.Warn().Err(err).Str("session_id", s.ID).Msg("failed to close expired conversation")
		}
	})

	api := httpapi.New(cfg, connections, issuer, translator, sessions, gatewayStore, metrics, log.Logger)
	httpServer := &http.Server{
		Addr:    cfg.Addr(),
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, 30*time.Second)

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}

	log.Info().Msg("shutdown complete")
}

func setLogLevel(level string) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		log.Warn().Str("level", level).Msg("unknown log level, using info")
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}
