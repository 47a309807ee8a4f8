package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fedchat/chat-server-go/internal/config"
	"github.com/fedchat/chat-server-go/internal/database"
	"github.com/fedchat/chat-server-go/internal/fanout"
	"github.com/fedchat/chat-server-go/internal/federation"
	"github.com/fedchat/chat-server-go/internal/handler"
	"github.com/fedchat/chat-server-go/internal/jobs"
	"github.com/fedchat/chat-server-go/internal/middleware"
	"github.com/fedchat/chat-server-go/internal/redis"
	"github.com/fedchat/chat-server-go/internal/repository"
	"github.com/fedchat/chat-server-go/internal/repository/memstore"
	"github.com/fedchat/chat-server-go/internal/service"
	"github.com/fedchat/chat-server-go/internal/session"
	"github.com/fedchat/chat-server-go/internal/signing"
	"github.com/fedchat/chat-server-go/internal/util"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	isProduction := os.Getenv("APP_ENV") == "production"
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	setLogLevel(cfg.LogLevel)

	checks := map[string]handler.Pinger{}

	var store *repository.Store
	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		db, err := database.Connect(cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
		if err := db.Ping(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to ping database")
		}
		if err := repository.Migrate(ctx, db.DB); err != nil {
			log.Fatal().Err(err).Msg("failed to apply schema")
		}
		cancel()
		log.Info().Msg("database connected")

		store = repository.NewPostgresStore(db.DB)
		checks["database"] = db
	default:
		log.Warn().Msg("using in-memory store: state is lost on restart")
		store = memstore.New()
	}

	transport := fanout.Transport(fanout.NewLocalTransport())
	federationLimiter := middleware.Limiter(middleware.NewRateLimiter())
	if cfg.UsesRedis() {
		ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
		redisClient, err := redis.NewClient(ctx, cfg.RedisURL)
		cancel()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
		log.Info().Msg("redis connected")

		transport = fanout.NewRedisTransport(redisClient)
		federationLimiter = middleware.NewRedisRateLimiter(redisClient)
		checks["redis"] = handler.PingFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}

	signerOpts := []signing.Option{
		signing.WithRotation(cfg.KeyRotationInterval, cfg.KeyGraceWindow),
		signing.WithKeyBits(config.ServerKeyBits),
	}
	if key := cfg.SealingKey(); key != nil {
		sealer, err := util.NewKeySealer(key)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create key sealer")
		}
		signerOpts = append(signerOpts, signing.WithSealer(sealer))
	}
	signer := signing.NewSigner(cfg.Domain, store.ServerKeys, signerOpts...)
	keyCtx, keyCancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if _, err := signer.GetOrCreateKeyPair(keyCtx, cfg.Domain); err != nil {
		log.Fatal().Err(err).Msg("failed to load server key")
	}
	keyCancel()

	verifier := signing.NewVerifier(signer, &http.Client{Timeout: cfg.FederationTimeout},
		signing.WithScheme(cfg.FederationScheme),
		signing.WithCacheTTL(cfg.KeyCacheTTL),
	)
	fedClient := federation.NewClient(signer, verifier, cfg.FederationTimeout,
		federation.WithScheme(cfg.FederationScheme),
		federation.WithRetryPolicy(federation.RetryPolicy{
			MaxAttempts: cfg.RelayMaxAttempts,
			Base:        cfg.RelayBackoffBase,
			Max:         cfg.RelayBackoffMax,
		}),
	)

	bus := fanout.NewBus(transport)
	defer bus.Close()

	registry := session.NewRegistry(cfg.Domain, store.Rooms, nil)
	coordinator := service.NewCoordinator(cfg.Domain, store, registry, bus, fedClient, fedClient.RelayBudget())
	defer coordinator.Close()
	friendService := service.NewFriendService(cfg.Domain, store, fedClient)
	profileService := service.NewProfileService(cfg.Domain, store, fedClient)

	federationServer := federation.NewServer(signer, verifier,
		service.NewInbound(friendService, profileService, coordinator))

	authMiddleware := middleware.NewAuthMiddleware(store.Users, cfg.JWTSecret)
	originMiddleware := middleware.NewOriginMiddleware(cfg.AllowedOrigins)
	federationRateLimit := middleware.NewRateLimitMiddleware(
		federationLimiter, "federation", config.DefaultFederationRateLimitPerMin,
	)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(isProduction)

	realtimeHandler := handler.NewRealtimeHandler(coordinator, originMiddleware.AllowOrigin)
	friendsHandler := handler.NewFriendsHandler(friendService)
	messagesHandler := handler.NewMessagesHandler(coordinator)
	profileHandler := handler.NewProfileHandler(profileService)
	healthHandler := handler.NewHealthHandler(checks)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(securityHeadersMiddleware.Handler)

	r.Method(http.MethodGet, "/health", healthHandler)
	r.Get("/well-known/server-key", federationServer.ServeKeyDocument)

	// Long-lived websocket connections stay outside the request timeout.
	r.With(originMiddleware.Handler, authMiddleware.Handler).
		Method(http.MethodGet, "/v1/realtime", realtimeHandler)

	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
		r.Use(bodyLimitMiddleware.Handler)

		r.Route("/server", func(r chi.Router) {
			r.Use(federationRateLimit.Handler)
			r.Mount("/", federationServer.Routes())
		})

		r.Route("/v1", func(r chi.Router) {
			r.Use(originMiddleware.Handler)
			r.Use(authMiddleware.Handler)

			r.Mount("/friends", friendsHandler.Routes())
			r.Get("/rooms/{roomId}/messages", messagesHandler.History)
			r.Get("/messages/{messageId}/delivery", messagesHandler.Delivery)
			r.Put("/profile", profileHandler.Update)
			r.Get("/profiles/{domain}/{userId}", profileHandler.Lookup)
		})
	})

	maintenanceJob := jobs.NewMaintenanceJob(registry, signer, cfg.SessionIdleTimeout, cfg.SessionSweepInterval)
	maintenanceJob.Start()
	defer maintenanceJob.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Str("domain", cfg.Domain).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	// Shutdown does not track hijacked websocket connections.
	closed := registry.Sweep(0)
	coordinator.WaitRelays()

	log.Info().Int("sessions", closed).Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
