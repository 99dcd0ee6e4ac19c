package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/gateway-server-go/internal/config"
	"github.com/openclaw/gateway-server-go/internal/connection"
	"github.com/openclaw/gateway-server-go/internal/credentials"
	"github.com/openclaw/gateway-server-go/internal/database"
	"github.com/openclaw/gateway-server-go/internal/handler"
	"github.com/openclaw/gateway-server-go/internal/jobs"
	"github.com/openclaw/gateway-server-go/internal/middleware"
	"github.com/openclaw/gateway-server-go/internal/protocol"
	"github.com/openclaw/gateway-server-go/internal/protocol/devsock"
	"github.com/openclaw/gateway-server-go/internal/redis"
	"github.com/openclaw/gateway-server-go/internal/repository"
	"github.com/openclaw/gateway-server-go/internal/sse"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := os.Getenv("FLY_APP_NAME") != ""
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	cancel()
	log.Info().Msg("database connected")

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	sessionRepo := repository.NewSessionRepository(db.DB)
	credentialRepo := repository.NewCredentialRepository(db.DB)

	broker := sse.NewBroker(redisClient)
	defer broker.Close()

	resolver := credentials.NewResolver(
		credentials.NewDBStore(credentialRepo, cfg.EncryptionKey),
		credentials.NewFileStore(cfg.AuthDir),
	)

	dialer := buildDialer(cfg)

	manager := connection.NewManager(resolver, dialer, sessionRepo, broker)
	manager.SetRetryPolicy(connection.NewReconnector(manager, sessionRepo))

	// No live connection survives a restart; repair persisted status
	// before the reconciler starts re-creating connections.
	repairCtx, repairCancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if count, err := sessionRepo.MarkAllDisconnected(repairCtx); err != nil {
		log.Error().Err(err).Msg("failed to repair session statuses at startup")
	} else if count > 0 {
		log.Info().Int64("count", count).Msg("repaired session statuses at startup")
	}
	repairCancel()

	reconciler := connection.NewReconciler(manager, sessionRepo)
	reconciler.Start()
	defer reconciler.Stop()

	maintenanceJob := jobs.NewMaintenanceJob(sessionRepo, config.MaintenanceJobInterval)
	maintenanceJob.Start()
	defer maintenanceJob.Stop()

	authMiddleware := middleware.NewAuthMiddleware(cfg.APIToken)
	rateLimitMiddleware := middleware.NewRedisRateLimitMiddleware(redisClient.Client)

	connectionHandler := handler.NewConnectionHandler(manager)
	statsHandler := handler.NewStatsHandler(manager)
	sessionHandler := handler.NewSessionHandler(sessionRepo, credentialRepo, manager, db)
	eventsHandler := handler.NewEventsHandler(broker)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UnixMilli(),
		})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(authMiddleware.Handler)
		r.Use(rateLimitMiddleware.Handler)

		r.Mount("/connections", connectionHandler.Routes())
		r.Mount("/sessions", sessionHandler.Routes())
		r.Get("/stats", statsHandler.GetStats)
		r.Get("/events", eventsHandler.ServeHTTP)
	})

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
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

	manager.Cleanup(shutdownCtx)

	log.Info().Msg("server stopped")
}

func buildDialer(cfg *config.Config) protocol.Dialer {
	switch cfg.Transport {
	case "dev":
		log.Warn().Msg("using dev transport: sockets are simulated")
		return devsock.NewDialer()
	default:
		// The external backend client registers itself at build time in
		// production deployments; nothing else ships in this repo.
		log.Fatal().Str("transport", cfg.Transport).Msg("no dialer available for transport")
		return nil
	}
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
