package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"

	"payflow/hub/internal/config"
	httpapi "payflow/hub/internal/http"
	"payflow/hub/internal/logging"
)

const shutdownGrace = 10 * time.Second

// adminNotifyWindow throttles the manual test-notification endpoint.
const (
	adminNotifyWindow = time.Minute
	adminNotifyLimit  = 30
)

func main() {
	if err := godotenv.Load(); err != nil {
		logging.L().Info("no .env file found, using process environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logging.L().Error("invalid configuration", logging.Error(err))
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		logging.L().Error("logger setup failed", logging.Error(err))
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	logging.ReplaceGlobals(logger)

	authenticator, err := buildAuthenticator(cfg, logger)
	if err != nil {
		logger.Error("auth setup failed", logging.Error(err))
		os.Exit(1)
	}

	hub := NewHub(cfg, logger, WithAuthenticator(authenticator))
	hub.Start()
	defer hub.Stop()

	router := chi.NewRouter()
	router.Get("/ws", hub.ServeWS)
	handlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:      logger,
		Stats:       hub.Registry(),
		Broadcaster: hub.Broadcaster(),
		AdminToken:  cfg.AdminToken,
		RateLimiter: httpapi.NewSlidingWindowLimiter(adminNotifyWindow, adminNotifyLimit, time.Now),
	})
	handlers.Register(router)

	server := &http.Server{
		Addr:              cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("payment notification hub listening", logging.String("addr", cfg.Address))
		errCh <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("shutdown signal received", logging.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server terminated", logging.Error(err))
			os.Exit(1)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", logging.Error(err))
	}
}

// buildAuthenticator selects the token gate, or the permissive fallback when
// no signing secret is configured.
func buildAuthenticator(cfg *config.Config, logger *logging.Logger) (websocketAuthenticator, error) {
	if cfg.AuthSecret == "" {
		logger.Warn("HUB_AUTH_SECRET is not set; accepting unauthenticated websocket connections")
		return allowAllAuthenticator{}, nil
	}
	return newTokenAuthenticator(cfg.AuthSecret, cfg.AuthIssuer, cfg.AuthAudience)
}
