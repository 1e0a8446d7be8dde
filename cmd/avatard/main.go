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
	"github.com/rs/zerolog"

	"github.com/marie909/avatard/internal/avatar"
	"github.com/marie909/avatard/internal/config"
	"github.com/marie909/avatard/internal/heygen"
	"github.com/marie909/avatard/internal/httpapi"
	"github.com/marie909/avatard/internal/observability"
	"github.com/marie909/avatard/internal/token"
)

func main() {
	// Demo parity with .env-based credential storage; a missing file is fine.
	_ = godotenv.Load()

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config error")
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	issuer := token.NewIssuer(token.Options{
		APIKey:  cfg.APIKey,
		BaseURL: cfg.APIBaseURL,
		Timeout: cfg.TokenTimeout,
		Logger:  logger.With().Str("component", "token").Logger(),
	})

	var (
		tokens    avatar.TokenSource
		newClient avatar.ClientFactory
	)
	switch cfg.ResolveProvider() {
	case config.ProviderHeyGen:
		tokens = issuer
		newClient = heygen.Factory(heygen.Config{
			BaseURL: cfg.APIBaseURL,
			Logger:  logger.With().Str("component", "heygen").Logger(),
		})
		logger.Info().Msg("avatar provider: heygen streaming")
	default:
		tokens = avatar.StaticTokenSource("mock-token")
		newClient = func(string) avatar.Client {
			c := avatar.NewMockClient()
			c.Demo = true
			return c
		}
		logger.Warn().Msg("avatar provider: mock (no HEYGEN_API_KEY configured)")
	}

	srv := httpapi.New(cfg, issuer, tokens, newClient, metrics, logger.With().Str("component", "httpapi").Logger())

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.BindAddr).Msg("listening")
		errCh <- httpServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server error")
		}
	case sig := <-stop:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("shutdown error")
		}
	}
}
