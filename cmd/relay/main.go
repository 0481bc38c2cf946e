package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pushlink/internal/config"
	"pushlink/internal/httpserver"
	"pushlink/internal/logging"
	"pushlink/internal/store/redis"
)

const defaultPort = 8080

func main() {
	cfg, err := config.Load(defaultPort)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Env, cfg.LogLevel)

	opts := httpserver.RelayOptions{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedTargets: cfg.RelayTargets,
		RateLimit:      cfg.RelayRateLimit,
	}
	if cfg.RedisURL != "" {
		client, err := redis.Open(context.Background(), cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer client.Close()
		opts.Counter = httpserver.NewRedisCounter(client, redis.DefaultPrefix)
		opts.Health = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		logger.Info().Msg("rate limiting through redis")
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr(),
		Handler:      httpserver.NewRelayRouter(opts, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("addr", cfg.HTTPAddr()).
			Strs("targets", cfg.RelayTargets).
			Msg("starting relay")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("relay failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down relay...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	logger.Info().Msg("relay stopped")
}
