package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"pushlink/internal/app"
	"pushlink/internal/config"
	"pushlink/internal/logging"
	"pushlink/internal/security"
	"pushlink/internal/store"
)

const defaultPort = 8090

func main() {
	printToken := flag.Bool("token", false, "print an API token for API_SECRET and exit")
	flag.Parse()

	cfg, err := config.Load(defaultPort)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Env, cfg.LogLevel)

	if err := cfg.ValidatePeer(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	if *printToken {
		token, err := security.NewTokenService(cfg.APISecret, cfg.APITokenTTL).Create("local")
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create token")
		}
		fmt.Println(token)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kv, err := store.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}

	peer, err := app.NewPeer(ctx, cfg, kv, &http.Client{Timeout: 15 * time.Second}, logger)
	if err != nil {
		kv.Close()
		logger.Fatal().Err(err).Msg("failed to start peer")
	}
	defer peer.Close()

	srv := &http.Server{
		Addr:         cfg.HTTPAddr(),
		Handler:      peer.Handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().
			Str("addr", cfg.HTTPAddr()).
			Str("public_url", cfg.PublicURL).
			Str("store", cfg.StoreDriver).
			Msg("starting peer")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return peer.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down peer...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("peer stopped with error")
		return
	}
	logger.Info().Msg("peer stopped")
}
