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

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/mail-ingest/internal/api"
	"github.com/Martian-dev/mail-ingest/internal/app"
	"github.com/Martian-dev/mail-ingest/internal/auth"
	"github.com/Martian-dev/mail-ingest/internal/config"
	"github.com/Martian-dev/mail-ingest/internal/logger"
	natsjs "github.com/Martian-dev/mail-ingest/internal/nats"
	mailsync "github.com/Martian-dev/mail-ingest/internal/sync"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger.Init(cfg.LogLevel, cfg.Environment)
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	var opts []api.Option

	if cfg.Azure.Configured() {
		dir, err := a.Directory()
		if err != nil {
			return fmt.Errorf("create directory client: %w", err)
		}
		opts = append(opts, api.WithMailboxResolver(dir))
	}

	if cfg.JWKSURL != "" {
		verifier, err := auth.NewJWTVerifier(ctx, cfg.JWKSURL)
		if err != nil {
			return fmt.Errorf("load JWKS: %w", err)
		}
		opts = append(opts, api.WithAuth(verifier.Middleware()))
		log.Info().Str("jwks", cfg.JWKSURL).Msg("bearer authentication enabled")
	}

	if cfg.NATSURL != "" {
		publisher, err := natsjs.NewPublisher(cfg.NATSURL)
		if err != nil {
			return err
		}
		defer publisher.Close()

		if err := publisher.EnsureStream(ctx); err != nil {
			return fmt.Errorf("failed to ensure NATS stream: %w", err)
		}
		a.Go(ctx, mailsync.NewDispatcher(a.Store, publisher).Run)
		log.Info().Str("stream", natsjs.StreamName).Msg("outbox dispatcher started")
	}

	if cfg.FetchInterval > 0 {
		a.Go(ctx, func(ctx context.Context) {
			a.Fleet.RunPeriodic(ctx, cfg.FetchInterval, mailsync.FetchOptions{})
		})
	}
	// Runs before the publisher and the store close.
	defer a.Stop()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.New(a.Store, a.Fleet, opts...).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
