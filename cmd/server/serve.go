package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/VoiceGateway/internal/adapters/http"
	"github.com/dkeye/VoiceGateway/internal/adapters/signal"
	"github.com/dkeye/VoiceGateway/internal/adapters/upstream"
	"github.com/dkeye/VoiceGateway/internal/app"
	"github.com/dkeye/VoiceGateway/internal/app/orch"
	eventrouter "github.com/dkeye/VoiceGateway/internal/app/router"
	"github.com/dkeye/VoiceGateway/internal/app/supervisor"
	"github.com/dkeye/VoiceGateway/internal/auth"
	"github.com/dkeye/VoiceGateway/internal/config"
	"github.com/dkeye/VoiceGateway/internal/domain"
)

const (
	shutdownTimeout = 5 * time.Second
	limiterIdle     = 10 * time.Minute
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func newIssuer(cfg *config.Config, audit *zerolog.Logger) (*auth.Issuer, error) {
	return auth.NewIssuer(auth.Options{
		APIKey:      cfg.LiveKit.APIKey,
		APISecret:   cfg.LiveKit.APISecret,
		TTL:         cfg.Token.TTL,
		DefaultRoom: cfg.Token.DefaultRoom,
		Defaults:    sessionDefaults(cfg),
		Audit:       audit,
	})
}

func sessionDefaults(cfg *config.Config) domain.SessionConfig {
	return domain.SessionConfig{domain.ConfigKeyModel: cfg.Token.DefaultModel}
}

func runServe(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	auditLog, auditCloser := auth.NewAuditLogger(os.Stdout, &log.Logger)
	defer auditCloser.Close()
	iss, err := newIssuer(cfg, &auditLog)
	if err != nil {
		return fmt.Errorf("token issuer: %w", err)
	}

	reg := app.NewRegistry(
		app.WithIdleTimeout(cfg.Session.IdleTimeout),
		app.WithDefaults(sessionDefaults(cfg)),
	)
	routers := eventrouter.NewManager(eventrouter.Config{
		BufferSize:  cfg.Router.BufferSize,
		SinkTimeout: cfg.Router.SinkTimeout,
		Policy:      app.SimplePolicy{},
	})
	opts := orch.Options{
		Reconnect: supervisor.Config{
			BaseDelay:   cfg.Reconnect.BaseDelay,
			Multiplier:  cfg.Reconnect.Multiplier,
			Jitter:      cfg.Reconnect.Jitter,
			MaxDelay:    cfg.Reconnect.MaxDelay,
			MaxAttempts: cfg.Reconnect.MaxAttempts,
			OutboxSize:  cfg.Reconnect.OutboxSize,
		},
		Welcome: cfg.Session.WelcomeMessage,
	}
	if cfg.Upstream.URL != "" {
		opts.Dialer = upstream.NewWSDialer(cfg.Upstream.URL, cfg.ReadLimit)
	}
	o := orch.New(reg, routers, opts)
	limiter := signal.NewRateLimiter(cfg.Rate.TokenRPS, cfg.Rate.TokenBurst)

	sweeper := cron.New()
	_, err = sweeper.AddFunc(fmt.Sprintf("@every %s", cfg.Session.SweepInterval), func() {
		if expired := o.Sweep(time.Now()); len(expired) > 0 {
			log.Info().Str("module", "main").Int("expired", len(expired)).Msg("idle sessions closed")
		}
		limiter.Sweep(limiterIdle)
	})
	if err != nil {
		return fmt.Errorf("schedule sweeper: %w", err)
	}
	sweeper.Start()
	defer func() { <-sweeper.Stop().Done() }()

	g, gctx := errgroup.WithContext(ctx)

	r := router.SetupRouter(gctx, cfg, o, iss, limiter)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	g.Go(func() error {
		log.Info().Str("addr", addr).Bool("push_mode", opts.Dialer == nil).Msg("VoiceGateway server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		return o.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("Server exited gracefully")
	return nil
}
