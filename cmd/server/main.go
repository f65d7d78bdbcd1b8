package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/agent-smit/devbridge/internal/api"
	"github.com/agent-smit/devbridge/internal/broker"
	"github.com/agent-smit/devbridge/internal/clock"
	"github.com/agent-smit/devbridge/internal/config"
	"github.com/agent-smit/devbridge/internal/origin"
	"github.com/agent-smit/devbridge/internal/ratelimit"
	"github.com/agent-smit/devbridge/internal/session"
	"github.com/agent-smit/devbridge/internal/telemetry"
)

const (
	wsPath          = "/ws"
	shutdownTimeout = 15 * time.Second
	pruneInterval   = 10 * time.Minute
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := pflag.String("config", "", "path to a YAML config file (environment overrides it)")
	port := pflag.String("port", "", "listen port (overrides PORT)")
	logLevel := pflag.String("log-level", "", "debug, info, warn or error (overrides LOG_LEVEL)")
	pflag.Parse()

	cfg, err := config.LoadWithFile(*configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if *port != "" {
		cfg.Port = *port
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger, err := newLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.OTELServiceName, cfg.OTELExporterEndpoint)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown error", "error", err)
		}
	}()

	clk := clock.Real()

	store := session.NewStore(session.Options{
		Lifetime:      cfg.SessionLifetime,
		SweepInterval: cfg.SweepInterval,
		Clock:         clk,
		Logger:        logger,
	})

	b := broker.New(store, broker.Options{
		Config: broker.Config{
			JoinTimeout:    cfg.JoinTimeout,
			ProbeInterval:  cfg.ProbeInterval,
			PongTimeout:    cfg.PongTimeout,
			RateWindow:     cfg.RateWindow,
			RateLimit:      cfg.RateLimit,
			MaxDevices:     cfg.MaxDevices,
			MaxEditors:     cfg.MaxEditors,
			MaxFrameBytes:  cfg.MaxFrameBytes,
			AllowedOrigins: cfg.AllowedOrigins,
		},
		Clock:  clk,
		Logger: logger,
	})

	limiter := ratelimit.NewRateLimiterWithClock(clk)

	sessions := api.NewSessionsHandler(store, b, limiter, api.SessionsConfig{
		SendRate:   cfg.GatewaySendRate,
		RateWindow: cfg.RateWindow,
		WSPath:     wsPath,
		Logger:     logger,
	})

	router := api.NewRouter(api.RouterConfig{
		Health:       &api.HealthHandler{Broker: b},
		Sessions:     sessions,
		WS:           b.ServeWS,
		WSPath:       wsPath,
		Origins:      origin.NewPolicy(cfg.AllowedOrigins),
		RateLimiter:  limiter,
		SessionRate:  cfg.GatewaySessionRate,
		MaxBodyBytes: cfg.MaxFrameBytes,
		Logger:       logger,
	})

	// No WriteTimeout: upgraded websocket connections are long-lived and
	// manage their own write deadlines.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	store.StartSweeper()
	b.Start()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("devbridge listening", "addr", srv.Addr, "ws_path", wsPath, "external_url", cfg.ExternalURL)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := limiter.Prune(time.Hour); n > 0 {
					logger.Debug("pruned rate limit buckets", "count", n)
				}
			case <-gCtx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Hijacked websocket connections are not tracked by Shutdown, so the
		// broker closes them itself.
		b.Stop()
		store.StopSweeper()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newLogger(format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts)), nil
}
