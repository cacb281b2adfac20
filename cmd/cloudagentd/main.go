// SPDX-License-Identifier: MIT

// cloudagentd runs the cloud-agent session daemon: the HTTP/WebSocket
// control plane, the worker ingest pipeline and the callback consumer.
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

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kilocode/cloudagent/internal/api"
	"github.com/kilocode/cloudagent/internal/callback"
	"github.com/kilocode/cloudagent/internal/config"
	"github.com/kilocode/cloudagent/internal/ingest"
	"github.com/kilocode/cloudagent/internal/log"
	"github.com/kilocode/cloudagent/internal/session"
	"github.com/kilocode/cloudagent/internal/session/model"
	"github.com/kilocode/cloudagent/internal/session/store"
	"github.com/kilocode/cloudagent/internal/stream"
)

var (
	version   = "v1.0.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Safe defaults until the config is loaded.
	log.Configure(log.Config{Level: "info", Service: "cloudagent", Version: version})
	logger := log.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).
			Str(log.FieldEvent, "config.load_failed").
			Str("config_path", *configPath).
			Msg("failed to load configuration")
	}

	log.Configure(log.Config{Level: cfg.LogLevel, Service: cfg.LogService, Version: version})
	logger.Info().
		Str(log.FieldEvent, "config.loaded").
		Str("listen", cfg.Listen).
		Str("store", cfg.StoreBackend).
		Msg("configuration loaded")

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).
			Str(log.FieldEvent, "daemon.failed").
			Msg("daemon exited with error")
	}
	logger.Info().Str(log.FieldEvent, "daemon.stopped").Msg("shutdown complete")
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	st, err := store.Open(cfg.StoreBackend, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	queue, err := callback.NewQueue(callback.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, log.Base())
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer queue.Close()

	// Terminal executions with a registered callback target become queue
	// jobs; delivery retries are the consumer's problem, not the session's.
	onTerminal := func(ctx context.Context, sess model.SessionRecord, exec model.ExecutionRecord) {
		if sess.CallbackURL == "" {
			return
		}
		job := callback.Job{
			Target: callback.Target{URL: sess.CallbackURL, Headers: sess.CallbackHeaders},
			Payload: callback.Payload{
				SessionID:           sess.SessionID,
				CloudAgentSessionID: sess.SessionID,
				ExecutionID:         exec.ExecutionID,
				Status:              exec.Status,
				ErrorMessage:        exec.ErrorMessage,
				LastSeenBranch:      sess.UpstreamBranch,
			},
		}
		if err := queue.Enqueue(ctx, job); err != nil {
			logger.Error().Err(err).
				Str(log.FieldEvent, "callback.enqueue_failed").
				Str(log.FieldSessionID, sess.SessionID).
				Str(log.FieldExecutionID, exec.ExecutionID).
				Msg("failed to enqueue terminal callback")
		}
	}

	registry := session.NewRegistry(session.Deps{
		Store:      st,
		Logger:     log.Base(),
		OnTerminal: onTerminal,
	})
	hub := stream.NewHub(log.Base())
	manager := ingest.NewManager(hub, log.Base())

	server := api.NewServer(api.Deps{
		Config:   cfg,
		Registry: registry,
		Hub:      hub,
		Ingest:   manager,
		Logger:   log.Base(),
	})

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	consumer := callback.NewConsumer(queue, callback.NewDeliverer(log.Base()), log.Base(), nil)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().
			Str(log.FieldEvent, "http.listening").
			Str("addr", cfg.Listen).
			Msg("HTTP server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := consumer.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("callback consumer: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
