package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"planboard/api/internal/app"
	"planboard/api/internal/archive"
	"planboard/api/internal/hub"
	"planboard/api/internal/metrics"
	"planboard/api/internal/presence"
	"planboard/api/internal/store"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP, event stream and presence server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func runServe(ctx context.Context, opts *rootOptions) error {
	cfg, logger, err := opts.load()
	if err != nil {
		return err
	}

	backend, err := store.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backend.Close()
	logger.Info().Str("backend", cfg.StoreBackend).Msg("store ready")

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	service := app.New(cfg, backend, hub.New(m), m, logger)
	channel := presence.NewChannel(presence.Options{
		CursorRate:     cfg.PresenceCursorRate,
		AllowedOrigins: cfg.CORSOrigin,
		Logger:         logger,
		Metrics:        m,
	})

	group, groupCtx := errgroup.WithContext(ctx)

	if cfg.ArchiveEndpoint != "" {
		archiver, err := archive.New(ctx, cfg, backend, m, logger)
		if err != nil {
			return err
		}
		service.SetArchive(archiver)
		group.Go(func() error { return archiver.Run(groupCtx) })
		logger.Info().Str("endpoint", cfg.ArchiveEndpoint).Str("bucket", cfg.ArchiveBucket).Msg("snapshot archive enabled")
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(service, channel, registry).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Event streams stay open indefinitely.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return groupCtx },
	}

	group.Go(func() error {
		logger.Info().Str("addr", cfg.Addr).Msg("planboard api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info().Msg("shutting down")
		return server.Shutdown(shutdownCtx)
	})

	return group.Wait()
}
