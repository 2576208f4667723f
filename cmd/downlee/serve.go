package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpAdapter "github.com/cwygoda/downlee/internal/adapter/http"
	"github.com/cwygoda/downlee/internal/adapter/processor"
	"github.com/cwygoda/downlee/internal/adapter/sqlite"
	"github.com/cwygoda/downlee/internal/config"
	"github.com/cwygoda/downlee/internal/fanout"
	"github.com/cwygoda/downlee/internal/metrics"
	"github.com/cwygoda/downlee/internal/orchestrator"
	"github.com/cwygoda/downlee/internal/worker"
	"github.com/spf13/cobra"
)

func serveCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the download service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, f)
		},
	}
}

// newRegistry wires the source adapters. Configured command processors are
// tried before the yt-dlp catch-all.
func newRegistry(cfg *config.Config) (*processor.Registry, error) {
	registry := processor.NewRegistry()

	if cfg.Telegram.BridgeURL != "" {
		registry.SetTelegram(processor.NewTelegramProcessor(cfg.Telegram.BridgeURL, cfg.Telegram.Token, cfg.SourceDir("telegram")))
	} else {
		log.Println("telegram bridge not configured, chat messages will fail")
	}

	for _, pc := range cfg.Processors {
		p, err := processor.NewCommandProcessor(pc)
		if err != nil {
			return nil, fmt.Errorf("processor %s: %w", pc.Name, err)
		}
		registry.Register(p)
		log.Printf("registered processor %s (%s)", pc.Name, pc.Pattern)
	}
	registry.Register(processor.NewYtdlpProcessor(cfg))
	registry.RegisterPlaylist(processor.NewYouTubePlaylist(cfg.Ytdlp.ProbeTimeout))

	return registry, nil
}

func runServe(cmd *cobra.Command, f *flags) error {
	cfg, err := f.load(cmd)
	if err != nil {
		return err
	}

	log.Printf("starting downlee on port %d", cfg.Port)
	log.Printf("database: %s", cfg.DBPath)
	log.Printf("download dir: %s", cfg.DownloadDir)

	repo, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer repo.Close()

	registry, err := newRegistry(cfg)
	if err != nil {
		return err
	}

	recorder := metrics.New()
	hub := fanout.NewHub(cfg.ProgressInterval)
	hub.AddListener(recorder)

	opts := orchestrator.DefaultOptions()
	opts.MaxAttempts = cfg.MaxRetries
	opts.RetryBackoff = cfg.RetryBackoff
	opts.ProgressInterval = cfg.ProgressInterval
	opts.StopTimeout = cfg.StopTimeout
	opts.OnAttemptFailed = recorder.ObserveRetry
	orch := orchestrator.New(repo, registry, hub, opts)

	// Rows left downloading by a previous run have no task behind them
	if n, err := orch.Reconcile(context.Background()); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	} else if n > 0 {
		log.Printf("marked %d interrupted jobs as failed", n)
	}

	hub.Start()

	srv := httpAdapter.NewServer(orch, hub, httpAdapter.Options{
		Addr:          cfg.Addr(),
		APIToken:      cfg.APIToken,
		WebhookSecret: cfg.WebhookSecret,
		Metrics:       recorder.Handler(),
	})
	if cfg.APIToken == "" {
		log.Println("warning: api_token not set, /api is unauthenticated")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	w := worker.New(repo, hub, cfg.ResyncInterval)
	workerDone := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(workerDone)
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("HTTP server listening on %s", srv.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case sig := <-sigCh:
		log.Printf("received signal %v, shutting down", sig)
	case err = <-errCh:
		log.Printf("HTTP server error: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.StopTimeout+5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	cancel()
	<-workerDone
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.Printf("orchestrator shutdown error: %v", err)
	}
	hub.Close()

	log.Println("shutdown complete")
	return err
}
