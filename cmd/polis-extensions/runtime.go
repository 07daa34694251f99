package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-extensions/internal/governance"
	"github.com/polisai/polis-extensions/pkg/bridge"
	"github.com/polisai/polis-extensions/pkg/config"
	"github.com/polisai/polis-extensions/pkg/domain"
	"github.com/polisai/polis-extensions/pkg/host"
	"github.com/polisai/polis-extensions/pkg/loader"
	"github.com/polisai/polis-extensions/pkg/logging"
	"github.com/polisai/polis-extensions/pkg/telemetry"
	"github.com/polisai/polis-extensions/pkg/typesystem"
)

const shutdownTimeout = 10 * time.Second

// runtime bundles the components a manifest is applied to.
type runtime struct {
	host     *host.Host
	types    *typesystem.TypeSystem
	applier  *config.Applier
	metrics  *bridge.Metrics
	breakers *governance.CircuitBreakerManager
}

// loadSettings reads the config file and lets flags override it.
func loadSettings(cli *CLIConfig) (*config.Config, error) {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, err
	}
	if cli.Manifest != "" {
		cfg.Manifest.File = cli.Manifest
	}
	if cli.Watch {
		cfg.Manifest.Watch = true
	}
	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}
	if cfg.Manifest.File == "" {
		return nil, fmt.Errorf("no manifest specified. Use --manifest or manifest.file in the config")
	}
	return cfg, nil
}

// newRuntime wires a host whose entries load as inert lifecycles, with
// retries and per-entry circuit breaking around every load.
func newRuntime(cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	types := typesystem.New()
	metrics := bridge.NewMetrics()
	breakers := governance.NewCircuitBreakerManager(governance.DefaultCircuitBreakerConfig())

	inert, err := loader.NewTypedHandler(types, domain.EntryBaseTypeID, 0,
		func(_ context.Context, entry domain.Entry) (domain.Lifecycle, error) {
			return loader.InertLifecycle(logger, entry.ID), nil
		})
	if err != nil {
		return nil, err
	}
	handler := loader.NewRetryingHandler(inert, loader.RetryingConfig{
		Retry:    cfg.Runtime.Retry(),
		Breakers: breakers,
		Logger:   logger,
	})

	h, err := host.New(host.Config{
		TypeSystem:    types,
		LoadHandlers:  []domain.LoadHandler{handler},
		Logger:        logger,
		Timeouts:      cfg.Runtime.Timeouts(),
		MaxChainDepth: cfg.Runtime.MaxChainDepth,
		BridgeMetrics: metrics,
	})
	if err != nil {
		return nil, err
	}

	return &runtime{
		host:     h,
		types:    types,
		applier:  &config.Applier{Host: h, Types: types, Logger: logger},
		metrics:  metrics,
		breakers: breakers,
	}, nil
}

func runValidate(cmd *cobra.Command, _ []string) error {
	cli, err := parseCLIConfig(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadSettings(cli)
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}

	manifest, err := config.LoadManifest(cfg.Manifest.File)
	if err != nil {
		return err
	}
	rt, err := newRuntime(cfg, logger)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	applyErr := rt.applier.Apply(ctx, manifest)
	closeErr := rt.host.Close(ctx)
	if err := errors.Join(applyErr, closeErr); err != nil {
		return fmt.Errorf("manifest %s: %w", cfg.Manifest.File, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "manifest %s ok: %d domains, %d extensions\n",
		cfg.Manifest.File, len(manifest.Domains), len(manifest.Extensions))
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cli, err := parseCLIConfig(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadSettings(cli)
	if err != nil {
		return err
	}

	logger, err := logging.SetupLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupProvider(ctx, telemetrySettings(cfg.Telemetry))
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}

	rt, err := newRuntime(cfg, logger)
	if err != nil {
		return err
	}

	provider, err := config.NewFileManifestProvider(cfg.Manifest.File, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := provider.Close(); err != nil {
			logger.Error("Failed to close manifest provider", "error", err)
		}
	}()

	current := provider.Current()
	if err := rt.applier.Apply(ctx, current); err != nil {
		// Partial application is kept. The admin API shows what is live.
		logger.Error("Manifest applied with errors", "path", cfg.Manifest.File, "error", err)
	}
	if cfg.Manifest.Watch {
		go watchManifest(ctx, provider, rt.applier, current, logger)
	}

	server := &http.Server{
		Addr:         cfg.Server.AdminAddress,
		Handler:      newAdminHandler(rt, logger),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Admin server listening", "addr", server.Addr)
		errCh <- server.ListenAndServe()
	}()

	var serveErr error
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	case <-ctx.Done():
		logger.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Admin server shutdown error", "error", err)
	}
	if err := rt.host.Close(shutdownCtx); err != nil {
		logger.Error("Host shutdown error", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("Tracing shutdown error", "error", err)
	}
	logger.Info("Shutdown complete")
	return serveErr
}

func telemetrySettings(t config.TelemetryConfig) telemetry.Config {
	return telemetry.Config{
		ServiceName:    t.ServiceName,
		ServiceVersion: t.ServiceVersion,
		Endpoint:       t.OTLPEndpoint,
		Environment:    t.Environment,
		Insecure:       t.Insecure,
		Headers:        t.Headers,
		ResourceTags:   t.ResourceTags,
		SampleRatio:    t.SampleRatio,
	}
}

// watchManifest reconciles the host with every new manifest revision.
func watchManifest(ctx context.Context, provider *config.FileManifestProvider, applier *config.Applier, current *config.Manifest, logger *slog.Logger) {
	updates := provider.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case next := <-updates:
			if next == nil || next == current {
				continue
			}
			logger.Info("Manifest update received", "generation", next.Generation)
			if err := applier.Reconcile(ctx, current, next); err != nil {
				logger.Error("Manifest reconciled with errors", "generation", next.Generation, "error", err)
			}
			current = next
		}
	}
}
