// The focusing manager serves preprocessed and lens-enhanced ePIs. It
// discovers preprocessor and lens services, caches pipeline prefixes, and
// exposes the focus API over HTTP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Gravitate-Health/focusing-manager-sub000/internal/async"
	"github.com/Gravitate-Health/focusing-manager-sub000/internal/cache"
	"github.com/Gravitate-Health/focusing-manager-sub000/internal/config"
	"github.com/Gravitate-Health/focusing-manager-sub000/internal/fhir"
	"github.com/Gravitate-Health/focusing-manager-sub000/internal/lens"
	"github.com/Gravitate-Health/focusing-manager-sub000/internal/logging"
	"github.com/Gravitate-Health/focusing-manager-sub000/internal/metrics"
	"github.com/Gravitate-Health/focusing-manager-sub000/internal/pipeline"
	"github.com/Gravitate-Health/focusing-manager-sub000/internal/registry"
	"github.com/Gravitate-Health/focusing-manager-sub000/internal/server"
	"github.com/Gravitate-Health/focusing-manager-sub000/internal/tracing"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:          "focusing-manager",
		Short:        "Gravitate Health focusing manager",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func serve(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	leeSink := logging.NewSink(os.Stdout, logging.ParseLevel(cfg.LeeLogLevel), cfg.LeeLoggingEnabled)
	lensSink := logging.NewSink(os.Stdout, logging.ParseLevel(cfg.LeeLogLevel), cfg.LensLoggingEnabled)
	logger := leeSink.Logger("Main")
	logger.Info("starting focusing manager %s on port %d", version, cfg.ServerPort)

	shutdownTracing := tracing.Setup("focusing-manager", version)
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracer shutdown: %v", err)
		}
	}()

	var discoverer registry.Discoverer
	if cfg.Standalone() {
		logger.Info("standalone environment, using container runtime discovery")
		discoverer, err = registry.NewDockerDiscoverer(leeSink.Logger("Discovery"))
	} else {
		logger.Info("cluster environment, using service discovery in namespace %s", cfg.KubernetesNamespace)
		discoverer, err = registry.NewKubernetesDiscoverer(cfg.KubernetesNamespace, leeSink.Logger("Discovery"))
	}
	if err != nil {
		return fmt.Errorf("building discoverer: %w", err)
	}

	store, err := cache.Build(cfg, leeSink.Logger("Cache"))
	if err != nil {
		return fmt.Errorf("building cache %q: %w", cfg.CacheBackend, err)
	}
	if err := metrics.RegisterCacheStats(store); err != nil {
		logger.Warn("cache metrics not registered: %v", err)
	}

	reg := registry.New(discoverer, registry.Options{
		PreprocessingSelector: cfg.PreprocessingLabelSelector,
		FocusingSelector:      cfg.FocusingLabelSelector,
		ExternalEndpoints:     cfg.PreprocessingExternalEndpoints,
		Logger:                leeSink.Logger("Registry"),
	})
	pipe := pipeline.New(store, reg, cfg.CacheTTL, leeSink.Logger("Pipeline"))
	runtime := lens.NewRuntime(0, leeSink.Logger("LEE"), lensSink.Logger("Lens"))
	client := fhir.New(fhir.Options{
		EpiURL:     cfg.FhirEpiURL,
		IpsURL:     cfg.FhirIpsURL,
		ProfileURL: cfg.ProfileURL,
		Timeout:    cfg.HTTPClientTimeout,
		Logger:     leeSink.Logger("FHIR"),
	})

	var renderer server.Renderer
	if cfg.EpiTemplatePath != "" {
		renderer, err = server.NewTemplateRenderer(cfg.EpiTemplatePath)
		if err != nil {
			logger.Warn("ePI template disabled: %v", err)
			renderer = nil
		}
	}

	srv := server.New(server.Deps{
		Config:   cfg,
		Logger:   leeSink.Logger("Server"),
		Registry: reg,
		Pipeline: pipe,
		Lenses:   runtime,
		Fhir:     client,
		Renderer: renderer,
	})

	// Warm the registry before the first request and keep re-discovering in
	// the background; requests never wait for discovery.
	async.Every(ctx, logger, "registry refresh", 5*time.Minute, func(ctx context.Context) {
		refreshCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := reg.Refresh(refreshCtx); err != nil {
			logger.Warn("service discovery failed: %v", err)
		} else {
			logger.Info("discovered %d preprocessors and %d lenses",
				len(reg.PreprocessorNames()), len(reg.LensNames()))
		}
	})

	errCh := make(chan error, 1)
	async.Go(logger, "http server", func() { errCh <- srv.Start() })

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
