// Command garnish runs the event enrichment service.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"sync"

	"github.com/spf13/cobra"

	"garnish/internal/auth"
	"garnish/internal/config"
	"garnish/internal/coordinator"
	"garnish/internal/engine"
	"garnish/internal/loader"
	"garnish/internal/logging"
	"garnish/internal/pipeline"
	"garnish/internal/pipeline/chatterbox"
	"garnish/internal/registry"
	"garnish/internal/server"
	"garnish/internal/source"
	"garnish/internal/table"
	"garnish/internal/watcher"
	watchfile "garnish/internal/watcher/file"
	watchkafka "garnish/internal/watcher/kafka"
	watchmqtt "garnish/internal/watcher/mqtt"
)

var version = "dev"

func main() {
	// Create base logger with ComponentFilterHandler for dynamic log level control.
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug, // Allow all levels; filtering done by ComponentFilterHandler
	})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:   "garnish",
		Short: "Security-event enrichment service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			pprofAddr, _ := cmd.Flags().GetString("pprof")
			if pprofAddr != "" {
				go func() {
					logger.Info("pprof server listening", "addr", pprofAddr)
					if err := http.ListenAndServe(pprofAddr, nil); err != nil {
						logger.Error("pprof server error", "error", err)
					}
				}()
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().String("config", "garnish.json", "config file path")
	rootCmd.PersistentFlags().String("pprof", "", "pprof HTTP server address (e.g. localhost:6060). WARNING: exposes CPU/memory profiles and goroutine dumps; bind to loopback only, never expose publicly")

	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Start the garnish service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, logger)
			if err != nil {
				return err
			}

			addr, _ := cmd.Flags().GetString("addr")
			if addr != "" {
				cfg.Listen = addr
			}
			noAuth, _ := cmd.Flags().GetBool("no-auth")
			if noAuth {
				cfg.Auth.JWTSecret = ""
			}

			applyLogLevel(filterHandler, cfg.LogLevel)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return run(ctx, logger, cfg)
		},
	}

	serverCmd.Flags().String("addr", "", "ops server listen address (overrides config)")
	serverCmd.Flags().Bool("no-auth", false, "disable authentication on mutating ops endpoints")

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Load the current table descriptor once and report, without serving",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, logger)
			if err != nil {
				return err
			}

			applyLogLevel(filterHandler, cfg.LogLevel)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return check(ctx, logger, cfg)
		},
	}

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the mutating ops endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, logger)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is not configured; tokens are not in use")
			}

			subject, _ := cmd.Flags().GetString("subject")
			tokens := auth.NewTokenService(cfg.Auth.Secret(), cfg.Auth.Duration())
			token, expiresAt, err := tokens.Issue(subject)
			if err != nil {
				return err
			}

			fmt.Println(token)
			fmt.Fprintf(os.Stderr, "subject %q, expires %s\n", subject, expiresAt.Format("2006-01-02 15:04:05 MST"))
			return nil
		},
	}

	tokenCmd.Flags().String("subject", "operator", "token subject")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(serverCmd, checkCmd, tokenCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file named by --config, falling back to the
// built-in default config (file watcher + chatterbox) when the default
// path does not exist. An explicitly given path must exist.
func loadConfig(cmd *cobra.Command, logger *slog.Logger) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(path)
	if err == nil {
		logger.Info("loaded config", "path", path)
		return cfg, nil
	}

	if errors.Is(err, config.ErrNotFound) && !cmd.Flags().Changed("config") {
		logger.Info("no config file, using built-in defaults", "path", path)
		cfg = config.Default()
		if err := config.ApplyEnv(&cfg); err != nil {
			return config.Config{}, err
		}
		return cfg, cfg.Validate()
	}

	return config.Config{}, err
}

func run(ctx context.Context, logger *slog.Logger, cfg config.Config) error {
	reg := registry.New()
	eng := engine.New()
	counters := pipeline.NewCounters()

	ldr, err := buildLoader(ctx, logger, cfg)
	if err != nil {
		return err
	}

	w, err := buildWatcher(logger, cfg)
	if err != nil {
		return err
	}

	coord, err := coordinator.New(coordinator.Config{
		Watcher:     w,
		Loader:      ldr,
		Registry:    reg,
		MinInterval: cfg.Reload.Interval(),
		ResyncCron:  cfg.Reload.ResyncCron,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	// The first load is mandatory and synchronous: a failure here means
	// the process never becomes ready and startup fails.
	logger.Info("starting coordinator")
	if err := coord.Start(ctx); err != nil {
		return err
	}
	logger.Info("tables loaded",
		"tables", reg.Current().Len(),
		"generation", reg.Generation())

	deps := pipeline.Deps{
		Registry: reg,
		Engine:   eng,
		Counters: counters,
		Logger:   logger,
	}

	// Start the event pipeline, if one is configured.
	var pipelineWg sync.WaitGroup
	pipelineCtx, stopPipeline := context.WithCancel(ctx)
	defer stopPipeline()

	if cfg.Pipeline.Type != "" {
		p, err := buildPipeline(cfg, deps)
		if err != nil {
			stopCoordinator(coord, logger)
			return err
		}
		logger.Info("starting pipeline", "type", cfg.Pipeline.Type)
		pipelineWg.Go(func() {
			if err := p.Run(pipelineCtx); err != nil {
				logger.Error("pipeline stopped", "error", err)
			}
		})
	} else {
		logger.Info("no pipeline configured, serving ops endpoints only")
	}

	// Start the ops server if an address is configured.
	var srv *server.Server
	var serverWg sync.WaitGroup
	if cfg.Listen != "" {
		var tokens *auth.TokenService
		if secret := cfg.Auth.Secret(); secret != nil {
			tokens = auth.NewTokenService(secret, cfg.Auth.Duration())
		} else {
			logger.Info("no JWT secret configured, mutating ops endpoints are open")
		}

		server.Version = version
		srv = server.New(deps, coord, server.Config{Tokens: tokens, Logger: logger})
		serverWg.Go(func() {
			if err := srv.ServeTCP(cfg.Listen); err != nil {
				logger.Error("ops server error", "error", err)
			}
		})
	}

	// Wait for shutdown signal.
	<-ctx.Done()

	// Stop the server first so readiness flips before the pipeline drains.
	if srv != nil {
		logger.Info("stopping ops server")
		if err := srv.Stop(context.Background()); err != nil {
			logger.Error("ops server stop error", "error", err)
		}
		serverWg.Wait()
	}

	stopPipeline()
	pipelineWg.Wait()

	stopCoordinator(coord, logger)

	logger.Info("shutdown complete")
	return nil
}

// check performs a single fetch-and-load cycle and prints what would be
// served, for validating configs and descriptors in CI or before rollout.
func check(ctx context.Context, logger *slog.Logger, cfg config.Config) error {
	ldr, err := buildLoader(ctx, logger, cfg)
	if err != nil {
		return err
	}

	w, err := buildWatcher(logger, cfg)
	if err != nil {
		return err
	}

	payload, err := w.Payload(ctx)
	if err != nil {
		return fmt.Errorf("fetch descriptor: %w", err)
	}

	ts, err := ldr.Load(ctx, payload)
	if err != nil {
		return fmt.Errorf("load tables: %w", err)
	}

	fmt.Printf("descriptor OK: %d tables, checksum %s\n", ts.Len(), ts.Checksum())
	for _, name := range ts.Names() {
		tbl := ts.Resolve(name)
		fmt.Printf("  %-30s %8d rows  columns: %v\n", name, tbl.Rows(), tbl.Columns())
	}
	return nil
}

func stopCoordinator(coord *coordinator.Coordinator, logger *slog.Logger) {
	if err := coord.Stop(); err != nil && !errors.Is(err, coordinator.ErrNotRunning) {
		logger.Error("coordinator stop error", "error", err)
	}
}

// buildLoader assembles the table loader: the source mux for every enabled
// backend, the default table builders, and the instance's allowlist.
func buildLoader(ctx context.Context, logger *slog.Logger, cfg config.Config) (*loader.Loader, error) {
	mux := source.NewMux()
	mux.Register("file", source.NewFile())

	if cfg.Sources.S3.Enabled {
		s3src, err := source.NewS3(ctx, source.S3Config{
			Region:    cfg.Sources.S3.Region,
			Endpoint:  cfg.Sources.S3.Endpoint,
			Anonymous: cfg.Sources.S3.Anonymous,
			AccessKey: cfg.Sources.S3.AccessKey,
			SecretKey: cfg.Sources.S3.SecretKey,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 source: %w", err)
		}
		mux.Register("s3", s3src)
	}

	if cfg.Sources.GCS.Enabled {
		gcsSrc, err := source.NewGCS(ctx, source.GCSConfig{
			Anonymous: cfg.Sources.GCS.Anonymous,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs source: %w", err)
		}
		mux.Register("gs", gcsSrc)
	}

	if cfg.Sources.Azure.Enabled {
		azSrc, err := source.NewAzure(source.AzureConfig{
			ConnectionString: cfg.Sources.Azure.ConnectionString,
			ServiceURL:       cfg.Sources.Azure.ServiceURL,
		})
		if err != nil {
			return nil, fmt.Errorf("azure source: %w", err)
		}
		mux.Register("azblob", azSrc)
	}

	return loader.New(loader.Config{
		Source:      mux,
		Builders:    table.Builders(),
		Allow:       cfg.Tables.Allow,
		Concurrency: cfg.Tables.Concurrency,
		Logger:      logger,
	}), nil
}

// buildWatcher creates the descriptor watcher named by the config.
func buildWatcher(logger *slog.Logger, cfg config.Config) (watcher.Watcher, error) {
	factories := map[string]watcher.Factory{
		"file":  watchfile.NewFactory(),
		"kafka": watchkafka.NewFactory(),
		"mqtt":  watchmqtt.NewFactory(),
	}

	factory, ok := factories[cfg.Watcher.Type]
	if !ok {
		return nil, fmt.Errorf("unknown watcher type %q", cfg.Watcher.Type)
	}
	return factory(cfg.Watcher.Params, logger)
}

// buildPipeline creates the event pipeline named by the config.
func buildPipeline(cfg config.Config, deps pipeline.Deps) (pipeline.Pipeline, error) {
	factories := map[string]pipeline.Factory{
		"kafka":      pipeline.NewKafkaFactory(),
		"chatterbox": chatterbox.NewFactory(),
	}

	factory, ok := factories[cfg.Pipeline.Type]
	if !ok {
		return nil, fmt.Errorf("unknown pipeline type %q", cfg.Pipeline.Type)
	}
	return factory(cfg.Pipeline.Params, deps)
}

// applyLogLevel sets the default level on the component filter handler.
func applyLogLevel(h *logging.ComponentFilterHandler, level string) {
	switch level {
	case "debug":
		h.SetDefaultLevel(slog.LevelDebug)
	case "warn":
		h.SetDefaultLevel(slog.LevelWarn)
	case "error":
		h.SetDefaultLevel(slog.LevelError)
	case "", "info":
		// default already info
	}
}
