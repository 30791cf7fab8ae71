// Package main is the entry point for the vsm-master binary, the scheduler
// service of the visualization control plane.
//
// Startup sequence:
//  1. Parse environment configuration and CLI flags
//  2. Build logger
//  3. Open the registry (schema is ensured on open)
//  4. Build the shared outbound HTTP client and the configured allocator
//  5. Start the reaper
//  6. Serve the control API until SIGINT/SIGTERM, then shut down in order:
//     HTTP server, reaper, allocator, registry, HTTP client
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/BlueBrain/vsm/internal/allocator"
	"github.com/BlueBrain/vsm/internal/api"
	"github.com/BlueBrain/vsm/internal/auth"
	"github.com/BlueBrain/vsm/internal/config"
	"github.com/BlueBrain/vsm/internal/metrics"
	"github.com/BlueBrain/vsm/internal/reaper"
	"github.com/BlueBrain/vsm/internal/registry"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// flags are the CLI overrides layered on top of the VSM_* environment.
type flags struct {
	host     string
	port     int
	tlsCert  string
	tlsKey   string
	logLevel string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}

	root := &cobra.Command{
		Use:   "vsm-master",
		Short: "VSM master — visualization session scheduler",
		Long: `VSM master is the scheduler of the visualization control plane.
It authenticates users, allocates compute jobs through the configured
allocator, records them in the shared registry, and reaps sessions that
exceed their maximum duration.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newInitDBCmd(f))

	root.PersistentFlags().StringVar(&f.host, "host", "", "Bind address (overrides VSM_HOST)")
	root.PersistentFlags().IntVar(&f.port, "port", 0, "Listen port (overrides VSM_PORT)")
	root.PersistentFlags().StringVar(&f.tlsCert, "tls-cert", "", "TLS certificate path (overrides VSM_SSL_CRT)")
	root.PersistentFlags().StringVar(&f.tlsKey, "tls-key", "", "TLS key path (overrides VSM_SSL_KEY)")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "Log level (overrides VSM_LOG_LEVEL)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("vsm-master %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// newInitDBCmd bootstraps the registry schema and exits. Useful for
// provisioning the database before the first deployment; the server also
// ensures the schema on startup.
func newInitDBCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "init-db",
		Short: "Create the registry schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			logger, err := buildLogger(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck

			store, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			logger.Info("registry schema ready", zap.String("backend", cfg.DBBackend))
			return nil
		},
	}
}

func run(ctx context.Context, f *flags) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting vsm master",
		zap.String("version", version),
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("db_backend", cfg.DBBackend),
		zap.String("allocator", cfg.Allocator),
		zap.Bool("auth_enabled", cfg.AuthEnabled),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Registry ---
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open registry: %w", err)
	}
	defer store.Close()

	// --- Outbound HTTP client ---
	// Shared by the authenticator, the UNICORE allocator and the AWS health
	// probe. The UNICORE site CA is appended to the system pool when needed.
	caFile := ""
	if cfg.Allocator == config.AllocatorUnicore {
		caFile = cfg.UnicoreCAFile
	}
	client, err := newHTTPClient(caFile)
	if err != nil {
		return fmt.Errorf("failed to build HTTP client: %w", err)
	}
	defer client.CloseIdleConnections()

	// --- Allocator ---
	alloc, err := buildAllocator(ctx, cfg, client, logger)
	if err != nil {
		return fmt.Errorf("failed to build allocator: %w", err)
	}
	defer alloc.Close()

	// --- Metrics, reaper, router ---
	schedMetrics := metrics.NewScheduler(prometheus.DefaultRegisterer)

	reap, err := reaper.New(store, alloc, schedMetrics, cfg.CleanupPeriod(), logger)
	if err != nil {
		return fmt.Errorf("failed to build reaper: %w", err)
	}
	if err := reap.Start(); err != nil {
		return fmt.Errorf("failed to start reaper: %w", err)
	}

	router := api.NewMasterRouter(api.MasterConfig{
		Auth:        auth.New(auth.Config{Enabled: cfg.AuthEnabled, UserInfoURL: cfg.AuthUserInfoURL, Host: cfg.AuthHost}, client, logger),
		Store:       store,
		Allocator:   alloc,
		Metrics:     schedMetrics,
		JobDuration: cfg.JobDuration(),
		ProxyURL:    cfg.ProxyURL,
		Logger:      logger,
	})

	if err := serve(ctx, cfg, router, logger); err != nil {
		return err
	}

	// The reaper is stopped before the allocator and registry close so an
	// in-flight sweep never races a closing backend.
	if err := reap.Stop(); err != nil {
		logger.Error("reaper shutdown failed", zap.Error(err))
	}

	logger.Info("vsm master stopped")
	return nil
}

// loadConfig parses the environment and applies CLI overrides.
func loadConfig(f *flags) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if f.host != "" {
		cfg.Host = f.host
	}
	if f.port != 0 {
		cfg.Port = f.port
	}
	if f.tlsCert != "" {
		cfg.TLSCert = f.tlsCert
	}
	if f.tlsKey != "" {
		cfg.TLSKey = f.tlsKey
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (registry.Store, error) {
	return registry.Open(ctx, registry.Options{
		Backend:     cfg.DBBackend,
		SQLitePath:  cfg.DBPath,
		PostgresDSN: cfg.PostgresDSN(),
		DynamoTable: cfg.DBTable,
	}, logger)
}

func buildAllocator(ctx context.Context, cfg *config.Config, client *http.Client, logger *zap.Logger) (allocator.Allocator, error) {
	switch cfg.Allocator {
	case config.AllocatorAWS:
		return allocator.NewAWSAllocator(ctx, allocator.AWSConfig{
			TaskDefinition:   cfg.AWSTaskDefinition,
			Cluster:          cfg.AWSCluster,
			Subnets:          cfg.AWSSubnets,
			SecurityGroups:   cfg.AWSSecurityGroups,
			CapacityProvider: cfg.AWSCapacityProvider,
			BucketName:       cfg.AWSBucketName,
			BucketMountPath:  cfg.AWSBucketMountPath,
			ContainerName:    cfg.AWSContainerName,
			HealthPort:       cfg.HealthPort,
		}, client, logger)

	case config.AllocatorUnicore:
		cases, err := allocator.LoadUseCases(cfg.UnicoreUseCases)
		if err != nil {
			return nil, err
		}
		return allocator.NewUnicoreAllocator(allocator.UnicoreConfig{
			Endpoint:  cfg.UnicoreEndpoint,
			DNSSuffix: cfg.UnicoreDNSSuffix,
		}, cases, client, logger), nil

	case config.AllocatorTest:
		return allocator.NewLocalAllocator("", logger), nil

	default:
		return nil, fmt.Errorf("unsupported allocator %q", cfg.Allocator)
	}
}

// serve runs the HTTP server until ctx is cancelled, then drains it.
func serve(ctx context.Context, cfg *config.Config, handler http.Handler, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: handler,
	}

	errc := make(chan error, 1)
	go func() {
		var err error
		if cfg.TLSCert != "" && cfg.TLSKey != "" {
			logger.Info("serving with TLS", zap.String("addr", srv.Addr))
			err = srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			logger.Info("serving", zap.String("addr", srv.Addr))
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	return nil
}

// newHTTPClient builds the shared outbound client. A non-empty caFile is
// appended to the system roots for sites with a private CA.
func newHTTPClient(caFile string) (*http.Client, error) {
	transport := cleanhttp.DefaultPooledTransport()

	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file %s: %w", caFile, err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", caFile)
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pool}
	}

	return &http.Client{
		Transport: transport,
		Timeout:   30 * time.Second,
	}, nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}
