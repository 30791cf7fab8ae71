// Package main is the entry point for the vsm-slave binary, the websocket
// proxy of the visualization control plane. It shares the registry with the
// master and relays frames between clients and the backend hosts recorded
// there.
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/BlueBrain/vsm/internal/api"
	"github.com/BlueBrain/vsm/internal/config"
	"github.com/BlueBrain/vsm/internal/metrics"
	"github.com/BlueBrain/vsm/internal/registry"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

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
		Use:   "vsm-slave",
		Short: "VSM slave — websocket proxy for visualization sessions",
		Long: `VSM slave relays websocket traffic between clients and the compute
backends allocated by the master. Jobs are validated against the shared
registry before any frame is forwarded.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
	}

	root.AddCommand(newVersionCmd())

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
			fmt.Printf("vsm-slave %s (commit: %s, built: %s)\n", version, commit, date)
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

	logger.Info("starting vsm slave",
		zap.String("version", version),
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("db_backend", cfg.DBBackend),
		zap.Int("renderer_port", cfg.RendererPort),
		zap.Int("backend_port", cfg.BackendPort),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := registry.Open(ctx, registry.Options{
		Backend:     cfg.DBBackend,
		SQLitePath:  cfg.DBPath,
		PostgresDSN: cfg.PostgresDSN(),
		DynamoTable: cfg.DBTable,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to open registry: %w", err)
	}
	defer store.Close()

	router := api.NewSlaveRouter(api.SlaveConfig{
		Store:        store,
		RendererPort: cfg.RendererPort,
		BackendPort:  cfg.BackendPort,
		Metrics:      metrics.NewProxy(prometheus.DefaultRegisterer),
		Logger:       logger,
	})

	if err := serve(ctx, cfg, router, logger); err != nil {
		return err
	}

	logger.Info("vsm slave stopped")
	return nil
}

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

// serve runs the HTTP server until ctx is cancelled, then drains it. Open
// websocket sessions are not force-closed; they end when a peer disconnects.
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
