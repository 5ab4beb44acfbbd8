// Command evidence-ingestd runs the HTTP ingestion daemon: the only
// component permitted to mint authoritative event hashes, fronted by the
// illustrative HTTP mapping in internal/httpapi. Grounded on the
// teacher's cmd/helm/main.go Run(args, stdout, stderr) int dispatch and
// runServer wiring (driver selection by STORE_DRIVER, graceful
// shutdown on SIGINT/SIGTERM).
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tracelock/core/internal/httpapi"
	"github.com/tracelock/core/pkg/config"
	"github.com/tracelock/core/pkg/ingestion"
	"github.com/tracelock/core/pkg/observability"
	"github.com/tracelock/core/pkg/policygate"
	"github.com/tracelock/core/pkg/store"

	_ "modernc.org/sqlite"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the testable entrypoint.
func Run(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("evidence-ingestd", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var configPath string
	cmd.StringVar(&configPath, "config", "", "Path to a YAML config overlay (optional)")
	if len(args) > 1 {
		if err := cmd.Parse(args[1:]); err != nil {
			return 2
		}
	}

	var cfg *config.Config
	if configPath != "" {
		loaded, err := config.LoadFile(configPath)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		cfg = loaded
	} else {
		cfg = config.Load()
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, closeStore, err := openStore(cfg)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		return 1
	}
	defer closeStore()

	metricsCfg := observability.DefaultConfig()
	metricsCfg.Enabled = cfg.MetricsOn
	metricsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	metricsCfg.ServiceName = cfg.ServiceID
	metrics, err := observability.New(ctx, metricsCfg)
	if err != nil {
		logger.Error("failed to init observability", "error", err)
		return 1
	}
	defer func() { _ = metrics.Shutdown(context.Background()) }()

	authority := ingestion.NewAuthority(s, ingestion.Config{
		ServiceID:          cfg.ServiceID,
		LockTimeout:        cfg.LockTimeout,
		MaxDropsPerSession: cfg.MaxDropsPerSession,
		DropRatePerMinute:  cfg.DropRatePerMinute,
	}, ingestion.WithMetrics(metrics), ingestion.WithLogger(logger))

	var keyFunc jwt.Keyfunc
	if secret := os.Getenv("JWT_HMAC_SECRET"); secret != "" {
		keyFunc = func(t *jwt.Token) (interface{}, error) { return []byte(secret), nil }
	}

	srv := httpapi.NewServer(httpapi.Options{
		Authority: authority,
		Store:     s,
		Policy:    policygate.Default(),
		KeyFunc:   keyFunc,
	})

	handler := srv.Handler()

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("evidence-ingestd listening", "port", cfg.Port, "store_driver", cfg.StoreDriver)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	_, _ = fmt.Fprintln(stdout, "evidence-ingestd stopped")
	return 0
}

// openStore selects a Store implementation per cfg.StoreDriver (spec
// §4.4: "any backing technology satisfying the Store contract").
func openStore(cfg *config.Config) (store.Store, func(), error) {
	switch cfg.StoreDriver {
	case "memory":
		return store.NewMemoryStore(), func() {}, nil
	case "sqlite":
		db, err := sql.Open("sqlite", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		s, err := store.NewSQLiteStore(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("init sqlite store: %w", err)
		}
		return s, func() { _ = db.Close() }, nil
	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		s, err := store.NewPostgresStoreFromDB(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("init postgres store: %w", err)
		}
		return s, func() { _ = db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown STORE_DRIVER %q (want memory, sqlite, or postgres)", cfg.StoreDriver)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
