package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/logquery/api/config"
	"github.com/malbeclabs/logquery/api/handlers"
	"github.com/malbeclabs/logquery/api/metrics"
	"github.com/malbeclabs/logquery/logs/pkg/executor"
	"github.com/malbeclabs/logquery/logs/pkg/query"
	"github.com/malbeclabs/logquery/logs/pkg/reqlog"
	"github.com/malbeclabs/logquery/logs/pkg/schema"
	"github.com/malbeclabs/logquery/logs/pkg/service"
	"github.com/malbeclabs/logquery/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// shuttingDown is set when a shutdown signal is received so the
	// readiness probe fails immediately.
	shuttingDown atomic.Bool
)

const (
	defaultMetricsAddr = "0.0.0.0:0"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics")
	flag.Parse()

	// Load .env file. godotenv does not override existing env vars, so
	// process env and explicit exports take precedence.
	_ = godotenv.Load()

	log := logger.New(*verboseFlag)
	log.Info("starting logquery-api", "version", version, "commit", commit, "date", date)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Sentry is optional; without a DSN it stays a no-op.
	sentryDSN := os.Getenv("SENTRY_DSN")
	if sentryDSN != "" {
		sentryEnv := os.Getenv("SENTRY_ENVIRONMENT")
		if sentryEnv == "" {
			sentryEnv = "development"
		}
		release := version
		if commit != "none" {
			release = version + "-" + commit
		}
		tracesSampleRate := 0.1
		if sentryEnv == "development" {
			tracesSampleRate = 1.0
		}
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              sentryDSN,
			Environment:      sentryEnv,
			Release:          release,
			EnableTracing:    true,
			TracesSampleRate: tracesSampleRate,
		})
		if err != nil {
			log.Warn("sentry initialization failed", "error", err)
		} else {
			log.Info("sentry initialized", "env", sentryEnv, "release", release)
			defer sentry.Flush(2 * time.Second)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	pool, err := config.LoadPostgres(ctx, log, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("failed to load PostgreSQL: %w", err)
	}
	defer pool.Close()

	logFile, err := reqlog.OpenFile(cfg.LogFile)
	if err != nil {
		return err
	}
	defer func() {
		if err := logFile.Close(); err != nil {
			log.Error("failed to close request log", "error", err)
		}
	}()
	log.Info("request log opened", "path", cfg.LogFile)

	clock := clockwork.NewRealClock()

	recorder, err := reqlog.NewRecorder(reqlog.Config{
		Sink:  logFile,
		Clock: clock,
		OnComplete: func(c reqlog.Completion) {
			metrics.RecordRequest(metrics.Phases{
				Endpoint:      c.Endpoint,
				Total:         c.Total,
				SQL:           c.SQL,
				Transform:     c.Transform,
				Compression:   c.Compression,
				RowCount:      c.RowCount,
				ResponseBytes: c.ResponseBytes,
				WireBytes:     c.WireBytes,
				Compressed:    c.Compressed,
			})
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create request recorder: %w", err)
	}

	planner, err := query.NewPlanner(query.PlannerConfig{
		Registry:    schema.Default,
		MaxPageSize: cfg.MaxPageSize,
	})
	if err != nil {
		return fmt.Errorf("failed to create planner: %w", err)
	}

	exec, err := executor.New(executor.Config{
		Logger:  log,
		Clock:   clock,
		Querier: executor.NewPostgresQuerier(pool),
		OnStatement: func(v query.Variant, d time.Duration, err error) {
			metrics.RecordStatement(string(v), d, err)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create executor: %w", err)
	}

	svc, err := service.New(service.Config{
		Logger:       log,
		Clock:        clock,
		Planner:      planner,
		Executor:     exec,
		QueryTimeout: cfg.QueryTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	logsHandler, err := handlers.NewLogs(handlers.LogsConfig{
		Logger:      log,
		Clock:       clock,
		Service:     svc,
		Recorder:    recorder,
		Compression: cfg.CompressionEnabled,
	})
	if err != nil {
		return fmt.Errorf("failed to create logs handler: %w", err)
	}

	var metricsServer *http.Server
	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		listener, err := net.Listen("tcp", *metricsAddrFlag)
		if err != nil {
			log.Error("failed to start prometheus metrics server listener", "error", err)
		} else {
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				if err := metricsServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics server error", "error", err)
				}
			}()
		}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)

	// Sentry before Recoverer so panics are captured before recovery.
	if sentryDSN != "" {
		sentryHandler := sentryhttp.New(sentryhttp.Options{Repanic: true})
		r.Use(sentryHandler.Handle)
	}

	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Accept-Encoding"},
		ExposedHeaders:   []string{handlers.HeaderCompressionApplied, "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if shuttingDown.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("shutting down"))
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := pool.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database connection failed: " + handlers.SanitizeError(err)))
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/api/columns", handlers.GetColumns(schema.Default))
	logsHandler.Mount(r)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.QueryTimeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		log.Info("API server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("received shutdown signal, shutting down gracefully")
	case err := <-serverErrCh:
		return fmt.Errorf("server error: %w", err)
	}

	shuttingDown.Store(true)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown error", "error", err)
	} else {
		log.Info("server stopped gracefully")
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error("metrics server shutdown error", "error", err)
		}
	}

	return nil
}
