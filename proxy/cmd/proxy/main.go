package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/strataops/xref/proxy/pkg/metrics"
	"github.com/strataops/xref/proxy/pkg/relay"
	"github.com/strataops/xref/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr  = "0.0.0.0:8080"
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
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "HTTP server listen address")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics")
	targetHostFlag := flag.String("warehouse-host", "", "Warehouse hostname to relay to (or set WAREHOUSE_HOST env var)")
	upstreamTimeoutFlag := flag.Duration("upstream-timeout", 50*time.Second, "Timeout for relayed warehouse calls")
	flag.Parse()

	// godotenv does not override existing env vars, so process env and
	// explicit exports take precedence.
	_ = godotenv.Load()

	if envHost := os.Getenv("WAREHOUSE_HOST"); envHost != "" {
		*targetHostFlag = envHost
	}
	token := os.Getenv("WAREHOUSE_TOKEN")

	log := logger.New(*verboseFlag)
	log.Info("starting xref-proxy", "version", version, "commit", commit, "date", date)

	// Sentry is optional and a no-op when the DSN is not set.
	sentryDSN := os.Getenv("SENTRY_DSN")
	if sentryDSN != "" {
		env := os.Getenv("SENTRY_ENVIRONMENT")
		if env == "" {
			env = "development"
		}
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         sentryDSN,
			Environment: env,
			Release:     version + "-" + commit,
		}); err != nil {
			log.Warn("sentry initialization failed", "error", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	handler, err := relay.New(relay.Config{
		Logger:          log,
		TargetHost:      *targetHostFlag,
		Token:           token,
		UpstreamTimeout: *upstreamTimeoutFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create relay handler: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	if sentryDSN != "" {
		r.Use(sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle)
	}
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	corsOrigins := []string{"*"}
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		corsOrigins = strings.Split(origins, ",")
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Post("/api/query", handler.ServeHTTP)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)

	server := &http.Server{Addr: *listenAddrFlag, Handler: r}
	group.Go(func() error {
		log.Info("proxy listening", "addr", *listenAddrFlag)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("proxy server error: %w", err)
		}
		return nil
	})

	var metricsServer *http.Server
	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		listener, err := net.Listen("tcp", *metricsAddrFlag)
		if err != nil {
			log.Warn("failed to start metrics listener", "error", err)
		} else {
			log.Info("metrics listening", "addr", listener.Addr().String())
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			metricsServer = &http.Server{Handler: mux}
			group.Go(func() error {
				if err := metricsServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("metrics server error: %w", err)
				}
				return nil
			})
		}
	}

	group.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if metricsServer != nil {
			_ = metricsServer.Shutdown(shutdownCtx)
		}
		return server.Shutdown(shutdownCtx)
	})

	return group.Wait()
}
