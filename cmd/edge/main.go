package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/splax/shipyard/internal/edge"
	"github.com/splax/shipyard/internal/repository/postgres"
	"github.com/splax/shipyard/pkg/config"
	"github.com/splax/shipyard/pkg/logger"
)

func main() {
	envFile := flag.String("env-file", ".env", "dotenv file loaded before reading the environment")
	addr := flag.String("addr", "", "proxy listen address (overrides EDGE_ADDR)")
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		slog.Error("failed to load env file", "error", err)
		os.Exit(1)
	}
	cfg := config.LoadEdgeConfig()
	if *addr != "" {
		cfg.Addr = *addr
	}
	log := logger.New("edge", logger.ParseLevel(cfg.LogLevel))

	if err := run(cfg, log); err != nil {
		log.Error("edge exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.EdgeConfig, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	repo := postgres.New(pool, cfg.ReadyChannel)

	cache := edge.NewCache(cfg.CacheTTL, cfg.NegativeTTL)
	resolver := edge.NewResolver(repo, cache, cfg.LookupTimeout)
	router, err := edge.NewRouter(resolver, edge.Config{
		ArtifactBase:    cfg.ArtifactBase,
		UpstreamTimeout: cfg.UpstreamTimeout,
		DialTimeout:     cfg.DialTimeout,
	}, log, edge.NewMetrics(prometheus.DefaultRegisterer))
	if err != nil {
		return err
	}

	go cache.RunSweeper(ctx, cfg.CacheSweepEvery)
	listener := postgres.NewReadyListener(pool, cfg.ReadyChannel, log)
	go listener.Run(ctx, func(subDomain string) {
		log.Debug("route invalidated", "sub_domain", subDomain)
		resolver.Invalidate(subDomain)
	}, func() {
		log.Info("route cache flushed after listen")
		resolver.InvalidateAll()
	})

	admin := http.NewServeMux()
	admin.Handle("/metrics", promhttp.Handler())
	admin.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		status, code := "ok", http.StatusOK
		database := map[string]any{"status": "up"}
		if err := pool.Ping(pingCtx); err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
			database = map[string]any{"status": "down", "error": err.Error()}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": status,
			"components": map[string]any{
				"database": database,
				"cache":    map[string]any{"entries": cache.Len()},
			},
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	proxySrv := &http.Server{Addr: cfg.Addr, Handler: router, ReadHeaderTimeout: 5 * time.Second}
	adminSrv := &http.Server{Addr: cfg.AdminAddr, Handler: admin, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 2)
	for _, srv := range []*http.Server{proxySrv, adminSrv} {
		go func(srv *http.Server) {
			log.Info("edge listener starting", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
		}(srv)
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	for _, srv := range []*http.Server{proxySrv, adminSrv} {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "addr", srv.Addr, "error", err)
		}
	}
	log.Info("edge stopped")
	return runErr
}
