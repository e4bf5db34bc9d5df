package main

import (
	"context"
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
	"github.com/redis/go-redis/v9"
	flag "github.com/spf13/pflag"

	"github.com/splax/shipyard/internal/app/migrate"
	"github.com/splax/shipyard/internal/dispatch"
	httpx "github.com/splax/shipyard/internal/http"
	"github.com/splax/shipyard/internal/logstore"
	"github.com/splax/shipyard/internal/logstore/clickhouse"
	"github.com/splax/shipyard/internal/repository"
	"github.com/splax/shipyard/internal/repository/memory"
	"github.com/splax/shipyard/internal/repository/postgres"
	"github.com/splax/shipyard/internal/service/deploy"
	"github.com/splax/shipyard/internal/service/logs"
	"github.com/splax/shipyard/internal/service/project"
	"github.com/splax/shipyard/internal/stream"
	"github.com/splax/shipyard/internal/ws"
	"github.com/splax/shipyard/pkg/config"
	"github.com/splax/shipyard/pkg/logger"
)

type registry interface {
	repository.ProjectRepository
	repository.DeploymentRepository
	repository.ReadyNotifier
}

type brokerSource interface {
	stream.Source
	stream.DeadLetterSink
}

func main() {
	envFile := flag.String("env-file", ".env", "dotenv file loaded before reading the environment")
	addr := flag.String("addr", "", "HTTP listen address (overrides API_ADDR)")
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		slog.Error("failed to load env file", "error", err)
		os.Exit(1)
	}
	cfg := config.LoadAPIConfig()
	if *addr != "" {
		cfg.Addr = *addr
	}
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))

	if err := run(cfg, log); err != nil {
		log.Error("api exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.APIConfig, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checks := make(map[string]httpx.HealthCheck)

	var repo registry
	switch cfg.RegistryStore {
	case config.RegistryMemory:
		log.Warn("using in-memory registry; projects are lost on restart")
		repo = memory.New()
	default:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer pool.Close()
		if cfg.AutoMigrate {
			runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
			if err != nil {
				return fmt.Errorf("configure migrations: %w", err)
			}
			if err := runner.Ping(ctx); err != nil {
				return err
			}
			if err := runner.Ensure(ctx); err != nil {
				return err
			}
		}
		repo = postgres.New(pool, cfg.ReadyChannel)
		checks["database"] = pool.Ping
	}

	store, err := openLogStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()
	if pinger, ok := store.(interface{ Ping(context.Context) error }); ok {
		checks["log_store"] = pinger.Ping
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	dispatcher, err := newDispatcher(cfg.Dispatch, log)
	if err != nil {
		return err
	}

	hub := ws.NewHub(
		ws.WithWriteTimeout(cfg.HubWriteTimeout),
		ws.WithLogger(log),
		ws.WithMetrics(ws.NewMetrics(prometheus.DefaultRegisterer)),
	)
	logSvc := logs.New(store, hub, log)
	projectSvc := project.New(repo, repo, log)
	deploySvc := deploy.New(projectSvc, repo, repo, dispatcher, log,
		deploy.WithSubmitTimeout(cfg.Dispatch.SubmitTimeout),
		deploy.WithLogAppender(logSvc),
	)

	source, err := openSource(ctx, cfg, rdb, log)
	if err != nil {
		return err
	}
	consumer := stream.NewConsumer(source, logSvc, source, stream.Config{
		MaxAttempts:       cfg.MaxAttempts,
		RetryBase:         cfg.RetryBase,
		RetryCap:          cfg.RetryCap,
		HeartbeatInterval: cfg.HeartbeatEvery,
		CheckpointEvery:   cfg.CheckpointEvery,
	}, log,
		stream.WithStatusHook(deploySvc.ApplyStatus),
		stream.WithMetrics(stream.NewMetrics(prometheus.DefaultRegisterer)),
	)

	var limiter httpx.RateLimiter
	if cfg.RateLimitBackend == "redis" {
		if rdb == nil {
			return errors.New("RATE_LIMIT_BACKEND=redis requires REDIS_URL")
		}
		limiter = httpx.NewRedisRateLimiter(rdb, log)
	}
	router := httpx.NewRouter(log, projectSvc, deploySvc, logSvc, limiter, checks)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	defer stopConsumer()
	consumerDone := make(chan error, 1)
	go func() {
		consumerDone <- consumer.Run(consumerCtx)
	}()

	serverDone := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "broker", cfg.BrokerDriver, "log_store", cfg.LogStoreDriver)
		serverDone <- srv.ListenAndServe()
	}()

	var runErr error
	consumerStopped := false
	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case err := <-serverDone:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("http server: %w", err)
		}
	case err := <-consumerDone:
		consumerStopped = true
		if err != nil {
			runErr = fmt.Errorf("log consumer: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
	router.Close()

	// The consumer finishes and commits its in-flight batch before the stores close.
	stopConsumer()
	if !consumerStopped {
		select {
		case err := <-consumerDone:
			if err != nil && runErr == nil {
				runErr = fmt.Errorf("log consumer: %w", err)
			}
		case <-shutdownCtx.Done():
			log.Error("log consumer did not stop in time")
		}
	}
	deploySvc.Wait()
	log.Info("api server stopped")
	return runErr
}

func openLogStore(ctx context.Context, cfg config.APIConfig, log *slog.Logger) (logstore.Store, error) {
	switch cfg.LogStoreDriver {
	case config.LogStoreMemory:
		log.Warn("using in-memory log store; history is lost on restart")
		return logstore.NewMemory(), nil
	case config.LogStoreClickHouse:
		store, err := clickhouse.Open(ctx, clickhouse.Config{
			DSN:     cfg.ClickHouseDSN,
			Table:   cfg.ClickHouseTable,
			Timeout: cfg.ClickHouseTimeout,
		}, log)
		if err != nil {
			return nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown LOG_STORE_DRIVER %q", cfg.LogStoreDriver)
	}
}

func openSource(ctx context.Context, cfg config.APIConfig, rdb *redis.Client, log *slog.Logger) (brokerSource, error) {
	switch cfg.BrokerDriver {
	case config.BrokerKafka:
		return stream.NewKafkaSource(ctx, stream.KafkaConfig{
			Brokers:         cfg.KafkaBrokers,
			Topic:           cfg.KafkaTopic,
			Group:           cfg.KafkaGroup,
			DeadLetterTopic: cfg.KafkaDLQTopic,
			ClientID:        cfg.ConsumerName,
		}, log)
	case config.BrokerRedis:
		if rdb == nil {
			return nil, errors.New("BROKER_DRIVER=redis requires REDIS_URL")
		}
		return stream.NewRedisSource(ctx, rdb, stream.RedisConfig{
			Stream:   cfg.KafkaTopic,
			Group:    cfg.KafkaGroup,
			Consumer: cfg.ConsumerName,
		}, log)
	default:
		return nil, fmt.Errorf("unknown BROKER_DRIVER %q", cfg.BrokerDriver)
	}
}

func newDispatcher(cfg config.DispatchConfig, log *slog.Logger) (dispatch.Dispatcher, error) {
	switch cfg.Driver {
	case config.DispatchKubernetes:
		return dispatch.NewKubernetes(dispatch.KubernetesConfig{
			Namespace:      cfg.Namespace,
			Image:          cfg.Image,
			KafkaBroker:    cfg.KafkaBroker,
			TTLAfterFinish: cfg.TTLAfterFinish,
			ActiveDeadline: cfg.ActiveDeadline,
			ServiceAccount: cfg.ServiceAccount,
		}, log)
	case config.DispatchDocker:
		return dispatch.NewDocker(dispatch.DockerConfig{
			Host:        cfg.DockerHost,
			Image:       cfg.Image,
			Network:     cfg.DockerNetwork,
			KafkaBroker: cfg.KafkaBroker,
		}, log)
	case config.DispatchLog:
		log.Warn("dispatch driver is log; builds are recorded but not run")
		return dispatch.NewLogging(log), nil
	default:
		return nil, fmt.Errorf("unknown DISPATCH_DRIVER %q", cfg.Driver)
	}
}
