package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	flag "github.com/spf13/pflag"

	"github.com/splax/shipyard/internal/app/migrate"
	"github.com/splax/shipyard/internal/logstore/clickhouse"
	"github.com/splax/shipyard/pkg/config"
	"github.com/splax/shipyard/pkg/logger"
)

func main() {
	command := flag.String("command", "up", "migrate command (up|status|down)")
	timeout := flag.Duration("timeout", time.Minute, "command timeout")
	target := flag.Int64("target", 0, "target version for down command (optional)")
	dir := flag.String("dir", "", "migrations directory (defaults to the embedded migrations)")
	withLogStore := flag.Bool("clickhouse", true, "also create the ClickHouse log table on up")
	flag.Parse()

	if err := config.LoadDotEnv(); err != nil {
		slog.Error("failed to load .env", "error", err)
		os.Exit(1)
	}
	cfg := config.LoadAPIConfig()
	log := logger.New("migrate", logger.ParseLevel(cfg.LogLevel))

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	var opts []migrate.Option
	if *command == "up" && *withLogStore && cfg.LogStoreDriver == config.LogStoreClickHouse {
		store, err := clickhouse.Open(ctx, clickhouse.Config{DSN: cfg.ClickHouseDSN, Table: cfg.ClickHouseTable, Timeout: cfg.ClickHouseTimeout}, log)
		if err != nil {
			log.Error("failed to connect to clickhouse", "error", err)
			os.Exit(1)
		}
		defer store.Close()
		opts = append(opts, migrate.WithStore("clickhouse", store))
	}

	migrationsDir := *dir
	if migrationsDir == "" {
		migrationsDir = cfg.MigrationsDir
	}
	runner, err := migrate.New(pool, cfg.DatabaseURL, migrationsDir, log, opts...)
	if err != nil {
		log.Error("failed to configure migration runner", "error", err)
		os.Exit(1)
	}

	switch *command {
	case "up":
		err = runner.Ensure(ctx)
	case "status":
		err = runner.Status(ctx)
	case "down":
		err = runner.Down(ctx, *target)
	default:
		log.Error("unsupported command", "command", *command)
		os.Exit(1)
	}
	if err != nil {
		log.Error("migration command failed", "command", *command, "error", err)
		os.Exit(1)
	}

	log.Info("migration command completed", "command", *command)
}
