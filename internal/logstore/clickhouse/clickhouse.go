// Package clickhouse implements logstore.Store on a ClickHouse MergeTree table.
package clickhouse

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/logstore"
)

const (
	defaultTable   = "log_events"
	defaultTimeout = 5 * time.Second
)

// Config controls the ClickHouse connection.
type Config struct {
	DSN     string
	Table   string
	Timeout time.Duration
}

// Store writes log events in batches and reads them back in timestamp order.
type Store struct {
	conn    driver.Conn
	table   string
	timeout time.Duration
	log     *slog.Logger
}

var _ logstore.Store = (*Store)(nil)

// Open dials ClickHouse and verifies the connection.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	opts, err := ch.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse clickhouse dsn: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = defaultTimeout
	}
	conn, err := ch.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	store := New(conn, cfg, logger)
	pingCtx, cancel := context.WithTimeout(ctx, store.timeout)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	return store, nil
}

// New wraps an existing connection.
func New(conn driver.Conn, cfg Config, logger *slog.Logger) *Store {
	table := strings.TrimSpace(cfg.Table)
	if table == "" {
		table = defaultTable
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{conn: conn, table: table, timeout: timeout, log: logger.With("component", "logstore")}
}

// SchemaDDL returns the CREATE TABLE statement for the events table.
func SchemaDDL(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	event_id      UUID,
	deployment_id String,
	log           String,
	timestamp     DateTime64(6)
) ENGINE = MergeTree
ORDER BY (deployment_id, timestamp, event_id)`, table)
}

// EnsureSchema creates the events table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.conn.Exec(ctx, SchemaDDL(s.table)); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// Insert writes events as a single native batch.
func (s *Store) Insert(ctx context.Context, events []domain.LogEvent) error {
	if len(events) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+s.table+" (event_id, deployment_id, log, timestamp)")
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for _, ev := range events {
		id, err := uuid.Parse(ev.EventID)
		if err != nil {
			_ = batch.Abort()
			return fmt.Errorf("event id %q: %w", ev.EventID, err)
		}
		if err := batch.Append(id, ev.DeploymentID, ev.Log, ev.Timestamp.UTC()); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append event: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// ListByDeployment returns events for a deployment ordered by (timestamp, event_id).
func (s *Store) ListByDeployment(ctx context.Context, deploymentID string, q logstore.Query) ([]domain.LogEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query, args := buildSelect(s.table, deploymentID, q)
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	events := make([]domain.LogEvent, 0)
	for rows.Next() {
		var (
			ev domain.LogEvent
			id uuid.UUID
		)
		if err := rows.Scan(&id, &ev.DeploymentID, &ev.Log, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan log row: %w", err)
		}
		ev.EventID = id.String()
		ev.Timestamp = ev.Timestamp.UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log rows: %w", err)
	}
	return events, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.conn.Ping(ctx)
}

// Close releases the connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

func buildSelect(table, deploymentID string, q logstore.Query) (string, []any) {
	var b strings.Builder
	args := []any{deploymentID}
	b.WriteString("SELECT event_id, deployment_id, log, timestamp FROM ")
	b.WriteString(table)
	b.WriteString(" WHERE deployment_id = ?")
	if !q.After.IsZero() {
		b.WriteString(" AND timestamp > ?")
		args = append(args, q.After.UTC())
	}
	b.WriteString(" ORDER BY timestamp ASC, event_id ASC LIMIT ")
	b.WriteString(fmt.Sprint(q.EffectiveLimit()))
	return b.String(), args
}
